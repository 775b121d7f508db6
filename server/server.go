// File: server/server.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Relay accept loop, session registry and frame routing. Sessions are keyed
// by the name their init packet implies; a new session with a taken name
// destroys the old one (and, for streams, its peer).

package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/aemu-postoffice/api"
	"github.com/momentics/aemu-postoffice/internal/logging"
	"github.com/momentics/aemu-postoffice/pool"
	"github.com/momentics/aemu-postoffice/protocol"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var ErrAlreadyRunning = errors.New("server already running")

// Server is the postoffice relay.
type Server struct {
	cfg   *Config
	log   zerolog.Logger
	reg   *prometheus.Registry
	stats *statistics

	pdpFrames *pool.FramePool
	ptpFrames *pool.FramePool

	mu       sync.Mutex
	ln       net.Listener
	sessions map[string]*relayConn
	conns    map[*relayConn]struct{}

	active   atomic.Int32
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewServer creates a relay. A nil cfg selects DefaultConfig.
func NewServer(cfg *Config, opts ...ServerOption) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		cfg:      cfg,
		log:      logging.Component("relay"),
		sessions: make(map[string]*relayConn),
		conns:    make(map[*relayConn]struct{}),
		shutdown: make(chan struct{}),

		pdpFrames: pool.NewFramePool(pdpFrameCap),
		ptpFrames: pool.NewFramePool(ptpFrameCap),
	}
	for _, o := range opts {
		o(s)
	}
	if s.reg == nil {
		s.reg = prometheus.NewRegistry()
	}
	s.stats = newStatistics(s.reg)
	return s
}

const (
	pdpFrameCap = protocol.PDPHeaderLen + pdpSizeLimit
	ptpFrameCap = protocol.PTPHeaderLen + ptpSizeLimit
)

// recycle returns a forwarded frame to the pool it came from.
func (s *Server) recycle(f *pool.Frame) {
	switch cap(f.B) {
	case pdpFrameCap:
		s.pdpFrames.Put(f)
	case ptpFrameCap:
		s.ptpFrames.Put(f)
	}
}

func notify(a api.VirtualAddr) *pool.Frame {
	return &pool.Frame{B: protocol.AppendNotify(make([]byte, 0, protocol.NotifyLen), a)}
}

func pdpName(a api.VirtualAddr) string {
	return fmt.Sprintf("PDP %s %d", a.MAC, a.Port)
}

func listenName(a api.VirtualAddr) string {
	return fmt.Sprintf("PTP_LISTEN %s %d", a.MAC, a.Port)
}

func connectName(src, dst api.VirtualAddr) string {
	return fmt.Sprintf("PTP_CONNECT %s %d %s %d", src.MAC, src.Port, dst.MAC, dst.Port)
}

func acceptName(src, dst api.VirtualAddr) string {
	return fmt.Sprintf("PTP_ACCEPT %s %d %s %d", src.MAC, src.Port, dst.MAC, dst.Port)
}

// ListenAndServe binds the relay and, when configured, the status endpoint,
// and serves until ctx is done or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.ListenAddr)
	}
	if s.cfg.StatusAddr != "" {
		hs := &http.Server{
			Addr:              s.cfg.StatusAddr,
			Handler:           s.StatusHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error().Err(err).Str("addr", s.cfg.StatusAddr).Msg("status endpoint failed")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Shutdown(sctx)
		}()
		s.log.Info().Str("addr", s.cfg.StatusAddr).Msg("status endpoint listening")
	}
	return s.Serve(ctx, ln)
}

// Serve accepts relay connections on ln until ctx is done or Shutdown is
// called. Every open connection is closed before Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.ln = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		case <-stop:
		}
		_ = ln.Close()
	}()
	if s.cfg.StatisticsInterval > 0 {
		go s.reportLoop(stop)
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.closeAll()
			s.wg.Wait()
			select {
			case <-ctx.Done():
				return nil
			case <-s.shutdown:
				return nil
			default:
			}
			return errors.Wrap(err, "accept")
		}
		if s.cfg.MaxConnections > 0 && int(s.active.Load()) >= s.cfg.MaxConnections {
			s.stats.drop("max_connections")
			s.log.Warn().Str("remote", nc.RemoteAddr().String()).Msg("connection limit reached")
			_ = nc.Close()
			continue
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetNoDelay(true)
		}
		c := newRelayConn(s, nc)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.active.Add(1)
		s.stats.connections.Inc()
		s.wg.Add(1)
		go s.handle(c)
	}
}

// Shutdown stops Serve. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.once.Do(func() { close(s.shutdown) })
}

// Addr returns the relay listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) reportLoop(stop <-chan struct{}) {
	t := time.NewTicker(s.cfg.StatisticsInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.stats.report(s.log)
		case <-stop:
			return
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.close()
	}
	s.sessions = make(map[string]*relayConn)
}

func (s *Server) handle(c *relayConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.active.Add(-1)
		s.stats.connections.Dec()
		s.wg.Done()
	}()
	var buf [protocol.InitLen]byte
	if s.cfg.InitTimeout > 0 {
		_ = c.nc.SetReadDeadline(time.Now().Add(s.cfg.InitTimeout))
	}
	if _, err := io.ReadFull(c.nc, buf[:]); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			s.stats.drop("stale_init")
			c.log.Info().Msg("dropping connection without init packet")
		} else {
			c.log.Debug().Err(err).Msg("closed before init")
		}
		c.close()
		return
	}
	_ = c.nc.SetReadDeadline(time.Time{})

	in, err := protocol.ParseInit(buf[:])
	if err != nil {
		s.stats.drop("bad_init")
		c.log.Warn().Err(err).Msg("bad init packet")
		c.close()
		return
	}

	c.state = stateFor(in.Type)
	go c.writeLoop()

	switch in.Type {
	case protocol.InitPDP:
		s.servePDP(c, in)
	case protocol.InitPTPListen:
		s.serveListen(c, in)
	case protocol.InitPTPConnect:
		s.serveConnect(c, in)
	case protocol.InitPTPAccept:
		s.serveAccept(c, in)
	}
}

func stateFor(t protocol.SessionType) connState {
	switch t {
	case protocol.InitPDP:
		return statePDP
	case protocol.InitPTPListen:
		return statePTPListen
	case protocol.InitPTPConnect:
		return statePTPConnect
	case protocol.InitPTPAccept:
		return statePTPAccept
	}
	return stateInit
}

// registerLocked names c and evicts any session holding the same name.
func (s *Server) registerLocked(c *relayConn, name string) {
	c.name = name
	if old := s.sessions[name]; old != nil && old != c {
		old.log.Info().Str("session", name).Msg("replaced by a new session")
		s.stats.drop("replaced")
		s.teardownLocked(old)
	}
	s.sessions[name] = c
}

func (s *Server) removeLocked(c *relayConn) {
	if c.name != "" && s.sessions[c.name] == c {
		delete(s.sessions, c.name)
	}
}

// teardownLocked closes c and, for a stream, its peer.
func (s *Server) teardownLocked(c *relayConn) {
	c.close()
	s.removeLocked(c)
	if c.state.stream() && c.peer != nil {
		c.peer.close()
		s.removeLocked(c.peer)
	}
}

func (s *Server) endSession(c *relayConn, err error) {
	s.mu.Lock()
	s.teardownLocked(c)
	s.mu.Unlock()

	ev := c.log.Info()
	msg := "closed by client"
	switch {
	case err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
	case errors.Is(err, net.ErrClosed):
		ev, msg = c.log.Debug(), "closed by relay"
	default:
		ev, msg = c.log.Warn().Err(err), "session errored"
	}
	ev.Str("session", c.name).Msg(msg)
}

// connFailed handles a write error reported by c's writer.
func (s *Server) connFailed(c *relayConn, err error) {
	if c.isClosed() {
		return
	}
	c.log.Debug().Err(err).Msg("write failed")
	s.mu.Lock()
	s.teardownLocked(c)
	s.mu.Unlock()
}

func (s *Server) servePDP(c *relayConn, in protocol.Init) {
	c.src = in.Src
	s.mu.Lock()
	s.registerLocked(c, pdpName(in.Src))
	s.mu.Unlock()
	s.stats.opened(c.ip, statePDP)
	c.log.Info().Str("session", c.name).Msg("pdp session opened")

	s.endSession(c, s.pdpLoop(c))
}

func (s *Server) pdpLoop(c *relayConn) error {
	hdr := make([]byte, protocol.PDPHeaderLen)
	for {
		c.phase.Store("header")
		if _, err := io.ReadFull(c.nc, hdr); err != nil {
			return err
		}
		h, _ := protocol.ParsePDPHeader(hdr)
		if err := protocol.CheckSize(h.Size, pdpSizeLimit); err != nil {
			s.stats.drop("oversize")
			return errors.Wrapf(err, "pdp frame of %d bytes to %s", h.Size, h.Addr)
		}
		c.phase.Store("data")
		f := s.pdpFrames.Get(protocol.PDPHeaderLen + int(h.Size))
		if _, err := io.ReadFull(c.nc, f.B[protocol.PDPHeaderLen:]); err != nil {
			s.recycle(f)
			return err
		}
		s.stats.tx(c.ip, statePDP, len(f.B))
		protocol.PutPDPHeader(f.B, c.src, h.Size)

		s.mu.Lock()
		target := s.sessions[pdpName(h.Addr)]
		s.mu.Unlock()
		if target == nil {
			s.stats.drop("no_target")
			s.recycle(f)
			continue
		}
		target.enqueue(f)
	}
}

func (s *Server) serveListen(c *relayConn, in protocol.Init) {
	c.src = in.Src
	s.mu.Lock()
	s.registerLocked(c, listenName(in.Src))
	s.mu.Unlock()
	s.stats.opened(c.ip, statePTPListen)
	c.log.Info().Str("session", c.name).Msg("ptp listener opened")

	// Listeners only receive notifications; anything they send is discarded.
	_, err := io.Copy(io.Discard, c.nc)
	s.endSession(c, err)
}

func (s *Server) serveConnect(c *relayConn, in protocol.Init) {
	c.src, c.dst = in.Src, in.Dst
	s.mu.Lock()
	l := s.sessions[listenName(in.Dst)]
	if l == nil {
		s.mu.Unlock()
		s.stats.drop("no_listener")
		c.log.Info().Str("dst", in.Dst.String()).Msg("connect to an address nobody listens on")
		c.close()
		return
	}
	s.registerLocked(c, connectName(in.Src, in.Dst))
	l.enqueue(notify(in.Src))
	s.mu.Unlock()
	s.stats.opened(c.ip, statePTPConnect)
	c.log.Info().Str("session", c.name).Msg("ptp connect waiting for accept")

	timer := time.AfterFunc(s.cfg.AcceptTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		select {
		case <-c.paired:
		default:
			if !c.isClosed() {
				s.stats.drop("accept_timeout")
				c.log.Info().Str("session", c.name).Msg("connect was not accepted in time")
				s.teardownLocked(c)
			}
		}
	})
	err := s.streamLoop(c)
	timer.Stop()
	s.endSession(c, err)
}

func (s *Server) serveAccept(c *relayConn, in protocol.Init) {
	c.src, c.dst = in.Src, in.Dst
	s.mu.Lock()
	s.registerLocked(c, acceptName(in.Src, in.Dst))
	cn := s.sessions[connectName(in.Dst, in.Src)]
	if cn == nil || cn.peer != nil {
		s.teardownLocked(c)
		s.mu.Unlock()
		s.stats.drop("no_connect")
		c.log.Info().Str("peer", in.Dst.String()).Msg("accept without a waiting connect")
		return
	}
	c.peer, cn.peer = cn, c
	close(c.paired)
	close(cn.paired)
	cn.enqueue(notify(in.Src))
	c.enqueue(notify(in.Dst))
	s.mu.Unlock()
	s.stats.opened(c.ip, statePTPAccept)
	c.log.Info().Str("session", c.name).Msg("ptp stream established")

	s.endSession(c, s.streamLoop(c))
}

// streamLoop forwards chunks from c to its peer once the pair is complete.
// Chunks a connector sends before that stay in its socket buffer.
func (s *Server) streamLoop(c *relayConn) error {
	select {
	case <-c.paired:
	case <-c.done:
		return net.ErrClosed
	}
	s.mu.Lock()
	peer := c.peer
	s.mu.Unlock()

	hdr := make([]byte, protocol.PTPHeaderLen)
	for {
		c.phase.Store("header")
		if _, err := io.ReadFull(c.nc, hdr); err != nil {
			return err
		}
		size, _ := protocol.ParsePTPHeader(hdr)
		if err := protocol.CheckSize(size, ptpSizeLimit); err != nil {
			s.stats.drop("oversize")
			return errors.Wrapf(err, "ptp chunk of %d bytes", size)
		}
		c.phase.Store("data")
		f := s.ptpFrames.Get(protocol.PTPHeaderLen + int(size))
		copy(f.B, hdr)
		if _, err := io.ReadFull(c.nc, f.B[protocol.PTPHeaderLen:]); err != nil {
			s.recycle(f)
			return err
		}
		s.stats.tx(c.ip, c.state, len(f.B))
		peer.enqueue(f)
	}
}

// Sessions returns the registered sessions grouped by source MAC.
func (s *Server) Sessions() map[string][]SessionInfo {
	s.mu.Lock()
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string][]SessionInfo)
	for _, name := range names {
		in := s.sessions[name].info()
		out[in.SrcAddr] = append(out[in.SrcAddr], in)
	}
	s.mu.Unlock()
	return out
}

// Usage returns the per-IP tally of the current statistics interval.
func (s *Server) Usage() map[string]IPStats {
	return s.stats.snapshot(false)
}
