// File: server/conn.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One relay connection: the socket, its outbound queue and the writer
// goroutine draining it.

package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/momentics/aemu-postoffice/api"
	"github.com/momentics/aemu-postoffice/pool"
	"github.com/rs/zerolog"
)

// relayConn is guarded by Server.mu for its session fields (state, name,
// peer, paired) and by qmu for the outbound queue.
type relayConn struct {
	id     uuid.UUID
	ip     string
	nc     net.Conn
	log    zerolog.Logger
	server *Server

	state connState
	name  string
	src   api.VirtualAddr
	dst   api.VirtualAddr
	peer  *relayConn
	// paired is closed once a stream has both ends.
	paired chan struct{}
	// phase is "header" or "data" for the frame the reader is on.
	phase atomic.Value

	qmu    sync.Mutex
	cond   *sync.Cond
	q      *queue.Queue
	closed bool
	done   chan struct{}
}

func newRelayConn(s *Server, nc net.Conn) *relayConn {
	ip, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		ip = nc.RemoteAddr().String()
	}
	c := &relayConn{
		id:     uuid.New(),
		ip:     ip,
		nc:     nc,
		server: s,
		state:  stateInit,
		paired: make(chan struct{}),
		q:      queue.New(),
		done:   make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.qmu)
	c.phase.Store("header")
	c.log = s.log.With().Str("conn", c.id.String()).Str("ip", ip).Logger()
	return c
}

// enqueue schedules f for the writer. Frames for a closed connection are
// recycled unsent.
func (c *relayConn) enqueue(f *pool.Frame) {
	c.qmu.Lock()
	if c.closed {
		c.qmu.Unlock()
		c.server.recycle(f)
		return
	}
	c.q.Add(f)
	c.cond.Signal()
	c.qmu.Unlock()
}

func (c *relayConn) writeLoop() {
	for {
		c.qmu.Lock()
		for c.q.Length() == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.qmu.Unlock()
			return
		}
		f := c.q.Remove().(*pool.Frame)
		c.qmu.Unlock()

		n := len(f.B)
		_, err := c.nc.Write(f.B)
		c.server.recycle(f)
		if err != nil {
			c.server.connFailed(c, err)
			return
		}
		c.server.stats.rx(c.ip, c.state, n)
	}
}

// close destroys the socket and drops anything still queued. It is safe to
// call more than once.
func (c *relayConn) close() {
	c.qmu.Lock()
	if c.closed {
		c.qmu.Unlock()
		return
	}
	c.closed = true
	for c.q.Length() > 0 {
		c.server.recycle(c.q.Remove().(*pool.Frame))
	}
	c.cond.Broadcast()
	c.qmu.Unlock()
	close(c.done)
	_ = c.nc.Close()
}

func (c *relayConn) isClosed() bool {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return c.closed
}

func (c *relayConn) info() SessionInfo {
	in := SessionInfo{
		State:   string(c.state),
		SrcAddr: c.src.MAC.String(),
		SPort:   c.src.Port,
	}
	switch {
	case c.state == statePDP:
		in.PDPState = c.phase.Load().(string)
	case c.state.stream():
		in.DstAddr = c.dst.MAC.String()
		in.DPort = c.dst.Port
		select {
		case <-c.paired:
			in.PTPState = c.phase.Load().(string)
		default:
			in.PTPState = "waiting"
		}
	}
	return in
}
