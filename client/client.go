// File: client/client.go
// Package client provides the adhoc session API tunnelled through a
// postoffice relay.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The client implements:
// - Datagram (PDP) sockets bound to a virtual MAC and port
// - Stream (PTP) listen, accept and connect with relay rendezvous
// - Caller-selectable blocking or non-blocking transfers
// - Last-bind-wins replacement of sessions sharing an address
// - Fixed-capacity session tables with generation-checked handles
//
// Every error returned by a Client method is an api.Status.

package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/aemu-postoffice/api"
	"github.com/momentics/aemu-postoffice/control"
	"github.com/momentics/aemu-postoffice/internal/logging"
	"github.com/momentics/aemu-postoffice/internal/session"
	"github.com/momentics/aemu-postoffice/internal/transport"
	"github.com/momentics/aemu-postoffice/pool"
	"github.com/momentics/aemu-postoffice/protocol"
)

// DefaultDialTimeout bounds relay connection establishment when the
// caller's context carries no deadline.
const DefaultDialTimeout = 10 * time.Second

// Client owns the session tables and the transport to one relay.
type Client struct {
	relayAddr   string
	dialTimeout time.Duration
	backend     transport.Backend
	perKind     int
	allocator   session.Allocator

	tr      api.Transport
	store   *session.Store
	log     zerolog.Logger
	metrics *control.Metrics

	pdpFrames *pool.FramePool
	ptpFrames *pool.FramePool

	closed atomic.Bool
}

// New creates a client for the relay at relayAddr ("host:port").
func New(relayAddr string, opts ...Option) (*Client, error) {
	c := &Client{
		relayAddr:   relayAddr,
		dialTimeout: DefaultDialTimeout,
		backend:     transport.BackendNative,
		log:         logging.L(),
		pdpFrames:   pool.NewFramePool(protocol.PDPHeaderLen + protocol.PDPBlockMax),
		ptpFrames:   pool.NewFramePool(protocol.PTPHeaderLen + protocol.PTPBlockMax),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "postoffice_client").Logger()

	if c.tr == nil {
		tr, err := transport.NewTransport(c.backend, c.log)
		if err != nil {
			return nil, err
		}
		c.tr = tr
	}
	c.store = session.New(session.Config{
		SessionsPerKind: c.perKind,
		Allocator:       c.allocator,
		Logger:          c.log,
	})
	c.log.Info().Str("relay", relayAddr).Str("transport", c.tr.Name()).Msg("postoffice client ready")
	return c, nil
}

// NewFromConfig creates a client from loaded configuration. Options are
// applied after the configuration and take precedence.
func NewFromConfig(cfg *control.Config, opts ...Option) (*Client, error) {
	backend, err := transport.ParseBackend(cfg.Transport.Backend)
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithBackend(backend),
		WithDialTimeout(cfg.Relay.DialTimeout),
		WithSessionsPerKind(cfg.Sessions.PerKind),
	}
	return New(cfg.Relay.Addr, append(base, opts...)...)
}

// Stats snapshots session table occupancy.
func (c *Client) Stats() [api.NumKinds]session.KindStats {
	return c.store.Stats()
}

// RegisterProbes exposes session table state through dp.
func (c *Client) RegisterProbes(dp *control.DebugProbes) {
	dp.RegisterProbe("postoffice.relay", func() any { return c.relayAddr })
	dp.RegisterProbe("postoffice.transport", func() any { return c.tr.Name() })
	for _, kind := range []api.SessionKind{api.KindPDP, api.KindPTPListen, api.KindPTP} {
		kind := kind
		dp.RegisterProbe("sessions."+kind.String(), func() any {
			return c.store.Stats()[kind]
		})
	}
}

// Close deletes every session, live or dead. Binds after Close fail with
// api.StatusDead.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, h := range c.store.Handles() {
		if err := c.teardown(h); err != nil && !errors.Is(err, api.StatusDead) {
			errs = append(errs, fmt.Errorf("%s: %w", h, err))
		}
	}
	c.log.Info().Msg("postoffice client closed")
	return errors.Join(errs...)
}

// dialContext bounds a relay dial by the configured timeout when ctx has
// no deadline of its own. The returned cancel is armed as the reserved
// slot's kill hook so teardown interrupts the dial.
func (c *Client) dialContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && c.dialTimeout > 0 {
		return context.WithTimeout(ctx, c.dialTimeout)
	}
	return context.WithCancel(ctx)
}

// reserve claims a slot for a new session under the guard and registers
// the bind as an in-flight operation on it. The slot stays unbound, and
// invisible to replacement, until bind publishes its connection.
func (c *Client) reserve(alloc func(tx *session.Tx) (api.Handle, *session.Base, error), cancel context.CancelFunc) (api.Handle, *session.Base, error) {
	var (
		h api.Handle
		b *session.Base
	)
	err := c.store.Update(func(tx *session.Tx) error {
		if c.closed.Load() {
			return api.StatusDead
		}
		hh, bb, err := alloc(tx)
		if err != nil {
			return err
		}
		bb.Enter()
		bb.OnKill(cancel)
		h, b = hh, bb
		return nil
	})
	if err == nil {
		c.metrics.SessionOpened(h.Kind)
	}
	return h, b, err
}

// openRelay dials the relay and sends the init packet for a new session.
// It runs outside the guard; abort is the reserved slot's flag.
func (c *Client) openRelay(ctx context.Context, init protocol.Init, abort *atomic.Bool) (api.NativeConn, error) {
	conn, err := c.tr.Dial(ctx, c.relayAddr)
	if err != nil {
		c.log.Warn().Err(err).Str("relay", c.relayAddr).Stringer("type", init.Type).Msg("failed connecting to relay")
		if abort.Load() {
			return nil, api.StatusDead
		}
		return nil, api.StatusNetwork
	}
	pkt := protocol.AppendInit(make([]byte, 0, protocol.InitLen), init)
	n, err := transport.TransferUntilDone(conn, pkt, transport.Send, false, abort)
	if err != nil || n != len(pkt) {
		_ = conn.Close()
		c.log.Warn().Err(err).Stringer("type", init.Type).Msg("failed sending init packet")
		if errors.Is(err, api.StatusAborted) {
			return nil, api.StatusDead
		}
		return nil, api.StatusNetwork
	}
	return conn, nil
}

// bind finishes a reserved slot under the guard. On success publish runs
// (replacement and addressing) and the connection is attached; a failed
// dial releases the slot. A slot killed while dialling belongs to the
// teardown that killed it, so bind only drops its own connection.
func (c *Client) bind(h api.Handle, b *session.Base, conn api.NativeConn, dialErr error, publish func(tx *session.Tx)) error {
	return c.store.Update(func(tx *session.Tx) error {
		b.OnKill(nil)
		if b.Abort.Load() {
			if conn != nil {
				_ = conn.Close()
			}
			b.Leave()
			return api.StatusDead
		}
		if dialErr != nil {
			b.Leave()
			if tx.Free(h) == nil {
				c.metrics.SessionFreed(h.Kind)
			}
			return dialErr
		}
		b.Conn = conn
		publish(tx)
		b.Leave()
		return nil
	})
}

// outcome maps a TransferUntilDone result to the caller-visible status.
// Relay disconnects and hard errors kill the session.
func (c *Client) outcome(b *session.Base, h api.Handle, n, want int, err error) error {
	switch {
	case err == nil && n == want:
		return nil
	case err == nil:
		b.Dead.Store(true)
		c.log.Debug().Stringer("handle", h).Msg("relay closed session")
		return api.StatusDead
	case errors.Is(err, api.StatusWouldBlock):
		return api.StatusWouldBlock
	case errors.Is(err, api.StatusAborted):
		return api.StatusDead
	}
	b.Dead.Store(true)
	c.log.Warn().Err(err).Stringer("handle", h).Msg("session transport failed")
	return api.StatusNetwork
}

// violation kills a session whose relay stream can no longer be trusted.
func (c *Client) violation(b *session.Base, h api.Handle, err error) error {
	b.Dead.Store(true)
	c.log.Error().Err(err).Stringer("handle", h).Msg("relay protocol violation")
	return api.StatusNetwork
}

// teardown deletes the session behind h: abort in-flight transfers, wait
// for them to drain, then close the native connection and free the slot.
func (c *Client) teardown(h api.Handle) error {
	var base *session.Base
	err := c.store.Update(func(tx *session.Tx) error {
		b, err := tx.Base(h)
		if err != nil {
			return err
		}
		b.Kill()
		base = b
		return nil
	})
	if err != nil {
		return err
	}

	session.AwaitIdle(base)

	err = c.store.Update(func(tx *session.Tx) error {
		if _, err := tx.Base(h); err != nil {
			return err
		}
		if base.Conn != nil {
			_ = base.Conn.Close()
		}
		return tx.Free(h)
	})
	if err != nil {
		return err
	}
	c.metrics.SessionFreed(h.Kind)
	c.log.Debug().Stringer("handle", h).Msg("session deleted")
	return nil
}
