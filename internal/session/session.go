// File: internal/session/session.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-kind session state held in table slots.

package session

import (
	"sync/atomic"

	"github.com/momentics/aemu-postoffice/api"
	"github.com/momentics/aemu-postoffice/protocol"
)

// Base is the state every session kind shares.
type Base struct {
	// Conn is the native connection to the relay.
	Conn api.NativeConn
	// Dead is set on replacement, relay disconnect or delete. A dead
	// session keeps its slot until deleted.
	Dead atomic.Bool
	// Abort is observed by in-flight transfers on every retry.
	Abort atomic.Bool

	inflight atomic.Int32
	// onKill cancels a relay dial still in progress for this slot.
	onKill func()
}

// Enter registers an in-flight operation. Teardown waits for every
// registered operation to Leave before the slot is released.
func (b *Base) Enter() { b.inflight.Add(1) }

// Leave ends an operation registered with Enter.
func (b *Base) Leave() { b.inflight.Add(-1) }

// Busy reports whether any operation is in flight.
func (b *Base) Busy() bool { return b.inflight.Load() > 0 }

// Kill requests teardown: transfers stop at their next retry and every
// later operation reports the session dead.
func (b *Base) Kill() {
	b.Abort.Store(true)
	b.Dead.Store(true)
	if b.onKill != nil {
		b.onKill()
	}
}

// OnKill arms fn to run when the session is killed. Pass nil to disarm.
// Call it inside Store.Update.
func (b *Base) OnKill(fn func()) { b.onKill = fn }

// enter registers an operation on a live session. It runs under the read
// side of the guard, so it is ordered against Kill.
func (b *Base) enter() error {
	if b.Abort.Load() || b.Dead.Load() {
		return api.StatusDead
	}
	b.Enter()
	return nil
}

func (b *Base) reset() {
	b.Conn = nil
	b.Dead.Store(false)
	b.Abort.Store(false)
	b.inflight.Store(0)
	b.onKill = nil
}

// PdpSession is a datagram socket.
type PdpSession struct {
	Base
	Addr    api.VirtualAddr
	RecvBuf [protocol.PDPBlockMax]byte
	// Recving and Sending mark the direction in use. Concurrent transfers
	// in one direction on the same session are not supported.
	Recving atomic.Bool
	Sending atomic.Bool
}

func (s *PdpSession) reset() {
	s.Base.reset()
	s.Addr = api.VirtualAddr{}
	s.Recving.Store(false)
	s.Sending.Store(false)
}

// ListenSession is a stream listener waiting for rendezvous notifications.
type ListenSession struct {
	Base
	Addr api.VirtualAddr
	// Pending holds the notification naming the next connecting peer.
	Pending   [protocol.NotifyLen]byte
	Accepting atomic.Bool
}

func (s *ListenSession) reset() {
	s.Base.reset()
	s.Addr = api.VirtualAddr{}
	s.Pending = [protocol.NotifyLen]byte{}
	s.Accepting.Store(false)
}

// PtpSession is an established stream.
type PtpSession struct {
	Base
	Local api.VirtualAddr
	Peer  api.VirtualAddr
	// Accepted is set on the accepting end of a stream.
	Accepted bool
	RecvBuf  [protocol.PTPBlockMax]byte
	// OutstandingSize is the length of the relay chunk held in RecvBuf and
	// OutstandingOffset the part of it already handed to the caller.
	OutstandingSize   int
	OutstandingOffset int
	Recving           atomic.Bool
	Sending           atomic.Bool
}

// Outstanding returns the undelivered remainder of the buffered chunk.
func (s *PtpSession) Outstanding() int {
	return s.OutstandingSize - s.OutstandingOffset
}

func (s *PtpSession) reset() {
	s.Base.reset()
	s.Local = api.VirtualAddr{}
	s.Peer = api.VirtualAddr{}
	s.Accepted = false
	s.OutstandingSize = 0
	s.OutstandingOffset = 0
	s.Recving.Store(false)
	s.Sending.Store(false)
}
