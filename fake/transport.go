// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable relay connections and a dialer that
// hands them out.

package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/momentics/aemu-postoffice/api"
)

// Error types for fake transport.
var (
	ErrConnClosed = errors.New("fake: connection is closed")
	ErrPeerGone   = errors.New("fake: broken pipe")
)

// Conn is a scripted api.NativeConn. Inbound bytes are queued with Feed;
// outbound bytes are collected and returned by Sent.
type Conn struct {
	mu         sync.Mutex
	inbound    []byte
	sent       []byte
	closed     bool
	peerClosed bool
	sendError  error
	recvError  error
	sendAgain  int
	sendChunk  int
	recvChunk  int
	sendCalls  int
	recvCalls  int
}

// NewConn creates an open connection with nothing queued.
func NewConn() *Conn {
	return &Conn{}
}

// TrySend implements api.NativeConn.TrySend.
func (c *Conn) TrySend(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCalls++

	if c.closed {
		return 0, ErrConnClosed
	}
	if c.sendError != nil {
		return 0, c.sendError
	}
	if c.peerClosed {
		return 0, ErrPeerGone
	}
	if c.sendAgain > 0 {
		c.sendAgain--
		return 0, api.ErrAgain
	}
	n := len(p)
	if c.sendChunk > 0 && n > c.sendChunk {
		n = c.sendChunk
	}
	c.sent = append(c.sent, p[:n]...)
	return n, nil
}

// TryRecv implements api.NativeConn.TryRecv.
func (c *Conn) TryRecv(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvCalls++

	n, err := c.readLocked(p)
	if n > 0 {
		c.inbound = c.inbound[n:]
	}
	return n, err
}

// Peek implements api.NativeConn.Peek.
func (c *Conn) Peek(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked(p)
}

func (c *Conn) readLocked(p []byte) (int, error) {
	if c.closed {
		return 0, ErrConnClosed
	}
	if c.recvError != nil {
		return 0, c.recvError
	}
	if len(c.inbound) == 0 {
		if c.peerClosed {
			return 0, nil
		}
		return 0, api.ErrAgain
	}
	n := len(p)
	if c.recvChunk > 0 && n > c.recvChunk {
		n = c.recvChunk
	}
	return copy(p[:n], c.inbound), nil
}

// Close implements api.NativeConn.Close.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Feed queues data for the next receives.
func (c *Conn) Feed(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound = append(c.inbound, data...)
}

// ClosePeer simulates an orderly close by the relay once queued data is read.
func (c *Conn) ClosePeer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerClosed = true
}

// SetSendError configures the connection to fail every send with err.
func (c *Conn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendError = err
}

// SetRecvError configures the connection to fail every receive with err.
func (c *Conn) SetRecvError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvError = err
}

// BlockSends makes the next n sends report api.ErrAgain.
func (c *Conn) BlockSends(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendAgain = n
}

// SetChunks bounds the bytes moved by one send or receive (0 = unbounded).
func (c *Conn) SetChunks(send, recv int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendChunk = send
	c.recvChunk = recv
}

// Sent returns a copy of everything written so far.
func (c *Conn) Sent() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Calls returns the number of send and receive attempts.
func (c *Conn) Calls() (sends, recvs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCalls, c.recvCalls
}

// Transport is a fake api.Transport handing out scripted connections.
type Transport struct {
	mu        sync.Mutex
	queued    []*Conn
	dialed    []*Conn
	addrs     []string
	dialError error
	gate      chan struct{}
	waiting   int
}

// NewTransport creates a transport that dials fresh Conns.
func NewTransport() *Transport {
	return &Transport{}
}

// Name implements api.Transport.Name.
func (t *Transport) Name() string { return "fake" }

// Dial implements api.Transport.Dial. Queued connections are returned first.
func (t *Transport) Dial(ctx context.Context, addr string) (api.NativeConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialError != nil {
		return nil, t.dialError
	}
	var c *Conn
	if len(t.queued) > 0 {
		c, t.queued = t.queued[0], t.queued[1:]
	} else {
		c = NewConn()
	}
	t.dialed = append(t.dialed, c)
	t.addrs = append(t.addrs, addr)
	return c, nil
}

func (t *Transport) wait(ctx context.Context) error {
	t.mu.Lock()
	gate := t.gate
	if gate == nil {
		t.mu.Unlock()
		return nil
	}
	t.waiting++
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.waiting--
		t.mu.Unlock()
	}()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hold makes every later Dial wait until release is called or the dial
// context ends. release may be called more than once.
func (t *Transport) Hold() (release func()) {
	gate := make(chan struct{})
	t.mu.Lock()
	t.gate = gate
	t.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if t.gate == gate {
				t.gate = nil
			}
			t.mu.Unlock()
			close(gate)
		})
	}
}

// Waiting reports how many Dials are held.
func (t *Transport) Waiting() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waiting
}

// Enqueue schedules c to be returned by the next Dial.
func (t *Transport) Enqueue(c ...*Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queued = append(t.queued, c...)
}

// SetDialError configures Dial to fail with err (nil restores success).
func (t *Transport) SetDialError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialError = err
}

// Dialed returns every connection handed out so far.
func (t *Transport) Dialed() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Conn, len(t.dialed))
	copy(out, t.dialed)
	return out
}

// Addrs returns the addresses passed to Dial.
func (t *Transport) Addrs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.addrs))
	copy(out, t.addrs)
	return out
}
