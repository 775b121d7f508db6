// File: internal/transport/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Portable backend over net.Conn. A pump goroutine drains the socket into a
// ring buffer so receive and peek never block; sends use a short write
// deadline so a full kernel buffer is reported as api.ErrAgain.

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/smallnest/ringbuffer"

	"github.com/momentics/aemu-postoffice/api"
)

const (
	// connRingSize holds several maximum-size stream chunks.
	connRingSize = 256 * 1024
	// connReadChunk is the pump's read size.
	connReadChunk = 32 * 1024
	// connWriteQuantum is the write deadline of one TrySend.
	connWriteQuantum = time.Millisecond
	// connPumpBackoff is the pump's wait while the ring is full.
	connPumpBackoff = time.Millisecond
)

type connTransport struct {
	log    zerolog.Logger
	dialer net.Dialer
}

func newConnTransport(log zerolog.Logger) api.Transport {
	return &connTransport{log: log}
}

func (t *connTransport) Name() string { return string(BackendConn) }

// Dial connects with Nagle disabled and starts the receive pump.
func (t *connTransport) Dial(ctx context.Context, addr string) (api.NativeConn, error) {
	c, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return newPumpConn(c, t.log), nil
}

// pumpConn adapts a net.Conn to api.NativeConn.
type pumpConn struct {
	c   net.Conn
	log zerolog.Logger
	rb  *ringbuffer.RingBuffer

	// mu serialises the read side: bytes lifted out of the ring by Peek
	// wait in pending until a receive consumes them.
	mu      sync.Mutex
	pending []byte

	readErr   atomic.Pointer[error]
	done      chan struct{}
	closeOnce sync.Once
}

func newPumpConn(c net.Conn, log zerolog.Logger) *pumpConn {
	pc := &pumpConn{
		c:    c,
		log:  log,
		rb:   ringbuffer.New(connRingSize),
		done: make(chan struct{}),
	}
	go pc.pump()
	return pc
}

func (pc *pumpConn) pump() {
	buf := make([]byte, connReadChunk)
	for {
		n, err := pc.c.Read(buf)
		if n > 0 && !pc.store(buf[:n]) {
			return
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = io.EOF
			}
			pc.readErr.Store(&err)
			return
		}
	}
}

// store copies data into the ring, waiting while it is full. It reports
// false once the connection is closed.
func (pc *pumpConn) store(data []byte) bool {
	for len(data) > 0 {
		n, _ := pc.rb.Write(data)
		data = data[n:]
		if n > 0 {
			continue
		}
		select {
		case <-pc.done:
			return false
		case <-time.After(connPumpBackoff):
		}
	}
	return true
}

func (pc *pumpConn) TrySend(p []byte) (int, error) {
	select {
	case <-pc.done:
		return 0, net.ErrClosed
	default:
	}
	_ = pc.c.SetWriteDeadline(time.Now().Add(connWriteQuantum))
	n, err := pc.c.Write(p)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if n > 0 {
				return n, nil
			}
			return 0, api.ErrAgain
		}
		return n, err
	}
	return n, nil
}

func (pc *pumpConn) TryRecv(p []byte) (int, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	// Load the pump error before looking at the ring: every byte the pump
	// read is in the ring before the error is published.
	errp := pc.readErr.Load()

	n := copy(p, pc.pending)
	pc.pending = pc.pending[n:]
	if n < len(p) && pc.rb.Length() > 0 {
		m, _ := pc.rb.Read(p[n:])
		n += m
	}
	if n > 0 {
		return n, nil
	}
	return 0, pc.drained(errp)
}

func (pc *pumpConn) Peek(p []byte) (int, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	errp := pc.readErr.Load()

	if need := len(p) - len(pc.pending); need > 0 && pc.rb.Length() > 0 {
		tmp := make([]byte, need)
		m, _ := pc.rb.Read(tmp)
		pc.pending = append(pc.pending, tmp[:m]...)
	}
	if len(pc.pending) > 0 {
		return copy(p, pc.pending), nil
	}
	return 0, pc.drained(errp)
}

// drained reports the state of an empty read side: nil for an orderly
// close, the pump error for a failure, ErrAgain while the socket is open.
func (pc *pumpConn) drained(errp *error) error {
	if errp == nil {
		return api.ErrAgain
	}
	if errors.Is(*errp, io.EOF) {
		return nil
	}
	return *errp
}

func (pc *pumpConn) Close() error {
	var err error
	pc.closeOnce.Do(func() {
		close(pc.done)
		err = pc.c.Close()
	})
	return err
}
