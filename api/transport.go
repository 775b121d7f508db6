// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Native connection abstraction the session layer drives. Implementations
// expose non-blocking primitives only; blocking behaviour is layered on top
// by the transfer loop.

package api

import (
	"context"
	"errors"
)

// ErrAgain is returned by NativeConn primitives when the operation would
// block and nothing was transferred.
var ErrAgain = errors.New("native: operation would block")

// NativeConn is a connected, full-duplex stream to the relay.
type NativeConn interface {
	// TrySend writes as much of p as the kernel accepts without blocking.
	// It returns ErrAgain when nothing could be written.
	TrySend(p []byte) (int, error)

	// TryRecv reads whatever is available into p without blocking.
	// (0, nil) means the peer closed the stream in order.
	TryRecv(p []byte) (int, error)

	// Peek copies up to len(p) queued bytes without consuming them.
	// It follows the same return convention as TryRecv.
	Peek(p []byte) (int, error)

	// Close releases the native socket. It is safe to call more than once.
	Close() error
}

// Transport creates native connections to the relay.
type Transport interface {
	// Dial opens a TCP connection to addr ("host:port") with Nagle disabled.
	Dial(ctx context.Context, addr string) (NativeConn, error)

	// Name identifies the backend in logs.
	Name() string
}
