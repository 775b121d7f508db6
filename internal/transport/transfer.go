// File: internal/transport/transfer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/momentics/aemu-postoffice/api"
)

// Direction selects the primitive a transfer drives.
type Direction int

const (
	Send Direction = iota
	Recv
)

func (d Direction) String() string {
	if d == Send {
		return "send"
	}
	return "recv"
}

// Yield suspends the calling goroutine between retries of a transfer that
// would block. Tests may replace it to count iterations.
var Yield = runtime.Gosched

// TransferUntilDone moves exactly len(buf) bytes in direction dir.
//
// It returns:
//   - (len(buf), nil) once the whole buffer is transferred;
//   - (0, nil) when the peer closed the connection in order;
//   - (0, api.StatusWouldBlock) when nonBlocking is set and nothing could be
//     moved on the first attempt;
//   - (n, api.StatusAborted) when abort was observed;
//   - (n, err) on a hard transport error.
//
// Once a single byte has moved the call no longer honours nonBlocking: a
// partially transferred frame would desynchronise the relay stream.
func TransferUntilDone(conn api.NativeConn, buf []byte, dir Direction, nonBlocking bool, abort *atomic.Bool) (int, error) {
	done := 0
	for done < len(buf) {
		if abort != nil && abort.Load() {
			return done, api.StatusAborted
		}

		var (
			n   int
			err error
		)
		if dir == Send {
			n, err = conn.TrySend(buf[done:])
		} else {
			n, err = conn.TryRecv(buf[done:])
		}

		switch {
		case errors.Is(err, api.ErrAgain):
			if nonBlocking && done == 0 {
				return 0, api.StatusWouldBlock
			}
			Yield()
			continue
		case err != nil:
			return done, err
		case n == 0:
			return 0, nil
		}
		done += n
	}
	return done, nil
}

// Peek reports the bytes currently queued on conn without consuming
// them. It never waits: ErrAgain from the backend becomes StatusWouldBlock.
// (0, nil) means the peer closed the connection.
func Peek(conn api.NativeConn, buf []byte) (int, error) {
	n, err := conn.Peek(buf)
	if errors.Is(err, api.ErrAgain) {
		return 0, api.StatusWouldBlock
	}
	return n, err
}
