// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Relay connection backends. A backend only ever performs a single
// non-blocking send, receive or peek; the blocking/non-blocking choice of the
// adhoc API is made one level up in TransferUntilDone, which retries until
// the buffer is complete, the session abort flag rises or the call would
// block in non-blocking mode.
//
// "native" drives a raw socket descriptor (Linux only); "conn" wraps net.Conn
// with short deadlines and runs everywhere.

package transport
