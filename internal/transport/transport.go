// Package transport
// Author: momentics <momentics@gmail.com>
//
// Platform-independent facade and factory for relay transports.

package transport

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/momentics/aemu-postoffice/api"
)

// Backend names a transport implementation.
type Backend string

const (
	// BackendNative uses raw non-blocking sockets where the platform has
	// them and falls back to BackendConn elsewhere.
	BackendNative Backend = "native"
	// BackendConn uses net.Conn with a receive pump on every platform.
	BackendConn Backend = "conn"
)

// ParseBackend accepts the names used in configuration files.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackendNative:
		return BackendNative, nil
	case BackendConn:
		return BackendConn, nil
	}
	return "", fmt.Errorf("transport: unknown backend %q", s)
}

// NewTransport creates a Transport for backend b.
func NewTransport(b Backend, log zerolog.Logger) (api.Transport, error) {
	log = log.With().Str("component", "transport").Logger()
	switch b {
	case BackendNative, "":
		return newNativeTransport(log), nil
	case BackendConn:
		return newConnTransport(log), nil
	}
	return nil, fmt.Errorf("transport: unknown backend %q", b)
}
