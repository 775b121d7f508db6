// File: internal/transport/native_other.go
//go:build !linux
// +build !linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"github.com/rs/zerolog"

	"github.com/momentics/aemu-postoffice/api"
)

// newNativeTransport falls back to the portable backend on platforms
// without the raw socket implementation.
func newNativeTransport(log zerolog.Logger) api.Transport {
	return newConnTransport(log)
}
