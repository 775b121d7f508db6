// File: server/options.go
// Package server defines functional options for the relay.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ServerOption customizes relay initialization.
type ServerOption func(*Server)

// WithLogger replaces the process-wide logger.
func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithRegistry collects relay metrics into reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) {
		s.reg = reg
	}
}
