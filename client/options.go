// File: client/options.go
// Package client defines functional options for Client construction.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/aemu-postoffice/api"
	"github.com/momentics/aemu-postoffice/control"
	"github.com/momentics/aemu-postoffice/internal/session"
	"github.com/momentics/aemu-postoffice/internal/transport"
)

// Option customizes client initialization.
type Option func(*Client)

// WithLogger replaces the process-wide logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *control.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTransport injects a transport, overriding WithBackend.
func WithTransport(tr api.Transport) Option {
	return func(c *Client) {
		c.tr = tr
	}
}

// WithBackend selects the built-in transport backend.
func WithBackend(b transport.Backend) Option {
	return func(c *Client) {
		c.backend = b
	}
}

// WithDialTimeout bounds relay connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// WithSessionsPerKind fixes the table size instead of probing memory.
func WithSessionsPerKind(n int) Option {
	return func(c *Client) {
		c.perKind = n
	}
}

// WithAllocator injects the platform allocator used to reserve tables.
func WithAllocator(a session.Allocator) Option {
	return func(c *Client) {
		c.allocator = a
	}
}
