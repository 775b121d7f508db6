// File: internal/session/allocator.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Memory tiering for the session tables.

package session

import "github.com/momentics/aemu-postoffice/api"

const (
	// SessionsPerKindLow is the table size on constrained hosts.
	SessionsPerKindLow = 4
	// SessionsPerKindHigh is the table size everywhere else.
	SessionsPerKindHigh = 32

	lowMemoryThreshold = 64 << 20
)

// Allocator reserves backing memory for n sessions of one kind.
type Allocator interface {
	Reserve(kind api.SessionKind, n int) error
}

// HeapAllocator leaves allocation to the Go heap and never fails.
type HeapAllocator struct{}

// Reserve implements Allocator.
func (HeapAllocator) Reserve(api.SessionKind, int) error { return nil }

// AllocatorFunc adapts a function to Allocator.
type AllocatorFunc func(kind api.SessionKind, n int) error

// Reserve implements Allocator.
func (f AllocatorFunc) Reserve(kind api.SessionKind, n int) error { return f(kind, n) }

// DefaultSessionsPerKind probes the host memory tier.
func DefaultSessionsPerKind() int {
	total, ok := totalMemory()
	if ok && total <= lowMemoryThreshold {
		return SessionsPerKindLow
	}
	return SessionsPerKindHigh
}
