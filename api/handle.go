// File: api/handle.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "fmt"

// SessionKind selects one of the fixed-capacity session tables.
type SessionKind uint8

const (
	KindPDP SessionKind = iota
	KindPTPListen
	KindPTP

	NumKinds = 3
)

func (k SessionKind) String() string {
	switch k {
	case KindPDP:
		return "pdp"
	case KindPTPListen:
		return "ptp_listen"
	case KindPTP:
		return "ptp"
	}
	return fmt.Sprintf("kind_%d", uint8(k))
}

// Handle is the opaque reference a caller holds to a session slot.
// Gen is bumped every time the slot is freed, so a handle that outlives its
// session is recognised and rejected instead of reaching a new occupant.
type Handle struct {
	Kind  SessionKind
	Index int
	Gen   uint32
}

// Valid reports whether h was produced by a successful bind.
func (h Handle) Valid() bool {
	return h.Gen != 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%s#%d.%d", h.Kind, h.Index, h.Gen)
}
