// File: internal/session/store.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Slot tables and the allocation guard.

package session

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/momentics/aemu-postoffice/api"
)

type slot[T any] struct {
	used bool
	gen  uint32
	sess T
}

type table[T any] struct {
	kind  api.SessionKind
	slots []slot[T]
}

func newTable[T any](kind api.SessionKind, n int) table[T] {
	t := table[T]{kind: kind, slots: make([]slot[T], n)}
	for i := range t.slots {
		t.slots[i].gen = 1
	}
	return t
}

func (t *table[T]) alloc() (api.Handle, *T, error) {
	for i := range t.slots {
		sl := &t.slots[i]
		if !sl.used {
			sl.used = true
			return api.Handle{Kind: t.kind, Index: i, Gen: sl.gen}, &sl.sess, nil
		}
	}
	return api.Handle{}, nil, api.StatusTableFull
}

func (t *table[T]) lookup(h api.Handle) (*slot[T], error) {
	if h.Kind != t.kind || h.Index < 0 || h.Index >= len(t.slots) {
		return nil, api.StatusInvalidArgument
	}
	sl := &t.slots[h.Index]
	if !sl.used || sl.gen != h.Gen {
		return nil, api.StatusDead
	}
	return sl, nil
}

func (t *table[T]) free(h api.Handle, reset func(*T)) error {
	sl, err := t.lookup(h)
	if err != nil {
		return err
	}
	reset(&sl.sess)
	sl.used = false
	sl.gen++
	if sl.gen == 0 {
		sl.gen = 1
	}
	return nil
}

func (t *table[T]) inUse() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].used {
			n++
		}
	}
	return n
}

// Config sizes a Store.
type Config struct {
	// SessionsPerKind overrides the memory tier probe when positive.
	SessionsPerKind int
	// Allocator reserves backing memory per kind; nil uses the heap.
	Allocator Allocator
	Logger    zerolog.Logger
}

// Store owns the three session tables. The write side of its lock is the
// allocation guard; handle resolution on the transfer path only takes the
// read side, so it never waits behind another session's bind.
type Store struct {
	mu     sync.RWMutex
	pdp    table[PdpSession]
	listen table[ListenSession]
	ptp    table[PtpSession]
	log    zerolog.Logger
}

// New sizes and reserves the tables. A kind whose reservation fails is
// left with capacity zero; start-up continues.
func New(cfg Config) *Store {
	log := cfg.Logger.With().Str("component", "session_store").Logger()
	n := cfg.SessionsPerKind
	if n <= 0 {
		n = DefaultSessionsPerKind()
	}
	alloc := cfg.Allocator
	if alloc == nil {
		alloc = HeapAllocator{}
	}
	log.Info().Int("sessions_per_kind", n).Msg("allocating session tables")

	size := func(kind api.SessionKind) int {
		if err := alloc.Reserve(kind, n); err != nil {
			log.Error().Err(err).Stringer("kind", kind).Msg("failed allocating session table")
			return 0
		}
		return n
	}
	return &Store{
		pdp:    newTable[PdpSession](api.KindPDP, size(api.KindPDP)),
		listen: newTable[ListenSession](api.KindPTPListen, size(api.KindPTPListen)),
		ptp:    newTable[PtpSession](api.KindPTP, size(api.KindPTP)),
		log:    log,
	}
}

// Update runs fn under the allocation guard.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{s: s})
}

// PDP resolves a datagram handle.
func (s *Store) PDP(h api.Handle) (*PdpSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, err := s.pdp.lookup(h)
	if err != nil {
		return nil, err
	}
	return &sl.sess, nil
}

// Listen resolves a listen handle.
func (s *Store) Listen(h api.Handle) (*ListenSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, err := s.listen.lookup(h)
	if err != nil {
		return nil, err
	}
	return &sl.sess, nil
}

// PTP resolves a stream handle.
func (s *Store) PTP(h api.Handle) (*PtpSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, err := s.ptp.lookup(h)
	if err != nil {
		return nil, err
	}
	return &sl.sess, nil
}

// AcquirePDP resolves a live datagram session and registers an operation
// on it. The caller must Leave.
func (s *Store) AcquirePDP(h api.Handle) (*PdpSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, err := s.pdp.lookup(h)
	if err != nil {
		return nil, err
	}
	if err := sl.sess.enter(); err != nil {
		return nil, err
	}
	return &sl.sess, nil
}

// AcquireListen is AcquirePDP for listeners.
func (s *Store) AcquireListen(h api.Handle) (*ListenSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, err := s.listen.lookup(h)
	if err != nil {
		return nil, err
	}
	if err := sl.sess.enter(); err != nil {
		return nil, err
	}
	return &sl.sess, nil
}

// AcquirePTP is AcquirePDP for streams.
func (s *Store) AcquirePTP(h api.Handle) (*PtpSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, err := s.ptp.lookup(h)
	if err != nil {
		return nil, err
	}
	if err := sl.sess.enter(); err != nil {
		return nil, err
	}
	return &sl.sess, nil
}

// KindStats reports the occupancy of one table.
type KindStats struct {
	Kind     api.SessionKind `json:"-"`
	Capacity int             `json:"capacity"`
	InUse    int             `json:"in_use"`
}

// Stats snapshots every table.
func (s *Store) Stats() [api.NumKinds]KindStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return [api.NumKinds]KindStats{
		{Kind: api.KindPDP, Capacity: len(s.pdp.slots), InUse: s.pdp.inUse()},
		{Kind: api.KindPTPListen, Capacity: len(s.listen.slots), InUse: s.listen.inUse()},
		{Kind: api.KindPTP, Capacity: len(s.ptp.slots), InUse: s.ptp.inUse()},
	}
}

// Handles lists every occupied slot, live or dead.
func (s *Store) Handles() []api.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []api.Handle
	out = appendUsed(out, &s.pdp)
	out = appendUsed(out, &s.listen)
	out = appendUsed(out, &s.ptp)
	return out
}

func appendUsed[T any](out []api.Handle, t *table[T]) []api.Handle {
	for i := range t.slots {
		if t.slots[i].used {
			out = append(out, api.Handle{Kind: t.kind, Index: i, Gen: t.slots[i].gen})
		}
	}
	return out
}

// Tx exposes the mutations allowed under the allocation guard. It must not
// escape the Update callback.
type Tx struct {
	s *Store
}

// AllocPDP claims a free datagram slot.
func (tx *Tx) AllocPDP() (api.Handle, *PdpSession, error) { return tx.s.pdp.alloc() }

// AllocListen claims a free listen slot.
func (tx *Tx) AllocListen() (api.Handle, *ListenSession, error) { return tx.s.listen.alloc() }

// AllocPTP claims a free stream slot.
func (tx *Tx) AllocPTP() (api.Handle, *PtpSession, error) { return tx.s.ptp.alloc() }

// ReplacePDP marks every live datagram session bound to addr dead, except
// the slot behind keep, and returns how many were replaced. Slots still
// waiting for their relay connection are not bound yet and never match.
func (tx *Tx) ReplacePDP(addr api.VirtualAddr, keep api.Handle) int {
	n := 0
	t := &tx.s.pdp
	for i := range t.slots {
		sl := &t.slots[i]
		if i != keep.Index && sl.used && sl.sess.Conn != nil && !sl.sess.Dead.Load() && sl.sess.Addr == addr {
			sl.sess.Dead.Store(true)
			n++
		}
	}
	return n
}

// ReplaceListen marks every live listener bound to addr dead.
func (tx *Tx) ReplaceListen(addr api.VirtualAddr, keep api.Handle) int {
	n := 0
	t := &tx.s.listen
	for i := range t.slots {
		sl := &t.slots[i]
		if i != keep.Index && sl.used && sl.sess.Conn != nil && !sl.sess.Dead.Load() && sl.sess.Addr == addr {
			sl.sess.Dead.Store(true)
			n++
		}
	}
	return n
}

// ReplacePTP marks every live stream between local and peer opened from
// the same side (accepting or connecting) dead.
func (tx *Tx) ReplacePTP(local, peer api.VirtualAddr, accepted bool, keep api.Handle) int {
	n := 0
	t := &tx.s.ptp
	for i := range t.slots {
		sl := &t.slots[i]
		if i != keep.Index && sl.used && sl.sess.Conn != nil && !sl.sess.Dead.Load() && sl.sess.Local == local && sl.sess.Peer == peer && sl.sess.Accepted == accepted {
			sl.sess.Dead.Store(true)
			n++
		}
	}
	return n
}

// PDP resolves a datagram handle under the guard.
func (tx *Tx) PDP(h api.Handle) (*PdpSession, error) {
	sl, err := tx.s.pdp.lookup(h)
	if err != nil {
		return nil, err
	}
	return &sl.sess, nil
}

// Listen resolves a listen handle under the guard.
func (tx *Tx) Listen(h api.Handle) (*ListenSession, error) {
	sl, err := tx.s.listen.lookup(h)
	if err != nil {
		return nil, err
	}
	return &sl.sess, nil
}

// PTP resolves a stream handle under the guard.
func (tx *Tx) PTP(h api.Handle) (*PtpSession, error) {
	sl, err := tx.s.ptp.lookup(h)
	if err != nil {
		return nil, err
	}
	return &sl.sess, nil
}

// Base resolves a handle of any kind to its shared state.
func (tx *Tx) Base(h api.Handle) (*Base, error) {
	switch h.Kind {
	case api.KindPDP:
		s, err := tx.PDP(h)
		if err != nil {
			return nil, err
		}
		return &s.Base, nil
	case api.KindPTPListen:
		s, err := tx.Listen(h)
		if err != nil {
			return nil, err
		}
		return &s.Base, nil
	case api.KindPTP:
		s, err := tx.PTP(h)
		if err != nil {
			return nil, err
		}
		return &s.Base, nil
	}
	return nil, api.StatusInvalidArgument
}

// Free releases the slot behind h and invalidates h. The caller has
// already closed the session's native connection.
func (tx *Tx) Free(h api.Handle) error {
	switch h.Kind {
	case api.KindPDP:
		return tx.s.pdp.free(h, (*PdpSession).reset)
	case api.KindPTPListen:
		return tx.s.listen.free(h, (*ListenSession).reset)
	case api.KindPTP:
		return tx.s.ptp.free(h, (*PtpSession).reset)
	}
	return api.StatusInvalidArgument
}
