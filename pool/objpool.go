// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package pool

import "sync"

// Pool is a typed sync.Pool. keep, when set, filters what Put recycles.
type Pool[T any] struct {
	p    sync.Pool
	keep func(T) bool
}

// NewPool creates a Pool whose misses are served by create.
func NewPool[T any](create func() T, keep func(T) bool) *Pool[T] {
	p := &Pool[T]{keep: keep}
	p.p.New = func() any { return create() }
	return p
}

func (p *Pool[T]) Get() T { return p.p.Get().(T) }

// Put recycles v unless keep rejects it.
func (p *Pool[T]) Put(v T) {
	if p.keep != nil && !p.keep(v) {
		return
	}
	p.p.Put(v)
}

// Frame is a pooled byte buffer sized for one relay frame.
type Frame struct {
	B []byte
}

// FramePool hands out frames with capacity for a header plus the largest
// payload of one kind.
type FramePool struct {
	size int
	p    *Pool[*Frame]
}

// NewFramePool creates a pool of frames holding size bytes.
func NewFramePool(size int) *FramePool {
	return &FramePool{
		size: size,
		p: NewPool(
			func() *Frame { return &Frame{B: make([]byte, 0, size)} },
			func(f *Frame) bool { return f != nil && cap(f.B) == size },
		),
	}
}

// Get returns a frame of length n. n larger than the pool size is served
// by a fresh allocation.
func (fp *FramePool) Get(n int) *Frame {
	if n > fp.size {
		return &Frame{B: make([]byte, n)}
	}
	f := fp.p.Get()
	f.B = f.B[:n]
	return f
}

// Put recycles f. Oversized frames are dropped.
func (fp *FramePool) Put(f *Frame) { fp.p.Put(f) }
