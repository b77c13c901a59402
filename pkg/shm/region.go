// Package shm provides fd-backed shared memory regions.
//
// A Region is created once, mapped once and sealed against resizing. Buffer sets
// slice a single region by offset, and the region's file descriptor can be handed
// to another process over a unix socket without touching the filesystem.
package shm

import (
	"errors"
	"sync"
)

// Sentinel errors for region operations
var (
	// ErrInvalidSize indicates a region size that is zero or negative
	ErrInvalidSize = errors.New("shm: invalid region size")

	// ErrClosed indicates the region was already unmapped
	ErrClosed = errors.New("shm: region closed")

	// ErrUnsupported indicates fd passing is not available on this platform
	ErrUnsupported = errors.New("shm: not supported on this platform")
)

// Region is a mapped shared memory region.
type Region struct {
	name   string
	size   int
	fd     int
	mem    []byte
	sealed bool

	mu     sync.Mutex
	closed bool
}

// Name returns the region's debugging name.
func (r *Region) Name() string {
	return r.name
}

// Size returns the mapped size in bytes.
func (r *Region) Size() int {
	return r.size
}

// Fd returns the backing file descriptor, or -1 for heap-backed regions.
func (r *Region) Fd() int {
	return r.fd
}

// Sealed reports whether the region can no longer grow or shrink.
func (r *Region) Sealed() bool {
	return r.sealed
}

// Bytes returns the mapped memory. The slice is invalid after Close.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Slice returns size bytes at offset.
func (r *Region) Slice(offset, size int) []byte {
	return r.mem[offset : offset+size : offset+size]
}

// Close unmaps the memory and closes the descriptor. It is safe to call twice.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	err := r.release()
	r.mem = nil
	return err
}
