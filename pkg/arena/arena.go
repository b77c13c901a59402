// Package arena stores values under generational indices.
//
// An ID stays valid until its value is removed; afterwards the slot may be reused
// but the stale ID never resolves to the new occupant.
package arena

import (
	"fmt"
	"iter"
)

// ID addresses a value in an Arena. The zero ID is never issued.
type ID uint64

// Invalid is the zero ID.
const Invalid ID = 0

func makeID(index, gen uint32) ID {
	return ID(uint64(gen)<<32 | uint64(index))
}

// Index returns the slot index.
func (id ID) Index() uint32 {
	return uint32(id)
}

// Generation returns the slot generation.
func (id ID) Generation() uint32 {
	return uint32(id >> 32)
}

// String renders the ID as index.generation.
func (id ID) String() string {
	return fmt.Sprintf("%d.%d", id.Index(), id.Generation())
}

type slot[T any] struct {
	gen   uint32
	used  bool
	value T
}

// Arena is a slab of values. It is not safe for concurrent use.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	count int
}

// Insert stores v and returns its ID.
func (a *Arena[T]) Insert(v T) ID {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}
	s := &a.slots[idx]
	s.gen++
	s.used = true
	s.value = v
	a.count++
	return makeID(idx, s.gen)
}

// Get returns the value for id.
func (a *Arena[T]) Get(id ID) (T, bool) {
	var zero T
	idx := id.Index()
	if id == Invalid || int(idx) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[idx]
	if !s.used || s.gen != id.Generation() {
		return zero, false
	}
	return s.value, true
}

// Contains reports whether id resolves.
func (a *Arena[T]) Contains(id ID) bool {
	_, ok := a.Get(id)
	return ok
}

// Remove deletes the value for id and returns it.
func (a *Arena[T]) Remove(id ID) (T, bool) {
	v, ok := a.Get(id)
	if !ok {
		return v, false
	}
	idx := id.Index()
	var zero T
	a.slots[idx].used = false
	a.slots[idx].value = zero
	a.free = append(a.free, idx)
	a.count--
	return v, true
}

// Len returns the number of stored values.
func (a *Arena[T]) Len() int {
	return a.count
}

// All iterates over stored values in slot order.
func (a *Arena[T]) All() iter.Seq2[ID, T] {
	return func(yield func(ID, T) bool) {
		for i := range a.slots {
			s := &a.slots[i]
			if !s.used {
				continue
			}
			if !yield(makeID(uint32(i), s.gen), s.value) {
				return
			}
		}
	}
}
