// Package ringbuffer implements a single-producer single-consumer ring buffer
// whose control block lives inside shared memory.
//
// The control block holds a read index and a write index. Indices grow without
// bound and wrap at 2^32; the difference between them is the fill level. The data
// area is owned by the caller and is addressed modulo its size.
package ringbuffer

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// Size is the number of bytes the control block occupies.
const Size = 16

// ErrShortBlock is returned when the control block does not fit.
var ErrShortBlock = errors.New("ringbuffer: control block too small")

// RingBuffer is a view over a control block in shared memory.
type RingBuffer struct {
	read  *uint32
	write *uint32
}

// Init attaches to mem and resets both indices.
func Init(mem []byte) (*RingBuffer, error) {
	rb, err := Attach(mem)
	if err != nil {
		return nil, err
	}
	atomic.StoreUint32(rb.read, 0)
	atomic.StoreUint32(rb.write, 0)
	clear(mem[8:Size])
	return rb, nil
}

// Attach creates a view over an already initialised control block.
// mem must be 4-byte aligned.
func Attach(mem []byte) (*RingBuffer, error) {
	if len(mem) < Size {
		return nil, ErrShortBlock
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, errors.New("ringbuffer: control block not aligned")
	}
	return &RingBuffer{
		read:  (*uint32)(unsafe.Pointer(&mem[0])),
		write: (*uint32)(unsafe.Pointer(&mem[4])),
	}, nil
}

// ReadIndex returns the read index and the number of bytes available to read.
func (rb *RingBuffer) ReadIndex() (uint32, int32) {
	idx := atomic.LoadUint32(rb.read)
	return idx, int32(atomic.LoadUint32(rb.write) - idx)
}

// ReadUpdate publishes a new read index.
func (rb *RingBuffer) ReadUpdate(idx uint32) {
	atomic.StoreUint32(rb.read, idx)
}

// WriteIndex returns the write index and the number of bytes already filled.
func (rb *RingBuffer) WriteIndex() (uint32, int32) {
	idx := atomic.LoadUint32(rb.write)
	return idx, int32(idx - atomic.LoadUint32(rb.read))
}

// WriteUpdate publishes a new write index.
func (rb *RingBuffer) WriteUpdate(idx uint32) {
	atomic.StoreUint32(rb.write, idx)
}

// ReadData copies len(dst) bytes from the data area starting at offset, wrapping
// at the end of data.
func ReadData(data []byte, offset uint32, dst []byte) {
	size := uint32(len(data))
	off := offset % size
	n := copy(dst, data[off:])
	if n < len(dst) {
		copy(dst[n:], data)
	}
}

// WriteData copies src into the data area starting at offset, wrapping at the
// end of data.
func WriteData(data []byte, offset uint32, src []byte) {
	size := uint32(len(data))
	off := offset % size
	n := copy(data[off:], src)
	if n < len(src) {
		copy(data, src[n:])
	}
}
