// Package buffer describes the buffers exchanged between linked ports and
// builds buffer sets on top of a single shared memory region.
package buffer

import (
	"encoding/binary"
)

// MetaType identifies a metadata area attached to a buffer.
type MetaType uint32

const (
	MetaInvalid MetaType = iota
	// MetaHeader carries flags, timestamps and a sequence number. Always present.
	MetaHeader
	// MetaVideoCrop carries a crop rectangle
	MetaVideoCrop
	// MetaRingbuffer carries a ring-buffer control block initialised in place
	MetaRingbuffer
)

// String returns the string representation of MetaType
func (t MetaType) String() string {
	switch t {
	case MetaHeader:
		return "header"
	case MetaVideoCrop:
		return "video-crop"
	case MetaRingbuffer:
		return "ringbuffer"
	default:
		return "invalid"
	}
}

// DataType tells how the memory of a data block is reached.
type DataType uint32

const (
	// DataInvalid means the block has no memory yet; the allocating node fills it
	DataInvalid DataType = iota
	// DataMemPtr is process-local memory
	DataMemPtr
	// DataMemFd is a slice of an fd-backed region
	DataMemFd
)

// String returns the string representation of DataType
func (t DataType) String() string {
	switch t {
	case DataMemPtr:
		return "memptr"
	case DataMemFd:
		return "memfd"
	default:
		return "invalid"
	}
}

// Sizes of the fixed records laid out in shared memory.
const (
	HeaderSize = 32
	ChunkSize  = 16
	CropSize   = 16
)

// Meta is a metadata area of a buffer.
type Meta struct {
	Type MetaType
	Data []byte
}

// Header is a view over a MetaHeader area.
//
// Layout: flags u32, offset u32, pts i64, dts offset i64, seq u64.
type Header struct {
	mem []byte
}

func (h Header) Flags() uint32     { return binary.NativeEndian.Uint32(h.mem[0:]) }
func (h Header) SetFlags(v uint32) { binary.NativeEndian.PutUint32(h.mem[0:], v) }
func (h Header) PTS() int64        { return int64(binary.NativeEndian.Uint64(h.mem[8:])) }
func (h Header) SetPTS(v int64)    { binary.NativeEndian.PutUint64(h.mem[8:], uint64(v)) }
func (h Header) Seq() uint64       { return binary.NativeEndian.Uint64(h.mem[24:]) }
func (h Header) SetSeq(v uint64)   { binary.NativeEndian.PutUint64(h.mem[24:], v) }

// Chunk is a view over the chunk record describing the valid bytes of a data block.
//
// Layout: offset u32, size u32, stride i32, flags i32.
type Chunk struct {
	mem []byte
}

func (c Chunk) Offset() uint32     { return binary.NativeEndian.Uint32(c.mem[0:]) }
func (c Chunk) SetOffset(v uint32) { binary.NativeEndian.PutUint32(c.mem[0:], v) }
func (c Chunk) Size() uint32       { return binary.NativeEndian.Uint32(c.mem[4:]) }
func (c Chunk) SetSize(v uint32)   { binary.NativeEndian.PutUint32(c.mem[4:], v) }
func (c Chunk) Stride() int32      { return int32(binary.NativeEndian.Uint32(c.mem[8:])) }
func (c Chunk) SetStride(v int32)  { binary.NativeEndian.PutUint32(c.mem[8:], uint32(v)) }

// Valid reports whether the chunk is backed by memory.
func (c Chunk) Valid() bool {
	return len(c.mem) >= ChunkSize
}

// Data is one data block of a buffer.
type Data struct {
	Type      DataType
	Fd        int
	MapOffset uint32
	MaxSize   uint32
	Data      []byte
	Chunk     Chunk
}

// Buffer is one slot of a buffer set.
type Buffer struct {
	ID    uint32
	Metas []Meta
	Datas []Data
}

// FindMeta returns the meta area of the given type or nil.
func (b *Buffer) FindMeta(t MetaType) *Meta {
	for i := range b.Metas {
		if b.Metas[i].Type == t {
			return &b.Metas[i]
		}
	}
	return nil
}

// Header returns the header view of the buffer.
func (b *Buffer) Header() (Header, bool) {
	m := b.FindMeta(MetaHeader)
	if m == nil || len(m.Data) < HeaderSize {
		return Header{}, false
	}
	return Header{mem: m.Data}, true
}
