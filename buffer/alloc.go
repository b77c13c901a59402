package buffer

import (
	"fmt"
	"math"
	"sync"

	"github.com/c360/mediagraph/errors"
	"github.com/c360/mediagraph/pkg/ringbuffer"
	"github.com/c360/mediagraph/pkg/shm"
	"github.com/c360/mediagraph/pod"
)

// MaxRegionSize bounds the shared region of a set. Map offsets are 32 bit.
const MaxRegionSize uint64 = math.MaxUint32

// DefaultAlign is used when the negotiated alignment is zero.
const DefaultAlign = 16

// metaAlign is the alignment of meta areas and chunk records.
const metaAlign = 8

// AllocFlags modify how a set is built.
type AllocFlags uint32

const (
	// AllocNoData leaves data blocks out of the shared region. The allocating
	// node provides their memory.
	AllocNoData AllocFlags = 1 << iota
)

// MetaSpec requests a meta area of the given size on every buffer.
type MetaSpec struct {
	Type MetaType
	Size int
}

// Params describes the set to build.
type Params struct {
	Name        string
	Count       int
	Blocks      int
	Size        int
	ChunkStride int
	Align       int
	Metas       []MetaSpec
	Flags       AllocFlags
}

// Layout is the computed per-buffer layout.
type Layout struct {
	Metas       []MetaSpec
	MetaOffsets []int
	ChunkOffset int
	DataOffset  int
	BlockStride int
	Stride      int
}

// Set is a group of buffers sharing one memory region.
//
// Count, block size and stride are fixed for the lifetime of the set. Only the
// owner of a set calls Free.
type Set struct {
	Buffers  []*Buffer
	Params   Params
	Layout   Layout
	Format   *pod.Object
	region   *shm.Region
	freeOnce sync.Once
	freeErr  error
}

// Count returns the number of buffers.
func (s *Set) Count() int {
	return len(s.Buffers)
}

// DataSize returns the size of each data block.
func (s *Set) DataSize() int {
	return s.Params.Size
}

// MemSize returns the size of the shared region in bytes.
func (s *Set) MemSize() int {
	if s.region == nil {
		return 0
	}
	return s.region.Size()
}

// Region returns the backing region.
func (s *Set) Region() *shm.Region {
	return s.region
}

// Free releases the shared region. Calling it more than once is harmless.
func (s *Set) Free() error {
	s.freeOnce.Do(func() {
		if s.region != nil {
			s.freeErr = s.region.Close()
		}
		for _, b := range s.Buffers {
			for i := range b.Datas {
				if b.Datas[i].Type == DataMemFd {
					b.Datas[i].Data = nil
				}
			}
			for i := range b.Metas {
				b.Metas[i].Data = nil
			}
		}
	})
	return s.freeErr
}

// validate bounds every size so that the layout cannot overflow and every
// region offset fits a uint32.
func (p Params) validate() error {
	if p.Count <= 0 || p.Blocks <= 0 || p.Size < 0 {
		return fmt.Errorf("count %d, blocks %d, size %d: %w", p.Count, p.Blocks, p.Size, errors.ErrInvalidParameter)
	}
	over := func(v int) bool { return v > 0 && uint64(v) > MaxRegionSize }
	switch {
	case over(p.Count), over(p.Size), over(p.Align):
		return fmt.Errorf("count %d, size %d, align %d: %w", p.Count, p.Size, p.Align, errors.ErrInvalidParameter)
	case p.ChunkStride < math.MinInt32 || p.ChunkStride > math.MaxInt32:
		return fmt.Errorf("chunk stride %d: %w", p.ChunkStride, errors.ErrInvalidParameter)
	case uint64(p.Blocks) > MaxRegionSize/ChunkSize:
		return fmt.Errorf("%d blocks: %w", p.Blocks, errors.ErrInvalidParameter)
	}
	for _, m := range p.Metas {
		if m.Size < 0 || over(m.Size) {
			return fmt.Errorf("meta %s of %d bytes: %w", m.Type, m.Size, errors.ErrInvalidParameter)
		}
	}
	return nil
}

// ComputeLayout returns the per-buffer layout for p.
//
// Meta areas come first, then one chunk record per block, then the data blocks.
// Meta areas and chunks are 8-byte aligned, data blocks are aligned to p.Align.
func ComputeLayout(p Params) Layout {
	align := p.Align
	if align <= 0 {
		align = DefaultAlign
	}
	align = max(align, metaAlign)

	l := Layout{Metas: withHeader(p.Metas)}
	off := 0
	for _, m := range l.Metas {
		l.MetaOffsets = append(l.MetaOffsets, off)
		off += alignUp(m.Size, metaAlign)
	}
	l.ChunkOffset = off
	off += p.Blocks * ChunkSize

	if p.Flags&AllocNoData != 0 {
		l.DataOffset = off
		l.Stride = alignUp(off, align)
		return l
	}
	l.DataOffset = alignUp(off, align)
	l.BlockStride = alignUp(p.Size, align)
	l.Stride = alignUp(l.DataOffset+p.Blocks*l.BlockStride, align)
	return l
}

// Alloc builds a set of p.Count buffers in one shared region of Count × Stride bytes.
func Alloc(p Params) (*Set, error) {
	if err := p.validate(); err != nil {
		return nil, errors.WrapInvalid(err, "buffer", "Alloc", "validate params")
	}
	if p.Name == "" {
		p.Name = "buffers"
	}

	l := ComputeLayout(p)
	if uint64(l.Stride) > MaxRegionSize/uint64(p.Count) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%d buffers of %d bytes exceed %d bytes: %w", p.Count, l.Stride, MaxRegionSize, errors.ErrInvalidParameter),
			"buffer", "Alloc", "validate params")
	}
	p.Metas = l.Metas

	region, err := shm.Create(p.Name, p.Count*l.Stride)
	if err != nil {
		return nil, errors.WrapKind(fmt.Errorf("%w: %v", errors.ErrAllocFailed, err), errors.KindAllocation,
			"buffer", "Alloc", fmt.Sprintf("create %d byte region", p.Count*l.Stride))
	}

	set := &Set{Params: p, Layout: l, region: region}
	for i := 0; i < p.Count; i++ {
		b, err := set.fill(uint32(i))
		if err != nil {
			_ = region.Close()
			return nil, errors.Wrap(err, "buffer", "Alloc", fmt.Sprintf("init buffer %d", i))
		}
		set.Buffers = append(set.Buffers, b)
	}
	return set, nil
}

func (s *Set) fill(id uint32) (*Buffer, error) {
	p, l := s.Params, s.Layout
	base := int(id) * l.Stride
	b := &Buffer{ID: id}

	for i, m := range l.Metas {
		mem := s.region.Slice(base+l.MetaOffsets[i], m.Size)
		if m.Type == MetaRingbuffer {
			if _, err := ringbuffer.Init(mem); err != nil {
				return nil, err
			}
		}
		b.Metas = append(b.Metas, Meta{Type: m.Type, Data: mem})
	}

	for j := 0; j < p.Blocks; j++ {
		chunk := Chunk{mem: s.region.Slice(base+l.ChunkOffset+j*ChunkSize, ChunkSize)}
		chunk.SetOffset(0)
		chunk.SetSize(0)
		chunk.SetStride(int32(p.ChunkStride))

		d := Data{Fd: -1, MaxSize: uint32(p.Size), Chunk: chunk}
		if p.Flags&AllocNoData == 0 {
			off := base + l.DataOffset + j*l.BlockStride
			d.Type = DataMemFd
			d.Fd = s.region.Fd()
			d.MapOffset = uint32(off)
			d.Data = s.region.Slice(off, p.Size)
		}
		b.Datas = append(b.Datas, d)
	}
	return b, nil
}

// withHeader returns metas with a header area first, sized at least HeaderSize,
// and every ring-buffer area sized at least ringbuffer.Size.
func withHeader(metas []MetaSpec) []MetaSpec {
	out := []MetaSpec{{Type: MetaHeader, Size: HeaderSize}}
	for _, m := range metas {
		switch m.Type {
		case MetaHeader, MetaInvalid:
			continue
		case MetaRingbuffer:
			m.Size = max(m.Size, ringbuffer.Size)
		}
		if m.Size <= 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

func alignUp(v, align int) int {
	return (v + align - 1) / align * align
}
