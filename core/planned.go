package core

import "fmt"

// PlannedMemory is the hierarchical set of planned buffers a loaded method is
// bound to. Buffer i backs every tensor the memory planner assigned memory id i.
//
// The set is fixed at construction. It exposes no way to add, remove or resize
// buffers, and every slice it hands out has its capacity capped so that an
// append cannot spill into a neighbouring buffer.
type PlannedMemory struct {
	buffers [][]byte
}

// NewPlannedMemory builds a set over caller-owned buffers, typically carved
// from an outer Arena. The list itself is copied; the backing memory is not.
func NewPlannedMemory(buffers [][]byte) *PlannedMemory {
	own := make([][]byte, len(buffers))
	for i, b := range buffers {
		own[i] = b[:len(b):len(b)]
	}
	return &PlannedMemory{buffers: own}
}

// NumBuffers returns the number of planned buffers.
func (p *PlannedMemory) NumBuffers() int {
	if p == nil {
		return 0
	}
	return len(p.buffers)
}

// BufferSize returns the size in bytes of buffer id.
func (p *PlannedMemory) BufferSize(id int) (int, error) {
	if id < 0 || id >= p.NumBuffers() {
		return 0, fmt.Errorf("%w: memory id %d out of range [0, %d)", ErrInvalidArgument, id, p.NumBuffers())
	}
	return len(p.buffers[id]), nil
}

// Buffer returns buffer id.
func (p *PlannedMemory) Buffer(id int) ([]byte, error) {
	if id < 0 || id >= p.NumBuffers() {
		return nil, fmt.Errorf("%w: memory id %d out of range [0, %d)", ErrInvalidArgument, id, p.NumBuffers())
	}
	return p.buffers[id], nil
}

// OffsetAddress returns the size bytes at offset within buffer id.
func (p *PlannedMemory) OffsetAddress(id int, offset, size uint64) ([]byte, error) {
	buf, err := p.Buffer(id)
	if err != nil {
		return nil, err
	}
	if offset > uint64(len(buf)) || size > uint64(len(buf))-offset {
		return nil, fmt.Errorf("%w: region [%d, %d) exceeds planned buffer %d of %d bytes",
			ErrOutOfMemory, offset, offset+size, id, len(buf))
	}
	end := offset + size
	return buf[offset:end:end], nil
}
