// Package core provides the memory primitives and value types of the planrt
// execution runtime.
//
// Key components:
//   - Arena: fixed-capacity bump allocator, freed only as a unit
//   - PlannedMemory: the set of pre-sized buffers a memory plan refers to by id
//   - MemoryManager: the allocators a loaded method is bound to
//   - Tensor and Value: non-owning tensor views and the tagged value slot
//
// Nothing in this package is safe for concurrent use. An arena and everything
// carved from it belong to exactly one execution context.
package core

import (
	"fmt"
	"unsafe"
)

// Arena manages a single pre-allocated byte slice as a linear allocator.
// Allocations are never freed individually; Reset releases all of them at once.
// Not thread-safe without external locking.
type Arena struct {
	buffer []byte
	cursor uintptr
	peak   uintptr
}

// NewArena wraps buf. The caller keeps ownership of the backing memory and
// must keep it alive for as long as anything allocated from the arena is used.
func NewArena(buf []byte) *Arena {
	return &Arena{buffer: buf[:len(buf):len(buf)]}
}

// NewArenaSize allocates a cache-line aligned backing buffer of size bytes.
func NewArenaSize(size int) *Arena {
	return NewArena(AlignedBytes(size))
}

// Allocate carves size bytes aligned to alignment out of the arena. An
// alignment of zero selects DefaultAlignment. On exhaustion it returns
// ErrOutOfMemory and leaves the arena untouched, so an exhausted arena stays
// exhausted for the same request. The returned region is zeroed.
func (a *Arena) Allocate(size, alignment uintptr) ([]byte, error) {
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if !IsPowerOfTwo(alignment) {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidArgument, alignment)
	}

	base := a.base()
	aligned := AlignUp(base+a.cursor, alignment) - base
	if aligned < a.cursor || aligned > uintptr(len(a.buffer)) || size > uintptr(len(a.buffer))-aligned {
		return nil, fmt.Errorf("%w: arena exhausted: requested %d bytes (align %d), %d of %d in use",
			ErrOutOfMemory, size, alignment, a.cursor, len(a.buffer))
	}

	end := aligned + size
	region := a.buffer[aligned:end:end]
	clear(region)
	a.cursor = end
	if end > a.peak {
		a.peak = end
	}
	return region, nil
}

// base returns the address of the backing array so that alignment is applied
// to real addresses rather than offsets.
func (a *Arena) base() uintptr {
	if len(a.buffer) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.buffer[0]))
}

// AllocateSlice allocates n elements of T from a. T must not contain Go
// pointers: the garbage collector does not scan arena memory.
func AllocateSlice[T any](a *Arena, n int) ([]T, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative element count %d", ErrInvalidArgument, n)
	}
	var zero T
	size := unsafe.Sizeof(zero)
	if n == 0 || size == 0 {
		return []T{}, nil
	}
	buf, err := a.Allocate(size*uintptr(n), unsafe.Alignof(zero))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&buf[0])), n), nil
}

// Reset rewinds the arena. Everything previously allocated must no longer be
// in use; objects built on top of that memory must be finalized first.
func (a *Arena) Reset() {
	a.cursor = 0
}

// Capacity returns the total size of the arena in bytes.
func (a *Arena) Capacity() uintptr {
	return uintptr(len(a.buffer))
}

// Used returns the bytes consumed since the last Reset, including padding.
func (a *Arena) Used() uintptr {
	return a.cursor
}

// Remaining returns the bytes left before the arena is exhausted.
func (a *Arena) Remaining() uintptr {
	return uintptr(len(a.buffer)) - a.cursor
}

// Peak returns the high-water mark of Used across resets.
func (a *Arena) Peak() uintptr {
	return a.peak
}
