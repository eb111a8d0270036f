package core

import "unsafe"

const (
	// CacheLineSize is the alignment of arena backings and method memory.
	CacheLineSize = 64

	// DefaultAlignment is used for allocations that do not request one.
	DefaultAlignment = 16

	// SegmentAlignment is the alignment of every segment in a serialized program.
	SegmentAlignment = 64
)

// IsAligned reports whether addr sits on a cache line boundary.
func IsAligned(addr uintptr) bool {
	return addr%CacheLineSize == 0
}

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

// AlignUp rounds n up to the next multiple of align. align must be a power of two.
func AlignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// AlignedSize rounds size up to a multiple of CacheLineSize.
func AlignedSize(size uintptr) uintptr {
	return AlignUp(size, CacheLineSize)
}

// AlignedBytes returns size zeroed bytes starting on a cache line. Capacity is
// capped at size so appends never reach the alignment slack.
func AlignedBytes(size int) []byte {
	if size == 0 {
		return nil
	}
	// At most CacheLineSize-1 bytes of slack are needed to reach a boundary.
	buf := make([]byte, size+CacheLineSize-1)

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := uintptr(0)
	if mod := ptr % CacheLineSize; mod != 0 {
		offset = CacheLineSize - mod
	}

	return buf[offset : offset+uintptr(size) : offset+uintptr(size)]
}
