package core

import (
	"errors"
	"testing"
	"unsafe"
)

func TestArenaAllocateWithinCapacity(t *testing.T) {
	t.Parallel()
	arena := NewArenaSize(256)
	sizes := []uintptr{16, 32, 7, 1, 100, 100}

	var regions [][]byte
	var total uintptr
	for i, size := range sizes {
		buf, err := arena.Allocate(size, 1)
		if err != nil {
			t.Fatalf("allocation %d of %d bytes failed: %v", i, size, err)
		}
		if uintptr(len(buf)) != size {
			t.Fatalf("allocation %d: expected %d bytes, got %d", i, size, len(buf))
		}
		for j := range buf {
			buf[j] = byte(i + 1)
		}
		regions = append(regions, buf)
		total += size
	}

	if arena.Used() != total {
		t.Errorf("expected %d bytes used, got %d", total, arena.Used())
	}

	// Every region still holds the pattern written into it, so none overlap.
	for i, buf := range regions {
		for j, b := range buf {
			if b != byte(i+1) {
				t.Fatalf("region %d byte %d overwritten: got %d", i, j, b)
			}
		}
	}
}

func TestArenaExhaustionIsNonDestructive(t *testing.T) {
	t.Parallel()
	arena := NewArenaSize(64)

	first, err := arena.Allocate(48, 1)
	if err != nil {
		t.Fatalf("first allocation failed: %v", err)
	}
	for i := range first {
		first[i] = 0xAB
	}
	used := arena.Used()

	for attempt := 0; attempt < 3; attempt++ {
		_, err = arena.Allocate(32, 1)
		if !errors.Is(err, ErrOutOfMemory) {
			t.Fatalf("attempt %d: expected ErrOutOfMemory, got %v", attempt, err)
		}
		if arena.Used() != used {
			t.Fatalf("attempt %d: failed allocation moved the cursor from %d to %d", attempt, used, arena.Used())
		}
	}

	for i, b := range first {
		if b != 0xAB {
			t.Fatalf("byte %d of prior allocation corrupted: %x", i, b)
		}
	}

	// The remaining 16 bytes are still usable.
	if _, err := arena.Allocate(16, 1); err != nil {
		t.Errorf("allocation of remaining bytes failed: %v", err)
	}
}

func TestArenaAlignment(t *testing.T) {
	t.Parallel()
	arena := NewArenaSize(1024)

	if _, err := arena.Allocate(3, 1); err != nil {
		t.Fatal(err)
	}
	for _, align := range []uintptr{2, 4, 8, 16, 64} {
		buf, err := arena.Allocate(8, align)
		if err != nil {
			t.Fatalf("align %d: %v", align, err)
		}
		if addr := uintptr(unsafe.Pointer(&buf[0])); addr%align != 0 {
			t.Errorf("align %d: address %x is misaligned", align, addr)
		}
	}

	if _, err := arena.Allocate(8, 3); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for alignment 3, got %v", err)
	}
}

func TestArenaResetAndPeak(t *testing.T) {
	t.Parallel()
	arena := NewArenaSize(128)

	buf1, err := arena.Allocate(64, 8)
	if err != nil {
		t.Fatal(err)
	}
	buf1[0] = 0xFF
	arena.Reset()

	if arena.Used() != 0 {
		t.Errorf("expected 0 bytes used after reset, got %d", arena.Used())
	}
	if arena.Peak() != 64 {
		t.Errorf("expected peak 64, got %d", arena.Peak())
	}

	buf2, err := arena.Allocate(64, 8)
	if err != nil {
		t.Fatal(err)
	}
	if &buf1[0] != &buf2[0] {
		t.Error("reset did not return to start of arena")
	}
	if buf2[0] != 0 {
		t.Error("reallocated region was not zeroed")
	}
}

func TestAllocateSlice(t *testing.T) {
	t.Parallel()
	arena := NewArenaSize(256)

	shape, err := AllocateSlice[int64](arena, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(shape) != 4 {
		t.Fatalf("expected 4 elements, got %d", len(shape))
	}
	shape[3] = 42
	if arena.Used() < 32 {
		t.Errorf("expected at least 32 bytes used, got %d", arena.Used())
	}

	if _, err := AllocateSlice[int64](arena, 1000); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestPlannedMemory(t *testing.T) {
	t.Parallel()
	outer := NewArenaSize(512)
	b0, _ := outer.Allocate(128, 0)
	b1, _ := outer.Allocate(64, 0)

	planned := NewPlannedMemory([][]byte{b0, b1})
	if planned.NumBuffers() != 2 {
		t.Fatalf("expected 2 buffers, got %d", planned.NumBuffers())
	}
	if size, _ := planned.BufferSize(1); size != 64 {
		t.Errorf("expected buffer 1 of 64 bytes, got %d", size)
	}

	region, err := planned.OffsetAddress(0, 32, 16)
	if err != nil {
		t.Fatal(err)
	}
	region[0] = 9
	if b0[32] != 9 {
		t.Error("offset address does not alias the backing buffer")
	}
	if cap(region) != 16 {
		t.Errorf("expected capped region capacity 16, got %d", cap(region))
	}

	tests := []struct {
		name   string
		id     int
		offset uint64
		size   uint64
		want   error
	}{
		{"negative id", -1, 0, 1, ErrInvalidArgument},
		{"id out of range", 2, 0, 1, ErrInvalidArgument},
		{"region past end", 1, 60, 8, ErrOutOfMemory},
		{"offset past end", 0, 200, 0, ErrOutOfMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := planned.OffsetAddress(tt.id, tt.offset, tt.size); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestPlannedMemoryIsImmutable(t *testing.T) {
	t.Parallel()
	backing := make([]byte, 64)
	list := [][]byte{backing[:32], backing[32:]}
	planned := NewPlannedMemory(list)

	// Mutating the caller's list does not change the set.
	list[0] = make([]byte, 1)
	if size, _ := planned.BufferSize(0); size != 32 {
		t.Errorf("expected buffer 0 to stay 32 bytes, got %d", size)
	}

	buf, _ := planned.Buffer(0)
	grown := append(buf, 0xEE)
	grown[0] = 1
	if backing[32] == 0xEE {
		t.Error("append on buffer 0 spilled into buffer 1")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{ErrOutOfMemory, ClassResource},
		{ErrMalformedPayload, ClassFormat},
		{ErrContractViolation, ClassContract},
		{ErrInvalidArgument, ClassContract},
		{ErrInvalidState, ClassContract},
		{ErrNotFound, ClassLookup},
		{errors.New("decoder exploded"), ClassOther},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func BenchmarkArenaAllocate(b *testing.B) {
	arena := NewArenaSize(1 << 20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := arena.Allocate(64, 16); err != nil {
			arena.Reset()
		}
	}
}

func TestAlignedBytes(t *testing.T) {
	t.Parallel()
	for _, size := range []int{1, 63, 64, 65, 1000} {
		buf := AlignedBytes(size)
		if len(buf) != size || cap(buf) != size {
			t.Fatalf("AlignedBytes(%d): len %d cap %d", size, len(buf), cap(buf))
		}
		if !IsAligned(uintptr(unsafe.Pointer(&buf[0]))) {
			t.Errorf("AlignedBytes(%d) is not cache line aligned", size)
		}
		if got, want := AlignedSize(uintptr(size)), uintptr(AlignSize(size, CacheLineSize)); got != want {
			t.Errorf("AlignedSize(%d) = %d, want %d", size, got, want)
		}
	}
	if got := PadToAlignment([]byte{1, 2, 3}, 8); len(got) != 8 || got[2] != 3 || got[7] != 0 {
		t.Errorf("PadToAlignment = %v", got)
	}
}
