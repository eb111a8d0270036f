package runtime

import (
	"fmt"
	"math"

	"github.com/sbl8/planrt/core"
)

// Region is a named range of a MethodMemory buffer.
type Region struct {
	Offset uintptr
	Size   uintptr
	Name   string
}

// MethodMemory is one backing buffer holding every allocator a method is
// loaded against. Every region starts on a cache line. It is laid out as:
//  1. Planned buffers, one per memory id
//  2. Method pool (value table, shapes, unplanned tensors, delegate state)
//  3. Temp pool (kernel and delegate scratch, reset per instruction)
type MethodMemory struct {
	buffer  []byte
	regions []Region
	manager *core.MemoryManager
}

// MemorySizes are the extra pool sizes requested on top of what a method's
// metadata requires.
type MemorySizes struct {
	// MethodHeadroom is added to MethodAllocatorBytes for delegates that
	// carve state from the runtime allocator.
	MethodHeadroom uint64
	// Temp is the temp pool size. Zero disables the temp pool.
	Temp uint64
	// Limit bounds the whole backing buffer. Zero selects
	// DefaultMethodMemoryLimit.
	Limit uint64
}

// DefaultMethodMemoryLimit bounds a method's backing buffer when no limit is
// configured.
const DefaultMethodMemoryLimit = 1 << 30

// NewMethodMemory allocates memory sized for meta and carves it into
// regions.
func NewMethodMemory(meta *MethodMeta, sizes MemorySizes) (*MethodMemory, error) {
	limit := sizes.Limit
	if limit == 0 {
		limit = DefaultMethodMemoryLimit
	}
	limit = min(limit, uint64(math.MaxInt)-core.CacheLineSize)

	var (
		regions []Region
		offset  uint64
	)
	add := func(name string, size uint64) error {
		start := uint64(core.AlignUp(uintptr(offset), core.CacheLineSize))
		if start > limit || size > limit-start {
			return fmt.Errorf("%w: method %q %s region of %d bytes exceeds the %d byte method memory limit",
				core.ErrOutOfMemory, meta.Name(), name, size, limit)
		}
		regions = append(regions, Region{Offset: uintptr(start), Size: uintptr(size), Name: name})
		offset = start + size
		return nil
	}

	for id := 0; id < meta.NumPlannedBuffers(); id++ {
		size, err := meta.PlannedBufferSize(id)
		if err != nil {
			return nil, err
		}
		if err := add(fmt.Sprintf("planned/%d", id), size); err != nil {
			return nil, err
		}
	}
	pool := meta.MethodAllocatorBytes()
	if sizes.MethodHeadroom > math.MaxUint64-pool {
		return nil, fmt.Errorf("%w: method %q pool headroom %d overflows", core.ErrOutOfMemory, meta.Name(), sizes.MethodHeadroom)
	}
	if err := add("method", pool+sizes.MethodHeadroom); err != nil {
		return nil, err
	}
	if sizes.Temp > 0 {
		if err := add("temp", sizes.Temp); err != nil {
			return nil, err
		}
	}

	m := &MethodMemory{
		buffer:  core.AlignedBytes(int(core.AlignedSize(uintptr(offset)))),
		regions: regions,
	}

	// Planned regions come first, in memory id order.
	planned := make([][]byte, meta.NumPlannedBuffers())
	for id := range planned {
		planned[id] = m.slice(regions[id])
	}
	method := core.NewArena(m.slice(regions[len(planned)]))
	var temp *core.Arena
	if sizes.Temp > 0 {
		temp = core.NewArena(m.slice(regions[len(planned)+1]))
	}
	m.manager = core.NewMemoryManager(method, core.NewPlannedMemory(planned), temp)
	return m, nil
}

func (m *MethodMemory) slice(r Region) []byte {
	end := r.Offset + r.Size
	return m.buffer[r.Offset:end:end]
}

// Manager returns the allocators carved from the buffer.
func (m *MethodMemory) Manager() *core.MemoryManager { return m.manager }

// Region returns the region called name.
func (m *MethodMemory) Region(name string) (Region, bool) {
	for _, r := range m.regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// Regions returns every region in layout order.
func (m *MethodMemory) Regions() []Region {
	return append([]Region(nil), m.regions...)
}

// TotalSize returns the size of the backing buffer.
func (m *MethodMemory) TotalSize() uintptr {
	return uintptr(len(m.buffer))
}

// Utilization is the fraction of the method pool in use.
func (m *MethodMemory) Utilization() float64 {
	pool := m.manager.Method
	if pool.Capacity() == 0 {
		return 0
	}
	return float64(pool.Used()) / float64(pool.Capacity())
}

// ZeroPlanned clears every planned buffer.
func (m *MethodMemory) ZeroPlanned() {
	for id := 0; id < m.manager.Planned.NumBuffers(); id++ {
		clear(m.slice(m.regions[id]))
	}
}
