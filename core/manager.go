package core

// MemoryManager groups the allocators a method is loaded against.
//
// Method receives load-time allocations that live as long as the method:
// shapes, the accounted value table and tensors with no planned location.
// Planned backs memory-planned tensors. Temp is optional scratch handed to
// kernels and delegates; it is reset after every instruction.
type MemoryManager struct {
	Method  *Arena
	Planned *PlannedMemory
	Temp    *Arena
}

// NewMemoryManager returns a manager over the given allocators. temp may be nil.
func NewMemoryManager(method *Arena, planned *PlannedMemory, temp *Arena) *MemoryManager {
	return &MemoryManager{Method: method, Planned: planned, Temp: temp}
}
