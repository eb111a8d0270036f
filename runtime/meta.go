package runtime

import (
	"fmt"
	"unsafe"

	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/model"
)

// TensorInfo describes a tensor input or output of a method.
type TensorInfo struct {
	DType   core.DType
	Shape   []int64
	Dynamic bool
	NBytes  uint64
}

// MethodMeta answers questions about a method without loading it.
type MethodMeta struct {
	plan *model.MethodPlan
}

func (m *MethodMeta) Name() string { return m.plan.Name }

func (m *MethodMeta) NumInputs() int { return len(m.plan.Inputs) }

func (m *MethodMeta) NumOutputs() int { return len(m.plan.Outputs) }

func (m *MethodMeta) NumInstructions() int { return len(m.plan.Instructions) }

func (m *MethodMeta) NumDelegates() int { return len(m.plan.Delegates) }

// InputTag returns the tag of input i.
func (m *MethodMeta) InputTag(i int) (core.Tag, error) {
	v, err := m.slot(m.plan.Inputs, i, "input")
	if err != nil {
		return core.TagNone, err
	}
	return v.Tag, nil
}

// OutputTag returns the tag of output i.
func (m *MethodMeta) OutputTag(i int) (core.Tag, error) {
	v, err := m.slot(m.plan.Outputs, i, "output")
	if err != nil {
		return core.TagNone, err
	}
	return v.Tag, nil
}

// InputTensorMeta describes tensor input i.
func (m *MethodMeta) InputTensorMeta(i int) (TensorInfo, error) {
	return m.tensorInfo(m.plan.Inputs, i, "input")
}

// OutputTensorMeta describes tensor output i.
func (m *MethodMeta) OutputTensorMeta(i int) (TensorInfo, error) {
	return m.tensorInfo(m.plan.Outputs, i, "output")
}

func (m *MethodMeta) slot(list []int, i int, kind string) (*model.ValueDef, error) {
	if i < 0 || i >= len(list) {
		return nil, fmt.Errorf("%w: %s index %d out of range [0, %d)", core.ErrInvalidArgument, kind, i, len(list))
	}
	return &m.plan.Values[list[i]], nil
}

func (m *MethodMeta) tensorInfo(list []int, i int, kind string) (TensorInfo, error) {
	v, err := m.slot(list, i, kind)
	if err != nil {
		return TensorInfo{}, err
	}
	if v.Tag != core.TagTensor {
		return TensorInfo{}, fmt.Errorf("%w: %s %d is %s, not a tensor", core.ErrContractViolation, kind, i, v.Tag)
	}
	n, _ := v.Tensor.NBytes()
	return TensorInfo{
		DType:   v.Tensor.DType,
		Shape:   append([]int64(nil), v.Tensor.Shape...),
		Dynamic: v.Tensor.Dynamic,
		NBytes:  n,
	}, nil
}

// Operators returns the operator each instruction calls, in order.
func (m *MethodMeta) Operators() []string {
	names := make([]string, len(m.plan.Instructions))
	for i, ins := range m.plan.Instructions {
		if ins.Kind == model.DelegateCall && ins.Delegate >= 0 && ins.Delegate < len(m.plan.Delegates) {
			names[i] = delegateOperator(m.plan.Delegates[ins.Delegate].Backend)
			continue
		}
		names[i] = ins.Op
	}
	return names
}

func delegateOperator(backend string) string { return "delegate:" + backend }

// NumPlannedBuffers returns how many planned buffers the method needs.
func (m *MethodMeta) NumPlannedBuffers() int { return len(m.plan.PlannedBuffers) }

// PlannedBufferSize returns the size in bytes of planned buffer id.
func (m *MethodMeta) PlannedBufferSize(id int) (uint64, error) {
	if id < 0 || id >= len(m.plan.PlannedBuffers) {
		return 0, fmt.Errorf("%w: memory id %d out of range [0, %d)", core.ErrInvalidArgument, id, len(m.plan.PlannedBuffers))
	}
	return m.plan.PlannedBuffers[id], nil
}

// MethodAllocatorBytes returns how many bytes loading the method takes from
// the method allocator: the value table, every tensor shape and the storage
// of unplanned tensors. An arena of this size is always sufficient.
// Delegates that carve state from the runtime allocator need more.
func (m *MethodMeta) MethodAllocatorBytes() uint64 {
	// Slack for a backing buffer that does not start on an aligned address.
	total := uint64(core.DefaultAlignment)
	total += methodChunk(uint64(len(m.plan.Values)) * uint64(unsafe.Sizeof(core.Value{})))
	for _, v := range m.plan.Values {
		if v.Tag != core.TagTensor {
			continue
		}
		total += methodChunk(uint64(len(v.Tensor.Shape)) * 8)
		if v.Tensor.Location == model.LocUnplanned {
			n, _ := v.Tensor.NBytes()
			total += methodChunk(n)
		}
	}
	return total
}

// methodChunk is the arena footprint of one load-time allocation of n bytes.
// Load allocates every chunk with DefaultAlignment and a size rounded up to
// it, so the footprint does not depend on allocation order.
func methodChunk(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return uint64(core.AlignUp(uintptr(n), core.DefaultAlignment))
}

func allocChunk(a *core.Arena, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf, err := a.Allocate(uintptr(methodChunk(n)), core.DefaultAlignment)
	if err != nil {
		return nil, err
	}
	return buf[:n:n], nil
}
