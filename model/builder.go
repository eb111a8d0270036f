package model

import (
	"fmt"

	"github.com/sbl8/planrt/core"
)

// Builder assembles a program in memory. It is used by the compiler and by
// tests that need small hand-built programs.
type Builder struct {
	methods  []*MethodBuilder
	segments [][]byte
}

func NewBuilder() *Builder {
	return &Builder{}
}

// AddSegment appends data to the segment area and returns its index.
func (b *Builder) AddSegment(data []byte) int {
	b.segments = append(b.segments, data)
	return len(b.segments) - 1
}

// Method starts a new method plan named name.
func (b *Builder) Method(name string) *MethodBuilder {
	mb := &MethodBuilder{b: b, plan: MethodPlan{Name: name}}
	b.methods = append(b.methods, mb)
	return mb
}

// Table returns the table as it would be encoded, without segment offsets.
func (b *Builder) Table() Table {
	t := Table{Segments: make([]Segment, len(b.segments))}
	for _, mb := range b.methods {
		t.Methods = append(t.Methods, mb.plan)
	}
	for i, s := range b.segments {
		t.Segments[i] = Segment{Size: uint64(len(s))}
	}
	return t
}

// Build validates and encodes the program.
func (b *Builder) Build() ([]byte, error) {
	data, err := Encode(b.Table(), b.segments)
	if err != nil {
		return nil, err
	}
	// Round-trip through the parser so a builder never emits a program the
	// runtime would reject.
	if _, err := Parse(NewBufferLoader(data), VerifyChecksum); err != nil {
		return nil, fmt.Errorf("built program is invalid: %w", err)
	}
	return data, nil
}

// MethodBuilder appends values and instructions to one method plan.
type MethodBuilder struct {
	b    *Builder
	plan MethodPlan
}

// Value appends a value slot and returns its index.
func (m *MethodBuilder) Value(v ValueDef) int {
	m.plan.Values = append(m.plan.Values, v)
	return len(m.plan.Values) - 1
}

// Tensor appends a tensor value.
func (m *MethodBuilder) Tensor(t TensorDef) int {
	return m.Value(ValueDef{Tag: core.TagTensor, Tensor: &t})
}

// Input appends a tensor value and marks it as the next method input.
func (m *MethodBuilder) Input(t TensorDef) int {
	idx := m.Tensor(t)
	m.plan.Inputs = append(m.plan.Inputs, idx)
	return idx
}

// ScalarInput appends a non-tensor value and marks it as the next input.
func (m *MethodBuilder) ScalarInput(v ValueDef) int {
	idx := m.Value(v)
	m.plan.Inputs = append(m.plan.Inputs, idx)
	return idx
}

// Constant appends a tensor backed by a new segment holding data.
func (m *MethodBuilder) Constant(dtype core.DType, shape []int64, data []byte) int {
	seg := m.b.AddSegment(data)
	return m.Tensor(TensorDef{DType: dtype, Shape: shape, Location: LocConstant, Segment: seg})
}

// Buffer appends a planned buffer of size bytes and returns its memory id.
func (m *MethodBuilder) Buffer(size uint64) int {
	m.plan.PlannedBuffers = append(m.plan.PlannedBuffers, size)
	return len(m.plan.PlannedBuffers) - 1
}

// Output marks values as method outputs, in order.
func (m *MethodBuilder) Output(values ...int) {
	m.plan.Outputs = append(m.plan.Outputs, values...)
}

// Kernel appends a call to the operator op.
func (m *MethodBuilder) Kernel(op string, args ...int) {
	m.plan.Instructions = append(m.plan.Instructions, Instruction{Kind: KernelCall, Op: op, Args: args})
}

// Delegate appends a delegate bound to backend with the given payload and a
// call to it.
func (m *MethodBuilder) Delegate(backend string, payload []byte, specs []CompileSpec, args ...int) {
	seg := m.b.AddSegment(payload)
	m.plan.Delegates = append(m.plan.Delegates, DelegateDef{Backend: backend, Payload: seg, CompileSpecs: specs})
	m.plan.Instructions = append(m.plan.Instructions, Instruction{
		Kind:     DelegateCall,
		Delegate: len(m.plan.Delegates) - 1,
		Args:     args,
	})
}

// Plan returns the plan built so far.
func (m *MethodBuilder) Plan() *MethodPlan { return &m.plan }

// Planned returns a TensorDef at offset in planned buffer id.
func Planned(dtype core.DType, shape []int64, id int, offset uint64) TensorDef {
	return TensorDef{DType: dtype, Shape: shape, Location: LocPlanned, MemoryID: id, Offset: offset}
}

// Unplanned returns a TensorDef allocated from the method allocator.
func Unplanned(dtype core.DType, shape []int64) TensorDef {
	return TensorDef{DType: dtype, Shape: shape}
}
