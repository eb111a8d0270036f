// Package model defines the serialized program format executed by planrt.
//
// A program file holds a fixed header, a msgpack-encoded table describing
// every method, and a segment area with constant tensor data and delegate
// payloads. Segments are 64-byte aligned and are never copied on load: a
// DataLoader hands out views, and tensors and delegates alias them directly.
//
// Key data structures:
//   - Table: every method plan plus the segment directory
//   - MethodPlan: values, inputs, outputs, instructions and planned buffer sizes
//   - Graph: producer/consumer ordering of instructions, used by the compiler
//
// Programs are produced by the compiler (or a Builder in tests) and loaded by
// the runtime. A parsed Program is immutable.
package model

import (
	"fmt"

	"github.com/sbl8/planrt/core"
)

// MaxBufferBytes bounds every planned buffer and tensor a program may
// declare. Larger sizes are treated as corrupt.
const MaxBufferBytes = 1 << 40

// Location says where a tensor's storage comes from when a method is loaded.
type Location uint8

const (
	// LocUnplanned tensors are allocated from the method allocator at load.
	LocUnplanned Location = iota
	// LocPlanned tensors live at an offset inside a planned buffer.
	LocPlanned
	// LocConstant tensors alias a segment of the program.
	LocConstant
)

func (l Location) String() string {
	switch l {
	case LocUnplanned:
		return "unplanned"
	case LocPlanned:
		return "planned"
	case LocConstant:
		return "constant"
	default:
		return fmt.Sprintf("location(%d)", uint8(l))
	}
}

// TensorDef describes one tensor value. For a dynamic tensor Shape is the
// upper bound the storage is sized for.
type TensorDef struct {
	DType    core.DType `msgpack:"dtype"`
	Shape    []int64    `msgpack:"shape"`
	Dynamic  bool       `msgpack:"dynamic,omitempty"`
	Location Location   `msgpack:"loc"`
	MemoryID int        `msgpack:"mem_id,omitempty"`
	Offset   uint64     `msgpack:"offset,omitempty"`
	Segment  int        `msgpack:"segment,omitempty"`
}

// NBytes returns the storage the tensor requires.
func (t TensorDef) NBytes() (uint64, error) {
	n, err := core.ByteSize(t.DType, t.Shape)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// ValueDef describes one value slot of a method.
type ValueDef struct {
	Tag    core.Tag   `msgpack:"tag"`
	Tensor *TensorDef `msgpack:"tensor,omitempty"`
	Int    int64      `msgpack:"int,omitempty"`
	Double float64    `msgpack:"double,omitempty"`
	Bool   bool       `msgpack:"bool,omitempty"`
}

// InstructionKind distinguishes kernel calls from delegate calls.
type InstructionKind uint8

const (
	KernelCall InstructionKind = iota + 1
	DelegateCall
)

func (k InstructionKind) String() string {
	switch k {
	case KernelCall:
		return "kernel"
	case DelegateCall:
		return "delegate"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Instruction is one step of a method. Args index into the method's values;
// by convention trailing args are the outputs the call writes.
type Instruction struct {
	Kind     InstructionKind `msgpack:"kind"`
	Op       string          `msgpack:"op,omitempty"`
	Delegate int             `msgpack:"delegate,omitempty"`
	Args     []int           `msgpack:"args"`
}

// CompileSpec is an opaque key/value pair handed to a delegate at init.
type CompileSpec struct {
	Key   string `msgpack:"key"`
	Value []byte `msgpack:"value"`
}

// DelegateDef binds a delegated node to a backend and its payload segment.
type DelegateDef struct {
	Backend      string        `msgpack:"backend"`
	Payload      int           `msgpack:"payload"`
	CompileSpecs []CompileSpec `msgpack:"specs,omitempty"`
}

// MethodPlan is the compiled form of one entry point.
type MethodPlan struct {
	Name           string        `msgpack:"name"`
	Values         []ValueDef    `msgpack:"values"`
	Inputs         []int         `msgpack:"inputs"`
	Outputs        []int         `msgpack:"outputs"`
	Instructions   []Instruction `msgpack:"instructions"`
	PlannedBuffers []uint64      `msgpack:"planned"`
	Delegates      []DelegateDef `msgpack:"delegates,omitempty"`
}

// Segment locates a region of the segment area.
type Segment struct {
	Offset uint64 `msgpack:"offset"`
	Size   uint64 `msgpack:"size"`
}

// Table is the msgpack-encoded directory of a program.
type Table struct {
	Methods  []MethodPlan `msgpack:"methods"`
	Segments []Segment    `msgpack:"segments"`
}

// Method returns the plan named name.
func (t *Table) Method(name string) (*MethodPlan, error) {
	for i := range t.Methods {
		if t.Methods[i].Name == name {
			return &t.Methods[i], nil
		}
	}
	return nil, fmt.Errorf("%w: method %q", core.ErrNotFound, name)
}

// Validate checks every index, size and offset in the table against each
// other and against the size of the segment area.
func (t *Table) Validate(segmentAreaSize uint64) error {
	for i, s := range t.Segments {
		if s.Offset%core.SegmentAlignment != 0 {
			return malformed("segment %d offset %d is not %d-byte aligned", i, s.Offset, core.SegmentAlignment)
		}
		if s.Offset > segmentAreaSize || s.Size > segmentAreaSize-s.Offset {
			return malformed("segment %d [%d, %d) exceeds segment area of %d bytes", i, s.Offset, s.Offset+s.Size, segmentAreaSize)
		}
	}

	names := make(map[string]bool, len(t.Methods))
	for i := range t.Methods {
		m := &t.Methods[i]
		if m.Name == "" {
			return malformed("method %d has no name", i)
		}
		if names[m.Name] {
			return malformed("duplicate method %q", m.Name)
		}
		names[m.Name] = true
		if err := t.validateMethod(m); err != nil {
			return fmt.Errorf("method %q: %w", m.Name, err)
		}
	}
	return nil
}

func (t *Table) validateMethod(m *MethodPlan) error {
	for id, size := range m.PlannedBuffers {
		if size > MaxBufferBytes {
			return malformed("planned buffer %d of %d bytes exceeds %d", id, size, uint64(MaxBufferBytes))
		}
	}
	for i, v := range m.Values {
		if !v.Tag.Valid() {
			return malformed("value %d has unknown tag %d", i, v.Tag)
		}
		if v.Tag != core.TagTensor {
			continue
		}
		if v.Tensor == nil {
			return malformed("tensor value %d has no tensor metadata", i)
		}
		if err := t.validateTensor(m, i, v.Tensor); err != nil {
			return err
		}
	}

	for _, list := range [][]int{m.Inputs, m.Outputs} {
		for _, idx := range list {
			if idx < 0 || idx >= len(m.Values) {
				return malformed("value index %d out of range [0, %d)", idx, len(m.Values))
			}
		}
	}

	for i, d := range m.Delegates {
		if d.Backend == "" {
			return malformed("delegate %d has no backend name", i)
		}
		if d.Payload < 0 || d.Payload >= len(t.Segments) {
			return malformed("delegate %d payload segment %d out of range", i, d.Payload)
		}
	}

	for i, ins := range m.Instructions {
		switch ins.Kind {
		case KernelCall:
			if ins.Op == "" {
				return malformed("instruction %d has no operator", i)
			}
		case DelegateCall:
			if ins.Delegate < 0 || ins.Delegate >= len(m.Delegates) {
				return malformed("instruction %d delegate %d out of range", i, ins.Delegate)
			}
		default:
			return malformed("instruction %d has unknown kind %d", i, ins.Kind)
		}
		for _, a := range ins.Args {
			if a < 0 || a >= len(m.Values) {
				return malformed("instruction %d argument %d out of range", i, a)
			}
		}
	}
	return nil
}

func (t *Table) validateTensor(m *MethodPlan, idx int, td *TensorDef) error {
	if !td.DType.Valid() {
		return malformed("tensor %d has invalid dtype %d", idx, td.DType)
	}
	nbytes, err := td.NBytes()
	if err != nil {
		return malformed("tensor %d: %v", idx, err)
	}
	if nbytes > MaxBufferBytes {
		return malformed("tensor %d of %d bytes exceeds %d", idx, nbytes, uint64(MaxBufferBytes))
	}
	switch td.Location {
	case LocUnplanned:
	case LocPlanned:
		if td.MemoryID < 0 || td.MemoryID >= len(m.PlannedBuffers) {
			return malformed("tensor %d memory id %d out of range [0, %d)", idx, td.MemoryID, len(m.PlannedBuffers))
		}
		size := m.PlannedBuffers[td.MemoryID]
		if td.Offset > size || nbytes > size-td.Offset {
			return malformed("tensor %d [%d, %d) exceeds planned buffer %d of %d bytes",
				idx, td.Offset, td.Offset+nbytes, td.MemoryID, size)
		}
	case LocConstant:
		if td.Segment < 0 || td.Segment >= len(t.Segments) {
			return malformed("tensor %d segment %d out of range", idx, td.Segment)
		}
		if t.Segments[td.Segment].Size < nbytes {
			return malformed("tensor %d needs %d bytes, segment %d has %d",
				idx, nbytes, td.Segment, t.Segments[td.Segment].Size)
		}
	default:
		return malformed("tensor %d has unknown location %d", idx, td.Location)
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{core.ErrMalformedPayload}, args...)...)
}
