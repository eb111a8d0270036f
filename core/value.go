package core

import "fmt"

// Tag identifies which member of a Value is live.
type Tag uint8

const (
	TagNone Tag = iota
	TagTensor
	TagInt
	TagDouble
	TagBool
)

func (t Tag) String() string {
	switch t {
	case TagNone:
		return "none"
	case TagTensor:
		return "tensor"
	case TagInt:
		return "int"
	case TagDouble:
		return "double"
	case TagBool:
		return "bool"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Valid reports whether t is a known tag.
func (t Tag) Valid() bool { return t <= TagBool }

// Value is a value slot: a tensor view or a scalar. The zero Value is None.
// Accessors check the tag and return ErrContractViolation on a mismatch.
type Value struct {
	tag    Tag
	tensor *Tensor
	i      int64
	d      float64
	b      bool
}

func NoneValue() Value { return Value{} }

func TensorValue(t *Tensor) Value { return Value{tag: TagTensor, tensor: t} }

func IntValue(i int64) Value { return Value{tag: TagInt, i: i} }

func DoubleValue(d float64) Value { return Value{tag: TagDouble, d: d} }

func BoolValue(b bool) Value { return Value{tag: TagBool, b: b} }

func (v Value) Tag() Tag { return v.tag }

func (v Value) IsTensor() bool { return v.tag == TagTensor }

func (v Value) Tensor() (*Tensor, error) {
	if v.tag != TagTensor {
		return nil, v.mismatch(TagTensor)
	}
	return v.tensor, nil
}

func (v Value) Int() (int64, error) {
	if v.tag != TagInt {
		return 0, v.mismatch(TagInt)
	}
	return v.i, nil
}

func (v Value) Double() (float64, error) {
	if v.tag != TagDouble {
		return 0, v.mismatch(TagDouble)
	}
	return v.d, nil
}

func (v Value) Bool() (bool, error) {
	if v.tag != TagBool {
		return false, v.mismatch(TagBool)
	}
	return v.b, nil
}

func (v Value) mismatch(want Tag) error {
	return fmt.Errorf("%w: value is %s, expected %s", ErrContractViolation, v.tag, want)
}

// Visitor receives the live member of a Value. Every tag has a method, so a
// type implementing Visitor handles all cases.
type Visitor interface {
	VisitNone() error
	VisitTensor(t *Tensor) error
	VisitInt(i int64) error
	VisitDouble(d float64) error
	VisitBool(b bool) error
}

// Visit dispatches v to the visitor method matching its tag.
func (v Value) Visit(vis Visitor) error {
	switch v.tag {
	case TagNone:
		return vis.VisitNone()
	case TagTensor:
		return vis.VisitTensor(v.tensor)
	case TagInt:
		return vis.VisitInt(v.i)
	case TagDouble:
		return vis.VisitDouble(v.d)
	case TagBool:
		return vis.VisitBool(v.b)
	default:
		return fmt.Errorf("%w: unknown tag %d", ErrContractViolation, v.tag)
	}
}

func (v Value) String() string {
	switch v.tag {
	case TagTensor:
		return v.tensor.String()
	case TagInt:
		return fmt.Sprintf("Int(%d)", v.i)
	case TagDouble:
		return fmt.Sprintf("Double(%g)", v.d)
	case TagBool:
		return fmt.Sprintf("Bool(%t)", v.b)
	default:
		return "None"
	}
}
