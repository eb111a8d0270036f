package core

import (
	"fmt"
	"math"
	"strings"
	"unsafe"
)

// DType identifies the element type of a tensor.
type DType uint8

const (
	Float32 DType = iota + 1
	Float64
	Int32
	Int64
	Uint8
	Bool
)

var dtypeNames = map[DType]string{
	Float32: "float32",
	Float64: "float64",
	Int32:   "int32",
	Int64:   "int64",
	Uint8:   "uint8",
	Bool:    "bool",
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// Valid reports whether d is a known element type.
func (d DType) Valid() bool {
	_, ok := dtypeNames[d]
	return ok
}

// ElementSize returns the size of one element in bytes, or 0 for an unknown type.
func (d DType) ElementSize() int {
	switch d {
	case Float64, Int64:
		return 8
	case Float32, Int32:
		return 4
	case Uint8, Bool:
		return 1
	default:
		return 0
	}
}

// ParseDType parses the lower-case dtype name used by the compiler and CLIs.
func ParseDType(s string) (DType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d, name := range dtypeNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown dtype %q", ErrInvalidArgument, s)
}

// Tensor is a typed view over memory it does not own. The storage may belong
// to a planned buffer, a program constant segment, an arena or a Go slice; the
// tensor never frees it.
//
// A dynamic tensor may be resized to any shape of the same rank whose byte
// size fits the storage it was bound to.
type Tensor struct {
	dtype   DType
	shape   []int64
	storage []byte
	dynamic bool
}

// NewTensor binds a view of the given dtype and shape over storage. storage
// must hold at least the bytes the shape requires; extra bytes are capacity
// for later resizes of a dynamic tensor. The tensor takes ownership of shape.
func NewTensor(dtype DType, shape []int64, storage []byte) (*Tensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("%w: invalid dtype %d", ErrInvalidArgument, dtype)
	}
	need, err := ByteSize(dtype, shape)
	if err != nil {
		return nil, err
	}
	if need > int64(len(storage)) {
		return nil, fmt.Errorf("%w: shape %v of %s needs %d bytes, storage has %d",
			ErrOutOfMemory, shape, dtype, need, len(storage))
	}
	return &Tensor{dtype: dtype, shape: shape, storage: storage[:len(storage):len(storage)]}, nil
}

// NewTensorFromFloat32 wraps values without copying them.
func NewTensorFromFloat32(shape []int64, values []float32) (*Tensor, error) {
	return NewTensor(Float32, shape, sliceBytes(values))
}

// NewTensorFromInt64 wraps values without copying them.
func NewTensorFromInt64(shape []int64, values []int64) (*Tensor, error) {
	return NewTensor(Int64, shape, sliceBytes(values))
}

// NewZeroTensor allocates zeroed, cache-line aligned storage for shape.
func NewZeroTensor(dtype DType, shape []int64) (*Tensor, error) {
	size, err := ByteSize(dtype, shape)
	if err != nil {
		return nil, err
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("%w: shape %v of %s needs %d bytes", ErrOutOfMemory, shape, dtype, size)
	}
	return NewTensor(dtype, append([]int64(nil), shape...), AlignedBytes(int(size)))
}

func sliceBytes[T any](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*int(unsafe.Sizeof(zero)))
}

// Numel returns the element count of shape. A rank-0 shape has one element.
// A count that does not fit in an int64 is rejected.
func Numel(shape []int64) (int64, error) {
	n := int64(1)
	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension %d at index %d", ErrInvalidArgument, d, i)
		}
		if d > 0 && n > math.MaxInt64/d {
			return 0, fmt.Errorf("%w: shape %v overflows the element count", ErrInvalidArgument, shape)
		}
		n *= d
	}
	return n, nil
}

// ByteSize returns the storage shape needs for dtype elements.
func ByteSize(dtype DType, shape []int64) (int64, error) {
	n, err := Numel(shape)
	if err != nil {
		return 0, err
	}
	size := int64(dtype.ElementSize())
	if size > 0 && n > math.MaxInt64/size {
		return 0, fmt.Errorf("%w: shape %v of %s overflows the byte size", ErrInvalidArgument, shape, dtype)
	}
	return n * size, nil
}

// SetDynamic marks the tensor as resizable within its storage.
func (t *Tensor) SetDynamic(dynamic bool) { t.dynamic = dynamic }

// Dynamic reports whether the tensor may be resized.
func (t *Tensor) Dynamic() bool { return t.dynamic }

func (t *Tensor) DType() DType { return t.dtype }

// Shape returns the dimensions. The slice must not be modified.
func (t *Tensor) Shape() []int64 { return t.shape }

func (t *Tensor) Dim() int { return len(t.shape) }

func (t *Tensor) Numel() int {
	n, _ := Numel(t.shape)
	return int(n)
}

// NBytes returns the byte size of the current shape.
func (t *Tensor) NBytes() int {
	return t.Numel() * t.dtype.ElementSize()
}

// CapacityBytes returns the size of the storage the tensor is bound to.
func (t *Tensor) CapacityBytes() int {
	return len(t.storage)
}

// Bytes returns the raw bytes of the current shape.
func (t *Tensor) Bytes() []byte {
	return t.storage[:t.NBytes()]
}

// Resize changes the shape in place. The rank must not change, and a static
// tensor only accepts its current shape.
func (t *Tensor) Resize(shape []int64) error {
	if SameShape(t.shape, shape) {
		return nil
	}
	if !t.dynamic {
		return fmt.Errorf("%w: cannot resize static tensor from %v to %v", ErrContractViolation, t.shape, shape)
	}
	if len(shape) != len(t.shape) {
		return fmt.Errorf("%w: resize changes rank from %d to %d", ErrContractViolation, len(t.shape), len(shape))
	}
	need, err := ByteSize(t.dtype, shape)
	if err != nil {
		return err
	}
	if need > int64(len(t.storage)) {
		return fmt.Errorf("%w: shape %v exceeds tensor capacity of %d bytes", ErrOutOfMemory, shape, len(t.storage))
	}
	copy(t.shape, shape)
	return nil
}

// Float32s returns the elements as float32. The tensor must be Float32.
func (t *Tensor) Float32s() ([]float32, error) { return view[float32](t, Float32) }

// Float64s returns the elements as float64. The tensor must be Float64.
func (t *Tensor) Float64s() ([]float64, error) { return view[float64](t, Float64) }

// Int32s returns the elements as int32. The tensor must be Int32.
func (t *Tensor) Int32s() ([]int32, error) { return view[int32](t, Int32) }

// Int64s returns the elements as int64. The tensor must be Int64.
func (t *Tensor) Int64s() ([]int64, error) { return view[int64](t, Int64) }

// Uint8s returns the elements as bytes. The tensor must be Uint8 or Bool.
func (t *Tensor) Uint8s() ([]uint8, error) {
	if t.dtype != Uint8 && t.dtype != Bool {
		return nil, fmt.Errorf("%w: tensor is %s, not uint8", ErrContractViolation, t.dtype)
	}
	return t.Bytes(), nil
}

func view[T any](t *Tensor, want DType) ([]T, error) {
	if t.dtype != want {
		return nil, fmt.Errorf("%w: tensor is %s, not %s", ErrContractViolation, t.dtype, want)
	}
	n := t.Numel()
	if n == 0 {
		return []T{}, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&t.storage[0])), n), nil
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CheckCompatible returns ErrContractViolation unless dst and src agree on
// dtype and shape.
func CheckCompatible(dst, src *Tensor) error {
	if dst == nil || src == nil {
		return fmt.Errorf("%w: nil tensor", ErrContractViolation)
	}
	if dst.dtype != src.dtype {
		return fmt.Errorf("%w: dtype mismatch: destination %s, source %s", ErrContractViolation, dst.dtype, src.dtype)
	}
	if !SameShape(dst.shape, src.shape) {
		return fmt.Errorf("%w: shape mismatch: destination %v, source %v", ErrContractViolation, dst.shape, src.shape)
	}
	return nil
}

// CopyTensorData copies src's elements into dst's existing storage. Shapes
// and dtypes must match exactly; nothing is written otherwise.
func CopyTensorData(dst, src *Tensor) error {
	if err := CheckCompatible(dst, src); err != nil {
		return err
	}
	copy(dst.Bytes(), src.Bytes())
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s%v)", t.dtype, t.shape)
}
