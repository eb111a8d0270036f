package kernels

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/sbl8/planrt/core"
)

func arity(name string, args []*core.Value, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: %s expects %d arguments, got %d", core.ErrContractViolation, name, n, len(args))
	}
	return nil
}

func tensorArg(name string, args []*core.Value, i int) (*core.Tensor, error) {
	t, err := args[i].Tensor()
	if err != nil {
		return nil, fmt.Errorf("%s argument %d: %w", name, i, err)
	}
	return t, nil
}

func float32Arg(name string, args []*core.Value, i int) (*core.Tensor, []float32, error) {
	t, err := tensorArg(name, args, i)
	if err != nil {
		return nil, nil, err
	}
	vals, err := t.Float32s()
	if err != nil {
		return nil, nil, fmt.Errorf("%s argument %d: %w", name, i, err)
	}
	return t, vals, nil
}

// prepareOutput resizes out to shape and checks its dtype. A static output
// must already have exactly shape.
func prepareOutput(name string, out *core.Tensor, dtype core.DType, shape []int64) error {
	if out.DType() != dtype {
		return fmt.Errorf("%w: %s output is %s, expected %s", core.ErrContractViolation, name, out.DType(), dtype)
	}
	if err := out.Resize(shape); err != nil {
		return fmt.Errorf("%s output: %w", name, err)
	}
	return nil
}

func float32Out(name string, args []*core.Value, i int, shape []int64) ([]float32, error) {
	out, err := tensorArg(name, args, i)
	if err != nil {
		return nil, err
	}
	if err := prepareOutput(name, out, core.Float32, shape); err != nil {
		return nil, err
	}
	return out.Float32s()
}

func lastDim(shape []int64) int {
	if len(shape) == 0 {
		return 1
	}
	return int(shape[len(shape)-1])
}

// identity(x, out) copies x into out.
func identity(_ *Context, args []*core.Value) error {
	if err := arity("identity", args, 2); err != nil {
		return err
	}
	x, err := tensorArg("identity", args, 0)
	if err != nil {
		return err
	}
	out, err := tensorArg("identity", args, 1)
	if err != nil {
		return err
	}
	if err := prepareOutput("identity", out, x.DType(), x.Shape()); err != nil {
		return err
	}
	return core.CopyTensorData(out, x)
}

// unary builds op(x, out) applying fn elementwise. out may alias x.
func unary(fn func(float32) float32) OpFunc {
	return func(_ *Context, args []*core.Value) error {
		if err := arity("unary", args, 2); err != nil {
			return err
		}
		x, xs, err := float32Arg("unary", args, 0)
		if err != nil {
			return err
		}
		out, err := float32Out("unary", args, 1, x.Shape())
		if err != nil {
			return err
		}
		for i, v := range xs {
			out[i] = fn(v)
		}
		return nil
	}
}

// binary builds op(a, b, out). b either matches a's shape, has a single
// element, or matches a's trailing dimensions and is broadcast across the
// leading ones. When b matches a and does not overlap out, inPlace updates a
// copy of a in out directly.
func binary(fn func(a, b float32) float32, inPlace func(dst, src []float32)) OpFunc {
	return func(_ *Context, args []*core.Value) error {
		if err := arity("binary", args, 3); err != nil {
			return err
		}
		a, as, err := float32Arg("binary", args, 0)
		if err != nil {
			return err
		}
		b, bs, err := float32Arg("binary", args, 1)
		if err != nil {
			return err
		}
		if !broadcastable(a.Shape(), b.Shape()) {
			return fmt.Errorf("%w: cannot broadcast %v onto %v", core.ErrContractViolation, b.Shape(), a.Shape())
		}
		out, err := float32Out("binary", args, 2, a.Shape())
		if err != nil {
			return err
		}
		if len(bs) == 0 {
			return nil
		}
		if inPlace != nil && len(bs) == len(as) && !overlaps(out, bs) {
			copy(out, as)
			inPlace(out, bs)
			return nil
		}
		for i, v := range as {
			out[i] = fn(v, bs[i%len(bs)])
		}
		return nil
	}
}

func broadcastable(a, b []int64) bool {
	if core.SameShape(a, b) {
		return true
	}
	if n, _ := core.Numel(b); n == 1 {
		return true
	}
	if len(b) > len(a) {
		return false
	}
	return core.SameShape(a[len(a)-len(b):], b)
}

// scale(x, factor, out) multiplies x by a double or int scalar.
func scale(_ *Context, args []*core.Value) error {
	if err := arity("scale", args, 3); err != nil {
		return err
	}
	x, xs, err := float32Arg("scale", args, 0)
	if err != nil {
		return err
	}
	var factor float32
	switch args[1].Tag() {
	case core.TagDouble:
		d, _ := args[1].Double()
		factor = float32(d)
	case core.TagInt:
		i, _ := args[1].Int()
		factor = float32(i)
	default:
		return fmt.Errorf("%w: scale factor is %s", core.ErrContractViolation, args[1].Tag())
	}
	out, err := float32Out("scale", args, 2, x.Shape())
	if err != nil {
		return err
	}
	for i, v := range xs {
		out[i] = v * factor
	}
	return nil
}

// softmax(x, out) normalizes over the last dimension.
func softmax(_ *Context, args []*core.Value) error {
	if err := arity("softmax", args, 2); err != nil {
		return err
	}
	x, xs, err := float32Arg("softmax", args, 0)
	if err != nil {
		return err
	}
	out, err := float32Out("softmax", args, 1, x.Shape())
	if err != nil {
		return err
	}
	copy(out, xs)
	n := lastDim(x.Shape())
	if n == 0 {
		return nil
	}
	for start := 0; start < len(out); start += n {
		SoftmaxInPlace(out[start : start+n])
	}
	return nil
}

// matMul(a[..., M, K], b[K, N], out[..., M, N]). Leading dimensions of a are
// flattened into rows. When out overlaps an input the product is formed in
// scratch memory first.
func matMul(ctx *Context, args []*core.Value) error {
	if err := arity("matmul", args, 3); err != nil {
		return err
	}
	a, as, err := float32Arg("matmul", args, 0)
	if err != nil {
		return err
	}
	b, bs, err := float32Arg("matmul", args, 1)
	if err != nil {
		return err
	}
	if a.Dim() < 1 || b.Dim() != 2 {
		return fmt.Errorf("%w: matmul needs a of rank >= 1 and b of rank 2, got %v and %v",
			core.ErrContractViolation, a.Shape(), b.Shape())
	}
	inner := lastDim(a.Shape())
	if int64(inner) != b.Shape()[0] {
		return fmt.Errorf("%w: matmul inner dimensions %d and %d differ", core.ErrContractViolation, inner, b.Shape()[0])
	}
	cols := int(b.Shape()[1])
	rows := 0
	if inner > 0 {
		rows = len(as) / inner
	}

	outShape := append(append([]int64(nil), a.Shape()[:a.Dim()-1]...), int64(cols))
	out, err := float32Out("matmul", args, 2, outShape)
	if err != nil {
		return err
	}

	if len(out) == 0 {
		return nil
	}
	if !overlaps(out, as) && !overlaps(out, bs) {
		MatMulInto(out, as, rows, inner, bs, cols)
		return nil
	}
	scratch, err := ctx.Scratch(len(out) * 4)
	if err != nil {
		return fmt.Errorf("matmul scratch: %w", err)
	}
	tmp := unsafe.Slice((*float32)(unsafe.Pointer(&scratch[0])), len(out))
	MatMulInto(tmp, as, rows, inner, bs, cols)
	copy(out, tmp)
	return nil
}

func overlaps(a, b []float32) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	a0 := uintptr(unsafe.Pointer(&a[0]))
	b0 := uintptr(unsafe.Pointer(&b[0]))
	return a0 < b0+uintptr(len(b))*4 && b0 < a0+uintptr(len(a))*4
}

// dot(a, b, out) stores the inner product of two equally sized tensors in a
// one-element out.
func dot(_ *Context, args []*core.Value) error {
	if err := arity("dot", args, 3); err != nil {
		return err
	}
	_, as, err := float32Arg("dot", args, 0)
	if err != nil {
		return err
	}
	_, bs, err := float32Arg("dot", args, 1)
	if err != nil {
		return err
	}
	if len(as) != len(bs) {
		return fmt.Errorf("%w: dot operands have %d and %d elements", core.ErrContractViolation, len(as), len(bs))
	}
	out, vals, err := float32Arg("dot", args, 2)
	if err != nil {
		return err
	}
	if out.Numel() != 1 {
		return fmt.Errorf("%w: dot output must have one element, has shape %v", core.ErrContractViolation, out.Shape())
	}
	vals[0] = VectorDot(as, bs)
	return nil
}

// vectorSum(x, out) stores the sum of all elements in a one-element out.
func vectorSum(_ *Context, args []*core.Value) error {
	return reduce("sum", args, 0, func(acc, v float32) float32 { return acc + v })
}

// vectorMax(x, out) stores the maximum element in a one-element out.
func vectorMax(_ *Context, args []*core.Value) error {
	return reduce("max", args, float32(math.Inf(-1)), func(acc, v float32) float32 {
		if v > acc {
			return v
		}
		return acc
	})
}

func reduce(name string, args []*core.Value, init float32, fn func(acc, v float32) float32) error {
	if err := arity(name, args, 2); err != nil {
		return err
	}
	_, xs, err := float32Arg(name, args, 0)
	if err != nil {
		return err
	}
	out, _, err := float32Arg(name, args, 1)
	if err != nil {
		return err
	}
	if out.Numel() != 1 {
		return fmt.Errorf("%w: %s output must have one element, has shape %v", core.ErrContractViolation, name, out.Shape())
	}
	acc := init
	for _, v := range xs {
		acc = fn(acc, v)
	}
	vals, _ := out.Float32s()
	vals[0] = acc
	return nil
}

// argMax(x[..., V], out int64[...]) writes the index of the largest element
// of each row of the last dimension.
func argMax(_ *Context, args []*core.Value) error {
	if err := arity("argmax", args, 2); err != nil {
		return err
	}
	x, xs, err := float32Arg("argmax", args, 0)
	if err != nil {
		return err
	}
	if x.Dim() == 0 {
		return fmt.Errorf("%w: argmax needs rank >= 1", core.ErrContractViolation)
	}
	out, err := tensorArg("argmax", args, 1)
	if err != nil {
		return err
	}
	if err := prepareOutput("argmax", out, core.Int64, x.Shape()[:x.Dim()-1]); err != nil {
		return err
	}
	idx, _ := out.Int64s()
	n := lastDim(x.Shape())
	if n == 0 {
		return fmt.Errorf("%w: argmax over empty dimension", core.ErrContractViolation)
	}
	for r := range idx {
		idx[r] = int64(ArgMax(xs[r*n : (r+1)*n]))
	}
	return nil
}

// embedding(table[V, D], ids int64[...], out[..., D]) gathers rows of table.
func embedding(_ *Context, args []*core.Value) error {
	if err := arity("embedding", args, 3); err != nil {
		return err
	}
	table, ts, err := float32Arg("embedding", args, 0)
	if err != nil {
		return err
	}
	if table.Dim() != 2 {
		return fmt.Errorf("%w: embedding table must be rank 2, got %v", core.ErrContractViolation, table.Shape())
	}
	idsT, err := tensorArg("embedding", args, 1)
	if err != nil {
		return err
	}
	ids, err := idsT.Int64s()
	if err != nil {
		return fmt.Errorf("embedding ids: %w", err)
	}
	vocab, dim := table.Shape()[0], int(table.Shape()[1])
	outShape := append(append([]int64(nil), idsT.Shape()...), int64(dim))
	out, err := float32Out("embedding", args, 2, outShape)
	if err != nil {
		return err
	}
	for i, id := range ids {
		if id < 0 || id >= vocab {
			return fmt.Errorf("%w: token id %d outside vocabulary of %d", core.ErrInvalidArgument, id, vocab)
		}
		copy(out[i*dim:(i+1)*dim], ts[int(id)*dim:(int(id)+1)*dim])
	}
	return nil
}

// selectLast(x[..., n, V], out[..., V]) keeps the last position along the
// second to last dimension.
func selectLast(_ *Context, args []*core.Value) error {
	if err := arity("select_last", args, 2); err != nil {
		return err
	}
	x, xs, err := float32Arg("select_last", args, 0)
	if err != nil {
		return err
	}
	if x.Dim() < 2 {
		return fmt.Errorf("%w: select_last needs rank >= 2, got %v", core.ErrContractViolation, x.Shape())
	}
	shape := x.Shape()
	steps, width := int(shape[x.Dim()-2]), int(shape[x.Dim()-1])
	if steps == 0 {
		return fmt.Errorf("%w: select_last over zero positions", core.ErrContractViolation)
	}
	outShape := append(append([]int64(nil), shape[:x.Dim()-2]...), int64(width))
	out, err := float32Out("select_last", args, 1, outShape)
	if err != nil {
		return err
	}
	block := steps * width
	for b := 0; b*block < len(xs); b++ {
		last := xs[b*block+(steps-1)*width : (b+1)*block]
		copy(out[b*width:(b+1)*width], last)
	}
	return nil
}
