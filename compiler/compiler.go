// Package compiler turns HCL program sources into planrt program files.
//
// A source file declares one or more methods. Each method lists its inputs,
// intermediate and constant tensors, constant scalars, the operations that
// connect them and the values it returns:
//
//	method "forward" {
//	  input "x" {
//	    dtype = "float32"
//	    shape = [3]
//	  }
//	  tensor "bias" {
//	    dtype = "float32"
//	    shape = [3]
//	    data  = [1, -5, 1]
//	  }
//	  tensor "y" {
//	    dtype = "float32"
//	    shape = [3]
//	  }
//	  op "shift" {
//	    kernel  = "add"
//	    inputs  = ["x", "bias"]
//	    outputs = ["y"]
//	  }
//	  outputs = ["y"]
//	}
//
// An op either calls a kernel or holds a delegate block naming a backend.
// Delegate payloads come from a raw file or from another source file that is
// compiled recursively into a nested program.
//
// Compilation pipeline:
//  1. Parse and decode the HCL body
//  2. Resolve names and validate dtypes, shapes and constant data
//  3. Order ops so every producer precedes its consumers
//  4. Plan memory: tensors whose lifetimes do not overlap share bytes of one
//     planned buffer
//  5. Emit the program through model.Builder, which round-trips it through
//     the parser
package compiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/internal/ctxlog"
	"github.com/sbl8/planrt/model"
)

// CompileOptions configures the compilation process
type CompileOptions struct {
	// PlanMemory places non-constant tensors in a planned buffer. When false
	// they are allocated from the method allocator at load time.
	PlanMemory bool
	// Verbose logs each compilation stage at info level instead of debug.
	Verbose bool
}

// DefaultOptions provides sensible compilation defaults
func DefaultOptions() CompileOptions {
	return CompileOptions{PlanMemory: true}
}

// Compile turns a source file into a program file.
func Compile(ctx context.Context, src, out string) error {
	return CompileWithOptions(ctx, src, out, DefaultOptions())
}

// CompileWithOptions compiles src and writes the program to out.
func CompileWithOptions(ctx context.Context, src, out string, opts CompileOptions) error {
	data, err := Build(ctx, src, opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	logStage(ctx, opts, "program written", "source", src, "output", out, "bytes", len(data))
	return nil
}

// Build compiles the source file at path and returns the encoded program.
func Build(ctx context.Context, path string, opts CompileOptions) ([]byte, error) {
	c := &compilation{opts: opts, active: make(map[string]bool)}
	return c.file(ctx, path)
}

// BuildSource compiles src as if it had been read from filename. Relative
// data and program paths resolve against filename's directory.
func BuildSource(ctx context.Context, filename string, src []byte, opts CompileOptions) ([]byte, error) {
	c := &compilation{opts: opts, active: make(map[string]bool)}
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
	}
	c.active[abs] = true
	return c.source(ctx, abs, src)
}

func logStage(ctx context.Context, opts CompileOptions, msg string, args ...any) {
	logger := ctxlog.FromContext(ctx)
	if opts.Verbose {
		logger.Info(msg, args...)
		return
	}
	logger.Debug(msg, args...)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{core.ErrInvalidArgument}, args...)...)
}

// compilation tracks the source files being compiled so nested programs
// cannot include themselves.
type compilation struct {
	opts   CompileOptions
	active map[string]bool
}

func (c *compilation) file(ctx context.Context, path string) ([]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
	}
	if c.active[abs] {
		return nil, invalid("program %s includes itself", path)
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read source: %v", core.ErrNotFound, err)
	}
	c.active[abs] = true
	defer delete(c.active, abs)
	return c.source(ctx, abs, src)
}

func (c *compilation) source(ctx context.Context, filename string, src []byte) ([]byte, error) {
	root, err := parseSource(filename, src)
	if err != nil {
		return nil, err
	}
	logStage(ctx, c.opts, "source parsed", "source", filename, "methods", len(root.Methods))

	b := model.NewBuilder()
	seen := make(map[string]bool, len(root.Methods))
	for _, m := range root.Methods {
		if seen[m.Name] {
			return nil, invalid("%s: method %q declared twice", filename, m.Name)
		}
		seen[m.Name] = true
		if err := c.method(ctx, b, filepath.Dir(filename), m); err != nil {
			return nil, fmt.Errorf("%s: method %q: %w", filename, m.Name, err)
		}
	}

	data, err := b.Build()
	if err != nil {
		return nil, err
	}
	logStage(ctx, c.opts, "program built", "source", filename, "bytes", len(data))
	return data, nil
}

// kind says what a declared name refers to.
type kind int

const (
	kindInput kind = iota
	kindScalarInput
	kindTensor
	kindConstant
	kindScalar
)

// decl is one named value of a method in declaration order. Its index is the
// value index in the emitted plan.
type decl struct {
	name    string
	kind    kind
	dtype   core.DType
	shape   []int64
	dynamic bool
	data    []byte
	scalar  scalar
}

func (d *decl) isTensor() bool {
	return d.kind == kindInput || d.kind == kindTensor || d.kind == kindConstant
}

func (c *compilation) method(ctx context.Context, b *model.Builder, dir string, m *methodBlock) error {
	decls, index, err := declare(dir, m)
	if err != nil {
		return err
	}

	graph, err := c.graph(m, decls, index)
	if err != nil {
		return err
	}
	order, err := graph.Order()
	if err != nil {
		return invalid("%v", err)
	}

	outputs := make([]int, len(m.Outputs))
	for i, name := range m.Outputs {
		idx, ok := index[name]
		if !ok {
			return invalid("output %q is not declared", name)
		}
		outputs[i] = idx
	}

	written := make(map[int]bool)
	for _, n := range graph.Nodes {
		for _, v := range n.Writes {
			written[v] = true
		}
	}
	for _, n := range graph.Nodes {
		for _, v := range n.Reads {
			if decls[v].kind == kindTensor && !written[v] {
				return invalid("op %q reads %q, which no op writes", m.Ops[n.ID].Name, decls[v].name)
			}
		}
	}
	for _, v := range outputs {
		if decls[v].kind == kindTensor && !written[v] {
			return invalid("output %q is never written", decls[v].name)
		}
	}

	var placements map[int]placement
	if c.opts.PlanMemory {
		placements, err = c.plan(ctx, m.Name, decls, graph, order, outputs)
		if err != nil {
			return err
		}
	}

	mb := b.Method(m.Name)
	if size := planSize(placements); size > 0 {
		mb.Buffer(size)
	}
	for i := range decls {
		emitValue(mb, &decls[i], placements)
	}
	for _, id := range order {
		if err := c.emitOp(ctx, mb, dir, m.Ops[id], index); err != nil {
			return fmt.Errorf("op %q: %w", m.Ops[id].Name, err)
		}
	}
	mb.Output(outputs...)
	logStage(ctx, c.opts, "method compiled", "method", m.Name,
		"values", len(decls), "instructions", len(order), "planned_bytes", planSize(placements))
	return nil
}

// declare resolves every named value of m. Inputs come first, in order, so
// their value indices match the method's input positions.
func declare(dir string, m *methodBlock) ([]decl, map[string]int, error) {
	var decls []decl
	index := make(map[string]int)
	add := func(d decl) error {
		if d.name == "" {
			return invalid("value with empty name")
		}
		if _, dup := index[d.name]; dup {
			return invalid("value %q declared twice", d.name)
		}
		index[d.name] = len(decls)
		decls = append(decls, d)
		return nil
	}

	for _, in := range m.Inputs {
		d := decl{name: in.Name, kind: kindInput, shape: in.Shape, dynamic: in.Dynamic}
		if tag, ok := scalarKinds[in.DType]; ok {
			if len(in.Shape) != 0 || in.Dynamic {
				return nil, nil, invalid("scalar input %q cannot have a shape", in.Name)
			}
			d.kind = kindScalarInput
			d.scalar = scalar{tag: tag}
		} else {
			dtype, err := tensorType(in.Name, in.DType, in.Shape)
			if err != nil {
				return nil, nil, err
			}
			d.dtype = dtype
		}
		if err := add(d); err != nil {
			return nil, nil, err
		}
	}

	for _, t := range m.Tensors {
		dtype, err := tensorType(t.Name, t.DType, t.Shape)
		if err != nil {
			return nil, nil, err
		}
		d := decl{name: t.Name, kind: kindTensor, dtype: dtype, shape: t.Shape, dynamic: t.Dynamic}
		if t.Data != nil || t.DataFile != "" {
			if t.Dynamic {
				return nil, nil, invalid("constant %q cannot be dynamic", t.Name)
			}
			d.kind = kindConstant
			if d.data, err = constantData(dir, t, dtype); err != nil {
				return nil, nil, err
			}
		}
		if err := add(d); err != nil {
			return nil, nil, err
		}
	}

	for _, s := range m.Scalars {
		v, err := decodeScalar(s)
		if err != nil {
			return nil, nil, err
		}
		if err := add(decl{name: s.Name, kind: kindScalar, scalar: v}); err != nil {
			return nil, nil, err
		}
	}
	return decls, index, nil
}

func tensorType(name, dtype string, shape []int64) (core.DType, error) {
	dt, err := core.ParseDType(dtype)
	if err != nil {
		return 0, invalid("tensor %q: %v", name, err)
	}
	if _, err := core.Numel(shape); err != nil {
		return 0, invalid("tensor %q: %v", name, err)
	}
	return dt, nil
}

func constantData(dir string, t *tensorBlock, dtype core.DType) ([]byte, error) {
	if t.Data != nil && t.DataFile != "" {
		return nil, invalid("constant %q sets both data and data_file", t.Name)
	}
	nbytes, _ := (model.TensorDef{DType: dtype, Shape: t.Shape}).NBytes()
	if t.DataFile != "" {
		raw, err := os.ReadFile(resolve(dir, t.DataFile))
		if err != nil {
			return nil, fmt.Errorf("%w: constant %q: %v", core.ErrNotFound, t.Name, err)
		}
		if uint64(len(raw)) != nbytes {
			return nil, invalid("constant %q: %s holds %d bytes, shape %v needs %d",
				t.Name, t.DataFile, len(raw), t.Shape, nbytes)
		}
		return raw, nil
	}
	n, _ := core.Numel(t.Shape)
	if int64(len(t.Data)) != n {
		return nil, invalid("constant %q has %d elements, shape %v needs %d", t.Name, len(t.Data), t.Shape, n)
	}
	data, err := encodeElements(dtype, t.Data)
	if err != nil {
		return nil, invalid("constant %q: %v", t.Name, err)
	}
	return data, nil
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// graph builds the dependency graph of m's ops. Node ids are op positions in
// the source.
func (c *compilation) graph(m *methodBlock, decls []decl, index map[string]int) (*model.Graph, error) {
	g := &model.Graph{Nodes: make([]model.Node, 0, len(m.Ops))}
	names := make(map[string]bool, len(m.Ops))
	lookup := func(op, name string) (int, error) {
		idx, ok := index[name]
		if !ok {
			return 0, invalid("op %q references undeclared value %q", op, name)
		}
		return idx, nil
	}

	for id, op := range m.Ops {
		if names[op.Name] {
			return nil, invalid("op %q declared twice", op.Name)
		}
		names[op.Name] = true
		if (op.Kernel == "") == (op.Delegate == nil) {
			return nil, invalid("op %q must set exactly one of kernel or delegate", op.Name)
		}

		node := model.Node{ID: id}
		for _, name := range op.Inputs {
			idx, err := lookup(op.Name, name)
			if err != nil {
				return nil, err
			}
			node.Reads = append(node.Reads, idx)
		}
		for _, name := range op.Outputs {
			idx, err := lookup(op.Name, name)
			if err != nil {
				return nil, err
			}
			switch decls[idx].kind {
			case kindConstant, kindScalar, kindScalarInput:
				return nil, invalid("op %q writes %q, which is read-only", op.Name, name)
			}
			node.Writes = append(node.Writes, idx)
		}
		g.Nodes = append(g.Nodes, node)
	}
	if err := g.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	return g, nil
}

// plan assigns planned offsets to every non-constant tensor with storage.
// Inputs are live from the first instruction and outputs until the last.
func (c *compilation) plan(ctx context.Context, method string, decls []decl, g *model.Graph, order []int, outputs []int) (map[int]placement, error) {
	spans := g.Lifetimes(order)
	end := len(order)
	isOutput := make(map[int]bool, len(outputs))
	for _, v := range outputs {
		isOutput[v] = true
	}

	var reqs []interval
	for i := range decls {
		d := &decls[i]
		if d.kind != kindInput && d.kind != kindTensor {
			continue
		}
		size, err := (model.TensorDef{DType: d.dtype, Shape: d.shape}).NBytes()
		if err != nil {
			return nil, invalid("tensor %q: %v", d.name, err)
		}
		if size == 0 {
			continue
		}
		span, touched := spans[i]
		if !touched {
			span = [2]int{0, 0}
		}
		if d.kind == kindInput {
			span[0] = 0
		}
		if isOutput[i] {
			span[1] = end
		}
		reqs = append(reqs, interval{value: i, size: size, first: span[0], last: span[1]})
	}

	placements, total := planBuffer(reqs)
	var naive uint64
	for _, r := range reqs {
		naive += alignOffset(r.size)
	}
	logStage(ctx, c.opts, "memory planned", "method", method,
		"tensors", len(reqs), "planned_bytes", total, "unshared_bytes", naive)
	return placements, nil
}

func planSize(placements map[int]placement) uint64 {
	var total uint64
	for _, p := range placements {
		if end := p.offset + p.size; end > total {
			total = end
		}
	}
	return alignOffset(total)
}

func emitValue(mb *model.MethodBuilder, d *decl, placements map[int]placement) {
	idx := len(mb.Plan().Values)
	switch d.kind {
	case kindScalarInput:
		mb.ScalarInput(model.ValueDef{Tag: d.scalar.tag})
	case kindScalar:
		mb.Value(model.ValueDef{Tag: d.scalar.tag, Int: d.scalar.i, Double: d.scalar.d, Bool: d.scalar.b})
	case kindConstant:
		mb.Constant(d.dtype, d.shape, d.data)
	default:
		td := model.Unplanned(d.dtype, d.shape)
		if p, ok := placements[idx]; ok {
			td = model.Planned(d.dtype, d.shape, 0, p.offset)
		}
		td.Dynamic = d.dynamic
		if d.kind == kindInput {
			mb.Input(td)
		} else {
			mb.Tensor(td)
		}
	}
}

func (c *compilation) emitOp(ctx context.Context, mb *model.MethodBuilder, dir string, op *opBlock, index map[string]int) error {
	args := make([]int, 0, len(op.Inputs)+len(op.Outputs))
	for _, name := range op.Inputs {
		args = append(args, index[name])
	}
	for _, name := range op.Outputs {
		args = append(args, index[name])
	}

	if op.Delegate == nil {
		mb.Kernel(op.Kernel, args...)
		return nil
	}

	d := op.Delegate
	if (d.Program == "") == (d.PayloadFile == "") {
		return invalid("delegate %q must set exactly one of program or payload_file", d.Backend)
	}
	var payload []byte
	var err error
	if d.Program != "" {
		payload, err = c.file(ctx, resolve(dir, d.Program))
		if err != nil {
			return fmt.Errorf("nested program %s: %w", d.Program, err)
		}
	} else {
		payload, err = os.ReadFile(resolve(dir, d.PayloadFile))
		if err != nil {
			return fmt.Errorf("%w: payload: %v", core.ErrNotFound, err)
		}
	}

	keys := make([]string, 0, len(d.Specs))
	for k := range d.Specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	specs := make([]model.CompileSpec, len(keys))
	for i, k := range keys {
		specs[i] = model.CompileSpec{Key: k, Value: []byte(d.Specs[k])}
	}
	mb.Delegate(d.Backend, payload, specs, args...)
	return nil
}
