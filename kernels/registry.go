// Package kernels provides the operator library the runtime dispatches kernel
// instructions to.
//
// Operators follow the out-variant convention: every argument is a value slot
// and the trailing arguments are outputs written in place. Kernels never
// allocate tensor storage; outputs are bound at load time and dynamic outputs
// are resized within their capacity. Scratch memory comes from the temp
// allocator in the Context and is reclaimed after every instruction.
//
// Available operations:
//   - Elementwise: identity, add, sub, mul, scale, relu, sigmoid, tanh
//   - Reductions: sum, max, argmax, softmax over the last dimension
//   - Linear algebra: matmul, dot
//   - Language-model helpers: embedding, select_last
//
// All kernels are pure Go.
package kernels

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sbl8/planrt/core"
)

// Context is the per-call environment of an operator.
type Context struct {
	// Temp is scratch memory reset after the instruction returns. It may be nil.
	Temp *core.Arena
}

// Scratch returns size bytes of scratch memory. Without a temp allocator it
// falls back to the Go heap.
func (c *Context) Scratch(size int) ([]byte, error) {
	if c == nil || c.Temp == nil {
		return core.AlignedBytes(size), nil
	}
	return c.Temp.Allocate(uintptr(size), core.DefaultAlignment)
}

// OpFunc executes one operator over its argument values.
type OpFunc func(ctx *Context, args []*core.Value) error

// Registry maps operator names to implementations. Safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]OpFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]OpFunc)}
}

// Register adds fn under name. Registering a name twice is an error.
func (r *Registry) Register(name string, fn OpFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: operator needs a name and a function", core.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[name]; exists {
		return fmt.Errorf("%w: operator %q already registered", core.ErrInvalidArgument, name)
	}
	r.ops[name] = fn
	return nil
}

// Lookup returns the operator registered under name.
func (r *Registry) Lookup(name string) (OpFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.ops[name]
	if !ok {
		return nil, fmt.Errorf("%w: operator %q", core.ErrNotFound, name)
	}
	return fn, nil
}

// Names returns the registered operator names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewCatalog returns a registry holding every built-in operator.
func NewCatalog() *Registry {
	r := NewRegistry()
	for name, fn := range builtins {
		r.ops[name] = fn
	}
	return r
}

// Catalog is the shared built-in operator registry used when a method is
// loaded without an explicit one.
var Catalog = NewCatalog()

var builtins = map[string]OpFunc{
	"identity":    identity,
	"add":         binary(func(a, b float32) float32 { return a + b }, VectorAddInPlace),
	"sub":         binary(func(a, b float32) float32 { return a - b }, nil),
	"mul":         binary(func(a, b float32) float32 { return a * b }, VectorMulInPlace),
	"dot":         dot,
	"scale":       scale,
	"relu":        unary(relu),
	"sigmoid":     unary(sigmoid),
	"tanh":        unary(tanh),
	"softmax":     softmax,
	"matmul":      matMul,
	"sum":         vectorSum,
	"max":         vectorMax,
	"argmax":      argMax,
	"embedding":   embedding,
	"select_last": selectLast,
}
