// Package backend defines the delegate protocol: how a compiled program hands
// a subgraph to an external execution backend, and the registry backends are
// looked up in.
//
// A backend is stateless with respect to individual delegated nodes. Init
// returns an opaque Handle for one node, and every later Execute and Destroy
// call for that node receives the same handle. Backends recover their concrete
// handle type with a checked type assertion and report ErrInvalidArgument when
// handed a foreign one.
package backend

import (
	"context"
	"fmt"

	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/model"
)

// Handle is the per-node state a backend returns from Init.
type Handle any

// CompileSpec is an opaque key/value option attached to a delegated node.
type CompileSpec = model.CompileSpec

// InitContext is what a backend may use while initializing a node.
type InitContext struct {
	// RuntimeAllocator belongs to the host method and lives until the method
	// is finalized. Backends carve long-lived state from it.
	RuntimeAllocator *core.Arena
	// MethodName is the host method the node belongs to.
	MethodName string
}

// ExecutionContext is what a backend may use during one Execute call.
type ExecutionContext struct {
	// TempAllocator is scratch reset after the call returns. It may be nil.
	TempAllocator *core.Arena
	MethodName    string
}

// Backend executes delegated nodes.
//
// The context passed to Init and Execute carries the logger and trace span
// only; calls are not cancellable.
type Backend interface {
	// IsAvailable reports whether the backend can run on this host.
	IsAvailable() bool
	// Init prepares one delegated node. payload stays valid until the node is
	// destroyed; a backend that no longer needs it may Free it early.
	Init(ctx context.Context, ic InitContext, payload *FreeableBuffer, specs []CompileSpec) (Handle, error)
	// Execute runs the node over args, writing trailing output values in place.
	Execute(ctx context.Context, ec ExecutionContext, h Handle, args []*core.Value) error
	// Destroy releases everything Init created. It is called at most once per handle.
	Destroy(h Handle)
}

// FreeableBuffer is a delegate payload with an optional release hook.
type FreeableBuffer struct {
	data  []byte
	free  func()
	freed bool
}

// NewFreeableBuffer wraps data. free, if non-nil, runs once on the first Free.
func NewFreeableBuffer(data []byte, free func()) *FreeableBuffer {
	return &FreeableBuffer{data: data, free: free}
}

// Data returns the payload, or nil once freed.
func (b *FreeableBuffer) Data() []byte {
	if b == nil || b.freed {
		return nil
	}
	return b.data
}

// Size returns the payload length in bytes.
func (b *FreeableBuffer) Size() int { return len(b.Data()) }

// Free releases the payload. Calling Free more than once is safe.
func (b *FreeableBuffer) Free() {
	if b == nil || b.freed {
		return
	}
	b.freed = true
	b.data = nil
	if b.free != nil {
		b.free()
	}
}

// Freed reports whether Free has been called.
func (b *FreeableBuffer) Freed() bool { return b == nil || b.freed }

// SpecValue returns the value of the compile spec named key.
func SpecValue(specs []CompileSpec, key string) ([]byte, bool) {
	for _, s := range specs {
		if s.Key == key {
			return s.Value, true
		}
	}
	return nil, false
}

// HandleError reports a handle of the wrong concrete type.
func HandleError(backend string, h Handle) error {
	return fmt.Errorf("%w: %s received foreign handle of type %T", core.ErrInvalidArgument, backend, h)
}
