// Package shard implements a delegate whose payload is itself a complete
// serialized program. The host hands the delegate a slice of its graph; the
// delegate loads the nested program's entry method against memory carved
// from the host's allocators, runs it and copies the results back out.
//
// Compile specs:
//   - method: entry method of the nested program (default "forward")
//   - runtime_pool_bytes: explicit size of the nested method pool
//   - retain_method: "true" keeps the nested method loaded across executes
//
// Without retain_method every Execute loads, runs and finalizes the nested
// method, and its memory comes from the execution's temp allocator. A
// retained method is carved once from the runtime allocator passed to Init.
// Bump memory cannot be handed back, so a retained method that fails to load
// leaves the delegate unusable rather than carving again on every Execute.
package shard

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sbl8/planrt/backend"
	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/internal/ctxlog"
	"github.com/sbl8/planrt/kernels"
	"github.com/sbl8/planrt/model"
	"github.com/sbl8/planrt/runtime"
)

// Name is the name the backend registers under.
const Name = "ShardedProgramBackend"

const (
	// DefaultMaxPoolBytes bounds the nested method pool.
	DefaultMaxPoolBytes = 2 << 20
	// DefaultPoolHeadroom is added to the pool size the nested method's
	// metadata asks for, leaving room for its own delegates.
	DefaultPoolHeadroom = 16 << 10
	// DefaultMaxPlannedBytes bounds the planned buffers of a nested method.
	DefaultMaxPlannedBytes = 64 << 20
	// DefaultEntryMethod is the nested method run when no spec names one.
	DefaultEntryMethod = "forward"
)

// Compile spec keys.
const (
	SpecMethod           = "method"
	SpecRuntimePoolBytes = "runtime_pool_bytes"
	SpecRetainMethod     = "retain_method"
)

var tracer = otel.Tracer("planrt.backend.shard")

// Options configures the backend. Zero values select the defaults.
type Options struct {
	PoolHeadroom    uint64
	MaxPoolBytes    uint64
	MaxPlannedBytes uint64
	Verification    model.Verification
	// Kernels and Backends resolve the nested program's instructions. They
	// default to kernels.Catalog and backend.Default.
	Kernels  *kernels.Registry
	Backends *backend.Registry
}

func (o Options) withDefaults() Options {
	if o.PoolHeadroom == 0 {
		o.PoolHeadroom = DefaultPoolHeadroom
	}
	if o.MaxPoolBytes == 0 {
		o.MaxPoolBytes = DefaultMaxPoolBytes
	}
	if o.MaxPlannedBytes == 0 {
		o.MaxPlannedBytes = DefaultMaxPlannedBytes
	}
	if o.Kernels == nil {
		o.Kernels = kernels.Catalog
	}
	if o.Backends == nil {
		o.Backends = backend.Default
	}
	return o
}

// Backend is the nested-program delegate backend.
type Backend struct {
	opts Options
}

// New returns a Backend configured by opts.
func New(opts Options) *Backend {
	return &Backend{opts: opts.withDefaults()}
}

// Register adds a Backend to reg, or to backend.Default when reg is nil.
func Register(reg *backend.Registry, opts Options) error {
	if reg == nil {
		reg = backend.Default
	}
	b := New(opts)
	// Nested programs resolve delegates against the registry the backend
	// lives in unless told otherwise.
	if opts.Backends == nil {
		b.opts.Backends = reg
	}
	return reg.Register(Name, b)
}

// IsAvailable always reports true.
func (b *Backend) IsAvailable() bool { return true }

type handle struct {
	payload   []byte
	method    string
	poolBytes uint64
	retain    bool
	runtime   *core.Arena
	retained  *nested
	// loadErr is the failure of a retained method's load. It is final.
	loadErr error
}

type nested struct {
	program *runtime.Program
	method  *runtime.Method
}

func (n *nested) close() {
	if n.method != nil {
		n.method.Finalize()
	}
	if n.program != nil {
		n.program.Close()
	}
}

// Init validates the compile specs. The payload is not parsed until the
// first Execute.
func (b *Backend) Init(ctx context.Context, ic backend.InitContext, payload *backend.FreeableBuffer, specs []backend.CompileSpec) (backend.Handle, error) {
	h := &handle{
		payload: payload.Data(),
		method:  DefaultEntryMethod,
		runtime: ic.RuntimeAllocator,
	}
	if v, ok := backend.SpecValue(specs, SpecMethod); ok {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty %s compile spec", core.ErrInvalidArgument, SpecMethod)
		}
		h.method = string(v)
	}
	if v, ok := backend.SpecValue(specs, SpecRuntimePoolBytes); ok {
		n, err := strconv.ParseUint(string(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidArgument, SpecRuntimePoolBytes, err)
		}
		h.poolBytes = n
	}
	if v, ok := backend.SpecValue(specs, SpecRetainMethod); ok {
		retain, err := strconv.ParseBool(string(v))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidArgument, SpecRetainMethod, err)
		}
		h.retain = retain
	}
	if h.poolBytes > b.opts.MaxPoolBytes {
		return nil, fmt.Errorf("%w: %s %d exceeds the %d byte ceiling",
			core.ErrOutOfMemory, SpecRuntimePoolBytes, h.poolBytes, b.opts.MaxPoolBytes)
	}

	ctxlog.FromContext(ctx).Debug("shard delegate initialized",
		"host_method", ic.MethodName, "entry", h.method, "payload_bytes", len(h.payload), "retain", h.retain)
	return h, nil
}

// Execute runs the nested entry method. args holds the nested method's
// inputs followed by the host's pre-allocated output slots.
func (b *Backend) Execute(ctx context.Context, ec backend.ExecutionContext, bh backend.Handle, args []*core.Value) error {
	h, ok := bh.(*handle)
	if !ok {
		return backend.HandleError(Name, bh)
	}

	n := h.retained
	if n == nil {
		if h.loadErr != nil {
			return fmt.Errorf("%w: retained nested method failed to load: %w", core.ErrInvalidState, h.loadErr)
		}
		var err error
		alloc := ec.TempAllocator
		if h.retain {
			alloc = h.runtime
		}
		n, err = b.load(ctx, h, alloc)
		if err != nil {
			if h.retain {
				h.loadErr = err
			}
			return err
		}
		if h.retain {
			h.retained = n
		} else {
			defer n.close()
		}
	}
	return run(ctx, n.method, args)
}

// load parses the payload and loads the entry method against memory carved
// from alloc, or from the Go heap when alloc is nil.
func (b *Backend) load(ctx context.Context, h *handle, alloc *core.Arena) (*nested, error) {
	ctx, span := tracer.Start(ctx, "shard.load", trace.WithAttributes(
		attribute.String("shard.method", h.method),
		attribute.Int("shard.payload_bytes", len(h.payload)),
	))
	defer span.End()

	prog, err := runtime.LoadProgram(model.NewBufferLoader(h.payload), runtime.WithVerification(b.opts.Verification))
	if err != nil {
		return nil, fmt.Errorf("nested program: %w", err)
	}
	n := &nested{program: prog}

	mm, err := b.memory(prog, h, alloc)
	if err != nil {
		n.close()
		return nil, err
	}
	m, err := prog.LoadMethod(ctx, h.method, mm,
		runtime.WithKernels(b.opts.Kernels), runtime.WithBackends(b.opts.Backends))
	if err != nil {
		n.close()
		return nil, fmt.Errorf("nested method: %w", err)
	}
	n.method = m
	return n, nil
}

func (b *Backend) memory(prog *runtime.Program, h *handle, alloc *core.Arena) (*core.MemoryManager, error) {
	meta, err := prog.MethodMeta(h.method)
	if err != nil {
		return nil, fmt.Errorf("nested method: %w", err)
	}

	var planned uint64
	for id := 0; id < meta.NumPlannedBuffers(); id++ {
		size, _ := meta.PlannedBufferSize(id)
		if size > b.opts.MaxPlannedBytes-planned {
			return nil, fmt.Errorf("%w: nested method %q plans more than the %d byte ceiling",
				core.ErrOutOfMemory, h.method, b.opts.MaxPlannedBytes)
		}
		planned += size
	}

	buffers := make([][]byte, meta.NumPlannedBuffers())
	for id := range buffers {
		size, _ := meta.PlannedBufferSize(id)
		if buffers[id], err = carve(alloc, size); err != nil {
			return nil, fmt.Errorf("planned buffer %d: %w", id, err)
		}
	}

	pool := h.poolBytes
	if pool == 0 {
		pool = meta.MethodAllocatorBytes()
		if pool > b.opts.MaxPoolBytes {
			return nil, fmt.Errorf("%w: nested method %q needs a %d byte pool, ceiling is %d",
				core.ErrOutOfMemory, h.method, pool, b.opts.MaxPoolBytes)
		}
		pool += b.opts.PoolHeadroom
	}
	if pool > b.opts.MaxPoolBytes {
		return nil, fmt.Errorf("%w: nested method %q needs a %d byte pool, ceiling is %d",
			core.ErrOutOfMemory, h.method, pool, b.opts.MaxPoolBytes)
	}
	working, err := carve(alloc, pool)
	if err != nil {
		return nil, fmt.Errorf("working pool: %w", err)
	}
	return core.NewMemoryManager(core.NewArena(working), core.NewPlannedMemory(buffers), nil), nil
}

func carve(alloc *core.Arena, size uint64) ([]byte, error) {
	if alloc == nil {
		if size > math.MaxInt-core.CacheLineSize {
			return nil, fmt.Errorf("%w: %d bytes cannot be allocated", core.ErrOutOfMemory, size)
		}
		return core.AlignedBytes(int(size)), nil
	}
	return alloc.Allocate(uintptr(size), core.DefaultAlignment)
}

func run(ctx context.Context, m *runtime.Method, args []*core.Value) error {
	nin, nout := m.InputsSize(), m.OutputsSize()
	if len(args) != nin+nout {
		return fmt.Errorf("%w: nested method %q takes %d inputs and %d outputs, got %d arguments",
			core.ErrContractViolation, m.Name(), nin, nout, len(args))
	}

	for i := 0; i < nin; i++ {
		if err := m.SetInput(*args[i], i); err != nil {
			return fmt.Errorf("nested input %d: %w", i, err)
		}
	}
	if err := m.Execute(ctx); err != nil {
		return err
	}

	results, err := m.Outputs()
	if err != nil {
		return err
	}
	// Check every output before writing any, so a mismatch leaves the
	// caller's buffers untouched.
	type copyOut struct{ dst, src *core.Tensor }
	var copies []copyOut
	for i, res := range results {
		if !res.IsTensor() {
			continue
		}
		src, _ := res.Tensor()
		dst, err := args[nin+i].Tensor()
		if err != nil {
			return fmt.Errorf("nested output %d: %w", i, err)
		}
		if err := core.CheckCompatible(dst, src); err != nil {
			return fmt.Errorf("nested output %d: %w", i, err)
		}
		copies = append(copies, copyOut{dst: dst, src: src})
	}
	for _, c := range copies {
		copy(c.dst.Bytes(), c.src.Bytes())
	}
	return nil
}

// Destroy finalizes a retained nested method. Foreign handles are ignored.
func (b *Backend) Destroy(bh backend.Handle) {
	h, ok := bh.(*handle)
	if !ok || h.retained == nil {
		return
	}
	h.retained.close()
	h.retained = nil
}
