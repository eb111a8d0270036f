package runtime

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sbl8/planrt/backend"
	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/internal/ctxlog"
	"github.com/sbl8/planrt/kernels"
	"github.com/sbl8/planrt/model"
)

// EngineOptions configures engine behavior
type EngineOptions struct {
	Verification       model.Verification
	TempPoolBytes      uint64
	MethodPoolHeadroom uint64
	// MaxMethodBytes bounds the memory of each loaded method.
	MaxMethodBytes uint64
	EnableStats    bool
	// UseMmap maps program files instead of reading them. Only Load honours it.
	UseMmap  bool
	Kernels  *kernels.Registry
	Backends *backend.Registry
}

// ExecutionStats tracks runtime performance metrics
type ExecutionStats struct {
	TotalExecutions    int64
	AverageLatency     time.Duration
	OperatorExecutions map[string]int64
	// MethodUtilization is the fraction of each loaded method's pool in use.
	MethodUtilization map[string]float64
}

// DefaultEngineOptions provides sensible runtime defaults
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		Verification:       model.VerifyChecksum,
		TempPoolBytes:      256 << 10,
		MethodPoolHeadroom: 64 << 10,
		MaxMethodBytes:     DefaultMethodMemoryLimit,
		EnableStats:        true,
	}
}

type engineMethod struct {
	method *Method
	memory *MethodMemory
}

// Engine owns a program and the memory of every method loaded from it.
// Methods are loaded on first use. All calls are serialized.
type Engine struct {
	program *Program
	loader  model.DataLoader
	opts    EngineOptions
	methods map[string]*engineMethod
	stats   ExecutionStats
	closed  bool
	mu      sync.Mutex
}

// NewEngine loads the program served by loader. If loader implements
// io.Closer it is closed with the engine.
func NewEngine(loader model.DataLoader, opts *EngineOptions) (*Engine, error) {
	o := DefaultEngineOptions()
	if opts != nil {
		o = *opts
	}
	if o.Kernels == nil {
		o.Kernels = kernels.Catalog
	}
	if o.Backends == nil {
		o.Backends = backend.Default
	}

	program, err := LoadProgram(loader, WithVerification(o.Verification))
	if err != nil {
		return nil, err
	}
	return &Engine{
		program: program,
		loader:  loader,
		opts:    o,
		methods: make(map[string]*engineMethod),
		stats:   ExecutionStats{OperatorExecutions: make(map[string]int64)},
	}, nil
}

// Load opens the program file at path and constructs an Engine.
func Load(path string, opts *EngineOptions) (*Engine, error) {
	mmap := opts != nil && opts.UseMmap
	loader, err := model.Open(path, mmap)
	if err != nil {
		return nil, err
	}
	e, err := NewEngine(loader, opts)
	if err != nil {
		loader.Close()
		return nil, err
	}
	return e, nil
}

// LoadBytes constructs an Engine over an in-memory program. data must stay
// unmodified until the engine is closed.
func LoadBytes(data []byte, opts *EngineOptions) (*Engine, error) {
	return NewEngine(model.NewBufferLoader(data), opts)
}

// Program returns the engine's program.
func (e *Engine) Program() *Program { return e.program }

// MethodMeta returns metadata for the method named name.
func (e *Engine) MethodMeta(name string) (*MethodMeta, error) {
	return e.program.MethodMeta(name)
}

// IsMethodLoaded reports whether name has been loaded.
func (e *Engine) IsMethodLoaded(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.methods[name]
	return ok
}

// LoadMethod loads name if it is not loaded yet. The returned Method is
// owned by the engine and must not be finalized by the caller.
func (e *Engine) LoadMethod(ctx context.Context, name string) (*Method, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	em, err := e.load(ctx, name)
	if err != nil {
		return nil, err
	}
	return em.method, nil
}

func (e *Engine) load(ctx context.Context, name string) (*engineMethod, error) {
	if e.closed {
		return nil, fmt.Errorf("%w: engine is closed", core.ErrInvalidState)
	}
	if em, ok := e.methods[name]; ok {
		return em, nil
	}
	meta, err := e.program.MethodMeta(name)
	if err != nil {
		return nil, err
	}
	mem, err := NewMethodMemory(meta, MemorySizes{
		MethodHeadroom: e.opts.MethodPoolHeadroom,
		Temp:           e.opts.TempPoolBytes,
		Limit:          e.opts.MaxMethodBytes,
	})
	if err != nil {
		return nil, err
	}
	m, err := e.program.LoadMethod(ctx, name, mem.Manager(),
		WithKernels(e.opts.Kernels), WithBackends(e.opts.Backends))
	if err != nil {
		return nil, err
	}
	em := &engineMethod{method: m, memory: mem}
	e.methods[name] = em
	ctxlog.FromContext(ctx).Info("method ready",
		"method", name, "memory_bytes", mem.TotalSize(), "utilization", mem.Utilization())
	return em, nil
}

// Execute loads name if needed, binds inputs, runs the method and returns
// its outputs. Tensor outputs view engine memory and are overwritten by
// the next Execute of the same method.
func (e *Engine) Execute(ctx context.Context, name string, inputs []core.Value) ([]core.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	em, err := e.load(ctx, name)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if err := em.method.SetInputs(inputs); err != nil {
		return nil, err
	}
	if err := em.method.Execute(ctx); err != nil {
		return nil, err
	}
	outputs, err := em.method.Outputs()
	if err != nil {
		return nil, err
	}
	if e.opts.EnableStats {
		e.updateExecutionStats(em.method, start)
	}
	return outputs, nil
}

func (e *Engine) updateExecutionStats(m *Method, start time.Time) {
	e.stats.TotalExecutions++
	duration := time.Since(start)

	if e.stats.TotalExecutions == 1 {
		e.stats.AverageLatency = duration
	} else {
		oldTotal := e.stats.TotalExecutions - 1
		e.stats.AverageLatency = time.Duration((int64(e.stats.AverageLatency)*oldTotal + int64(duration)) / e.stats.TotalExecutions)
	}
	for _, op := range m.Operators() {
		e.stats.OperatorExecutions[op]++
	}
}

// Stats returns current execution statistics
func (e *Engine) Stats() ExecutionStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Return a copy to avoid races
	stats := e.stats
	stats.OperatorExecutions = make(map[string]int64, len(e.stats.OperatorExecutions))
	for k, v := range e.stats.OperatorExecutions {
		stats.OperatorExecutions[k] = v
	}
	stats.MethodUtilization = make(map[string]float64, len(e.methods))
	for name, em := range e.methods {
		stats.MethodUtilization[name] = em.memory.Utilization()
	}
	return stats
}

// LoadedMethods returns the names of loaded methods in sorted order.
func (e *Engine) LoadedMethods() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.methods))
	for name := range e.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close finalizes every loaded method and releases the program and its
// loader. Calling Close more than once is safe.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for _, em := range e.methods {
		em.method.Finalize()
	}
	e.methods = nil
	if err := e.program.Close(); err != nil {
		return err
	}
	if c, ok := e.loader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
