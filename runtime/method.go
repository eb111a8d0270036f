package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/sbl8/planrt/backend"
	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/internal/ctxlog"
	"github.com/sbl8/planrt/kernels"
	"github.com/sbl8/planrt/model"
)

var (
	tracer = otel.Tracer("planrt.runtime")
	meter  = otel.Meter("planrt.runtime")
)

var (
	executeLatency  metric.Float64Histogram
	executeTotal    metric.Int64Counter
	instructionsRun metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		executeLatency, err = meter.Float64Histogram(
			"method_execute_duration_seconds",
			metric.WithDescription("Duration of method executions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		executeTotal, err = meter.Int64Counter(
			"method_execute_total",
			metric.WithDescription("Total number of method executions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		instructionsRun, err = meter.Int64Counter(
			"method_instructions_total",
			metric.WithDescription("Total number of instructions executed"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordExecute(ctx context.Context, method string, duration time.Duration, instructions int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("success", success),
	)
	executeLatency.Record(ctx, duration.Seconds(), attrs)
	executeTotal.Add(ctx, 1, attrs)
	instructionsRun.Add(ctx, int64(instructions), attrs)
}

// MethodOption configures LoadMethod.
type MethodOption func(*methodOptions)

type methodOptions struct {
	kernels  *kernels.Registry
	backends *backend.Registry
}

// WithKernels resolves operators against r instead of kernels.Catalog.
func WithKernels(r *kernels.Registry) MethodOption {
	return func(o *methodOptions) { o.kernels = r }
}

// WithBackends resolves delegates against r instead of backend.Default.
func WithBackends(r *backend.Registry) MethodOption {
	return func(o *methodOptions) { o.backends = r }
}

type step struct {
	name     string
	op       kernels.OpFunc
	delegate *backend.Delegate
	args     []*core.Value
}

// Method is a loaded method. Its tensors live in the memory of the
// MemoryManager it was loaded against, which must outlive it. Finalize must
// be called before that memory is reused.
type Method struct {
	name      string
	meta      *MethodMeta
	values    []core.Value
	inputs    []int
	outputs   []int
	inputSet  []bool
	steps     []step
	delegates []*backend.Delegate
	temp      *core.Arena
	finalized bool
}

func loadMethod(ctx context.Context, p *Program, plan *model.MethodPlan, mm *core.MemoryManager, opts ...MethodOption) (*Method, error) {
	o := methodOptions{kernels: kernels.Catalog, backends: backend.Default}
	for _, opt := range opts {
		opt(&o)
	}
	if mm == nil || mm.Method == nil {
		return nil, fmt.Errorf("%w: method %q needs a method allocator", core.ErrInvalidArgument, plan.Name)
	}
	if err := checkPlanned(plan, mm.Planned); err != nil {
		return nil, fmt.Errorf("method %q: %w", plan.Name, err)
	}

	ctx, span := tracer.Start(ctx, "Program.LoadMethod", trace.WithAttributes(
		attribute.String("method", plan.Name),
		attribute.Int("method.values", len(plan.Values)),
		attribute.Int("method.instructions", len(plan.Instructions)),
	))
	defer span.End()

	m := &Method{
		name:     plan.Name,
		meta:     &MethodMeta{plan: plan},
		inputs:   plan.Inputs,
		outputs:  plan.Outputs,
		inputSet: make([]bool, len(plan.Inputs)),
		temp:     mm.Temp,
	}
	if err := m.bindValues(p, plan, mm); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("method %q: %w", plan.Name, err)
	}
	if err := m.resolve(ctx, p, plan, mm, o); err != nil {
		m.Finalize()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("method %q: %w", plan.Name, err)
	}

	ctxlog.FromContext(ctx).Debug("method loaded",
		"method", plan.Name,
		"values", len(plan.Values),
		"instructions", len(plan.Instructions),
		"delegates", len(m.delegates),
		"method_pool_used", mm.Method.Used())
	return m, nil
}

func checkPlanned(plan *model.MethodPlan, planned *core.PlannedMemory) error {
	if planned.NumBuffers() < len(plan.PlannedBuffers) {
		return fmt.Errorf("%w: %d planned buffers provided, %d required",
			core.ErrInvalidArgument, planned.NumBuffers(), len(plan.PlannedBuffers))
	}
	for id, need := range plan.PlannedBuffers {
		have, _ := planned.BufferSize(id)
		if uint64(have) < need {
			return fmt.Errorf("%w: planned buffer %d has %d bytes, %d required", core.ErrOutOfMemory, id, have, need)
		}
	}
	return nil
}

// bindValues builds the value table. Every tensor views memory it does not
// own: a planned buffer, a program segment or the method allocator.
func (m *Method) bindValues(p *Program, plan *model.MethodPlan, mm *core.MemoryManager) error {
	// The table is charged against the method allocator so that
	// MethodAllocatorBytes is an exact budget.
	if _, err := allocChunk(mm.Method, uint64(len(plan.Values))*uint64(unsafe.Sizeof(core.Value{}))); err != nil {
		return fmt.Errorf("value table: %w", err)
	}
	m.values = make([]core.Value, len(plan.Values))

	for i, def := range plan.Values {
		switch def.Tag {
		case core.TagNone:
			m.values[i] = core.NoneValue()
		case core.TagInt:
			m.values[i] = core.IntValue(def.Int)
		case core.TagDouble:
			m.values[i] = core.DoubleValue(def.Double)
		case core.TagBool:
			m.values[i] = core.BoolValue(def.Bool)
		case core.TagTensor:
			t, err := bindTensor(p, def.Tensor, mm)
			if err != nil {
				return fmt.Errorf("value %d: %w", i, err)
			}
			m.values[i] = core.TensorValue(t)
		default:
			return fmt.Errorf("%w: value %d has tag %d", core.ErrMalformedPayload, i, def.Tag)
		}
	}
	return nil
}

func bindTensor(p *Program, def *model.TensorDef, mm *core.MemoryManager) (*core.Tensor, error) {
	nbytes, err := def.NBytes()
	if err != nil {
		return nil, err
	}

	var shape []int64
	if len(def.Shape) > 0 {
		raw, err := allocChunk(mm.Method, uint64(len(def.Shape))*8)
		if err != nil {
			return nil, fmt.Errorf("tensor shape: %w", err)
		}
		shape = unsafe.Slice((*int64)(unsafe.Pointer(&raw[0])), len(def.Shape))
		copy(shape, def.Shape)
	}

	var storage []byte
	switch def.Location {
	case model.LocPlanned:
		storage, err = mm.Planned.OffsetAddress(def.MemoryID, def.Offset, nbytes)
	case model.LocConstant:
		var seg []byte
		seg, err = p.prog.Segment(def.Segment)
		if err == nil {
			storage = seg[:nbytes:nbytes]
		}
	default:
		storage, err = allocChunk(mm.Method, nbytes)
	}
	if err != nil {
		return nil, fmt.Errorf("tensor storage (%s): %w", def.Location, err)
	}

	t, err := core.NewTensor(def.DType, shape, storage)
	if err != nil {
		return nil, err
	}
	t.SetDynamic(def.Dynamic)
	return t, nil
}

func (m *Method) resolve(ctx context.Context, p *Program, plan *model.MethodPlan, mm *core.MemoryManager, o methodOptions) error {
	for i, def := range plan.Delegates {
		b, err := o.backends.Get(def.Backend)
		if err != nil {
			return fmt.Errorf("delegate %d: %w", i, err)
		}
		payload, err := p.prog.Segment(def.Payload)
		if err != nil {
			return fmt.Errorf("delegate %d payload: %w", i, err)
		}
		d := backend.NewDelegate(def.Backend, b, backend.NewFreeableBuffer(payload, nil), def.CompileSpecs)
		// Registered before Init so Finalize releases the payload on failure.
		m.delegates = append(m.delegates, d)
		if err := d.Init(ctx, backend.InitContext{RuntimeAllocator: mm.Method, MethodName: plan.Name}); err != nil {
			return fmt.Errorf("delegate %d: %w", i, err)
		}
	}

	m.steps = make([]step, len(plan.Instructions))
	for i, ins := range plan.Instructions {
		s := step{args: make([]*core.Value, len(ins.Args))}
		for j, a := range ins.Args {
			s.args[j] = &m.values[a]
		}
		switch ins.Kind {
		case model.KernelCall:
			op, err := o.kernels.Lookup(ins.Op)
			if err != nil {
				return fmt.Errorf("instruction %d: %w", i, err)
			}
			s.name, s.op = ins.Op, op
		case model.DelegateCall:
			s.delegate = m.delegates[ins.Delegate]
			s.name = delegateOperator(plan.Delegates[ins.Delegate].Backend)
		}
		m.steps[i] = s
	}
	return nil
}

func (m *Method) check() error {
	if m.finalized {
		return fmt.Errorf("%w: method %q is finalized", core.ErrInvalidState, m.name)
	}
	return nil
}

// Name returns the method name.
func (m *Method) Name() string { return m.name }

// Meta returns the method's metadata.
func (m *Method) Meta() *MethodMeta { return m.meta }

// InputsSize returns the number of inputs.
func (m *Method) InputsSize() int { return len(m.inputs) }

// OutputsSize returns the number of outputs.
func (m *Method) OutputsSize() int { return len(m.outputs) }

// Operators returns the operator name of every instruction, in order.
// Delegate calls are reported as "delegate:<backend>".
func (m *Method) Operators() []string {
	names := make([]string, len(m.steps))
	for i, s := range m.steps {
		names[i] = s.name
	}
	return names
}

// SetInput binds v to input i. Tensor data is copied into the memory the
// input was planned into; a dynamic input is first resized to v's shape.
// Scalars replace the slot's value and must carry the same tag.
func (m *Method) SetInput(v core.Value, i int) error {
	if err := m.check(); err != nil {
		return err
	}
	if i < 0 || i >= len(m.inputs) {
		return fmt.Errorf("%w: input index %d out of range [0, %d)", core.ErrInvalidArgument, i, len(m.inputs))
	}
	slot := &m.values[m.inputs[i]]
	if slot.Tag() != v.Tag() {
		return fmt.Errorf("%w: input %d is %s, got %s", core.ErrContractViolation, i, slot.Tag(), v.Tag())
	}

	if v.IsTensor() {
		dst, _ := slot.Tensor()
		src, _ := v.Tensor()
		if src == nil {
			return fmt.Errorf("%w: input %d is a nil tensor", core.ErrInvalidArgument, i)
		}
		if src != dst {
			if dst.DType() != src.DType() {
				return fmt.Errorf("%w: input %d is %s, got %s", core.ErrContractViolation, i, dst.DType(), src.DType())
			}
			if err := dst.Resize(src.Shape()); err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			if err := core.CopyTensorData(dst, src); err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
		}
	} else {
		*slot = v
	}
	m.inputSet[i] = true
	return nil
}

// SetInputs binds values to inputs 0..len(values)-1.
func (m *Method) SetInputs(values []core.Value) error {
	if len(values) != len(m.inputs) {
		return fmt.Errorf("%w: %d inputs given, method %q takes %d", core.ErrInvalidArgument, len(values), m.name, len(m.inputs))
	}
	for i, v := range values {
		if err := m.SetInput(v, i); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs every instruction in order. The first failing instruction
// aborts the run; outputs are unspecified after a failure. The temp
// allocator is reset after each instruction.
func (m *Method) Execute(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	for i, set := range m.inputSet {
		if !set {
			return fmt.Errorf("%w: method %q input %d is not set", core.ErrInvalidState, m.name, i)
		}
	}

	ctx, span := tracer.Start(ctx, "Method.Execute", trace.WithAttributes(
		attribute.String("method", m.name),
		attribute.Int("method.instructions", len(m.steps)),
	))
	defer span.End()

	start := time.Now()
	ran, err := m.run(ctx)
	recordExecute(ctx, m.name, time.Since(start), ran, err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (m *Method) run(ctx context.Context) (int, error) {
	kctx := &kernels.Context{Temp: m.temp}
	ectx := backend.ExecutionContext{TempAllocator: m.temp, MethodName: m.name}
	for i, s := range m.steps {
		var err error
		if s.delegate != nil {
			err = s.delegate.Execute(ctx, ectx, s.args)
		} else {
			err = s.op(kctx, s.args)
		}
		if m.temp != nil {
			m.temp.Reset()
		}
		if err != nil {
			return i + 1, fmt.Errorf("method %q instruction %d (%s): %w", m.name, i, s.name, err)
		}
	}
	return len(m.steps), nil
}

// Output returns output i. Tensor outputs view method memory and are
// overwritten by the next Execute.
func (m *Method) Output(i int) (core.Value, error) {
	if err := m.check(); err != nil {
		return core.Value{}, err
	}
	if i < 0 || i >= len(m.outputs) {
		return core.Value{}, fmt.Errorf("%w: output index %d out of range [0, %d)", core.ErrInvalidArgument, i, len(m.outputs))
	}
	return m.values[m.outputs[i]], nil
}

// Outputs returns every output in order.
func (m *Method) Outputs() ([]core.Value, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]core.Value, len(m.outputs))
	for i, idx := range m.outputs {
		out[i] = m.values[idx]
	}
	return out, nil
}

// Finalize destroys the method's delegates. The method cannot be used
// afterwards. Calling Finalize more than once is safe.
func (m *Method) Finalize() {
	if m.finalized {
		return
	}
	for _, d := range m.delegates {
		d.Destroy()
	}
	m.delegates = nil
	m.steps = nil
	m.finalized = true
}
