package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/internal/ctxlog"
)

var (
	tracer = otel.Tracer("planrt.backend")
	meter  = otel.Meter("planrt.backend")
)

var (
	executeLatency metric.Float64Histogram
	executeTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		executeLatency, err = meter.Float64Histogram(
			"delegate_execute_duration_seconds",
			metric.WithDescription("Duration of delegate Execute calls"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		executeTotal, err = meter.Int64Counter(
			"delegate_execute_total",
			metric.WithDescription("Total number of delegate Execute calls"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordExecute(ctx context.Context, name string, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", name),
		attribute.Bool("success", success),
	)
	executeLatency.Record(ctx, duration.Seconds(), attrs)
	executeTotal.Add(ctx, 1, attrs)
}

// State is the lifecycle state of a Delegate.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Delegate is one delegated node of a loaded method: a backend, the node's
// payload and compile specs, and the handle Init produced.
//
// Execute is only legal between Init and Destroy. Destroy is idempotent and
// calls the backend's Destroy at most once. A Delegate is owned by a single
// method and is not safe for concurrent use.
type Delegate struct {
	id      uuid.UUID
	name    string
	backend Backend
	payload *FreeableBuffer
	specs   []CompileSpec
	handle  Handle
	state   State
}

// NewDelegate binds a node to backend b registered under name.
func NewDelegate(name string, b Backend, payload *FreeableBuffer, specs []CompileSpec) *Delegate {
	return &Delegate{
		id:      uuid.New(),
		name:    name,
		backend: b,
		payload: payload,
		specs:   specs,
	}
}

// ID identifies the delegate in logs and traces.
func (d *Delegate) ID() uuid.UUID { return d.id }

// Name returns the backend name.
func (d *Delegate) Name() string { return d.name }

// State returns the lifecycle state.
func (d *Delegate) State() State { return d.state }

// Handle returns the backend handle, or nil before Init.
func (d *Delegate) Handle() Handle { return d.handle }

// Init initializes the node with its backend.
func (d *Delegate) Init(ctx context.Context, ic InitContext) error {
	if d.state != StateUninitialized {
		return fmt.Errorf("%w: delegate %s is %s", core.ErrInvalidState, d.name, d.state)
	}
	if !d.backend.IsAvailable() {
		return fmt.Errorf("%w: backend %q is not available", core.ErrNotSupported, d.name)
	}

	ctx, span := tracer.Start(ctx, "Delegate.Init", trace.WithAttributes(
		attribute.String("delegate.backend", d.name),
		attribute.String("delegate.id", d.id.String()),
	))
	defer span.End()

	h, err := d.backend.Init(ctx, ic, d.payload, d.specs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("delegate %s init: %w", d.name, err)
	}
	d.handle = h
	d.state = StateInitialized
	ctxlog.FromContext(ctx).Debug("delegate initialized",
		"backend", d.name, "delegate_id", d.id, "payload_bytes", d.payload.Size(), "specs", len(d.specs))
	return nil
}

// Execute runs the node over args.
func (d *Delegate) Execute(ctx context.Context, ec ExecutionContext, args []*core.Value) error {
	if d.state != StateInitialized {
		return fmt.Errorf("%w: cannot execute %s delegate %s", core.ErrInvalidState, d.state, d.name)
	}

	ctx, span := tracer.Start(ctx, "Delegate.Execute", trace.WithAttributes(
		attribute.String("delegate.backend", d.name),
		attribute.String("delegate.id", d.id.String()),
		attribute.Int("delegate.args", len(args)),
	))
	defer span.End()

	start := time.Now()
	err := d.backend.Execute(ctx, ec, d.handle, args)
	recordExecute(ctx, d.name, time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("delegate %s execute: %w", d.name, err)
	}
	return nil
}

// Destroy releases the node. It is a no-op after the first call.
func (d *Delegate) Destroy() {
	switch d.state {
	case StateDestroyed:
		return
	case StateInitialized:
		d.backend.Destroy(d.handle)
		d.handle = nil
	}
	d.payload.Free()
	d.state = StateDestroyed
}
