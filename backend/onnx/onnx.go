//go:build ort

package onnx

import (
	"context"
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/sbl8/planrt/backend"
	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/internal/ctxlog"
)

// Options configures the backend.
type Options struct {
	// LibraryPath locates libonnxruntime. Empty uses the library's default
	// lookup.
	LibraryPath string
	// IntraOpThreads limits session parallelism. Zero keeps the default.
	IntraOpThreads int
}

// Backend runs ONNX payloads. The ONNX Runtime environment is initialized
// once per process, on first use.
type Backend struct {
	opts    Options
	once    sync.Once
	initErr error
}

// New returns a Backend configured by opts.
func New(opts Options) *Backend {
	return &Backend{opts: opts}
}

// Register adds a Backend to reg, or to backend.Default when reg is nil.
func Register(reg *backend.Registry, opts Options) error {
	if reg == nil {
		reg = backend.Default
	}
	return reg.Register(Name, New(opts))
}

func (b *Backend) environment() error {
	b.once.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if b.opts.LibraryPath != "" {
			ort.SetSharedLibraryPath(b.opts.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			b.initErr = fmt.Errorf("%w: onnxruntime: %v", core.ErrNotSupported, err)
		}
	})
	return b.initErr
}

// IsAvailable reports whether the ONNX Runtime library could be loaded.
func (b *Backend) IsAvailable() bool {
	return b.environment() == nil
}

type session struct {
	s       *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

func names(specs []backend.CompileSpec, key string) ([]string, error) {
	v, ok := backend.SpecValue(specs, key)
	if !ok || len(v) == 0 {
		return nil, fmt.Errorf("%w: missing %s compile spec", core.ErrInvalidArgument, key)
	}
	parts := strings.Split(string(v), ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
		if parts[i] == "" {
			return nil, fmt.Errorf("%w: empty name in %s", core.ErrInvalidArgument, key)
		}
	}
	return parts, nil
}

// Init creates a session from the payload bytes.
func (b *Backend) Init(ctx context.Context, ic backend.InitContext, payload *backend.FreeableBuffer, specs []backend.CompileSpec) (backend.Handle, error) {
	inputs, err := names(specs, SpecInputNames)
	if err != nil {
		return nil, err
	}
	outputs, err := names(specs, SpecOutputNames)
	if err != nil {
		return nil, err
	}
	if err := b.environment(); err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	if b.opts.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(b.opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("session options: %w", err)
		}
	}

	s, err := ort.NewDynamicAdvancedSessionWithONNXData(payload.Data(), inputs, outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: onnx session: %v", core.ErrMalformedPayload, err)
	}
	ctxlog.FromContext(ctx).Debug("onnx session created",
		"host_method", ic.MethodName, "inputs", inputs, "outputs", outputs, "payload_bytes", payload.Size())
	return &session{s: s, inputs: inputs, outputs: outputs}, nil
}

// Execute runs the session. args holds the inputs followed by the outputs.
func (b *Backend) Execute(_ context.Context, _ backend.ExecutionContext, h backend.Handle, args []*core.Value) error {
	sess, ok := h.(*session)
	if !ok {
		return backend.HandleError(Name, h)
	}
	nin, nout := len(sess.inputs), len(sess.outputs)
	if len(args) != nin+nout {
		return fmt.Errorf("%w: onnx session takes %d inputs and %d outputs, got %d arguments",
			core.ErrContractViolation, nin, nout, len(args))
	}

	inputs := make([]ort.Value, nin)
	outputs := make([]ort.Value, nout)
	defer func() {
		for _, v := range append(inputs, outputs...) {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	for i := 0; i < nin; i++ {
		v, err := toORT(args[i])
		if err != nil {
			return fmt.Errorf("onnx input %d (%s): %w", i, sess.inputs[i], err)
		}
		inputs[i] = v
	}
	if err := sess.s.Run(inputs, outputs); err != nil {
		return fmt.Errorf("onnx run: %w", err)
	}

	// Check every output before writing any.
	dsts := make([]*core.Tensor, nout)
	for i, v := range outputs {
		dst, err := args[nin+i].Tensor()
		if err != nil {
			return fmt.Errorf("onnx output %d: %w", i, err)
		}
		if err := checkOutput(dst, v); err != nil {
			return fmt.Errorf("onnx output %d (%s): %w", i, sess.outputs[i], err)
		}
		dsts[i] = dst
	}
	for i, v := range outputs {
		switch t := v.(type) {
		case *ort.Tensor[float32]:
			vals, _ := dsts[i].Float32s()
			copy(vals, t.GetData())
		case *ort.Tensor[int64]:
			vals, _ := dsts[i].Int64s()
			copy(vals, t.GetData())
		}
	}
	return nil
}

func toORT(v *core.Value) (ort.Value, error) {
	t, err := v.Tensor()
	if err != nil {
		return nil, err
	}
	shape := ort.NewShape(t.Shape()...)
	switch t.DType() {
	case core.Float32:
		vals, _ := t.Float32s()
		return ort.NewTensor(shape, vals)
	case core.Int64:
		vals, _ := t.Int64s()
		return ort.NewTensor(shape, vals)
	default:
		return nil, fmt.Errorf("%w: onnx backend does not handle %s tensors", core.ErrNotSupported, t.DType())
	}
}

func checkOutput(dst *core.Tensor, v ort.Value) error {
	var dtype core.DType
	switch v.(type) {
	case *ort.Tensor[float32]:
		dtype = core.Float32
	case *ort.Tensor[int64]:
		dtype = core.Int64
	default:
		return fmt.Errorf("%w: unsupported onnx output %T", core.ErrNotSupported, v)
	}
	if dst.DType() != dtype {
		return fmt.Errorf("%w: dtype mismatch: destination %s, source %s", core.ErrContractViolation, dst.DType(), dtype)
	}
	if !core.SameShape(dst.Shape(), v.GetShape()) {
		return fmt.Errorf("%w: shape mismatch: destination %v, source %v", core.ErrContractViolation, dst.Shape(), v.GetShape())
	}
	return nil
}

// Destroy releases the session. Foreign handles are ignored.
func (b *Backend) Destroy(h backend.Handle) {
	if sess, ok := h.(*session); ok && sess.s != nil {
		sess.s.Destroy()
		sess.s = nil
	}
}
