package shard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/planrt/backend"
	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/model"
	"github.com/sbl8/planrt/runtime"
)

// identityProgram builds forward(x float32[n]) = x through one planned buffer.
func identityProgram(t *testing.T, n int64) []byte {
	t.Helper()
	b := model.NewBuilder()
	m := b.Method("forward")
	buf := m.Buffer(uint64(8 * n))
	x := m.Input(model.Planned(core.Float32, []int64{n}, buf, 0))
	out := m.Tensor(model.Planned(core.Float32, []int64{n}, buf, uint64(4*n)))
	m.Kernel("identity", x, out)
	m.Output(out)
	data, err := b.Build()
	require.NoError(t, err)
	return data
}

// oversizedProgram is identityProgram over a planned buffer of size bytes.
func oversizedProgram(t *testing.T, size uint64) []byte {
	t.Helper()
	b := model.NewBuilder()
	m := b.Method("forward")
	buf := m.Buffer(size)
	x := m.Input(model.Planned(core.Float32, []int64{3}, buf, 0))
	out := m.Tensor(model.Planned(core.Float32, []int64{3}, buf, 12))
	m.Kernel("identity", x, out)
	m.Output(out)
	data, err := b.Build()
	require.NoError(t, err)
	return data
}

// splitProgram builds forward(x[2]) = (x, x*2) so two outputs are copied out.
func splitProgram(t *testing.T) []byte {
	t.Helper()
	b := model.NewBuilder()
	m := b.Method("forward")
	x := m.Input(model.Unplanned(core.Float32, []int64{2}))
	first := m.Tensor(model.Unplanned(core.Float32, []int64{2}))
	two := m.Value(model.ValueDef{Tag: core.TagInt, Int: 2})
	second := m.Tensor(model.Unplanned(core.Float32, []int64{2}))
	m.Kernel("identity", x, first)
	m.Kernel("scale", x, two, second)
	m.Output(first, second)
	data, err := b.Build()
	require.NoError(t, err)
	return data
}

func tensorValue(t *testing.T, vals ...float32) *core.Value {
	t.Helper()
	tensor, err := core.NewTensorFromFloat32([]int64{int64(len(vals))}, vals)
	require.NoError(t, err)
	v := core.TensorValue(tensor)
	return &v
}

func floats(t *testing.T, v *core.Value) []float32 {
	t.Helper()
	tensor, err := v.Tensor()
	require.NoError(t, err)
	vals, err := tensor.Float32s()
	require.NoError(t, err)
	return vals
}

func spec(key, value string) backend.CompileSpec {
	return backend.CompileSpec{Key: key, Value: []byte(value)}
}

func initDelegate(t *testing.T, b *Backend, payload []byte, ic backend.InitContext, specs ...backend.CompileSpec) *backend.Delegate {
	t.Helper()
	d := backend.NewDelegate(Name, b, backend.NewFreeableBuffer(payload, nil), specs)
	require.NoError(t, d.Init(context.Background(), ic))
	t.Cleanup(d.Destroy)
	return d
}

func TestIdentityRoundTrip(t *testing.T) {
	t.Parallel()
	d := initDelegate(t, New(Options{}), identityProgram(t, 3), backend.InitContext{})

	in := tensorValue(t, 1, 2, 3)
	out := tensorValue(t, 0, 0, 0)
	temp := core.NewArenaSize(64 << 10)
	require.NoError(t, d.Execute(context.Background(), backend.ExecutionContext{TempAllocator: temp}, []*core.Value{in, out}))

	assert.Equal(t, []float32{1, 2, 3}, floats(t, out))
	got, _ := out.Tensor()
	assert.Equal(t, []int64{3}, got.Shape())
	assert.Equal(t, core.Float32, got.DType())
	assert.NotZero(t, temp.Used(), "nested memory is carved from the temp allocator")
}

func TestHeapFallbackWithoutTemp(t *testing.T) {
	t.Parallel()
	d := initDelegate(t, New(Options{}), identityProgram(t, 2), backend.InitContext{})
	out := tensorValue(t, 0, 0)
	require.NoError(t, d.Execute(context.Background(), backend.ExecutionContext{}, []*core.Value{tensorValue(t, 4, 5), out}))
	assert.Equal(t, []float32{4, 5}, floats(t, out))
}

func TestShapeMismatchWritesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d := initDelegate(t, New(Options{}), identityProgram(t, 3), backend.InitContext{})
	out := tensorValue(t, 9, 9, 9, 9)
	err := d.Execute(ctx, backend.ExecutionContext{}, []*core.Value{tensorValue(t, 1, 2, 3), out})
	assert.ErrorIs(t, err, core.ErrContractViolation)
	assert.Equal(t, []float32{9, 9, 9, 9}, floats(t, out))

	// The first output matches; the second does not. Neither is written.
	split := initDelegate(t, New(Options{}), splitProgram(t), backend.InitContext{})
	first := tensorValue(t, 7, 7)
	second := tensorValue(t, 7, 7, 7)
	err = split.Execute(ctx, backend.ExecutionContext{}, []*core.Value{tensorValue(t, 1, 2), first, second})
	assert.ErrorIs(t, err, core.ErrContractViolation)
	assert.Equal(t, []float32{7, 7}, floats(t, first))
	assert.Equal(t, []float32{7, 7, 7}, floats(t, second))

	second = tensorValue(t, 0, 0)
	require.NoError(t, split.Execute(ctx, backend.ExecutionContext{}, []*core.Value{tensorValue(t, 1, 2), first, second}))
	assert.Equal(t, []float32{1, 2}, floats(t, first))
	assert.Equal(t, []float32{2, 4}, floats(t, second))
}

func TestExecuteErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ec := backend.ExecutionContext{}
	args := func() []*core.Value { return []*core.Value{tensorValue(t, 1, 2, 3), tensorValue(t, 0, 0, 0)} }

	tests := []struct {
		name    string
		opts    Options
		payload []byte
		specs   []backend.CompileSpec
		ec      backend.ExecutionContext
		args    []*core.Value
		want    error
	}{
		{"malformed payload", Options{}, []byte("garbage"), nil, ec, args(), core.ErrMalformedPayload},
		{"missing entry method", Options{}, identityProgram(t, 3), []backend.CompileSpec{spec(SpecMethod, "decode")}, ec, args(), core.ErrNotFound},
		{"arity", Options{}, identityProgram(t, 3), nil, ec, args()[:1], core.ErrContractViolation},
		{"pool over ceiling", Options{MaxPoolBytes: 64}, identityProgram(t, 3), nil, ec, args(), core.ErrOutOfMemory},
		{"planned over ceiling", Options{MaxPlannedBytes: 16}, identityProgram(t, 3), nil, ec, args(), core.ErrOutOfMemory},
		{"huge plan from heap", Options{}, oversizedProgram(t, model.MaxBufferBytes), nil, ec, args(), core.ErrOutOfMemory},
		{"huge plan from temp", Options{MaxPlannedBytes: model.MaxBufferBytes}, oversizedProgram(t, model.MaxBufferBytes), nil,
			backend.ExecutionContext{TempAllocator: core.NewArenaSize(4096)}, args(), core.ErrOutOfMemory},
		{"pool too small", Options{}, identityProgram(t, 3), []backend.CompileSpec{spec(SpecRuntimePoolBytes, "16")}, ec, args(), core.ErrOutOfMemory},
		{"temp too small", Options{}, identityProgram(t, 3), nil, backend.ExecutionContext{TempAllocator: core.NewArenaSize(8)}, args(), core.ErrOutOfMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := initDelegate(t, New(tt.opts), tt.payload, backend.InitContext{}, tt.specs...)
			err := d.Execute(ctx, tt.ec, tt.args)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestInitRejectsBadSpecs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		specs []backend.CompileSpec
		want  error
	}{
		{"empty method", []backend.CompileSpec{spec(SpecMethod, "")}, core.ErrInvalidArgument},
		{"pool not a number", []backend.CompileSpec{spec(SpecRuntimePoolBytes, "lots")}, core.ErrInvalidArgument},
		{"retain not a bool", []backend.CompileSpec{spec(SpecRetainMethod, "maybe")}, core.ErrInvalidArgument},
		{"pool over ceiling", []backend.CompileSpec{spec(SpecRuntimePoolBytes, "4194304")}, core.ErrOutOfMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := backend.NewDelegate(Name, New(Options{}), backend.NewFreeableBuffer(nil, nil), tt.specs)
			assert.ErrorIs(t, d.Init(context.Background(), backend.InitContext{}), tt.want)
		})
	}
}

func TestRetainedMethod(t *testing.T) {
	t.Parallel()
	pool := core.NewArenaSize(64 << 10)
	d := initDelegate(t, New(Options{}), identityProgram(t, 3), backend.InitContext{RuntimeAllocator: pool},
		spec(SpecRetainMethod, "true"))

	ctx := context.Background()
	out := tensorValue(t, 0, 0, 0)
	require.NoError(t, d.Execute(ctx, backend.ExecutionContext{}, []*core.Value{tensorValue(t, 1, 2, 3), out}))
	used := pool.Used()
	assert.NotZero(t, used)

	require.NoError(t, d.Execute(ctx, backend.ExecutionContext{}, []*core.Value{tensorValue(t, 4, 5, 6), out}))
	assert.Equal(t, []float32{4, 5, 6}, floats(t, out))
	assert.Equal(t, used, pool.Used(), "retained method is loaded once")

	h := d.Handle().(*handle)
	require.NotNil(t, h.retained)
	d.Destroy()
	assert.Nil(t, h.retained)
	assert.ErrorIs(t, d.Execute(ctx, backend.ExecutionContext{}, nil), core.ErrInvalidState)
}

func TestRetainedLoadFailureIsFinal(t *testing.T) {
	t.Parallel()
	// Room for the planned buffer but not for the working pool.
	pool := core.NewArenaSize(64)
	d := initDelegate(t, New(Options{}), identityProgram(t, 3), backend.InitContext{RuntimeAllocator: pool},
		spec(SpecRetainMethod, "true"))

	ctx := context.Background()
	args := func() []*core.Value { return []*core.Value{tensorValue(t, 1, 2, 3), tensorValue(t, 0, 0, 0)} }
	err := d.Execute(ctx, backend.ExecutionContext{}, args())
	require.ErrorIs(t, err, core.ErrOutOfMemory)
	used := pool.Used()

	for i := 0; i < 3; i++ {
		err = d.Execute(ctx, backend.ExecutionContext{}, args())
		assert.ErrorIs(t, err, core.ErrInvalidState)
		assert.ErrorIs(t, err, core.ErrOutOfMemory, "the load failure is kept")
	}
	assert.Equal(t, used, pool.Used(), "a failed load is not retried")
}

func TestForeignHandle(t *testing.T) {
	t.Parallel()
	b := New(Options{})
	err := b.Execute(context.Background(), backend.ExecutionContext{}, 42, nil)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	b.Destroy(42)
}

func TestHostedByRuntime(t *testing.T) {
	t.Parallel()
	reg := backend.NewRegistry()
	require.NoError(t, Register(reg, Options{}))
	assert.Error(t, Register(reg, Options{}), "duplicate registration")

	b := model.NewBuilder()
	m := b.Method("forward")
	x := m.Input(model.Unplanned(core.Float32, []int64{3}))
	y := m.Tensor(model.Unplanned(core.Float32, []int64{3}))
	z := m.Tensor(model.Unplanned(core.Float32, []int64{3}))
	m.Delegate(Name, identityProgram(t, 3), nil, x, y)
	m.Kernel("relu", y, z)
	m.Output(z)
	data, err := b.Build()
	require.NoError(t, err)

	opts := runtime.DefaultEngineOptions()
	opts.Backends = reg
	e, err := runtime.LoadBytes(data, &opts)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 2; i++ {
		outs, err := e.Execute(context.Background(), "forward", []core.Value{*tensorValue(t, -1, 0, 2)})
		require.NoError(t, err)
		tensor, err := outs[0].Tensor()
		require.NoError(t, err)
		vals, _ := tensor.Float32s()
		assert.Equal(t, []float32{0, 0, 2}, vals)
	}
	assert.EqualValues(t, 2, e.Stats().OperatorExecutions["delegate:"+Name])
}
