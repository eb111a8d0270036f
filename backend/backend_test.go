package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/planrt/core"
)

type countingHandle struct {
	executes int
}

type countingBackend struct {
	available bool
	inits     int
	destroys  int
	initErr   error
}

func (b *countingBackend) IsAvailable() bool { return b.available }

func (b *countingBackend) Init(_ context.Context, _ InitContext, _ *FreeableBuffer, _ []CompileSpec) (Handle, error) {
	b.inits++
	if b.initErr != nil {
		return nil, b.initErr
	}
	return &countingHandle{}, nil
}

func (b *countingBackend) Execute(_ context.Context, _ ExecutionContext, h Handle, _ []*core.Value) error {
	ch, ok := h.(*countingHandle)
	if !ok {
		return HandleError("counting", h)
	}
	ch.executes++
	return nil
}

func (b *countingBackend) Destroy(Handle) { b.destroys++ }

func TestDelegateLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := &countingBackend{available: true}
	freed := 0
	d := NewDelegate("counting", b, NewFreeableBuffer([]byte{1, 2}, func() { freed++ }), nil)

	err := d.Execute(ctx, ExecutionContext{}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidState, "execute before init")

	require.NoError(t, d.Init(ctx, InitContext{}))
	assert.Equal(t, StateInitialized, d.State())
	assert.ErrorIs(t, d.Init(ctx, InitContext{}), core.ErrInvalidState, "double init")

	require.NoError(t, d.Execute(ctx, ExecutionContext{}, nil))
	require.NoError(t, d.Execute(ctx, ExecutionContext{}, nil))
	assert.Equal(t, 2, d.Handle().(*countingHandle).executes)

	d.Destroy()
	d.Destroy()
	assert.Equal(t, 1, b.destroys)
	assert.Equal(t, 1, freed)
	assert.Equal(t, StateDestroyed, d.State())

	err = d.Execute(ctx, ExecutionContext{}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidState, "execute after destroy")
}

func TestDelegateDestroyWithoutInit(t *testing.T) {
	t.Parallel()
	b := &countingBackend{available: true}
	d := NewDelegate("counting", b, NewFreeableBuffer(nil, nil), nil)
	d.Destroy()
	assert.Zero(t, b.destroys)
	assert.ErrorIs(t, d.Init(context.Background(), InitContext{}), core.ErrInvalidState)
}

func TestDelegateInitFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	unavailable := NewDelegate("off", &countingBackend{}, nil, nil)
	assert.ErrorIs(t, unavailable.Init(ctx, InitContext{}), core.ErrNotSupported)

	boom := errors.New("bad payload")
	failing := &countingBackend{available: true, initErr: boom}
	d := NewDelegate("failing", failing, nil, nil)
	assert.ErrorIs(t, d.Init(ctx, InitContext{}), boom)
	assert.Equal(t, StateUninitialized, d.State())

	// A failed init leaves nothing for the backend to destroy.
	d.Destroy()
	assert.Zero(t, failing.destroys)
}

func TestForeignHandleRejected(t *testing.T) {
	t.Parallel()
	b := &countingBackend{available: true}
	err := b.Execute(context.Background(), ExecutionContext{}, "not a handle", nil)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register("a", &countingBackend{}))
	require.NoError(t, r.Register("b", &countingBackend{}))
	assert.Error(t, r.Register("a", &countingBackend{}))
	assert.ErrorIs(t, r.Register("", &countingBackend{}), core.ErrInvalidArgument)

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	got, err := r.Get("b")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestFreeableBuffer(t *testing.T) {
	t.Parallel()
	calls := 0
	buf := NewFreeableBuffer([]byte("payload"), func() { calls++ })
	assert.Equal(t, 7, buf.Size())
	buf.Free()
	buf.Free()
	assert.Equal(t, 1, calls)
	assert.Nil(t, buf.Data())
	assert.True(t, buf.Freed())

	var none *FreeableBuffer
	none.Free()
	assert.Zero(t, none.Size())
}

func TestSpecValue(t *testing.T) {
	t.Parallel()
	specs := []CompileSpec{{Key: "method", Value: []byte("forward")}}
	v, ok := SpecValue(specs, "method")
	assert.True(t, ok)
	assert.Equal(t, "forward", string(v))
	_, ok = SpecValue(specs, "missing")
	assert.False(t, ok)
}
