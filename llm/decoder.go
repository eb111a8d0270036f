// Package llm drives sequence models compiled into planrt programs.
//
// A TextDecoder is the single-step decode primitive: it maps a span of
// tokens at a starting position to logits. TextPrefiller pushes a prompt
// through a decoder, either in one call or one token at a time, and returns
// the token that follows the prompt. TokenGenerator continues from there.
//
// None of these types are safe for concurrent use; a decoder with a KV
// cache has exactly one position counter.
package llm

import (
	"context"
	"fmt"

	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/runtime"
)

// TextDecoder is the decode primitive the prefiller and generator drive.
type TextDecoder interface {
	// IsMethodLoaded reports whether the decode method is ready.
	IsMethodLoaded() bool
	// Load prepares the decode method.
	Load(ctx context.Context) error
	// Step runs tokens at positions startPos, startPos+1, ... and returns
	// logits shaped [1, V] or [1, len(tokens), V]. The logits stay valid
	// until the next Step.
	Step(ctx context.Context, tokens []int64, startPos int64) (*core.Tensor, error)
	// LogitsToToken picks a token from the last position of logits.
	LogitsToToken(logits *core.Tensor) (int64, error)
}

// MethodDecoder is a TextDecoder backed by an engine method with inputs
// tokens int64[1, n] and start_pos int64[1], and logits as output 0.
type MethodDecoder struct {
	engine  *runtime.Engine
	method  string
	sampler *Sampler

	tokens []int64
	pos    [1]int64
}

// NewMethodDecoder binds method of engine. A nil sampler picks the argmax.
func NewMethodDecoder(engine *runtime.Engine, method string, sampler *Sampler) *MethodDecoder {
	if sampler == nil {
		sampler = NewSampler(0, 0)
	}
	return &MethodDecoder{engine: engine, method: method, sampler: sampler}
}

func (d *MethodDecoder) IsMethodLoaded() bool {
	return d.engine.IsMethodLoaded(d.method)
}

func (d *MethodDecoder) Load(ctx context.Context) error {
	m, err := d.engine.LoadMethod(ctx, d.method)
	if err != nil {
		return err
	}
	if m.InputsSize() != 2 || m.OutputsSize() < 1 {
		return fmt.Errorf("%w: decode method %q takes %d inputs and %d outputs, want 2 and at least 1",
			core.ErrContractViolation, d.method, m.InputsSize(), m.OutputsSize())
	}
	return nil
}

func (d *MethodDecoder) Step(ctx context.Context, tokens []int64, startPos int64) (*core.Tensor, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: decode step needs at least one token", core.ErrInvalidArgument)
	}
	d.tokens = append(d.tokens[:0], tokens...)
	d.pos[0] = startPos

	tok, err := core.NewTensorFromInt64([]int64{1, int64(len(tokens))}, d.tokens)
	if err != nil {
		return nil, err
	}
	pos, err := core.NewTensorFromInt64([]int64{1}, d.pos[:])
	if err != nil {
		return nil, err
	}
	outs, err := d.engine.Execute(ctx, d.method, []core.Value{core.TensorValue(tok), core.TensorValue(pos)})
	if err != nil {
		return nil, err
	}
	logits, err := outs[0].Tensor()
	if err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return logits, nil
}

func (d *MethodDecoder) LogitsToToken(logits *core.Tensor) (int64, error) {
	return d.sampler.SampleLast(logits)
}
