package llm

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/internal/ctxlog"
)

var tracer = otel.Tracer("planrt.llm")

// TextPrefiller pushes a prompt through a TextDecoder.
//
// With a KV cache and without parallel prefill the prompt is fed one token
// at a time so the cache grows strictly in position order. Otherwise the
// whole prompt goes through a single Step.
type TextPrefiller struct {
	decoder    TextDecoder
	useKVCache bool
	parallel   bool
}

// NewTextPrefiller returns a prefiller driving decoder.
func NewTextPrefiller(decoder TextDecoder, useKVCache, parallel bool) *TextPrefiller {
	return &TextPrefiller{decoder: decoder, useKVCache: useKVCache, parallel: parallel}
}

// Sequential reports whether Prefill feeds tokens one at a time.
func (p *TextPrefiller) Sequential() bool {
	return p.useKVCache && !p.parallel
}

// Prefill runs tokens starting at startPos and returns the token predicted
// for the position after the prompt. The decoder is loaded on first use.
//
// A failure part way through a sequential prefill leaves the decoder's
// cache advanced by the steps that completed.
func (p *TextPrefiller) Prefill(ctx context.Context, tokens []int64, startPos int64) (int64, error) {
	if len(tokens) == 0 {
		return 0, fmt.Errorf("%w: prompt is empty", core.ErrInvalidArgument)
	}
	if !p.decoder.IsMethodLoaded() {
		if err := p.decoder.Load(ctx); err != nil {
			return 0, fmt.Errorf("failed to load decoder: %w", err)
		}
	}

	ctx, span := tracer.Start(ctx, "TextPrefiller.Prefill", trace.WithAttributes(
		attribute.Int("prefill.tokens", len(tokens)),
		attribute.Int64("prefill.start_pos", startPos),
		attribute.Bool("prefill.sequential", p.Sequential()),
	))
	defer span.End()

	var (
		logits *core.Tensor
		err    error
	)
	if p.Sequential() {
		logits, err = p.sequential(ctx, tokens, startPos)
	} else {
		logits, err = p.decoder.Step(ctx, tokens, startPos)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("prefill: %w", err)
	}

	ctxlog.FromContext(ctx).Debug("prefill complete",
		"tokens", len(tokens), "start_pos", startPos, "logits", logits.Numel())
	return p.decoder.LogitsToToken(logits)
}

func (p *TextPrefiller) sequential(ctx context.Context, tokens []int64, startPos int64) (*core.Tensor, error) {
	var logits *core.Tensor
	for i, tok := range tokens {
		var err error
		logits, err = p.decoder.Step(ctx, []int64{tok}, startPos+int64(i))
		if err != nil {
			return nil, fmt.Errorf("step %d at position %d: %w", i, startPos+int64(i), err)
		}
	}
	return logits, nil
}
