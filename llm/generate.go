package llm

import (
	"context"
	"fmt"

	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/internal/ctxlog"
)

// TokenGenerator continues a prompt autoregressively after prefill.
type TokenGenerator struct {
	decoder   TextDecoder
	prefiller *TextPrefiller
	kvCache   bool
	maxNew    int
	stop      map[int64]bool
}

// GeneratorOptions configures a TokenGenerator.
type GeneratorOptions struct {
	UseKVCache      bool
	ParallelPrefill bool
	MaxNewTokens    int
	StopTokens      []int64
}

// NewTokenGenerator returns a generator driving decoder.
func NewTokenGenerator(decoder TextDecoder, opts GeneratorOptions) (*TokenGenerator, error) {
	if opts.MaxNewTokens <= 0 {
		return nil, fmt.Errorf("%w: max new tokens must be positive, got %d", core.ErrInvalidArgument, opts.MaxNewTokens)
	}
	stop := make(map[int64]bool, len(opts.StopTokens))
	for _, t := range opts.StopTokens {
		stop[t] = true
	}
	return &TokenGenerator{
		decoder:   decoder,
		prefiller: NewTextPrefiller(decoder, opts.UseKVCache, opts.ParallelPrefill),
		kvCache:   opts.UseKVCache,
		maxNew:    opts.MaxNewTokens,
		stop:      stop,
	}, nil
}

// Generate prefills prompt at startPos and then decodes until a stop token
// or MaxNewTokens tokens. Stop tokens are not returned. onToken, if set, is
// called with each token as it is produced; an error from it ends
// generation and is returned.
func (g *TokenGenerator) Generate(ctx context.Context, prompt []int64, startPos int64, onToken func(int64) error) ([]int64, error) {
	cur, err := g.prefiller.Prefill(ctx, prompt, startPos)
	if err != nil {
		return nil, err
	}

	// Without a cache every step re-reads the whole sequence.
	history := append([]int64(nil), prompt...)
	pos := startPos + int64(len(prompt))
	var out []int64
	for !g.stop[cur] {
		out = append(out, cur)
		if onToken != nil {
			if err := onToken(cur); err != nil {
				return out, err
			}
		}
		if len(out) >= g.maxNew {
			break
		}

		var logits *core.Tensor
		if g.kvCache {
			logits, err = g.decoder.Step(ctx, []int64{cur}, pos)
		} else {
			history = append(history, cur)
			logits, err = g.decoder.Step(ctx, history, startPos)
		}
		if err != nil {
			return out, fmt.Errorf("decode at position %d: %w", pos, err)
		}
		pos++
		if cur, err = g.decoder.LogitsToToken(logits); err != nil {
			return out, err
		}
	}

	ctxlog.FromContext(ctx).Debug("generation complete",
		"prompt_tokens", len(prompt), "generated", len(out), "stopped", g.stop[cur])
	return out, nil
}
