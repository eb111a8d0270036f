package llm

import (
	"fmt"
	"math/rand/v2"

	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/kernels"
)

// Sampler turns logits into a token. At temperature zero it is a plain
// argmax; otherwise it samples from softmax(logits / temperature).
type Sampler struct {
	temperature float32
	rng         *rand.Rand
	probs       []float32
}

// NewSampler returns a sampler. Equal seeds give equal token streams.
func NewSampler(temperature float32, seed uint64) *Sampler {
	return &Sampler{
		temperature: temperature,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Temperature returns the sampling temperature.
func (s *Sampler) Temperature() float32 { return s.temperature }

// Sample picks a token from one row of logits.
func (s *Sampler) Sample(logits []float32) (int64, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("%w: empty logits", core.ErrContractViolation)
	}
	if s.temperature <= 0 {
		return int64(kernels.ArgMax(logits)), nil
	}

	s.probs = append(s.probs[:0], logits...)
	for i := range s.probs {
		s.probs[i] /= s.temperature
	}
	kernels.SoftmaxInPlace(s.probs)

	r := s.rng.Float32()
	var acc float32
	last := 0
	for i, p := range s.probs {
		if p == 0 {
			continue
		}
		acc += p
		last = i
		if r < acc {
			return int64(i), nil
		}
	}
	// Rounding can leave acc just short of 1.
	return int64(last), nil
}

// SampleLast picks a token from the last position of logits shaped [V],
// [1, V] or [1, n, V].
func (s *Sampler) SampleLast(logits *core.Tensor) (int64, error) {
	if logits == nil || logits.Dim() == 0 {
		return 0, fmt.Errorf("%w: logits must have rank >= 1", core.ErrContractViolation)
	}
	vals, err := logits.Float32s()
	if err != nil {
		return 0, fmt.Errorf("logits: %w", err)
	}
	vocab := int(logits.Shape()[logits.Dim()-1])
	if vocab == 0 || len(vals) < vocab {
		return 0, fmt.Errorf("%w: logits %v hold no complete row", core.ErrContractViolation, logits.Shape())
	}
	return s.Sample(vals[len(vals)-vocab:])
}
