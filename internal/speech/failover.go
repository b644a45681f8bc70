package speech

import (
	"context"
	"fmt"
	"sync/atomic"
)

// NewFailoverSynthesizer builds a synthesizer that prefers primary and
// switches to fallback when primary fails. Once fallback succeeds it stays
// active until fallback fails; then primary is retried.
func NewFailoverSynthesizer(primary, fallback Synthesizer, fallbackVoice string) Synthesizer {
	return &failoverSynthesizer{
		primary:       primary,
		fallback:      fallback,
		fallbackVoice: fallbackVoice,
	}
}

type failoverSynthesizer struct {
	primary        Synthesizer
	fallback       Synthesizer
	fallbackVoice  string
	fallbackActive atomic.Bool
}

func (s *failoverSynthesizer) Synthesize(ctx context.Context, text string, opts SynthesisOptions) (*Clip, error) {
	if s.fallbackActive.Load() {
		clip, fbErr := s.fallback.Synthesize(ctx, text, s.fallbackOpts(opts))
		if fbErr == nil {
			return clip, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Fallback failed after being active; try primary again.
		clip, prErr := s.primary.Synthesize(ctx, text, opts)
		if prErr == nil {
			s.fallbackActive.Store(false)
			return clip, nil
		}
		return nil, fmt.Errorf("synthesis fallback failed: %v; primary failed: %w", fbErr, prErr)
	}

	clip, prErr := s.primary.Synthesize(ctx, text, opts)
	if prErr == nil {
		return clip, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	clip, fbErr := s.fallback.Synthesize(ctx, text, s.fallbackOpts(opts))
	if fbErr != nil {
		return nil, fmt.Errorf("synthesis primary failed: %v; fallback failed: %w", prErr, fbErr)
	}
	s.fallbackActive.Store(true)
	return clip, nil
}

func (s *failoverSynthesizer) fallbackOpts(opts SynthesisOptions) SynthesisOptions {
	if s.fallbackVoice != "" {
		opts.Voice = s.fallbackVoice
	}
	return opts
}
