package reliability

import (
	"context"
	"log"
	"time"

	"github.com/edvoss/lectern/internal/speech"
)

// RetryingSynthesizer wraps a Synthesizer and retries transient failures with
// capped exponential backoff. Terminal failures and context cancellation
// return immediately.
type RetryingSynthesizer struct {
	inner    speech.Synthesizer
	attempts int
	base     time.Duration
	cap      time.Duration
}

func NewRetryingSynthesizer(inner speech.Synthesizer, attempts int, base, cap time.Duration) *RetryingSynthesizer {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingSynthesizer{inner: inner, attempts: attempts, base: base, cap: cap}
}

func (r *RetryingSynthesizer) Synthesize(ctx context.Context, text string, opts speech.SynthesisOptions) (*speech.Clip, error) {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			wait := ExponentialBackoff(attempt-1, r.base, r.cap)
			log.Printf("reliability: synthesis attempt %d failed, retrying in %v: %v", attempt, wait, lastErr)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		clip, err := r.inner.Synthesize(ctx, text, opts)
		if err == nil {
			return clip, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
