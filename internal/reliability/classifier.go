// Package reliability classifies provider failures and computes retry
// schedules for the speech backends.
package reliability

import (
	"errors"
	"time"

	"github.com/edvoss/lectern/internal/speech"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a speech backend failure is worth retrying.
// Permission failures are terminal (the fallback path handles them); network
// hiccups and retryable generation errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *speech.RecognitionError
	if errors.As(err, &re) {
		return re.Kind == speech.RecognitionNetwork
	}
	var ge *speech.GenerationError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	var se *speech.SynthesisError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
