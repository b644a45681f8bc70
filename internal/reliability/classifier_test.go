package reliability

import (
	"errors"
	"testing"
	"time"

	"github.com/edvoss/lectern/internal/speech"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Errorf("IsRetryableHTTPStatus(%d) = false, want true", code)
		}
	}
	for _, code := range []int{200, 204, 400, 401, 403, 404} {
		if IsRetryableHTTPStatus(code) {
			t.Errorf("IsRetryableHTTPStatus(%d) = true, want false", code)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network recognition", &speech.RecognitionError{Kind: speech.RecognitionNetwork}, true},
		{"permission denied", &speech.RecognitionError{Kind: speech.RecognitionPermissionDenied}, false},
		{"no speech", &speech.RecognitionError{Kind: speech.RecognitionNoSpeech}, false},
		{"retryable generation", &speech.GenerationError{Code: "overloaded", Retryable: true}, true},
		{"terminal generation", &speech.GenerationError{Code: "bad_request"}, false},
		{"retryable synthesis", &speech.SynthesisError{Code: "rate_limited", Retryable: true}, true},
		{"terminal synthesis", &speech.SynthesisError{Code: "unknown_voice"}, false},
		{"untyped", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	if got := ExponentialBackoff(0, base, max); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, max); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want %v", got, 400*time.Millisecond)
	}
	if got := ExponentialBackoff(10, base, max); got != max {
		t.Fatalf("attempt 10 = %v, want cap %v", got, max)
	}
}
