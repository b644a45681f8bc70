// Package speech defines the backend capability contracts consumed by the
// playback and conversational engines: synthesis, recognition and streaming
// generation. Backends are injected at construction; nothing in this module
// reaches for ambient globals.
package speech

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Clip is one synthesized utterance.
type Clip struct {
	Text     string
	Data     []byte
	Format   string
	Duration time.Duration
}

// SynthesisOptions select voice and speaking rate for one synthesis call.
// Rate 1.0 is normal speed.
type SynthesisOptions struct {
	Voice string
	Rate  float64
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts SynthesisOptions) (*Clip, error)
}

// SynthesisError is a synthesis backend failure. Retryable marks transient
// conditions such as rate limits and upstream timeouts.
type SynthesisError struct {
	Code      string
	Retryable bool
	Detail    string
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed: %s: %s", e.Code, e.Detail)
}

// Transcript is one captured utterance.
type Transcript struct {
	Text       string
	Confidence float64
}

// RecognitionFailureKind classifies recognition failures so callers can pick
// a recovery path (permission failures trigger the typed-question fallback).
type RecognitionFailureKind string

const (
	RecognitionPermissionDenied RecognitionFailureKind = "permission_denied"
	RecognitionNoSpeech         RecognitionFailureKind = "no_speech"
	RecognitionNetwork          RecognitionFailureKind = "network"
)

type RecognitionError struct {
	Kind   RecognitionFailureKind
	Detail string
}

func (e *RecognitionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("recognition failed: %s", e.Kind)
	}
	return fmt.Sprintf("recognition failed: %s: %s", e.Kind, e.Detail)
}

// RecognitionKind extracts the failure kind from err, defaulting to network
// for untyped failures.
func RecognitionKind(err error) RecognitionFailureKind {
	var re *RecognitionError
	if errors.As(err, &re) {
		return re.Kind
	}
	return RecognitionNetwork
}

type Recognizer interface {
	// Listen captures one utterance and returns its transcript. Blocking;
	// cancel via ctx.
	Listen(ctx context.Context) (Transcript, error)
}

// GenerationRequest carries one streaming generation call.
type GenerationRequest struct {
	TurnID       string
	Instructions string
	Input        string
	Context      []string
}

// Generator streams response text. onDelta is called for every arriving text
// chunk in order; returning an error from onDelta aborts the stream. The full
// accumulated text is returned on completion.
type Generator interface {
	Stream(ctx context.Context, req GenerationRequest, onDelta func(delta string) error) (string, error)
}

// GenerationError is a generation backend failure surfaced to the listener.
type GenerationError struct {
	Code      string
	Retryable bool
	Detail    string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %s: %s", e.Code, e.Detail)
}
