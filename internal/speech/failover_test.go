package speech

import (
	"context"
	"errors"
	"testing"
)

type scriptedSynth struct {
	errs  []error
	calls int
	voice string
}

func (s *scriptedSynth) Synthesize(_ context.Context, text string, opts SynthesisOptions) (*Clip, error) {
	s.calls++
	s.voice = opts.Voice
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Clip{Text: text, Data: []byte(text)}, nil
}

func TestFailoverSticksToFallbackAfterPrimaryFailure(t *testing.T) {
	primary := &scriptedSynth{errs: []error{errors.New("primary down")}}
	fallback := &scriptedSynth{}
	s := NewFailoverSynthesizer(primary, fallback, "fb-voice")

	clip, err := s.Synthesize(context.Background(), "one", SynthesisOptions{Voice: "main"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if clip == nil || fallback.calls != 1 {
		t.Fatalf("fallback calls = %d, want 1", fallback.calls)
	}
	if fallback.voice != "fb-voice" {
		t.Fatalf("fallback voice = %q, want fb-voice", fallback.voice)
	}

	if _, err := s.Synthesize(context.Background(), "two", SynthesisOptions{}); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if primary.calls != 1 {
		t.Fatalf("primary calls = %d, want 1 (fallback should stay active)", primary.calls)
	}
}

func TestFailoverRetriesPrimaryWhenFallbackDies(t *testing.T) {
	primary := &scriptedSynth{errs: []error{errors.New("down")}}
	fallback := &scriptedSynth{errs: []error{nil, errors.New("fallback down")}}
	s := NewFailoverSynthesizer(primary, fallback, "")

	if _, err := s.Synthesize(context.Background(), "one", SynthesisOptions{}); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if _, err := s.Synthesize(context.Background(), "two", SynthesisOptions{}); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if primary.calls != 2 {
		t.Fatalf("primary calls = %d, want 2 (retried after fallback failure)", primary.calls)
	}
}

func TestWorkerGeneratorRoundTrip(t *testing.T) {
	inner := NewMockGenerator()
	inner.QueueResponse("Hello ", "world.")
	w := NewWorkerGenerator(inner)
	defer w.Close()

	var got []string
	full, err := w.Stream(context.Background(), GenerationRequest{Input: "hi"}, func(d string) error {
		got = append(got, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if full != "Hello world." {
		t.Fatalf("Stream() full = %q, want %q", full, "Hello world.")
	}
	if len(got) != 2 {
		t.Fatalf("deltas = %d, want 2", len(got))
	}
}

func TestWorkerGeneratorClosed(t *testing.T) {
	w := NewWorkerGenerator(NewMockGenerator())
	_ = w.Close()

	if _, err := w.Stream(context.Background(), GenerationRequest{}, func(string) error { return nil }); !errors.Is(err, ErrWorkerClosed) {
		t.Fatalf("Stream() error = %v, want ErrWorkerClosed", err)
	}
}
