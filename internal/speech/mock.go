package speech

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// MockSynthesizer is a local fallback backend used when no real synthesis
// backend is configured, and the workhorse of the engine tests. Audio payload
// is the UTF-8 text itself; duration is estimated from word count.
type MockSynthesizer struct {
	mu       sync.Mutex
	latency  time.Duration
	perWord  time.Duration
	failText map[string]error
	calls    []string
}

func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{
		perWord:  10 * time.Millisecond,
		failText: make(map[string]error),
	}
}

// FailOn makes synthesis of exactly text return err.
func (s *MockSynthesizer) FailOn(text string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failText[text] = err
}

// SetLatency adds a fixed delay before every synthesis completes.
func (s *MockSynthesizer) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Calls returns every text synthesized so far, in call order.
func (s *MockSynthesizer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *MockSynthesizer) Synthesize(ctx context.Context, text string, opts SynthesisOptions) (*Clip, error) {
	s.mu.Lock()
	latency := s.latency
	perWord := s.perWord
	failErr := s.failText[text]
	s.calls = append(s.calls, text)
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty synthesis text")
	}

	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	return &Clip{
		Text:     text,
		Data:     []byte(text),
		Format:   "mock_text_bytes",
		Duration: time.Duration(words) * perWord,
	}, nil
}

// MockRecognizer replays scripted transcripts or failures.
type MockRecognizer struct {
	mu      sync.Mutex
	results []recognitionResult
}

type recognitionResult struct {
	transcript Transcript
	err        error
}

func NewMockRecognizer() *MockRecognizer { return &MockRecognizer{} }

func (r *MockRecognizer) QueueTranscript(text string, confidence float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, recognitionResult{transcript: Transcript{Text: text, Confidence: confidence}})
}

func (r *MockRecognizer) QueueFailure(kind RecognitionFailureKind, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, recognitionResult{err: &RecognitionError{Kind: kind, Detail: detail}})
}

func (r *MockRecognizer) Listen(ctx context.Context) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) == 0 {
		return Transcript{}, &RecognitionError{Kind: RecognitionNoSpeech, Detail: "nothing queued"}
	}
	next := r.results[0]
	r.results = r.results[1:]
	return next.transcript, next.err
}

// MockGenerator streams scripted chunk sequences, one script per call.
type MockGenerator struct {
	mu      sync.Mutex
	scripts [][]string
	err     error
	delay   time.Duration
	reqs    []GenerationRequest
}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

// QueueResponse scripts the chunk sequence streamed by the next call.
func (g *MockGenerator) QueueResponse(chunks ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts = append(g.scripts, chunks)
}

// FailWith makes every subsequent call fail with err before any chunk.
func (g *MockGenerator) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

// SetChunkDelay adds a pause between streamed chunks.
func (g *MockGenerator) SetChunkDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
}

// Requests returns every request streamed so far.
func (g *MockGenerator) Requests() []GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GenerationRequest, len(g.reqs))
	copy(out, g.reqs)
	return out
}

func (g *MockGenerator) Stream(ctx context.Context, req GenerationRequest, onDelta func(string) error) (string, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	failErr := g.err
	delay := g.delay
	var chunks []string
	if len(g.scripts) > 0 {
		chunks = g.scripts[0]
		g.scripts = g.scripts[1:]
	}
	g.mu.Unlock()

	if failErr != nil {
		return "", failErr
	}

	var full strings.Builder
	for _, chunk := range chunks {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return full.String(), ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}
		if err := onDelta(chunk); err != nil {
			return full.String(), err
		}
		full.WriteString(chunk)
	}
	return full.String(), nil
}
