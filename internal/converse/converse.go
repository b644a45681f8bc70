// Package converse runs the question-and-answer flow: capture a question by
// voice or typed text, generate a streamed answer grounded in the reading
// context, and speak it sentence by sentence through the shared audio output.
package converse

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edvoss/lectern/internal/observability"
	"github.com/edvoss/lectern/internal/playback"
	"github.com/edvoss/lectern/internal/segment"
	"github.com/edvoss/lectern/internal/speech"
)

// State is the turn lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateThinking   State = "thinking"
	StateResponding State = "responding"
)

// ErrTurnActive is returned when a new question arrives while a turn is
// already in flight.
var ErrTurnActive = errors.New("conversation turn already active")

type EventKind string

const (
	EventStateChange EventKind = "state_change"
	// EventTranscript carries the recognized question text.
	EventTranscript EventKind = "transcript"
	// EventTextDelta streams answer text as it is generated.
	EventTextDelta EventKind = "text_delta"
	// EventFallbackText asks the host to collect the question as typed text
	// because microphone capture is unavailable.
	EventFallbackText EventKind = "fallback_text"
	EventTurnComplete EventKind = "turn_complete"
	EventTurnFailed   EventKind = "turn_failed"
)

type Event struct {
	Kind   EventKind
	State  State
	TurnID string
	Text   string
	Code   string
}

// Turn is one completed (or aborted) question-and-answer exchange.
type Turn struct {
	ID       string
	Question string
	Answer   string
	Via      string // "voice" or "text"
	Asked    time.Time
	Stopped  bool
	Failed   bool
}

// Config wires an Orchestrator. Context supplies the reading context sentences
// for the current position; it is consulted once per turn, at generation time.
type Config struct {
	Instructions string
	Context      func() []string
	// HistoryTurns is how many prior exchanges are replayed into each
	// generation request. Zero keeps the default of 4.
	HistoryTurns int
	// OnTurn, when set, is invoked with every finished turn.
	OnTurn func(Turn)
}

// Orchestrator drives one conversation at a time. Each turn gets a sequence
// number; results arriving for an earlier sequence are discarded, so a stopped
// turn can never speak or emit after the user moved on.
type Orchestrator struct {
	cfg     Config
	rec     speech.Recognizer
	gen     speech.Generator
	pb      *playback.Manager
	metrics *observability.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	events  chan Event

	mu         sync.Mutex
	state      State
	seq        int64
	turnCancel context.CancelFunc
	queue      *playback.Queue
	turns      []Turn
}

func NewOrchestrator(cfg Config, rec speech.Recognizer, gen speech.Generator, pb *playback.Manager, metrics *observability.Metrics) *Orchestrator {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		rec:     rec,
		gen:     gen,
		pb:      pb,
		metrics: metrics,
		baseCtx: ctx,
		cancel:  cancel,
		events:  make(chan Event, 64),
		state:   StateIdle,
	}
}

func (o *Orchestrator) Events() <-chan Event { return o.events }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Turns returns the finished exchanges of this conversation, oldest first.
func (o *Orchestrator) Turns() []Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Turn, len(o.turns))
	copy(out, o.turns)
	return out
}

// AskVoice starts a voice turn: listen for one utterance, then answer it.
// Non-blocking; progress is reported on the event channel.
func (o *Orchestrator) AskVoice() (string, error) {
	id := uuid.NewString()
	seq, ctx, err := o.beginTurn(StateListening)
	if err != nil {
		return "", err
	}
	go o.runVoiceTurn(ctx, seq, id)
	return id, nil
}

// AskText starts a turn from an already-typed question, skipping the
// listening phase. It is also the landing path for the microphone fallback.
func (o *Orchestrator) AskText(question string) (string, error) {
	id := uuid.NewString()
	seq, ctx, err := o.beginTurn(StateThinking)
	if err != nil {
		return "", err
	}
	go o.runAnswer(ctx, seq, id, question, "text")
	return id, nil
}

// Pause halts answer audio without touching the generation: text keeps
// streaming and queued sentences keep synthesizing, ready to sound the moment
// Resume is called.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	q := o.queue
	o.mu.Unlock()
	if q != nil {
		q.Pause()
	}
}

// Resume continues answer audio after Pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	q := o.queue
	o.mu.Unlock()
	if q != nil {
		q.Resume()
	}
}

// Stop aborts the turn in flight. Queued answer sentences are dropped; the
// sentence currently sounding finishes. The partial exchange is still
// recorded.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.state == StateIdle {
		o.mu.Unlock()
		return
	}
	cancel := o.turnCancel
	q := o.queue
	o.mu.Unlock()

	if q != nil {
		q.Stop()
		// A paused answer must not block its own teardown.
		q.Resume()
	}
	if cancel != nil {
		cancel()
	}
}

// Close tears the orchestrator down, cutting any audio mid-sentence.
func (o *Orchestrator) Close() { o.cancel() }

func (o *Orchestrator) beginTurn(initial State) (int64, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return 0, nil, fmt.Errorf("%w: %s", ErrTurnActive, o.state)
	}
	o.seq++
	ctx, cancel := context.WithCancel(o.baseCtx)
	o.turnCancel = cancel
	o.queue = nil
	o.setStateLocked(o.seq, initial)
	return o.seq, ctx, nil
}

func (o *Orchestrator) runVoiceTurn(ctx context.Context, seq int64, id string) {
	tr, err := o.rec.Listen(ctx)
	if err != nil {
		if ctx.Err() != nil {
			o.finishTurn(seq, id, Turn{}, "stopped", "")
			return
		}
		if speech.RecognitionKind(err) == speech.RecognitionPermissionDenied {
			o.emit(seq, Event{Kind: EventFallbackText, TurnID: id, Code: string(speech.RecognitionPermissionDenied)})
			o.finishTurn(seq, id, Turn{}, "fallback_text", "")
			return
		}
		log.Printf("converse: recognition failed: %v", err)
		o.finishTurn(seq, id, Turn{ID: id, Via: "voice", Asked: time.Now(), Failed: true}, "failed", string(speech.RecognitionKind(err)))
		return
	}

	o.emit(seq, Event{Kind: EventTranscript, TurnID: id, Text: tr.Text})
	o.runAnswer(ctx, seq, id, tr.Text, "voice")
}

func (o *Orchestrator) runAnswer(ctx context.Context, seq int64, id, question, via string) {
	turn := Turn{ID: id, Question: question, Via: via, Asked: time.Now()}

	o.setState(seq, StateThinking)

	owner, err := o.pb.Acquire("converse")
	if err != nil {
		turn.Failed = true
		o.finishTurn(seq, id, turn, "failed", "audio_busy")
		return
	}
	defer owner.Release()

	// The queue lives on the engine context so a graceful Stop can let the
	// sentence at the sink finish instead of cutting it.
	q := o.pb.NewQueue(o.baseCtx, owner)
	o.mu.Lock()
	if o.seq == seq {
		o.queue = q
	}
	o.mu.Unlock()

	go func() {
		select {
		case <-q.FirstAudio():
			o.setState(seq, StateResponding)
		case <-ctx.Done():
		}
	}()

	// Sentences pass through the segmenter so suppressed reasoning blocks
	// never reach the sink, the captions, or the recorded history.
	seg := segment.New(segment.WithSuppressedBlocks(segment.DefaultSuppressOpen, segment.DefaultSuppressClose))
	var visible []string
	deliver := func(sentence string) {
		visible = append(visible, sentence)
		o.emit(seq, Event{Kind: EventTextDelta, TurnID: id, Text: sentence})
		if spoken := segment.SanitizeSpeech(sentence); spoken != "" {
			q.Add(spoken)
		}
	}

	req := speech.GenerationRequest{
		TurnID:       id,
		Instructions: o.cfg.Instructions,
		Input:        question,
		Context:      o.buildContext(),
	}
	_, genErr := o.gen.Stream(ctx, req, func(delta string) error {
		for _, s := range seg.Consume(delta) {
			deliver(s)
		}
		return nil
	})
	if genErr == nil {
		if rest := seg.Flush(); rest != "" {
			deliver(rest)
		}
	}
	q.Finish()

	turn.Answer = strings.Join(visible, " ")
	if genErr != nil {
		if ctx.Err() != nil {
			turn.Stopped = true
			if err := q.Wait(o.baseCtx); err != nil {
				log.Printf("converse: queue drain: %v", err)
			}
			o.finishTurn(seq, id, turn, "stopped", "")
			return
		}
		turn.Failed = true
		code := "generation_failed"
		var ge *speech.GenerationError
		if errors.As(genErr, &ge) {
			code = ge.Code
		}
		log.Printf("converse: generation failed: %v", genErr)
		o.finishTurn(seq, id, turn, "failed", code)
		return
	}

	if err := q.Wait(o.baseCtx); err != nil {
		log.Printf("converse: queue drain: %v", err)
	}
	o.finishTurn(seq, id, turn, "completed", "")
}

// buildContext combines the reading context with the tail of the turn history
// so follow-up questions resolve references to earlier exchanges.
func (o *Orchestrator) buildContext() []string {
	var out []string
	if o.cfg.Context != nil {
		out = append(out, o.cfg.Context()...)
	}
	o.mu.Lock()
	turns := o.turns
	if len(turns) > o.cfg.HistoryTurns {
		turns = turns[len(turns)-o.cfg.HistoryTurns:]
	}
	for _, t := range turns {
		if t.Question == "" {
			continue
		}
		out = append(out, fmt.Sprintf("Q: %s", t.Question), fmt.Sprintf("A: %s", t.Answer))
	}
	o.mu.Unlock()
	return out
}

// finishTurn records the exchange, emits the terminal event and returns the
// orchestrator to Idle. Stale sequences are discarded silently.
func (o *Orchestrator) finishTurn(seq int64, id string, turn Turn, outcome, code string) {
	o.mu.Lock()
	if o.seq != seq {
		o.mu.Unlock()
		return
	}
	if turn.ID != "" {
		o.turns = append(o.turns, turn)
	}
	if o.turnCancel != nil {
		o.turnCancel()
	}
	o.turnCancel = nil
	o.queue = nil
	o.setStateLocked(seq, StateIdle)
	o.mu.Unlock()

	switch outcome {
	case "completed":
		o.emit(seq, Event{Kind: EventTurnComplete, TurnID: id, Text: turn.Answer})
	case "failed":
		o.emit(seq, Event{Kind: EventTurnFailed, TurnID: id, Code: code})
	}
	if o.metrics != nil {
		o.metrics.ConversationTurns.WithLabelValues("converse", outcome).Inc()
	}
	if o.cfg.OnTurn != nil && turn.ID != "" {
		o.cfg.OnTurn(turn)
	}
}

func (o *Orchestrator) setState(seq int64, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setStateLocked(seq, s)
}

func (o *Orchestrator) setStateLocked(seq int64, s State) {
	if o.seq != seq || o.state == s {
		return
	}
	o.state = s
	o.emitEvent(Event{Kind: EventStateChange, State: s})
}

func (o *Orchestrator) emit(seq int64, ev Event) {
	o.mu.Lock()
	stale := o.seq != seq
	o.mu.Unlock()
	if stale {
		return
	}
	o.emitEvent(ev)
}

func (o *Orchestrator) emitEvent(ev Event) {
	select {
	case o.events <- ev:
	default:
		log.Printf("converse: event channel full, dropping %s", ev.Kind)
	}
}
