package quiz

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

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseGenerating Phase = "generating"
	PhaseAwaiting   Phase = "awaiting_answer"
	PhaseFeedback   Phase = "feedback"
	PhaseComplete   Phase = "complete"
)

var (
	ErrQuizActive  = errors.New("quiz already active")
	ErrNoQuiz      = errors.New("no quiz in progress")
	ErrWrongPhase  = errors.New("operation not valid in current phase")
)

type EventKind string

const (
	EventPhaseChange EventKind = "phase_change"
	// EventQuestion carries the prompt and options; never the answer.
	EventQuestion EventKind = "question"
	EventResult   EventKind = "result"
	EventComplete EventKind = "complete"
	EventError    EventKind = "quiz_error"
)

type Event struct {
	Kind        EventKind
	Phase       Phase
	Text        string
	Options     []string
	Verdict     Verdict
	Expected    string
	Explanation string
	Code        string
	Score       Score
}

// Score is the running tally of the current quiz.
type Score struct {
	Asked   int
	Correct int
}

// Record is one graded exchange, kept as quiz history.
type Record struct {
	Question Question
	Answer   string
	Verdict  Verdict
	Asked    time.Time
}

// Config wires an Orchestrator. The Speak toggles choose which parts of each
// exchange are read aloud; everything is always delivered as text events.
type Config struct {
	Instructions     string
	Context          func() []string
	SpeakQuestion    bool
	SpeakOptions     bool
	SpeakVerdict     bool
	SpeakExplanation bool
	// MaxQuestions ends the quiz after that many answers. Zero means 5.
	MaxQuestions int
	// OnRecord, when set, is invoked for every graded answer.
	OnRecord func(Record)
}

// Orchestrator drives one quiz at a time through
// generate, await answer, grade, feedback, and on to the next question. The
// audio output is held for the whole quiz so reading playback stays paused
// until the quiz ends.
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
	phase      Phase
	seq        int64
	quizCtx    context.Context
	quizCancel context.CancelFunc
	owner      *playback.Owner
	queue      *playback.Queue
	current    *Question
	score      Score
	records    []Record
	selection  []string
}

func NewOrchestrator(cfg Config, rec speech.Recognizer, gen speech.Generator, pb *playback.Manager, metrics *observability.Metrics) *Orchestrator {
	if cfg.MaxQuestions <= 0 {
		cfg.MaxQuestions = 5
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
		phase:   PhaseIdle,
	}
}

func (o *Orchestrator) Events() <-chan Event { return o.events }

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) Score() Score {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.score
}

// History returns every graded exchange since the orchestrator was created,
// oldest first, across quiz runs.
func (o *Orchestrator) History() []Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Record, len(o.records))
	copy(out, o.records)
	return out
}

// Start begins a new quiz. A non-empty selection overrides the reading
// context, quizzing on just that passage.
func (o *Orchestrator) Start(selection string) error {
	o.mu.Lock()
	if o.phase != PhaseIdle && o.phase != PhaseComplete {
		o.mu.Unlock()
		return fmt.Errorf("%w: phase %s", ErrQuizActive, o.phase)
	}
	owner, err := o.pb.Acquire("quiz")
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.owner = owner
	o.seq++
	seq := o.seq
	ctx, cancel := context.WithCancel(o.baseCtx)
	o.quizCtx = ctx
	o.quizCancel = cancel
	o.score = Score{}
	o.selection = nil
	if s := strings.TrimSpace(selection); s != "" {
		o.selection = []string{s}
	}
	o.setPhaseLocked(seq, PhaseGenerating)
	o.mu.Unlock()

	go o.generate(ctx, seq)
	return nil
}

// Answer grades the user's answer to the current question. Any question or
// option audio still sounding is cut off first.
func (o *Orchestrator) Answer(text string) error {
	o.mu.Lock()
	if o.phase != PhaseAwaiting {
		o.mu.Unlock()
		return fmt.Errorf("%w: phase %s", ErrWrongPhase, o.phase)
	}
	seq := o.seq
	q := o.current
	speaking := o.queue
	o.mu.Unlock()

	if speaking != nil {
		speaking.Stop()
	}

	verdict := q.Evaluate(text)
	rec := Record{Question: *q, Answer: text, Verdict: verdict, Asked: time.Now()}

	o.mu.Lock()
	if o.seq != seq {
		o.mu.Unlock()
		return nil
	}
	o.score.Asked++
	if verdict == VerdictCorrect {
		o.score.Correct++
	}
	o.records = append(o.records, rec)
	o.setPhaseLocked(seq, PhaseFeedback)
	score := o.score
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.QuizAnswers.WithLabelValues(string(verdict)).Inc()
	}
	o.emit(seq, Event{
		Kind:        EventResult,
		Verdict:     verdict,
		Expected:    q.Answer,
		Explanation: q.Explanation,
		Score:       score,
	})
	if o.cfg.OnRecord != nil {
		o.cfg.OnRecord(rec)
	}

	o.speakFeedback(seq, verdict, q.Explanation)
	return nil
}

// AnswerVoice captures one spoken utterance and grades it against the current
// question. Like Answer, any question audio still sounding is cut off first.
// A failed capture leaves the question open so the host can fall back to a
// typed answer.
func (o *Orchestrator) AnswerVoice() error {
	o.mu.Lock()
	if o.phase != PhaseAwaiting {
		o.mu.Unlock()
		return fmt.Errorf("%w: phase %s", ErrWrongPhase, o.phase)
	}
	seq := o.seq
	ctx := o.quizCtx
	speaking := o.queue
	o.mu.Unlock()

	if speaking != nil {
		speaking.Stop()
	}

	go o.listenForAnswer(ctx, seq)
	return nil
}

func (o *Orchestrator) listenForAnswer(ctx context.Context, seq int64) {
	tr, err := o.rec.Listen(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("quiz: answer capture failed: %v", err)
		o.emit(seq, Event{Kind: EventError, Code: string(speech.RecognitionKind(err))})
		return
	}

	o.mu.Lock()
	stale := o.seq != seq || o.phase != PhaseAwaiting
	o.mu.Unlock()
	if stale {
		return
	}
	if err := o.Answer(tr.Text); err != nil {
		log.Printf("quiz: spoken answer discarded: %v", err)
	}
}

// Next moves on after feedback: another question, or the end of the quiz once
// MaxQuestions answers are in.
func (o *Orchestrator) Next() error {
	o.mu.Lock()
	if o.phase != PhaseFeedback {
		o.mu.Unlock()
		return fmt.Errorf("%w: phase %s", ErrWrongPhase, o.phase)
	}
	seq := o.seq
	if o.score.Asked >= o.cfg.MaxQuestions {
		o.mu.Unlock()
		o.finish(seq, "")
		return nil
	}
	ctx := o.quizCtx
	o.setPhaseLocked(seq, PhaseGenerating)
	o.mu.Unlock()

	go o.generate(ctx, seq)
	return nil
}

// End aborts the quiz from any phase and returns the audio to reading.
func (o *Orchestrator) End() error {
	o.mu.Lock()
	if o.phase == PhaseIdle || o.phase == PhaseComplete {
		o.mu.Unlock()
		return ErrNoQuiz
	}
	seq := o.seq
	o.mu.Unlock()
	o.finish(seq, "")
	return nil
}

// Close tears the orchestrator down.
func (o *Orchestrator) Close() { o.cancel() }

func (o *Orchestrator) generate(ctx context.Context, seq int64) {
	var sb strings.Builder
	req := speech.GenerationRequest{
		TurnID:       uuid.NewString(),
		Instructions: o.cfg.Instructions,
		Input:        o.generationInput(),
		Context:      o.generationContext(),
	}
	_, err := o.gen.Stream(ctx, req, func(delta string) error {
		sb.WriteString(delta)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return // quiz ended while generating
		}
		log.Printf("quiz: generation failed: %v", err)
		o.emit(seq, Event{Kind: EventError, Code: "generation_failed"})
		o.finish(seq, "generation_failed")
		return
	}

	q, err := parseQuestion(sb.String())
	if err != nil {
		log.Printf("quiz: %v", err)
		o.emit(seq, Event{Kind: EventError, Code: "bad_question"})
		o.finish(seq, "bad_question")
		return
	}

	o.mu.Lock()
	if o.seq != seq {
		o.mu.Unlock()
		return
	}
	o.current = q
	o.setPhaseLocked(seq, PhaseAwaiting)
	o.mu.Unlock()

	o.emit(seq, Event{Kind: EventQuestion, Text: q.Prompt, Options: q.Options})
	o.speakQuestion(seq, q)
}

// generationInput lists already-asked prompts so the generator avoids
// repeating itself within a quiz.
func (o *Orchestrator) generationInput() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.records) == 0 {
		return "Ask one comprehension question about the passage."
	}
	var sb strings.Builder
	sb.WriteString("Ask one comprehension question about the passage, different from these:\n")
	for _, r := range o.records {
		sb.WriteString("- ")
		sb.WriteString(r.Question.Prompt)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (o *Orchestrator) generationContext() []string {
	o.mu.Lock()
	selection := o.selection
	o.mu.Unlock()
	if selection != nil {
		return selection
	}
	if o.cfg.Context != nil {
		return o.cfg.Context()
	}
	return nil
}

func (o *Orchestrator) speakQuestion(seq int64, q *Question) {
	var lines []string
	if o.cfg.SpeakQuestion {
		lines = append(lines, q.Prompt)
	}
	if o.cfg.SpeakOptions {
		for i, opt := range q.Options {
			lines = append(lines, fmt.Sprintf("Option %d: %s", i+1, opt))
		}
	}
	o.speak(seq, lines)
}

func (o *Orchestrator) speakFeedback(seq int64, verdict Verdict, explanation string) {
	var lines []string
	if o.cfg.SpeakVerdict {
		if verdict == VerdictCorrect {
			lines = append(lines, "That's right.")
		} else {
			lines = append(lines, "Not quite.")
		}
	}
	if o.cfg.SpeakExplanation && explanation != "" {
		lines = append(lines, explanation)
	}
	o.speak(seq, lines)
}

func (o *Orchestrator) speak(seq int64, lines []string) {
	if len(lines) == 0 {
		return
	}
	o.mu.Lock()
	if o.seq != seq || o.owner == nil {
		o.mu.Unlock()
		return
	}
	q := o.pb.NewQueue(o.baseCtx, o.owner)
	o.queue = q
	o.mu.Unlock()

	for _, line := range lines {
		if spoken := segment.SanitizeSpeech(line); spoken != "" {
			q.Add(spoken)
		}
	}
	q.Finish()
}

// finish ends the quiz run: speech stops, the audio owner is released, and the
// final score goes out. code is empty for a normal end.
func (o *Orchestrator) finish(seq int64, code string) {
	o.mu.Lock()
	if o.seq != seq || o.phase == PhaseComplete || o.phase == PhaseIdle {
		o.mu.Unlock()
		return
	}
	if o.quizCancel != nil {
		o.quizCancel()
		o.quizCancel = nil
	}
	queue := o.queue
	owner := o.owner
	o.queue = nil
	o.owner = nil
	o.current = nil
	score := o.score
	o.setPhaseLocked(seq, PhaseComplete)
	o.mu.Unlock()

	if queue != nil {
		queue.Stop()
	}
	if owner != nil {
		owner.Release()
	}
	o.emit(seq, Event{Kind: EventComplete, Code: code, Score: score})
}

func (o *Orchestrator) setPhaseLocked(seq int64, p Phase) {
	if o.seq != seq || o.phase == p {
		return
	}
	o.phase = p
	o.emitEvent(Event{Kind: EventPhaseChange, Phase: p})
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
		log.Printf("quiz: event channel full, dropping %s", ev.Kind)
	}
}
