// Package reader composes the reading engine for one websocket connection:
// book content, playback, conversation, quiz, and history, glued to the wire
// protocol.
package reader

import (
	"context"
	"encoding/base64"
	"log"
	"sync"
	"time"

	"github.com/edvoss/lectern/internal/book"
	"github.com/edvoss/lectern/internal/config"
	"github.com/edvoss/lectern/internal/converse"
	"github.com/edvoss/lectern/internal/history"
	"github.com/edvoss/lectern/internal/observability"
	"github.com/edvoss/lectern/internal/playback"
	"github.com/edvoss/lectern/internal/protocol"
	"github.com/edvoss/lectern/internal/quiz"
	"github.com/edvoss/lectern/internal/session"
	"github.com/edvoss/lectern/internal/speech"
)

// Providers groups the speech backends injected into every connection.
type Providers struct {
	Synthesizer speech.Synthesizer
	Recognizer  speech.Recognizer
	Generator   speech.Generator
}

const converseInstructions = "You are a friendly reading companion. Answer questions about the book passage in a few short spoken sentences, grounded in the provided context."

const quizInstructions = `You quiz a listener on a book passage. Reply with exactly one JSON object:
{"question": "...", "options": ["...","...","..."], "answer_index": 0, "explanation": "..."}
Omit "options" and use "answer" for free-form questions. No text outside the JSON.`

// Engine builds per-connection reading pipelines over shared infrastructure.
type Engine struct {
	cfg     config.Config
	library *book.Library
	prov    Providers
	store   history.Store
	metrics *observability.Metrics
}

func NewEngine(cfg config.Config, library *book.Library, prov Providers, store history.Store, metrics *observability.Metrics) *Engine {
	return &Engine{cfg: cfg, library: library, prov: prov, store: store, metrics: metrics}
}

// conn is the state of one live connection.
type conn struct {
	eng  *Engine
	sess *session.Session
	book *book.Book

	mu      sync.Mutex
	chapter int
	seq     int

	pb       *playback.Manager
	conv     *converse.Orchestrator
	quiz     *quiz.Orchestrator
	recorder *history.Recorder

	outbound chan<- any
}

// RunConnection drives one websocket session until ctx ends or inbound
// closes. All outbound traffic goes through the supplied channel; the caller
// owns the websocket itself.
func (e *Engine) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan protocol.ClientControl, outbound chan<- any) error {
	b, err := e.library.Get(sess.BookID)
	if err != nil {
		send(ctx, outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      "book_not_found",
			Source:    "reader",
			Detail:    err.Error(),
		})
		return err
	}

	c := &conn{
		eng:      e,
		sess:     sess,
		book:     b,
		outbound: outbound,
	}

	pos := book.Position{}
	if rec, ok, err := e.store.Progress(ctx, b.ID); err != nil {
		log.Printf("reader: load progress for %s: %v", b.ID, err)
	} else if ok {
		pos = book.Position{Chapter: rec.Chapter, Sentence: rec.Sentence}
	}
	pos = b.Clamp(pos)
	c.chapter = pos.Chapter

	sink := playback.NewPacedSink(c.emitAudio)
	c.pb = playback.NewManager(playback.Config{
		PrefetchDepth: e.cfg.PrefetchDepth,
		RetainBehind:  e.cfg.RetainBehind,
		MaxConcurrent: e.cfg.MaxConcurrentSynth,
		Voice:         sess.Voice,
		Rate:          e.cfg.SpeechRate,
	}, e.prov.Synthesizer, sink, e.metrics)
	defer c.pb.Close()

	sentences, err := b.Sentences(pos.Chapter)
	if err != nil {
		return err
	}
	c.pb.SetSentences(sentences, pos.Sentence)

	c.recorder = history.NewRecorder(e.store, e.cfg.ProgressFlushInterval)
	defer c.recorder.Flush(context.Background())

	c.conv = converse.NewOrchestrator(converse.Config{
		Instructions: converseInstructions,
		Context:      c.readingContext,
		OnTurn:       c.persistConverseTurn,
	}, e.prov.Recognizer, e.prov.Generator, c.pb, e.metrics)
	defer c.conv.Close()

	c.quiz = quiz.NewOrchestrator(quiz.Config{
		Instructions:     quizInstructions,
		Context:          c.quizContext,
		SpeakQuestion:    e.cfg.QuizSpeakQuestion,
		SpeakOptions:     e.cfg.QuizSpeakOptions,
		SpeakVerdict:     e.cfg.QuizSpeakVerdict,
		SpeakExplanation: e.cfg.QuizSpeakExplanation,
		MaxQuestions:     e.cfg.QuizMaxQuestions,
		OnRecord:         c.persistQuizRecord,
	}, e.prov.Recognizer, e.prov.Generator, c.pb, e.metrics)
	defer c.quiz.Close()

	// The pumps run on a connection-scoped context so they drain and exit
	// when the control loop returns, whether or not the caller cancels ctx.
	pumpCtx, cancelPumps := context.WithCancel(ctx)
	var pumps sync.WaitGroup
	pumps.Add(3)
	go func() { defer pumps.Done(); c.pumpPlayback(pumpCtx) }()
	go func() { defer pumps.Done(); c.pumpConverse(pumpCtx) }()
	go func() { defer pumps.Done(); c.pumpQuiz(pumpCtx) }()
	defer func() {
		cancelPumps()
		pumps.Wait()
	}()

	c.sendState()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *conn) handle(ctx context.Context, msg protocol.ClientControl) {
	var err error
	switch msg.Action {
	case protocol.ActionPlay:
		if c.pb.OwnerMode() == "converse" {
			c.conv.Resume()
		} else {
			err = c.pb.Play()
		}
	case protocol.ActionPause:
		if c.pb.OwnerMode() == "converse" {
			c.conv.Pause()
		} else {
			c.pb.Pause()
			c.recorder.Flush(ctx)
		}
	case protocol.ActionStop:
		c.pb.Stop()
		c.recorder.Flush(ctx)
	case protocol.ActionSeek:
		err = c.seek(msg.Chapter, msg.Sentence)
	case protocol.ActionSkipForward:
		err = c.pb.SkipForward()
	case protocol.ActionSkipBack:
		err = c.pb.SkipBackward(msg.Count)
	case protocol.ActionSetSpeed:
		c.pb.SetSpeed(msg.Speed)
	case protocol.ActionAskVoice:
		_, err = c.conv.AskVoice()
	case protocol.ActionAskText:
		_, err = c.conv.AskText(msg.Text)
	case protocol.ActionStopTurn:
		c.conv.Stop()
	case protocol.ActionQuizStart:
		err = c.quiz.Start(msg.Selection)
	case protocol.ActionQuizAnswer:
		err = c.quiz.Answer(msg.Text)
	case protocol.ActionQuizAnswerVoice:
		err = c.quiz.AnswerVoice()
	case protocol.ActionQuizNext:
		err = c.quiz.Next()
	case protocol.ActionQuizEnd:
		err = c.quiz.End()
	}
	if err != nil {
		c.send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: c.sess.ID,
			Code:      "action_failed",
			Source:    "reader",
			Detail:    msg.Action + ": " + err.Error(),
		})
	}
	c.sendState()
}

// seek moves playback to an absolute position, switching chapters when
// needed. Playback keeps going if it was going.
func (c *conn) seek(chapter, sentence int) error {
	pos := c.book.Clamp(book.Position{Chapter: chapter, Sentence: sentence})

	c.mu.Lock()
	sameChapter := pos.Chapter == c.chapter
	c.chapter = pos.Chapter
	c.mu.Unlock()

	if sameChapter {
		return c.pb.GoToSentence(pos.Sentence)
	}

	state := c.pb.State()
	sentences, err := c.book.Sentences(pos.Chapter)
	if err != nil {
		return err
	}
	c.pb.SetSentences(sentences, pos.Sentence)
	if state == playback.StatePlaying || state == playback.StateBuffering {
		return c.pb.Play()
	}
	return nil
}

func (c *conn) pumpPlayback(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.pb.Events():
			c.mu.Lock()
			chapter := c.chapter
			c.mu.Unlock()

			switch ev.Kind {
			case playback.EventStateChange:
				c.sendState()
			case playback.EventSentenceChange:
				text := ""
				if sents, err := c.book.Sentences(chapter); err == nil && ev.Sentence < len(sents) {
					text = sents[ev.Sentence]
				}
				c.send(protocol.SentenceChange{
					Type:      protocol.TypeSentenceChange,
					SessionID: c.sess.ID,
					Chapter:   chapter,
					Sentence:  ev.Sentence,
					Text:      text,
				})
				c.recorder.Position(ctx, c.book.ID, chapter, ev.Sentence)
			case playback.EventChapterEnd:
				c.send(protocol.ChapterEnd{
					Type:      protocol.TypeChapterEnd,
					SessionID: c.sess.ID,
					Chapter:   chapter,
				})
				c.advanceChapter(chapter)
			}
		}
	}
}

// advanceChapter rolls playback into the next chapter, keeping narration
// going without a client round trip. The last chapter just ends.
func (c *conn) advanceChapter(finished int) {
	next := finished + 1
	sentences, err := c.book.Sentences(next)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.chapter = next
	c.mu.Unlock()

	c.pb.SetSentences(sentences, 0)
	if err := c.pb.Play(); err != nil {
		log.Printf("reader: continue into chapter %d: %v", next, err)
	}
}

func (c *conn) pumpConverse(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.conv.Events():
			switch ev.Kind {
			case converse.EventStateChange:
				c.send(protocol.SystemEvent{
					Type:      protocol.TypeSystemEvent,
					SessionID: c.sess.ID,
					Code:      "converse_" + string(ev.State),
				})
			case converse.EventTranscript:
				c.send(protocol.Transcript{
					Type:      protocol.TypeTranscript,
					SessionID: c.sess.ID,
					TurnID:    ev.TurnID,
					Text:      ev.Text,
				})
			case converse.EventTextDelta:
				c.send(protocol.TextDelta{
					Type:      protocol.TypeTextDelta,
					SessionID: c.sess.ID,
					TurnID:    ev.TurnID,
					TextDelta: ev.Text,
				})
			case converse.EventFallbackText:
				c.send(protocol.SystemEvent{
					Type:      protocol.TypeSystemEvent,
					SessionID: c.sess.ID,
					Code:      "voice_unavailable_use_text",
					Detail:    ev.Code,
				})
			case converse.EventTurnComplete:
				c.send(protocol.TurnEnd{
					Type:      protocol.TypeTurnEnd,
					SessionID: c.sess.ID,
					TurnID:    ev.TurnID,
					Reason:    "completed",
				})
			case converse.EventTurnFailed:
				c.send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: c.sess.ID,
					Code:      ev.Code,
					Source:    "converse",
					Retryable: true,
				})
			}
		}
	}
}

func (c *conn) pumpQuiz(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.quiz.Events():
			switch ev.Kind {
			case quiz.EventPhaseChange:
				c.send(protocol.SystemEvent{
					Type:      protocol.TypeSystemEvent,
					SessionID: c.sess.ID,
					Code:      "quiz_" + string(ev.Phase),
				})
			case quiz.EventQuestion:
				c.send(protocol.QuizQuestion{
					Type:      protocol.TypeQuizQuestion,
					SessionID: c.sess.ID,
					Question:  ev.Text,
					Options:   ev.Options,
				})
			case quiz.EventResult:
				c.send(protocol.QuizResult{
					Type:        protocol.TypeQuizResult,
					SessionID:   c.sess.ID,
					Verdict:     string(ev.Verdict),
					Expected:    ev.Expected,
					Explanation: ev.Explanation,
					Asked:       ev.Score.Asked,
					Correct:     ev.Score.Correct,
				})
			case quiz.EventComplete:
				c.send(protocol.QuizEnd{
					Type:      protocol.TypeQuizEnd,
					SessionID: c.sess.ID,
					Asked:     ev.Score.Asked,
					Correct:   ev.Score.Correct,
					Code:      ev.Code,
				})
			case quiz.EventError:
				c.send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: c.sess.ID,
					Code:      ev.Code,
					Source:    "quiz",
					Retryable: true,
				})
			}
		}
	}
}

// readingContext returns the sentences leading up to and including the
// current one, crossing chapter boundaries backward as needed.
func (c *conn) readingContext() []string {
	pos := c.position()
	window, err := c.book.ContextWindow(pos, c.eng.cfg.ContextBefore, c.eng.cfg.ContextAfter)
	if err != nil {
		return nil
	}
	return window
}

// quizContext covers the current chapter up to the sentence being read, so
// questions never spoil text the listener has not heard.
func (c *conn) quizContext() []string {
	pos := c.position()
	sents, err := c.book.Sentences(pos.Chapter)
	if err != nil {
		return nil
	}
	limit := pos.Sentence + 1
	if limit > len(sents) {
		limit = len(sents)
	}
	return sents[:limit]
}

func (c *conn) position() book.Position {
	c.mu.Lock()
	chapter := c.chapter
	c.mu.Unlock()
	return c.book.Clamp(book.Position{Chapter: chapter, Sentence: c.pb.CurrentIndex()})
}

func (c *conn) persistConverseTurn(t converse.Turn) {
	pos := c.position()
	rec := history.TurnRecord{
		ID:        t.ID,
		SessionID: c.sess.ID,
		BookID:    c.book.ID,
		Chapter:   pos.Chapter,
		Sentence:  pos.Sentence,
		Kind:      "converse",
		Question:  t.Question,
		Answer:    t.Answer,
		CreatedAt: t.Asked,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.eng.store.SaveTurn(ctx, rec); err != nil {
		log.Printf("reader: persist turn: %v", err)
	}
}

func (c *conn) persistQuizRecord(r quiz.Record) {
	pos := c.position()
	rec := history.TurnRecord{
		SessionID: c.sess.ID,
		BookID:    c.book.ID,
		Chapter:   pos.Chapter,
		Sentence:  pos.Sentence,
		Kind:      "quiz",
		Question:  r.Question.Prompt,
		Answer:    r.Answer,
		Verdict:   string(r.Verdict),
		CreatedAt: r.Asked,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.eng.store.SaveTurn(ctx, rec); err != nil {
		log.Printf("reader: persist quiz record: %v", err)
	}
}

func (c *conn) emitAudio(clip *speech.Clip) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	c.send(protocol.AudioChunk{
		Type:        protocol.TypeAudioChunk,
		SessionID:   c.sess.ID,
		Mode:        c.pb.OwnerMode(),
		Seq:         seq,
		Format:      clip.Format,
		AudioBase64: base64.StdEncoding.EncodeToString(clip.Data),
		DurationMS:  clip.Duration.Milliseconds(),
		Text:        clip.Text,
	})
}

func (c *conn) sendState() {
	pos := c.position()
	c.send(protocol.PlaybackState{
		Type:      protocol.TypePlaybackState,
		SessionID: c.sess.ID,
		State:     string(c.pb.State()),
		Chapter:   pos.Chapter,
		Sentence:  pos.Sentence,
	})
}

func (c *conn) send(msg any) {
	select {
	case c.outbound <- msg:
	default:
		log.Printf("reader: outbound queue full, dropping %T", msg)
	}
}

func send(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case <-ctx.Done():
	case outbound <- msg:
	}
}
