package playback

import (
	"context"
	"log"
	"sync"

	"github.com/edvoss/lectern/internal/speech"
)

type queueItem struct {
	text  string
	ready chan struct{}
	clip  *speech.Clip
	err   error
}

// Queue speaks ad-hoc response sentences, in order, while an Owner holds the
// audio output. Sentences are synthesized as they arrive, sharing the
// Manager's synthesis concurrency bound, so speaking can start before the full
// response is known.
//
// Stop is graceful: queued sentences are dropped but the sentence already at
// the sink finishes sounding. Cancelling ctx is the hard teardown and cuts
// audio mid-sentence.
type Queue struct {
	mgr  *Manager
	mode string
	ctx  context.Context

	mu       sync.Mutex
	items    []*queueItem
	next     int
	finished bool
	stopped  bool
	started  bool

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
	first  chan struct{}

	firstOnce sync.Once
	stopOnce  sync.Once
}

// NewQueue creates a speech queue bound to the given owner's mode. The queue
// plays through the Manager's sink; the caller must hold the owner token for
// the queue's lifetime.
func (m *Manager) NewQueue(ctx context.Context, o *Owner) *Queue {
	return &Queue{
		mgr:    m,
		mode:   o.mode,
		ctx:    ctx,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		first:  make(chan struct{}),
	}
}

// Add enqueues one sentence for synthesis and playback. Calls after Finish or
// Stop are ignored.
func (q *Queue) Add(text string) {
	q.mu.Lock()
	if q.finished || q.stopped {
		q.mu.Unlock()
		return
	}
	it := &queueItem{text: text, ready: make(chan struct{})}
	q.items = append(q.items, it)
	if !q.started {
		q.started = true
		go q.run()
	}
	q.mu.Unlock()

	go q.synthesize(it)
	q.notify()
}

// Finish marks the queue complete: once every queued sentence has played,
// Wait unblocks.
func (q *Queue) Finish() {
	q.mu.Lock()
	q.finished = true
	if !q.started {
		q.started = true
		go q.run()
	}
	q.mu.Unlock()
	q.notify()
}

// Pause halts the sentence currently sounding. Synthesis of queued sentences
// keeps running; only audio output stops.
func (q *Queue) Pause() {
	q.mgr.sink.Pause()
}

// Resume continues response audio after Pause.
func (q *Queue) Resume() {
	q.mgr.sink.Resume()
}

// Stop drops every sentence that has not reached the sink yet. The sentence
// currently sounding is allowed to complete.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.finished = true
	if !q.started {
		q.started = true
		go q.run()
	}
	q.mu.Unlock()
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.notify()
}

// Wait blocks until the queue has drained, was stopped, or ctx is cancelled.
func (q *Queue) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return nil
	}
}

// FirstAudio is closed the moment the first sentence starts sounding.
func (q *Queue) FirstAudio() <-chan struct{} { return q.first }

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return
		}
		if q.next >= len(q.items) {
			if q.finished {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			select {
			case <-q.ctx.Done():
				return
			case <-q.stopCh:
				return
			case <-q.wake:
			}
			continue
		}
		it := q.items[q.next]
		q.next++
		q.mu.Unlock()

		select {
		case <-q.ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-it.ready:
		}
		if it.err != nil {
			log.Printf("playback: %s queue skipping sentence after synthesis failure: %v", q.mode, it.err)
			if q.mgr.metrics != nil {
				q.mgr.metrics.SynthesisFailures.WithLabelValues(q.mode).Inc()
			}
			continue
		}

		q.firstOnce.Do(func() { close(q.first) })
		if err := q.mgr.sink.Play(q.ctx, it.clip); err != nil {
			return
		}
		if q.mgr.metrics != nil {
			q.mgr.metrics.SentencesSpoken.WithLabelValues(q.mode).Inc()
		}
	}
}

func (q *Queue) synthesize(it *queueItem) {
	defer close(it.ready)
	select {
	case q.mgr.sem <- struct{}{}:
	case <-q.ctx.Done():
		it.err = q.ctx.Err()
		return
	}
	defer func() { <-q.mgr.sem }()

	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		it.err = context.Canceled
		return
	}
	it.clip, it.err = q.mgr.synth.Synthesize(q.ctx, it.text, speech.SynthesisOptions{Voice: q.mgr.cfg.Voice})
}
