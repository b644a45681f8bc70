package playback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/edvoss/lectern/internal/observability"
	"github.com/edvoss/lectern/internal/speech"
)

var (
	// ErrNoContent is returned by transport operations before any sentences
	// have been loaded.
	ErrNoContent = errors.New("no sentences loaded")
	// ErrAudioBusy is returned when a conversational mode holds the audio
	// output and reading playback is requested.
	ErrAudioBusy = errors.New("audio output busy")
)

// Config tunes the synthesis window of a Manager.
type Config struct {
	// PrefetchDepth is how many sentences ahead of the current one are kept
	// synthesized or in flight.
	PrefetchDepth int
	// RetainBehind is how many already-played sentences stay cached for
	// instant backward skips.
	RetainBehind int
	// MaxConcurrent bounds simultaneous synthesis calls, shared between
	// reading prefetch and response queues.
	MaxConcurrent int
	Voice         string
	Rate          float64
}

func (c Config) withDefaults() Config {
	if c.PrefetchDepth <= 0 {
		c.PrefetchDepth = 3
	}
	if c.RetainBehind <= 0 {
		c.RetainBehind = 2
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.Rate <= 0 {
		c.Rate = 1.0
	}
	return c
}

type entryStatus int

const (
	entryPending entryStatus = iota
	entryReady
	entryFailed
)

type entry struct {
	status entryStatus
	clip   *speech.Clip
	err    error
	ready  chan struct{}
}

// Manager drives sentence-by-sentence reading playback. It keeps a bounded
// cache of synthesized audio around the current sentence, serializes all
// transport transitions, and delivers ordered events on a single channel.
//
// Every mutation of the window bumps an epoch counter; synthesis results that
// arrive carrying a stale epoch are discarded rather than cancelled, so a slow
// provider can never corrupt the cache after a seek or stop.
type Manager struct {
	cfg     Config
	synth   speech.Synthesizer
	sink    Sink
	metrics *observability.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	events  chan Event
	sem     chan struct{}

	mu        sync.Mutex
	state     State
	sentences []string
	current   int
	epoch     int64
	cache     map[int]*entry
	rate      float64

	loopCancel context.CancelFunc
	sinkBusy   bool
	pauseGate  chan struct{}

	ownerMode       string
	ownerWasPlaying bool
}

func NewManager(cfg Config, synth speech.Synthesizer, sink Sink, metrics *observability.Metrics) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		synth:   synth,
		sink:    sink,
		metrics: metrics,
		baseCtx: ctx,
		cancel:  cancel,
		events:  make(chan Event, 256),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		state:   StateStopped,
		cache:   make(map[int]*entry),
		rate:    cfg.Rate,
	}
	sink.SetRate(cfg.Rate)
	return m
}

// Events returns the ordered event stream. Events are emitted in the exact
// order the transitions happened; if the consumer falls far behind, newest
// events are dropped with a log line rather than blocking playback.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) CurrentIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SetSentences replaces the playback content, usually with the sentences of a
// new chapter, and stops any active playback. The current position moves to
// start, clamped into range.
func (m *Manager) SetSentences(sentences []string, start int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	m.stopLoopLocked()
	m.cache = make(map[int]*entry)
	m.sentences = sentences
	if start < 0 {
		start = 0
	}
	if len(sentences) > 0 && start >= len(sentences) {
		start = len(sentences) - 1
	}
	m.current = start
	m.setStateLocked(StateStopped)
}

// Play starts or resumes playback at the current sentence.
func (m *Manager) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownerMode != "" {
		return fmt.Errorf("%w: held by %s", ErrAudioBusy, m.ownerMode)
	}
	return m.playLocked()
}

func (m *Manager) playLocked() error {
	switch m.state {
	case StatePlaying, StateBuffering:
		return nil
	case StatePaused:
		if m.loopCancel != nil {
			gate := m.pauseGate
			m.pauseGate = nil
			if m.sinkBusy {
				m.setStateLocked(StatePlaying)
				m.sink.Resume()
			} else {
				m.setStateLocked(StateBuffering)
			}
			if gate != nil {
				close(gate)
			}
			return nil
		}
	}
	if len(m.sentences) == 0 {
		return ErrNoContent
	}
	m.setStateLocked(StateBuffering)
	m.startLoopLocked()
	return nil
}

// Pause halts output at the current position. The synthesis window stays warm
// so a later Play resumes without re-buffering.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauseLocked()
}

func (m *Manager) pauseLocked() {
	if m.state != StatePlaying && m.state != StateBuffering {
		return
	}
	m.pauseGate = make(chan struct{})
	m.setStateLocked(StatePaused)
	if m.sinkBusy {
		m.sink.Pause()
	}
}

// Stop halts output, discards the synthesis cache, and releases in-flight
// synthesis results on arrival. The position is preserved.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	m.stopLoopLocked()
	m.cache = make(map[int]*entry)
	m.setStateLocked(StateStopped)
}

// GoToSentence seeks to index, clamped into range. If playback was active it
// restarts at the new position; a paused or stopped transport keeps its state.
func (m *Manager) GoToSentence(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.goToLocked(index)
}

func (m *Manager) SkipForward() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.goToLocked(m.current + 1)
}

// SkipBackward moves back n whole sentences; counts below one mean one. An n
// that overshoots the first sentence re-enters the current sentence from its
// start instead.
func (m *Manager) SkipBackward(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 1 {
		n = 1
	}
	target := m.current - n
	if target < 0 {
		target = m.current
	}
	return m.goToLocked(target)
}

func (m *Manager) goToLocked(index int) error {
	if len(m.sentences) == 0 {
		return ErrNoContent
	}
	if index < 0 {
		index = 0
	}
	if index >= len(m.sentences) {
		index = len(m.sentences) - 1
	}
	wasActive := m.state == StatePlaying || m.state == StateBuffering
	m.epoch++
	m.stopLoopLocked()
	m.cache = make(map[int]*entry)
	m.current = index
	if wasActive {
		m.setStateLocked(StateBuffering)
		m.startLoopLocked()
	}
	return nil
}

// SetSpeed changes the playback rate. It applies immediately to the sentence
// currently sounding; nothing is re-synthesized and the position is untouched.
func (m *Manager) SetSpeed(rate float64) {
	if rate <= 0 {
		rate = 1.0
	}
	m.mu.Lock()
	m.rate = rate
	m.mu.Unlock()
	m.sink.SetRate(rate)
}

// Close tears the manager down. All in-flight synthesis and playback aborts.
func (m *Manager) Close() {
	m.mu.Lock()
	m.epoch++
	m.stopLoopLocked()
	m.setStateLocked(StateStopped)
	m.mu.Unlock()
	m.cancel()
}

// Acquire hands the audio output to a conversational mode, interrupting
// reading playback if it was active. Only one owner may hold the output at a
// time. A reading sentence cut mid-clip replays from its start on release.
func (m *Manager) Acquire(mode string) (*Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownerMode != "" {
		return nil, fmt.Errorf("%w: held by %s", ErrAudioBusy, m.ownerMode)
	}
	wasPlaying := m.state == StatePlaying || m.state == StateBuffering
	if wasPlaying {
		m.pauseGate = make(chan struct{})
		m.setStateLocked(StatePaused)
	}
	if m.sinkBusy {
		// Cut the reading clip and clear any sink pause so the owner's audio
		// can flow through the shared sink immediately.
		m.sink.Stop()
		m.sink.Resume()
	}
	m.ownerMode = mode
	m.ownerWasPlaying = wasPlaying
	return &Owner{m: m, mode: mode}, nil
}

// OwnerMode reports which conversational mode holds the audio output, or
// "reading" when none does.
func (m *Manager) OwnerMode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownerMode == "" {
		return "reading"
	}
	return m.ownerMode
}

// Owner is the token for exclusive use of the audio output.
type Owner struct {
	m    *Manager
	mode string
	once sync.Once
}

func (o *Owner) Mode() string { return o.mode }

// Release gives the audio output back. If reading playback was active when the
// owner acquired it, playback resumes from the interrupted sentence.
func (o *Owner) Release() {
	o.once.Do(func() {
		o.m.mu.Lock()
		defer o.m.mu.Unlock()
		if o.m.ownerMode != o.mode {
			return
		}
		o.m.ownerMode = ""
		resume := o.m.ownerWasPlaying
		o.m.ownerWasPlaying = false
		// A pause left behind by the owner's response audio must not carry
		// over into reading playback.
		o.m.sink.Resume()
		if resume {
			if err := o.m.playLocked(); err != nil {
				log.Printf("playback: resume after %s: %v", o.mode, err)
			}
		}
	})
}

func (m *Manager) startLoopLocked() {
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.loopCancel = cancel
	go func(epoch int64) {
		m.run(ctx, epoch)
		cancel()
	}(m.epoch)
}

func (m *Manager) stopLoopLocked() {
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	m.sink.Stop()
}

func (m *Manager) run(ctx context.Context, epoch int64) {
	for {
		m.mu.Lock()
		if ctx.Err() != nil || m.epoch != epoch {
			m.mu.Unlock()
			return
		}
		if m.state == StatePaused {
			gate := m.pauseGate
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-gate:
			}
			continue
		}
		if m.current >= len(m.sentences) {
			m.loopCancel = nil
			m.setStateLocked(StateStopped)
			m.emitLocked(Event{Kind: EventChapterEnd, State: StateStopped, Sentence: len(m.sentences) - 1})
			m.mu.Unlock()
			return
		}
		m.scheduleWindowLocked(epoch)
		idx := m.current
		e := m.cache[idx]

		switch e.status {
		case entryPending:
			underrun := m.state != StateBuffering
			if underrun {
				m.setStateLocked(StateBuffering)
				if m.metrics != nil {
					m.metrics.BufferUnderruns.Inc()
				}
			}
			ready := e.ready
			m.mu.Unlock()
			start := time.Now()
			select {
			case <-ctx.Done():
				return
			case <-ready:
			}
			if m.metrics != nil {
				m.metrics.ObserveBufferingLatency(time.Since(start))
			}
			continue
		case entryFailed:
			log.Printf("playback: skipping sentence %d after synthesis failure: %v", idx, e.err)
			m.advanceLocked()
			m.mu.Unlock()
			continue
		}

		m.setStateLocked(StatePlaying)
		m.emitLocked(Event{Kind: EventSentenceChange, State: StatePlaying, Sentence: idx})
		clip := e.clip
		m.sinkBusy = true
		m.mu.Unlock()

		err := m.sink.Play(ctx, clip)

		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return
		}
		m.sinkBusy = false
		if err != nil {
			if m.state == StatePaused {
				// The clip was cut by an audio-owner handoff. Keep the
				// position and park at the pause gate; the sentence replays
				// when playback resumes.
				m.mu.Unlock()
				continue
			}
			m.mu.Unlock()
			return
		}
		if m.metrics != nil {
			m.metrics.SentencesSpoken.WithLabelValues("reading").Inc()
		}
		m.advanceLocked()
		m.mu.Unlock()
	}
}

// scheduleWindowLocked launches synthesis for every sentence in
// [current, current+PrefetchDepth] that has no cache entry yet, and evicts
// entries outside [current-RetainBehind, current+PrefetchDepth].
func (m *Manager) scheduleWindowLocked(epoch int64) {
	hi := m.current + m.cfg.PrefetchDepth
	for i := m.current; i <= hi && i < len(m.sentences); i++ {
		if _, ok := m.cache[i]; ok {
			continue
		}
		e := &entry{ready: make(chan struct{})}
		m.cache[i] = e
		go m.synthesize(epoch, i, m.sentences[i], e)
	}
	for k := range m.cache {
		if k < m.current-m.cfg.RetainBehind || k > hi {
			delete(m.cache, k)
		}
	}
}

func (m *Manager) advanceLocked() {
	m.current++
	for k := range m.cache {
		if k < m.current-m.cfg.RetainBehind {
			delete(m.cache, k)
		}
	}
}

func (m *Manager) synthesize(epoch int64, idx int, text string, e *entry) {
	select {
	case m.sem <- struct{}{}:
	case <-m.baseCtx.Done():
		return
	}
	defer func() { <-m.sem }()

	clip, err := m.synth.Synthesize(m.baseCtx, text, speech.SynthesisOptions{Voice: m.cfg.Voice})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.cache[idx] != e {
		// The window moved on while we were synthesizing. Discard.
		return
	}
	if err != nil {
		e.status = entryFailed
		e.err = err
		if m.metrics != nil {
			m.metrics.SynthesisFailures.WithLabelValues("reading").Inc()
		}
	} else {
		e.status = entryReady
		e.clip = clip
	}
	close(e.ready)
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.emitLocked(Event{Kind: EventStateChange, State: s, Sentence: m.current})
}

func (m *Manager) emitLocked(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Printf("playback: event channel full, dropping %s", ev.Kind)
	}
}

// cachedIndices reports which sentence indices currently hold cache entries.
func (m *Manager) cachedIndices() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.cache))
	for k := range m.cache {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
