package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvoss/lectern/internal/speech"
)

func newTestManager(t *testing.T, synth *speech.MockSynthesizer, emit ChunkFunc) *Manager {
	t.Helper()
	m := NewManager(Config{}, synth, NewPacedSink(emit), nil)
	t.Cleanup(m.Close)
	return m
}

// drainUntil collects events until stop returns true for one of them.
func drainUntil(t *testing.T, ch <-chan Event, stop func(Event) bool) []Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
			if stop(ev) {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event, collected %+v", out)
		}
	}
}

func sentenceIndices(events []Event) []int {
	var out []int
	for _, ev := range events {
		if ev.Kind == EventSentenceChange {
			out = append(out, ev.Sentence)
		}
	}
	return out
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func isChapterEnd(ev Event) bool { return ev.Kind == EventChapterEnd }

func TestPlaySpeaksEverySentenceOnceInOrder(t *testing.T) {
	synth := speech.NewMockSynthesizer()
	m := newTestManager(t, synth, nil)
	m.SetSentences([]string{"A.", "B.", "C.", "D.", "E."}, 0)

	require.NoError(t, m.Play())
	events := drainUntil(t, m.Events(), isChapterEnd)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, sentenceIndices(events))
	assert.Equal(t, 1, countKind(events, EventChapterEnd))
	assert.Equal(t, StateStopped, m.State())
}

func TestFailedSentenceIsSkippedWithoutEvent(t *testing.T) {
	synth := speech.NewMockSynthesizer()
	synth.FailOn("B.", errors.New("backend refused"))
	m := newTestManager(t, synth, nil)
	m.SetSentences([]string{"A.", "B.", "C."}, 0)

	require.NoError(t, m.Play())
	events := drainUntil(t, m.Events(), isChapterEnd)

	assert.Equal(t, []int{0, 2}, sentenceIndices(events))
	assert.Equal(t, 1, countKind(events, EventChapterEnd))
}

func TestStateSequenceFromStopped(t *testing.T) {
	synth := speech.NewMockSynthesizer()
	m := newTestManager(t, synth, nil)
	m.SetSentences([]string{"one two three."}, 0)

	require.NoError(t, m.Play())
	events := drainUntil(t, m.Events(), isChapterEnd)

	var states []State
	for _, ev := range events {
		if ev.Kind == EventStateChange {
			states = append(states, ev.State)
		}
	}
	assert.Equal(t, []State{StateBuffering, StatePlaying, StateStopped}, states)
}

func TestCacheStaysWithinWindow(t *testing.T) {
	sentences := make([]string, 20)
	for i := range sentences {
		sentences[i] = "word."
	}
	synth := speech.NewMockSynthesizer()
	m := newTestManager(t, synth, nil)
	m.SetSentences(sentences, 0)

	require.NoError(t, m.Play())
	drainUntil(t, m.Events(), func(ev Event) bool {
		return ev.Kind == EventSentenceChange && ev.Sentence >= 6
	})
	m.Pause()

	cur := m.CurrentIndex()
	for _, k := range m.cachedIndices() {
		assert.GreaterOrEqual(t, k, cur-2, "cached index %d behind retention window at position %d", k, cur)
		assert.LessOrEqual(t, k, cur+3, "cached index %d beyond prefetch window at position %d", k, cur)
	}
}

func TestPauseAndResume(t *testing.T) {
	synth := speech.NewMockSynthesizer()
	m := newTestManager(t, synth, nil)
	long := "one two three four five six seven eight nine ten " +
		"eleven twelve thirteen fourteen fifteen sixteen seventeen eighteen nineteen twenty."
	m.SetSentences([]string{long, "zeta."}, 0)

	require.NoError(t, m.Play())
	drainUntil(t, m.Events(), func(ev Event) bool { return ev.Kind == EventSentenceChange })

	m.Pause()
	assert.Equal(t, StatePaused, m.State())

	require.NoError(t, m.Play())
	events := drainUntil(t, m.Events(), isChapterEnd)
	assert.Equal(t, []int{1}, sentenceIndices(events), "resume must continue mid-sentence, not replay")
	assert.Equal(t, 1, countKind(events, EventChapterEnd))
}

func TestSetSpeedDoesNotResynthesizeOrRestart(t *testing.T) {
	synth := speech.NewMockSynthesizer()
	m := newTestManager(t, synth, nil)
	long := "one two three four five six seven eight nine ten " +
		"one two three four five six seven eight nine ten " +
		"one two three four five six seven eight nine ten."
	m.SetSentences([]string{long, "short."}, 0)

	require.NoError(t, m.Play())
	drainUntil(t, m.Events(), func(ev Event) bool { return ev.Kind == EventSentenceChange })
	m.SetSpeed(8)

	events := drainUntil(t, m.Events(), isChapterEnd)
	assert.Equal(t, []int{1}, sentenceIndices(events), "speed change must not replay the current sentence")
	assert.Len(t, synth.Calls(), 2)
}

func TestGoToSentenceWhilePlaying(t *testing.T) {
	sentences := make([]string, 10)
	for i := range sentences {
		sentences[i] = "one two three four five six seven eight nine ten."
	}
	synth := speech.NewMockSynthesizer()
	m := newTestManager(t, synth, nil)
	m.SetSentences(sentences, 0)

	require.NoError(t, m.Play())
	drainUntil(t, m.Events(), func(ev Event) bool { return ev.Kind == EventSentenceChange })
	require.NoError(t, m.GoToSentence(8))

	events := drainUntil(t, m.Events(), isChapterEnd)
	got := sentenceIndices(events)
	require.NotEmpty(t, got)
	assert.Equal(t, []int{8, 9}, got[len(got)-2:])
}

func TestSeekWhileStoppedKeepsStateStopped(t *testing.T) {
	synth := speech.NewMockSynthesizer()
	m := newTestManager(t, synth, nil)
	m.SetSentences([]string{"a.", "b.", "c."}, 0)

	require.NoError(t, m.GoToSentence(2))
	assert.Equal(t, StateStopped, m.State())
	assert.Equal(t, 2, m.CurrentIndex())

	require.NoError(t, m.SkipBackward(1))
	assert.Equal(t, 1, m.CurrentIndex())
	require.NoError(t, m.SkipForward())
	require.NoError(t, m.SkipForward()) // clamped at the last sentence
	assert.Equal(t, 2, m.CurrentIndex())
}

func TestSkipBackwardByCount(t *testing.T) {
	m := newTestManager(t, speech.NewMockSynthesizer(), nil)
	m.SetSentences([]string{"a.", "b.", "c.", "d.", "e."}, 0)

	require.NoError(t, m.GoToSentence(4))
	require.NoError(t, m.SkipBackward(3))
	assert.Equal(t, 1, m.CurrentIndex())

	require.NoError(t, m.SkipBackward(5))
	assert.Equal(t, 1, m.CurrentIndex(), "overshooting re-enters the current sentence")

	require.NoError(t, m.SkipBackward(0))
	assert.Equal(t, 0, m.CurrentIndex(), "a zero count means one sentence back")
}

func TestPlayWithoutContent(t *testing.T) {
	m := newTestManager(t, speech.NewMockSynthesizer(), nil)
	assert.ErrorIs(t, m.Play(), ErrNoContent)
}

func TestOwnerPausesReadingAndResumesOnRelease(t *testing.T) {
	synth := speech.NewMockSynthesizer()
	m := newTestManager(t, synth, nil)
	m.SetSentences([]string{"one two three four five six seven eight nine ten.", "b."}, 0)

	require.NoError(t, m.Play())
	drainUntil(t, m.Events(), func(ev Event) bool { return ev.Kind == EventSentenceChange })

	owner, err := m.Acquire("converse")
	require.NoError(t, err)
	assert.Equal(t, StatePaused, m.State())

	_, err = m.Acquire("quiz")
	assert.ErrorIs(t, err, ErrAudioBusy)
	assert.ErrorIs(t, m.Play(), ErrAudioBusy)

	owner.Release()
	events := drainUntil(t, m.Events(), isChapterEnd)
	assert.Equal(t, 1, countKind(events, EventChapterEnd))
}

func TestOwnerReleaseDoesNotStartStoppedPlayback(t *testing.T) {
	m := newTestManager(t, speech.NewMockSynthesizer(), nil)
	m.SetSentences([]string{"a."}, 0)

	owner, err := m.Acquire("quiz")
	require.NoError(t, err)
	owner.Release()
	assert.Equal(t, StateStopped, m.State())
}

func TestQueuePlaysSentencesInOrder(t *testing.T) {
	var mu sync.Mutex
	var spoken []string
	emit := func(clip *speech.Clip) {
		mu.Lock()
		spoken = append(spoken, clip.Text)
		mu.Unlock()
	}
	m := newTestManager(t, speech.NewMockSynthesizer(), emit)

	owner, err := m.Acquire("converse")
	require.NoError(t, err)
	defer owner.Release()

	q := m.NewQueue(context.Background(), owner)
	q.Add("First.")
	q.Add("Second.")
	q.Add("Third.")
	q.Finish()
	require.NoError(t, q.Wait(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"First.", "Second.", "Third."}, spoken)
}

func TestQueueStopDropsQueuedButFinishesCurrent(t *testing.T) {
	var mu sync.Mutex
	var spoken []string
	emit := func(clip *speech.Clip) {
		mu.Lock()
		spoken = append(spoken, clip.Text)
		mu.Unlock()
	}
	m := newTestManager(t, speech.NewMockSynthesizer(), emit)

	owner, err := m.Acquire("converse")
	require.NoError(t, err)
	defer owner.Release()

	q := m.NewQueue(context.Background(), owner)
	q.Add("one two three four five six seven eight nine ten eleven twelve.")
	q.Add("Never spoken.")
	q.Add("Also never spoken.")

	select {
	case <-q.FirstAudio():
	case <-time.After(2 * time.Second):
		t.Fatal("first sentence never reached the sink")
	}
	q.Stop()
	require.NoError(t, q.Wait(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one two three four five six seven eight nine ten eleven twelve."}, spoken)
}

func TestQueuePlaysWhileReadingInterruptedMidSentence(t *testing.T) {
	var mu sync.Mutex
	var spoken []string
	emit := func(clip *speech.Clip) {
		mu.Lock()
		spoken = append(spoken, clip.Text)
		mu.Unlock()
	}
	m := newTestManager(t, speech.NewMockSynthesizer(), emit)
	m.SetSentences([]string{
		"one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen " +
			"sixteen seventeen eighteen nineteen twenty twenty-one twenty-two twenty-three twenty-four twenty-five.",
		"the end.",
	}, 0)

	require.NoError(t, m.Play())
	drainUntil(t, m.Events(), func(ev Event) bool { return ev.Kind == EventSentenceChange })

	owner, err := m.Acquire("converse")
	require.NoError(t, err)

	q := m.NewQueue(context.Background(), owner)
	q.Add("Here is the answer.")
	q.Finish()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx), "response audio must finish while reading is interrupted mid-sentence")

	owner.Release()
	events := drainUntil(t, m.Events(), isChapterEnd)
	assert.Contains(t, sentenceIndices(events), 0, "the interrupted sentence replays from its start")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, spoken, "Here is the answer.")
}

func TestQueuePauseHoldsAudioUntilResume(t *testing.T) {
	var mu sync.Mutex
	var spoken []string
	emit := func(clip *speech.Clip) {
		mu.Lock()
		spoken = append(spoken, clip.Text)
		mu.Unlock()
	}
	m := newTestManager(t, speech.NewMockSynthesizer(), emit)

	owner, err := m.Acquire("converse")
	require.NoError(t, err)
	defer owner.Release()

	q := m.NewQueue(context.Background(), owner)
	q.Add("one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen.")
	q.Add("Second sentence.")
	q.Finish()

	select {
	case <-q.FirstAudio():
	case <-time.After(2 * time.Second):
		t.Fatal("first sentence never reached the sink")
	}
	q.Pause()

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	held := len(spoken)
	mu.Unlock()
	assert.Equal(t, 1, held, "paused queue must not advance to the next sentence")

	q.Resume()
	require.NoError(t, q.Wait(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, len(spoken))
}

func TestQueueSkipsFailedSentence(t *testing.T) {
	var mu sync.Mutex
	var spoken []string
	emit := func(clip *speech.Clip) {
		mu.Lock()
		spoken = append(spoken, clip.Text)
		mu.Unlock()
	}
	synth := speech.NewMockSynthesizer()
	synth.FailOn("Broken.", errors.New("backend refused"))
	m := newTestManager(t, synth, emit)

	owner, err := m.Acquire("quiz")
	require.NoError(t, err)
	defer owner.Release()

	q := m.NewQueue(context.Background(), owner)
	q.Add("Fine.")
	q.Add("Broken.")
	q.Add("Also fine.")
	q.Finish()
	require.NoError(t, q.Wait(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Fine.", "Also fine."}, spoken)
}
