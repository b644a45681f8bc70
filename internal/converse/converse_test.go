package converse

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvoss/lectern/internal/playback"
	"github.com/edvoss/lectern/internal/speech"
)

type fixture struct {
	rec    *speech.MockRecognizer
	gen    *speech.MockGenerator
	synth  *speech.MockSynthesizer
	pb     *playback.Manager
	orch   *Orchestrator
	mu     sync.Mutex
	spoken []string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		rec:   speech.NewMockRecognizer(),
		gen:   speech.NewMockGenerator(),
		synth: speech.NewMockSynthesizer(),
	}
	sink := playback.NewPacedSink(func(clip *speech.Clip) {
		f.mu.Lock()
		f.spoken = append(f.spoken, clip.Text)
		f.mu.Unlock()
	})
	f.pb = playback.NewManager(playback.Config{}, f.synth, sink, nil)
	t.Cleanup(f.pb.Close)
	f.orch = NewOrchestrator(cfg, f.rec, f.gen, f.pb, nil)
	t.Cleanup(f.orch.Close)
	return f
}

func (f *fixture) spokenTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.spoken))
	copy(out, f.spoken)
	return out
}

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
			if ev.Kind == EventTurnFailed && kind != EventTurnFailed {
				t.Fatalf("turn failed while waiting for %s: code %s", kind, ev.Code)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for o.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("orchestrator never returned to idle, state %s", o.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestVoiceTurnSpeaksAnswerSentences(t *testing.T) {
	f := newFixture(t, Config{Context: func() []string { return []string{"The whale dove."} }})
	f.rec.QueueTranscript("What is a whale?", 0.92)
	f.gen.QueueResponse("A whale is a mammal. ", "It lives in", " the sea.")

	_, err := f.orch.AskVoice()
	require.NoError(t, err)

	tr := waitEvent(t, f.orch.Events(), EventTranscript)
	assert.Equal(t, "What is a whale?", tr.Text)

	done := waitEvent(t, f.orch.Events(), EventTurnComplete)
	assert.Equal(t, "A whale is a mammal. It lives in the sea.", done.Text)
	waitIdle(t, f.orch)

	assert.Equal(t, []string{"A whale is a mammal.", "It lives in the sea."}, f.spokenTexts())

	turns := f.orch.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, "What is a whale?", turns[0].Question)
	assert.Equal(t, "voice", turns[0].Via)

	reqs := f.gen.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Context, "The whale dove.")
}

func TestPermissionDeniedFallsBackToText(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.QueueFailure(speech.RecognitionPermissionDenied, "mic blocked")
	f.gen.QueueResponse("Typed answers work too.")

	_, err := f.orch.AskVoice()
	require.NoError(t, err)
	waitEvent(t, f.orch.Events(), EventFallbackText)
	waitIdle(t, f.orch)
	assert.Empty(t, f.orch.Turns(), "an aborted capture is not a turn")

	_, err = f.orch.AskText("What happened?")
	require.NoError(t, err)
	waitEvent(t, f.orch.Events(), EventTurnComplete)
	waitIdle(t, f.orch)
	assert.Equal(t, []string{"Typed answers work too."}, f.spokenTexts())
}

func TestReadingResumesAfterTurn(t *testing.T) {
	f := newFixture(t, Config{})
	f.pb.SetSentences([]string{
		"one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen.",
		"closing line.",
	}, 0)
	require.NoError(t, f.pb.Play())
	// Wait until the first sentence is sounding.
	deadline := time.After(5 * time.Second)
	for f.pb.State() != playback.StatePlaying {
		select {
		case <-deadline:
			t.Fatal("playback never started")
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}

	f.gen.QueueResponse("Short answer.")
	_, err := f.orch.AskText("Why?")
	require.NoError(t, err)
	waitEvent(t, f.orch.Events(), EventTurnComplete)
	waitIdle(t, f.orch)

	end := time.After(5 * time.Second)
	for {
		select {
		case ev := <-f.pb.Events():
			if ev.Kind == playback.EventChapterEnd {
				return
			}
		case <-end:
			t.Fatal("reading never resumed after the conversation turn")
		}
	}
}

func TestRespondingPausesAudioOnly(t *testing.T) {
	f := newFixture(t, Config{})
	long := "one two three four five six seven eight nine ten eleven twelve " +
		"thirteen fourteen fifteen sixteen seventeen eighteen nineteen twenty. "
	f.gen.QueueResponse(long, "Closing words here.")

	_, err := f.orch.AskText("Tell me.")
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for f.orch.State() != StateResponding {
		if time.Now().After(deadline) {
			t.Fatal("answer audio never started")
		}
		time.Sleep(2 * time.Millisecond)
	}
	f.orch.Pause()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateResponding, f.orch.State(), "pausing audio must not end the turn")
	assert.Len(t, f.spokenTexts(), 1, "no further sentence may reach the sink while paused")

	f.orch.Resume()
	waitEvent(t, f.orch.Events(), EventTurnComplete)
	waitIdle(t, f.orch)
	require.Len(t, f.spokenTexts(), 2)
	assert.Equal(t, "Closing words here.", f.spokenTexts()[1])
}

func TestStopWhilePausedFinishesTurn(t *testing.T) {
	f := newFixture(t, Config{})
	f.gen.QueueResponse(
		"one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen. ",
		"Never spoken tail.")

	_, err := f.orch.AskText("Tell me.")
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for f.orch.State() != StateResponding {
		if time.Now().After(deadline) {
			t.Fatal("answer audio never started")
		}
		time.Sleep(2 * time.Millisecond)
	}
	f.orch.Pause()
	f.orch.Stop()
	waitIdle(t, f.orch)
}

func TestGenerationFailureReturnsToIdle(t *testing.T) {
	f := newFixture(t, Config{})
	f.gen.FailWith(&speech.GenerationError{Code: "overloaded", Detail: "try later"})

	_, err := f.orch.AskText("Why?")
	require.NoError(t, err)
	ev := waitEvent(t, f.orch.Events(), EventTurnFailed)
	assert.Equal(t, "overloaded", ev.Code)
	waitIdle(t, f.orch)

	turns := f.orch.Turns()
	require.Len(t, turns, 1)
	assert.True(t, turns[0].Failed)
}

func TestStopRecordsPartialTurn(t *testing.T) {
	f := newFixture(t, Config{})
	f.gen.SetChunkDelay(30 * time.Millisecond)
	f.gen.QueueResponse("First part. ", "Second part. ", "Third part. ", "Fourth part.")

	_, err := f.orch.AskText("Tell me everything.")
	require.NoError(t, err)
	waitEvent(t, f.orch.Events(), EventTextDelta)
	f.orch.Stop()
	waitIdle(t, f.orch)

	turns := f.orch.Turns()
	require.Len(t, turns, 1)
	assert.True(t, turns[0].Stopped)
	assert.NotEqual(t, "First part. Second part. Third part. Fourth part.", turns[0].Answer)
}

func TestSuppressedReasoningNeverSpokenOrShown(t *testing.T) {
	f := newFixture(t, Config{})
	f.gen.QueueResponse("<think>outline the ans", "wer</think>The hero survives. ", "That is all.")

	_, err := f.orch.AskText("Does the hero live?")
	require.NoError(t, err)
	done := waitEvent(t, f.orch.Events(), EventTurnComplete)
	waitIdle(t, f.orch)

	assert.Equal(t, "The hero survives. That is all.", done.Text)
	assert.Equal(t, []string{"The hero survives.", "That is all."}, f.spokenTexts())
}

func TestSecondQuestionWhileActiveIsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	f.gen.SetChunkDelay(30 * time.Millisecond)
	f.gen.QueueResponse("Slow. ", "Answer.")

	_, err := f.orch.AskText("One?")
	require.NoError(t, err)
	_, err = f.orch.AskText("Two?")
	assert.ErrorIs(t, err, ErrTurnActive)
	waitEvent(t, f.orch.Events(), EventTurnComplete)
	waitIdle(t, f.orch)
}

func TestFollowUpCarriesHistory(t *testing.T) {
	f := newFixture(t, Config{})
	f.gen.QueueResponse("He is the captain.")
	f.gen.QueueResponse("He is forty.")

	_, err := f.orch.AskText("Who is Ahab?")
	require.NoError(t, err)
	waitEvent(t, f.orch.Events(), EventTurnComplete)
	waitIdle(t, f.orch)

	_, err = f.orch.AskText("How old is he?")
	require.NoError(t, err)
	waitEvent(t, f.orch.Events(), EventTurnComplete)
	waitIdle(t, f.orch)

	reqs := f.gen.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].Context, "Q: Who is Ahab?")
	assert.Contains(t, reqs[1].Context, "A: He is the captain.")
}

func TestRecognitionNetworkFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.QueueFailure(speech.RecognitionNetwork, "socket reset")

	_, err := f.orch.AskVoice()
	require.NoError(t, err)
	ev := waitEvent(t, f.orch.Events(), EventTurnFailed)
	assert.Equal(t, string(speech.RecognitionNetwork), ev.Code)
	waitIdle(t, f.orch)
}

var errBoom = errors.New("boom")

func TestUntypedGenerationFailureCode(t *testing.T) {
	f := newFixture(t, Config{})
	f.gen.FailWith(errBoom)

	_, err := f.orch.AskText("Why?")
	require.NoError(t, err)
	ev := waitEvent(t, f.orch.Events(), EventTurnFailed)
	assert.Equal(t, "generation_failed", ev.Code)
}
