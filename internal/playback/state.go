// Package playback owns sentence-paced audio output: a bounded window of
// pre-synthesized audio around the current sentence, the transport state
// machine, and the audio-owner token that arbitrates output between reading
// and the conversational modes.
package playback

// State is the playback transport state. Owned exclusively by the Manager and
// mutated only through its public operations.
type State string

const (
	StateStopped   State = "stopped"
	StateBuffering State = "buffering"
	StatePlaying   State = "playing"
	StatePaused    State = "paused"
)

type EventKind string

const (
	// EventStateChange fires on every transport transition, in order.
	EventStateChange EventKind = "state_change"
	// EventSentenceChange fires exactly once per sentence transition, right
	// before the sentence starts sounding.
	EventSentenceChange EventKind = "sentence_change"
	// EventChapterEnd fires once when the last sentence finishes playing.
	EventChapterEnd EventKind = "chapter_end"
)

// Event is delivered on the Manager's ordered event channel.
type Event struct {
	Kind     EventKind
	State    State
	Sentence int
}
