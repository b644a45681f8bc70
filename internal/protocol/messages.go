// Package protocol defines the websocket payloads exchanged with the reading
// client.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client to server.
	TypeClientControl MessageType = "client_control"

	// Server to client.
	TypePlaybackState  MessageType = "playback_state"
	TypeSentenceChange MessageType = "sentence_change"
	TypeChapterEnd     MessageType = "chapter_end"
	TypeAudioChunk     MessageType = "audio_chunk"
	TypeTranscript     MessageType = "transcript"
	TypeTextDelta      MessageType = "assistant_text_delta"
	TypeTurnEnd        MessageType = "assistant_turn_end"
	TypeQuizQuestion   MessageType = "quiz_question"
	TypeQuizResult     MessageType = "quiz_result"
	TypeQuizEnd        MessageType = "quiz_end"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Control actions carried by client_control messages.
const (
	ActionPlay        = "play"
	ActionPause       = "pause"
	ActionStop        = "stop"
	ActionSeek        = "seek"
	ActionSkipForward = "skip_forward"
	ActionSkipBack    = "skip_back"
	ActionSetSpeed    = "set_speed"
	ActionAskVoice    = "ask_voice"
	ActionAskText     = "ask_text"
	ActionStopTurn    = "stop_turn"
	ActionQuizStart   = "quiz_start"
	ActionQuizAnswer  = "quiz_answer"
	// ActionQuizAnswerVoice answers the open question with a captured
	// utterance instead of typed text.
	ActionQuizAnswerVoice = "quiz_answer_voice"
	ActionQuizNext        = "quiz_next"
	ActionQuizEnd         = "quiz_end"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl is the single client-to-server message. Fields beyond Action
// are action-specific: Text for ask_text/quiz_answer, Chapter/Sentence for
// seek, Count for skip_back, Speed for set_speed, Selection for quiz_start.
type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Text      string      `json:"text,omitempty"`
	Chapter   int         `json:"chapter,omitempty"`
	Sentence  int         `json:"sentence,omitempty"`
	Count     int         `json:"count,omitempty"`
	Speed     float64     `json:"speed,omitempty"`
	Selection string      `json:"selection,omitempty"`
}

type PlaybackState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Chapter   int         `json:"chapter"`
	Sentence  int         `json:"sentence"`
}

type SentenceChange struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Chapter   int         `json:"chapter"`
	Sentence  int         `json:"sentence"`
	Text      string      `json:"text"`
}

type ChapterEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Chapter   int         `json:"chapter"`
}

// AudioChunk carries one synthesized sentence. Mode distinguishes reading
// narration from conversational and quiz speech.
type AudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Mode        string      `json:"mode"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
	DurationMS  int64       `json:"duration_ms"`
	Text        string      `json:"text,omitempty"`
}

type Transcript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
}

type TextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

type TurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
}

type QuizQuestion struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Question  string      `json:"question"`
	Options   []string    `json:"options,omitempty"`
}

type QuizResult struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Verdict     string      `json:"verdict"`
	Expected    string      `json:"expected"`
	Explanation string      `json:"explanation,omitempty"`
	Asked       int         `json:"asked"`
	Correct     int         `json:"correct"`
}

type QuizEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Asked     int         `json:"asked"`
	Correct   int         `json:"correct"`
	Code      string      `json:"code,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (ClientControl, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientControl{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type != TypeClientControl {
		return ClientControl{}, ErrUnsupportedType
	}

	var msg ClientControl
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientControl{}, err
	}
	if msg.SessionID == "" || msg.Action == "" {
		return ClientControl{}, errors.New("invalid client_control")
	}
	switch msg.Action {
	case ActionPlay, ActionPause, ActionStop, ActionSeek, ActionSkipForward,
		ActionSkipBack, ActionSetSpeed, ActionAskVoice, ActionAskText,
		ActionStopTurn, ActionQuizStart, ActionQuizAnswer, ActionQuizAnswerVoice,
		ActionQuizNext, ActionQuizEnd:
	default:
		return ClientControl{}, fmt.Errorf("unknown action %q", msg.Action)
	}
	return msg, nil
}
