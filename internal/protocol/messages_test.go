package protocol

import (
	"errors"
	"testing"
)

func TestParseClientControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"seek","chapter":2,"sentence":14}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if msg.Action != ActionSeek || msg.Chapter != 2 || msg.Sentence != 14 {
		t.Fatalf("parsed %+v, want seek 2:14", msg)
	}
}

func TestParseSkipBackCarriesCount(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"skip_back","count":3}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if msg.Action != ActionSkipBack || msg.Count != 3 {
		t.Fatalf("parsed %+v, want skip_back count 3", msg)
	}
}

func TestParseQuizAnswerVoice(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"quiz_answer_voice"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if msg.Action != ActionQuizAnswerVoice {
		t.Fatalf("parsed action %q, want %q", msg.Action, ActionQuizAnswerVoice)
	}
}

func TestParseRejectsUnknownAction(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"rewind_tape"}`)
	if _, err := ParseClientMessage(raw); err == nil {
		t.Fatal("ParseClientMessage() accepted unknown action")
	}
}

func TestParseRejectsMissingSession(t *testing.T) {
	raw := []byte(`{"type":"client_control","action":"play"}`)
	if _, err := ParseClientMessage(raw); err == nil {
		t.Fatal("ParseClientMessage() accepted missing session_id")
	}
}

func TestParseRejectsUnsupportedType(t *testing.T) {
	raw := []byte(`{"type":"telemetry","session_id":"s1"}`)
	_, err := ParseClientMessage(raw)
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseRejectsBadJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{`)); err == nil {
		t.Fatal("ParseClientMessage() accepted malformed JSON")
	}
}
