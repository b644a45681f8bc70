// Package quiz generates comprehension questions about the text read so far,
// collects answers, grades them with tolerant matching, and keeps the running
// score.
package quiz

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Question is one generated quiz item. Options empty means free-form.
type Question struct {
	Prompt      string   `json:"question"`
	Options     []string `json:"options,omitempty"`
	AnswerIndex int      `json:"answer_index"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation,omitempty"`
}

var errNoQuestion = errors.New("no question in generator output")

// parseQuestion extracts the JSON question object from raw generator output,
// tolerating code fences and prose around the object.
func parseQuestion(raw string) (*Question, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, errNoQuestion
	}
	var q Question
	if err := json.Unmarshal([]byte(raw[start:end+1]), &q); err != nil {
		return nil, fmt.Errorf("malformed question: %w", err)
	}
	if strings.TrimSpace(q.Prompt) == "" {
		return nil, errNoQuestion
	}
	if len(q.Options) > 0 {
		if q.AnswerIndex < 0 || q.AnswerIndex >= len(q.Options) {
			return nil, fmt.Errorf("answer index %d out of range for %d options", q.AnswerIndex, len(q.Options))
		}
		if q.Answer == "" {
			q.Answer = q.Options[q.AnswerIndex]
		}
	} else if strings.TrimSpace(q.Answer) == "" {
		return nil, errNoQuestion
	}
	return &q, nil
}
