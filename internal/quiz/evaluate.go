package quiz

import (
	"strconv"
	"strings"

	"github.com/edvoss/lectern/internal/segment"
)

type Verdict string

const (
	VerdictCorrect   Verdict = "correct"
	VerdictIncorrect Verdict = "incorrect"
)

// Evaluate grades a spoken or typed answer. Multiple-choice answers may name
// the option by number ("2"), by letter ("b"), or by text; free-form answers
// are matched tolerantly against the expected answer.
func (q *Question) Evaluate(answer string) Verdict {
	if len(q.Options) > 0 {
		if idx, ok := q.resolveChoice(answer); ok {
			if idx == q.AnswerIndex {
				return VerdictCorrect
			}
			return VerdictIncorrect
		}
		// Not recognizable as a choice; grade against the option text.
		if fuzzyMatch(answer, q.Options[q.AnswerIndex]) {
			return VerdictCorrect
		}
		return VerdictIncorrect
	}
	if fuzzyMatch(answer, q.Answer) {
		return VerdictCorrect
	}
	return VerdictIncorrect
}

// resolveChoice maps an answer utterance onto an option index.
func (q *Question) resolveChoice(answer string) (int, bool) {
	c := segment.Canonicalize(answer)
	if c == "" {
		return 0, false
	}
	words := strings.Fields(c)

	// "2", "option 2", "number 2", "the second one" is out of scope; plain
	// digits and single letters cover what recognizers actually produce.
	for _, w := range words {
		if n, err := strconv.Atoi(w); err == nil {
			if n >= 1 && n <= len(q.Options) {
				return n - 1, true
			}
			return 0, false
		}
	}
	if len(words) == 1 && len(words[0]) == 1 {
		idx := int(words[0][0] - 'a')
		if idx >= 0 && idx < len(q.Options) {
			return idx, true
		}
	}
	for i, opt := range q.Options {
		if segment.Canonicalize(opt) == c {
			return i, true
		}
	}
	return 0, false
}

// fuzzyMatch accepts an answer that equals, contains, or covers most of the
// expected answer's meaningful words.
func fuzzyMatch(got, want string) bool {
	g := segment.Canonicalize(got)
	w := segment.Canonicalize(want)
	if g == "" || w == "" {
		return false
	}
	if g == w || strings.Contains(g, w) || strings.Contains(w, g) {
		return true
	}

	wantTokens := meaningfulTokens(w)
	if len(wantTokens) == 0 {
		return false
	}
	gotSet := make(map[string]bool)
	for _, tok := range meaningfulTokens(g) {
		gotSet[tok] = true
	}
	hits := 0
	for _, tok := range wantTokens {
		if gotSet[tok] {
			hits++
		}
	}
	return float64(hits)/float64(len(wantTokens)) >= 0.6
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "of": true, "in": true, "on": true, "to": true, "it": true,
	"and": true, "that": true, "he": true, "she": true, "they": true,
}

func meaningfulTokens(canonical string) []string {
	var out []string
	for _, w := range strings.Fields(canonical) {
		if !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}
