// Package segment turns incrementally streamed model text into discrete
// speakable sentences without losing or duplicating characters across chunk
// boundaries.
package segment

import (
	"strings"
	"unicode"
)

// Default sentinel markers for reasoning-style model output. Text between the
// markers is consumed and discarded instead of spoken.
const (
	DefaultSuppressOpen  = "<think>"
	DefaultSuppressClose = "</think>"
)

// Segmenter carries parser state across successive chunks of one streaming
// response. Zero value is not usable; call New.
type Segmenter struct {
	carry        string
	inSuppressed bool
	open         string
	close        string
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithSuppressedBlocks sets the sentinel marker pair delimiting text that is
// consumed and discarded. Empty markers disable suppression.
func WithSuppressedBlocks(open, close string) Option {
	return func(s *Segmenter) {
		s.open = open
		s.close = close
	}
}

func New(opts ...Option) *Segmenter {
	s := &Segmenter{
		open:  DefaultSuppressOpen,
		close: DefaultSuppressClose,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Consume appends chunk to the carried text and returns every complete
// sentence now available. A boundary candidate at the very end of the buffer
// is held back because the next chunk might extend it; Flush releases it.
func (s *Segmenter) Consume(chunk string) []string {
	if chunk == "" {
		return nil
	}
	s.carry += chunk
	s.stripSuppressed()

	var out []string
	for {
		sentence, rest, ok := cutSentence(s.carry)
		if !ok {
			return out
		}
		s.carry = rest
		if sentence != "" {
			out = append(out, sentence)
		}
	}
}

// Flush returns whatever trailing text remains after the stream ends, emptying
// the segmenter. Inside an unterminated suppressed block the remainder is
// discarded.
func (s *Segmenter) Flush() string {
	s.stripSuppressed()
	rest := s.carry
	s.carry = ""
	if s.inSuppressed {
		s.inSuppressed = false
		return ""
	}
	return strings.TrimSpace(rest)
}

// stripSuppressed removes complete and partially-arrived suppressed blocks
// from the carry, tracking open blocks across chunk boundaries. A trailing
// partial marker is held in the carry so a marker split across two chunks is
// still recognized.
func (s *Segmenter) stripSuppressed() {
	if s.open == "" || s.close == "" {
		return
	}
	var b strings.Builder
	rest := s.carry
	for {
		if s.inSuppressed {
			idx := strings.Index(rest, s.close)
			if idx < 0 {
				// Keep a trailing prefix of the close marker; everything
				// before it is inside the block and dropped.
				keep := trailingMarkerPrefix(rest, s.close)
				s.carry = b.String() + rest[len(rest)-keep:]
				return
			}
			rest = rest[idx+len(s.close):]
			s.inSuppressed = false
			continue
		}
		idx := strings.Index(rest, s.open)
		if idx < 0 {
			keep := trailingMarkerPrefix(rest, s.open)
			b.WriteString(rest[:len(rest)-keep])
			s.carry = b.String() + rest[len(rest)-keep:]
			return
		}
		b.WriteString(rest[:idx])
		rest = rest[idx+len(s.open):]
		s.inSuppressed = true
	}
}

// trailingMarkerPrefix returns the length of the longest suffix of text that
// is a proper prefix of marker.
func trailingMarkerPrefix(text, marker string) int {
	max := len(marker) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(text, marker[:n]) {
			return n
		}
	}
	return 0
}

// cutSentence splits the first complete sentence off text. A sentence is
// complete when terminal punctuation (plus optional closing quotes/brackets)
// is followed by whitespace. Terminal punctuation at the very end of text is
// not a boundary yet.
func cutSentence(text string) (sentence, rest string, ok bool) {
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		end := i + 1
		for end < len(runes) && isTerminal(runes[end]) {
			end++
		}
		for end < len(runes) && isClosing(runes[end]) {
			end++
		}
		if end >= len(runes) {
			// Might still be extended by the next chunk.
			return "", text, false
		}
		if !unicode.IsSpace(runes[end]) {
			i = end - 1
			continue
		}
		cut := len(string(runes[:end]))
		return strings.TrimSpace(text[:cut]), strings.TrimLeftFunc(text[cut:], unicode.IsSpace), true
	}
	return "", text, false
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?':
		return true
	default:
		return false
	}
}

func isClosing(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’':
		return true
	default:
		return false
	}
}

// Split segments a static block of text in one shot, appending any trailing
// fragment as a final sentence. Used for plain-text book ingestion.
func Split(text string) []string {
	seg := New(WithSuppressedBlocks("", ""))
	out := seg.Consume(text)
	if rest := seg.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}
