// Package book models the reading content consumed by the playback and
// conversational engines: ordered chapters of ordered sentences, addressed by
// (chapter, sentence) positions, with context windows that span chapter
// boundaries.
package book

import (
	"errors"
	"fmt"
	"strings"

	"github.com/edvoss/lectern/internal/segment"
)

var ErrChapterOutOfRange = errors.New("chapter index out of range")

// Position addresses the smallest unit of playback.
type Position struct {
	Chapter  int `json:"chapter"`
	Sentence int `json:"sentence"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Chapter, p.Sentence)
}

// Chapter is an ordered list of speakable sentences.
type Chapter struct {
	Title     string
	Sentences []string
}

// Book is an in-memory content source.
type Book struct {
	ID       string
	Title    string
	Author   string
	Chapters []Chapter
}

// Sentences returns the sentence list of one chapter.
func (b *Book) Sentences(chapter int) ([]string, error) {
	if chapter < 0 || chapter >= len(b.Chapters) {
		return nil, fmt.Errorf("%w: %d", ErrChapterOutOfRange, chapter)
	}
	return b.Chapters[chapter].Sentences, nil
}

// ChapterCount returns the number of chapters.
func (b *Book) ChapterCount() int { return len(b.Chapters) }

// Clamp coerces pos onto a valid position within the book.
func (b *Book) Clamp(pos Position) Position {
	if len(b.Chapters) == 0 {
		return Position{}
	}
	if pos.Chapter < 0 {
		pos.Chapter = 0
	}
	if pos.Chapter >= len(b.Chapters) {
		pos.Chapter = len(b.Chapters) - 1
	}
	n := len(b.Chapters[pos.Chapter].Sentences)
	if pos.Sentence < 0 {
		pos.Sentence = 0
	}
	if n > 0 && pos.Sentence >= n {
		pos.Sentence = n - 1
	}
	return pos
}

// ContextWindow returns up to before sentences preceding pos, the sentence at
// pos, and up to after sentences following it, walking backward and forward
// through neighboring chapters when the local chapter runs out. No sentence is
// duplicated or skipped at a boundary.
func (b *Book) ContextWindow(pos Position, before, after int) ([]string, error) {
	if pos.Chapter < 0 || pos.Chapter >= len(b.Chapters) {
		return nil, fmt.Errorf("%w: %d", ErrChapterOutOfRange, pos.Chapter)
	}

	var back []string
	ch, idx := pos.Chapter, pos.Sentence-1
	for len(back) < before {
		if idx < 0 {
			ch--
			if ch < 0 {
				break
			}
			idx = len(b.Chapters[ch].Sentences) - 1
			continue
		}
		back = append(back, b.Chapters[ch].Sentences[idx])
		idx--
	}
	// Collected newest-first; restore reading order.
	for i, j := 0, len(back)-1; i < j; i, j = i+1, j-1 {
		back[i], back[j] = back[j], back[i]
	}

	out := back
	ch, idx = pos.Chapter, pos.Sentence
	remaining := after + 1 // current sentence plus the forward window
	for remaining > 0 {
		sentences := b.Chapters[ch].Sentences
		if idx >= len(sentences) {
			ch++
			if ch >= len(b.Chapters) {
				break
			}
			idx = 0
			continue
		}
		out = append(out, sentences[idx])
		idx++
		remaining--
	}
	return out, nil
}

// WholeChapter returns every sentence of the chapter containing pos.
func (b *Book) WholeChapter(pos Position) ([]string, error) {
	return b.Sentences(pos.Chapter)
}

// LoadPlainText builds a book from plain text. Chapters are separated by
// blank-line-delimited heading markers of the form "# title"; text without any
// marker becomes a single untitled chapter. Sentence splitting reuses the
// streaming segmenter.
func LoadPlainText(id, title, author, text string) *Book {
	b := &Book{ID: id, Title: title, Author: author}

	current := Chapter{}
	flush := func() {
		if current.Title != "" || len(current.Sentences) > 0 {
			b.Chapters = append(b.Chapters, current)
		}
		current = Chapter{}
	}

	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if strings.HasPrefix(block, "# ") && !strings.Contains(block, "\n") {
			flush()
			current.Title = strings.TrimSpace(strings.TrimPrefix(block, "# "))
			continue
		}
		current.Sentences = append(current.Sentences, segment.Split(strings.Join(strings.Fields(block), " "))...)
	}
	flush()

	if len(b.Chapters) == 0 {
		b.Chapters = []Chapter{{}}
	}
	return b
}
