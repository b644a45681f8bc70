// Package history persists what happened around the reading: conversational
// exchanges, graded quiz answers, and the listener's position in each book.
package history

import (
	"context"
	"time"
)

// TurnRecord is one persisted exchange, conversational or quiz.
type TurnRecord struct {
	ID        string
	SessionID string
	BookID    string
	Chapter   int
	Sentence  int
	Kind      string // "converse" or "quiz"
	Question  string
	Answer    string
	Verdict   string // quiz only
	CreatedAt time.Time
}

// ProgressRecord is the last known reading position in a book.
type ProgressRecord struct {
	BookID    string
	Chapter   int
	Sentence  int
	UpdatedAt time.Time
}

// Store is the persistence boundary. Implementations must be safe for
// concurrent use.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentTurns returns up to limit records for the book, oldest first.
	RecentTurns(ctx context.Context, bookID string, limit int) ([]TurnRecord, error)
	SaveProgress(ctx context.Context, record ProgressRecord) error
	// Progress reports the stored position; ok is false when the book has
	// never been opened.
	Progress(ctx context.Context, bookID string) (ProgressRecord, bool, error)
	Close() error
}
