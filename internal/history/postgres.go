package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reader_turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			book_id TEXT NOT NULL,
			chapter INT NOT NULL,
			sentence INT NOT NULL,
			kind TEXT NOT NULL,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			verdict TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reader_turns_book_created ON reader_turns (book_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS reading_progress (
			book_id TEXT PRIMARY KEY,
			chapter INT NOT NULL,
			sentence INT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO reader_turns (id, session_id, book_id, chapter, sentence, kind, question, answer, verdict, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.ID,
		record.SessionID,
		record.BookID,
		record.Chapter,
		record.Sentence,
		record.Kind,
		record.Question,
		record.Answer,
		record.Verdict,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, bookID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, book_id, chapter, sentence, kind, question, answer, verdict, created_at
		 FROM reader_turns WHERE book_id=$1 ORDER BY created_at DESC LIMIT $2`,
		bookID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.BookID, &r.Chapter, &r.Sentence, &r.Kind, &r.Question, &r.Answer, &r.Verdict, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) SaveProgress(ctx context.Context, record ProgressRecord) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reading_progress (book_id, chapter, sentence, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (book_id) DO UPDATE SET chapter=$2, sentence=$3, updated_at=$4`,
		record.BookID,
		record.Chapter,
		record.Sentence,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) Progress(ctx context.Context, bookID string) (ProgressRecord, bool, error) {
	var r ProgressRecord
	err := s.pool.QueryRow(ctx,
		`SELECT book_id, chapter, sentence, updated_at FROM reading_progress WHERE book_id=$1`,
		bookID,
	).Scan(&r.BookID, &r.Chapter, &r.Sentence, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProgressRecord{}, false, nil
	}
	if err != nil {
		return ProgressRecord{}, false, fmt.Errorf("query progress: %w", err)
	}
	return r, true, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
