package session

import "time"

// CreateRequest defines the payload for opening a reading session.
type CreateRequest struct {
	UserID string `json:"user_id"`
	BookID string `json:"book_id"`
	Voice  string `json:"voice"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	BookID          string    `json:"book_id"`
	Voice           string    `json:"voice"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
