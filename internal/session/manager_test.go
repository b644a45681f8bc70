package session

import (
	"testing"
	"time"
)

func TestCreateAndGet(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "moby-dick", "narrator")
	if s.ID == "" {
		t.Fatal("Create() returned empty session ID")
	}
	if s.Status != StatusActive {
		t.Fatalf("Status = %v, want %v", s.Status, StatusActive)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.BookID != "moby-dick" {
		t.Fatalf("BookID = %q, want %q", got.BookID, "moby-dick")
	}

	if _, err := m.Get("missing"); err != ErrNotFound {
		t.Fatalf("Get(missing) error = %v, want %v", err, ErrNotFound)
	}
}

func TestEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "b1", "")

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("Status = %v, want %v", ended.Status, StatusEnded)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestExpireInactive(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	var expired []*Session
	m.SetExpireHook(func(s *Session) { expired = append(expired, s) })

	s := m.Create("u1", "b1", "")
	time.Sleep(20 * time.Millisecond)
	m.expireInactive()

	if len(expired) != 1 || expired[0].ID != s.ID {
		t.Fatalf("expire hook saw %d sessions, want the created one", len(expired))
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %v, want %v", got.Status, StatusEnded)
	}
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("u1", "b1", "")

	time.Sleep(20 * time.Millisecond)
	if err := m.Touch(s.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	m.expireInactive()

	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
}
