package book

import (
	"errors"
	"sync"
)

var ErrBookNotFound = errors.New("book not found")

// Library is a threadsafe in-memory registry of loaded books.
type Library struct {
	mu    sync.RWMutex
	books map[string]*Book
	order []string
}

func NewLibrary() *Library {
	return &Library{books: make(map[string]*Book)}
}

func (l *Library) Add(b *Book) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.books[b.ID]; !exists {
		l.order = append(l.order, b.ID)
	}
	l.books[b.ID] = b
}

func (l *Library) Get(id string) (*Book, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.books[id]
	if !ok {
		return nil, ErrBookNotFound
	}
	return b, nil
}

// List returns the loaded books in insertion order.
func (l *Library) List() []*Book {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Book, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.books[id])
	}
	return out
}
