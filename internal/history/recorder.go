package history

import (
	"context"
	"log"
	"sync"
	"time"
)

// Recorder debounces progress writes: sentence changes arrive every few
// seconds during playback, but the store only needs the latest position every
// interval, plus a final write on Flush.
type Recorder struct {
	store    Store
	interval time.Duration

	mu      sync.Mutex
	pending *ProgressRecord
	last    time.Time
}

func NewRecorder(store Store, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Recorder{store: store, interval: interval}
}

// Position records a new reading position, writing through only when the
// debounce interval has elapsed.
func (r *Recorder) Position(ctx context.Context, bookID string, chapter, sentence int) {
	rec := ProgressRecord{BookID: bookID, Chapter: chapter, Sentence: sentence, UpdatedAt: time.Now().UTC()}

	r.mu.Lock()
	r.pending = &rec
	due := time.Since(r.last) >= r.interval
	if due {
		r.last = time.Now()
		r.pending = nil
	}
	r.mu.Unlock()

	if due {
		if err := r.store.SaveProgress(ctx, rec); err != nil {
			log.Printf("history: save progress: %v", err)
		}
	}
}

// Flush writes the most recent unsaved position, if any. Call on pause, stop,
// and session end.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	rec := r.pending
	r.pending = nil
	r.last = time.Now()
	r.mu.Unlock()

	if rec == nil {
		return
	}
	if err := r.store.SaveProgress(ctx, *rec); err != nil {
		log.Printf("history: flush progress: %v", err)
	}
}
