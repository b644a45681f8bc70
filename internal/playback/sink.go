package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/edvoss/lectern/internal/speech"
)

// ErrSinkStopped is returned by Play when the sink is stopped mid-clip.
var ErrSinkStopped = errors.New("sink stopped")

// Sink is the audio output device. Play blocks for the spoken duration of the
// clip, honoring pause, resume, and live rate changes; it returns early with
// ErrSinkStopped when Stop is called and with ctx.Err() when the context is
// cancelled.
type Sink interface {
	Play(ctx context.Context, clip *speech.Clip) error
	Pause()
	Resume()
	SetRate(rate float64)
	Stop()
}

// ChunkFunc receives a synthesized clip the moment it starts sounding. The
// gateway uses it to forward audio bytes to the client.
type ChunkFunc func(clip *speech.Clip)

// PacedSink hands each clip to a ChunkFunc and then paces wall-clock time by
// the clip's estimated duration, scaled by the current playback rate. Rate
// changes apply to whatever is sounding right now, not just the next clip.
type PacedSink struct {
	mu      sync.Mutex
	emit    ChunkFunc
	rate    float64
	paused  bool
	resume  chan struct{}
	stop    chan struct{}
	stepDur time.Duration
}

func NewPacedSink(emit ChunkFunc) *PacedSink {
	return &PacedSink{emit: emit, rate: 1.0, stepDur: 10 * time.Millisecond}
}

func (s *PacedSink) Play(ctx context.Context, clip *speech.Clip) error {
	s.mu.Lock()
	stop := make(chan struct{})
	s.stop = stop
	emit := s.emit
	s.mu.Unlock()

	if emit != nil {
		emit(clip)
	}

	var elapsed time.Duration
	for elapsed < clip.Duration {
		s.mu.Lock()
		rate := s.rate
		paused := s.paused
		resume := s.resume
		s.mu.Unlock()

		if paused {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-stop:
				return ErrSinkStopped
			case <-resume:
			}
			continue
		}

		step := s.stepDur
		if remaining := clip.Duration - elapsed; remaining < step {
			step = remaining
		}
		timer := time.NewTimer(time.Duration(float64(step) / rate))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-stop:
			timer.Stop()
			return ErrSinkStopped
		case <-timer.C:
			elapsed += step
		}
	}
	return nil
}

func (s *PacedSink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.resume = make(chan struct{})
	}
}

func (s *PacedSink) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		close(s.resume)
	}
}

func (s *PacedSink) SetRate(rate float64) {
	if rate <= 0 {
		rate = 1.0
	}
	s.mu.Lock()
	s.rate = rate
	s.mu.Unlock()
}

// Stop aborts the clip currently sounding. It does not affect future Play
// calls.
func (s *PacedSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		select {
		case <-s.stop:
		default:
			close(s.stop)
		}
	}
}
