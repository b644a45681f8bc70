package speech

import (
	"context"
	"errors"
	"sync"
)

// WorkerGenerator runs a generation backend on a dedicated background
// goroutine, mirroring how a locally hosted model runs its inference in a
// separate execution context. Callers and the worker communicate only by
// request/response/cancel message passing; the orchestrators treat it as any
// other Generator with the same cancellation contract.
type WorkerGenerator struct {
	inner Generator

	reqCh     chan workerRequest
	closeOnce sync.Once
	closed    chan struct{}
}

type workerRequest struct {
	ctx     context.Context
	req     GenerationRequest
	onDelta func(string) error
	done    chan workerResult
}

type workerResult struct {
	full string
	err  error
}

var ErrWorkerClosed = errors.New("generation worker closed")

func NewWorkerGenerator(inner Generator) *WorkerGenerator {
	w := &WorkerGenerator{
		inner:  inner,
		reqCh:  make(chan workerRequest),
		closed: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *WorkerGenerator) run() {
	for {
		select {
		case <-w.closed:
			return
		case req := <-w.reqCh:
			full, err := w.inner.Stream(req.ctx, req.req, req.onDelta)
			req.done <- workerResult{full: full, err: err}
		}
	}
}

func (w *WorkerGenerator) Stream(ctx context.Context, req GenerationRequest, onDelta func(string) error) (string, error) {
	work := workerRequest{
		ctx:     ctx,
		req:     req,
		onDelta: onDelta,
		done:    make(chan workerResult, 1),
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-w.closed:
		return "", ErrWorkerClosed
	case w.reqCh <- work:
	}
	// The worker observes ctx itself; a cancelled request always produces a
	// result, so waiting on done cannot leak.
	res := <-work.done
	return res.full, res.err
}

func (w *WorkerGenerator) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}
