package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/crpt_submit/internal/apierr"
)

// Result is what the submission endpoint answered.
type Result struct {
	Status   int
	Body     []byte
	Duration time.Duration // pickup to response, permit wait included
}

// Success reports a 2xx status.
func (r Result) Success() bool {
	return r.Status >= 200 && r.Status < 300
}

// Handle is the caller's view of one queued submission. It may be awaited,
// ignored or cancelled.
type Handle struct {
	id     string
	done   chan struct{}
	cancel context.CancelFunc

	once   sync.Once
	result Result
	err    error
}

func newHandle(id string, cancel context.CancelFunc) *Handle {
	return &Handle{id: id, done: make(chan struct{}), cancel: cancel}
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Done is closed once the task has a result or an error.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task completes or ctx ends. A ctx that ends first
// does not cancel the task.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, apierr.New(apierr.KindCanceled, "dispatch.wait", ctx.Err())
	}
}

// Cancel aborts the task if it is still queued, waiting for a permit or
// in flight. It is a no-op after completion.
func (h *Handle) Cancel() {
	h.cancel()
}

func (h *Handle) complete(r Result, err error) {
	h.once.Do(func() {
		h.result, h.err = r, err
		close(h.done)
	})
}
