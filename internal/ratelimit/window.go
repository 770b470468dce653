package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is a fixed-window admission counter. The window restarts lazily on
// the first call observed after windowStart+period, so at most limit permits
// are granted between two consecutive window starts.
type Window struct {
	period time.Duration
	limit  int
	now    func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	count       int
	reset       chan struct{} // closed and replaced on every window restart
	granted     uint64
	waiting     int
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now. Only the grant decision uses it; waits
// still use real timers.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewWindow returns a fixed-window limiter granting limit permits per period.
func NewWindow(period time.Duration, limit int, opts ...Option) (*Window, error) {
	if err := validate(period, limit); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &Window{
		period: period,
		limit:  limit,
		now:    o.now,
		reset:  make(chan struct{}),
	}, nil
}

// Acquire blocks until a permit is available in the current window.
func (w *Window) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for {
		w.mu.Lock()
		ok, wait, wake := w.grantLocked()
		if ok {
			w.mu.Unlock()
			return nil
		}
		w.waiting++
		w.mu.Unlock()

		err := sleep(ctx, wait, wake)

		w.mu.Lock()
		w.waiting--
		w.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// TryAcquire grants a permit only if one is available right now.
func (w *Window) TryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	ok, _, _ := w.grantLocked()
	return ok
}

// grantLocked is the single check-and-increment region. On refusal it
// returns the time left in the window and the channel closed by the next
// restart.
func (w *Window) grantLocked() (bool, time.Duration, <-chan struct{}) {
	now := w.now()
	end := w.windowStart.Add(w.period)
	if !now.Before(end) {
		w.windowStart = now
		w.count = 0
		close(w.reset)
		w.reset = make(chan struct{})
		end = now.Add(w.period)
	}
	if w.count < w.limit {
		w.count++
		w.granted++
		return true, 0, nil
	}
	return false, end.Sub(now), w.reset
}

// Stats implements Limiter.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{Limit: w.limit, Period: w.period, Granted: w.granted, Waiting: w.waiting}
}
