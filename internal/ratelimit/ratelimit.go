// Package ratelimit bounds the number of outbound submissions per time period.
//
// Both limiters hand out permits that are never returned: a permit is simply
// one unit of the per-period quota. Waiting callers are not served in FIFO
// order; the only guarantee is the quota.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/crpt_submit/internal/apierr"
)

// Limiter grants permits. Acquire blocks until a permit is granted or ctx
// is done; it never returns nil without having granted one.
type Limiter interface {
	Acquire(ctx context.Context) error
	TryAcquire() bool
	Stats() Stats
}

// Stats is a snapshot of limiter activity.
type Stats struct {
	Limit   int
	Period  time.Duration
	Granted uint64 // total permits since construction
	Waiting int    // callers currently blocked in Acquire
}

// Mode selects a limiter implementation.
type Mode string

const (
	ModeFixed   Mode = "fixed"
	ModeSliding Mode = "sliding"
)

// ParseMode accepts "fixed" or "sliding" (case-insensitive). Empty means fixed.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeFixed:
		return ModeFixed, nil
	case ModeSliding:
		return ModeSliding, nil
	}
	return "", apierr.Errorf(apierr.KindConfiguration, "ratelimit.mode", "unknown rate limit mode %q", s)
}

// New builds a limiter of the given mode.
func New(mode Mode, period time.Duration, limit int) (Limiter, error) {
	switch mode {
	case "", ModeFixed:
		return NewWindow(period, limit)
	case ModeSliding:
		return NewSliding(period, limit)
	}
	return nil, apierr.Errorf(apierr.KindConfiguration, "ratelimit.new", "unknown rate limit mode %q", mode)
}

func validate(period time.Duration, limit int) error {
	if period <= 0 {
		return apierr.New(apierr.KindConfiguration, "ratelimit.new", fmt.Errorf("period must be positive, got %s", period))
	}
	if limit <= 0 {
		return apierr.New(apierr.KindConfiguration, "ratelimit.new", fmt.Errorf("limit must be positive, got %d", limit))
	}
	return nil
}

// sleep waits for d, a wake-up signal, or ctx. It reports ctx.Err() only
// when the context ended the wait.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
