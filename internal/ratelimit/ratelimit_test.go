package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/crpt_submit/internal/apierr"
)

// fakeClock is a manually advanced clock for TryAcquire tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestConstructorValidation(t *testing.T) {
	tests := []struct {
		name   string
		mode   Mode
		period time.Duration
		limit  int
	}{
		{name: "fixed zero period", mode: ModeFixed, period: 0, limit: 1},
		{name: "fixed negative period", mode: ModeFixed, period: -time.Second, limit: 1},
		{name: "fixed zero limit", mode: ModeFixed, period: time.Second, limit: 0},
		{name: "sliding negative limit", mode: ModeSliding, period: time.Second, limit: -3},
		{name: "sliding zero period", mode: ModeSliding, period: 0, limit: 4},
		{name: "unknown mode", mode: Mode("leaky"), period: time.Second, limit: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lim, err := New(tt.mode, tt.period, tt.limit)
			if err == nil {
				t.Fatalf("New() expected error, got limiter %v", lim)
			}
			if !errors.Is(err, apierr.ErrConfiguration) {
				t.Errorf("New() error = %v, want configuration error", err)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in        string
		want      Mode
		expectErr bool
	}{
		{in: "", want: ModeFixed},
		{in: "fixed", want: ModeFixed},
		{in: " Sliding ", want: ModeSliding},
		{in: "token-bucket", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.expectErr {
				if err == nil {
					t.Errorf("ParseMode(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMode(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// Five concurrent callers against a quota of four per second: four are
// admitted at once and the fifth only after the window has elapsed.
func TestFiveConcurrentAcquiresQuotaFour(t *testing.T) {
	for _, mode := range []Mode{ModeFixed, ModeSliding} {
		t.Run(string(mode), func(t *testing.T) {
			period := time.Second
			lim, err := New(mode, period, 4)
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}

			start := time.Now()
			elapsed := make([]time.Duration, 5)
			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if err := lim.Acquire(context.Background()); err != nil {
						t.Errorf("Acquire() error: %v", err)
						return
					}
					elapsed[i] = time.Since(start)
				}(i)
			}
			wg.Wait()

			sort.Slice(elapsed, func(i, j int) bool { return elapsed[i] < elapsed[j] })
			for i := 0; i < 4; i++ {
				if elapsed[i] > 250*time.Millisecond {
					t.Errorf("grant %d took %s, want immediate", i, elapsed[i])
				}
			}
			if elapsed[4] < period {
				t.Errorf("fifth grant after %s, want >= %s", elapsed[4], period)
			}
			if got := lim.Stats().Granted; got != 5 {
				t.Errorf("Stats().Granted = %d, want 5", got)
			}
		})
	}
}

func TestWindowTryAcquireResetsLazily(t *testing.T) {
	clock := newFakeClock()
	w, err := NewWindow(time.Second, 2, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewWindow() error: %v", err)
	}

	steps := []struct {
		advance time.Duration
		want    bool
	}{
		{0, true},
		{100 * time.Millisecond, true},
		{100 * time.Millisecond, false},
		{799 * time.Millisecond, false}, // 999ms into the window
		{time.Millisecond, true},        // exactly windowStart+period: new window
		{0, true},
		{0, false},
	}

	for i, s := range steps {
		clock.Advance(s.advance)
		if got := w.TryAcquire(); got != s.want {
			t.Errorf("step %d: TryAcquire() = %v, want %v", i, got, s.want)
		}
	}
}

// With calls arriving at every tenth of a period, windows restart exactly
// at multiples of the period, so each aligned bucket holds at most limit grants.
func TestWindowAlignedBucketsNeverExceedLimit(t *testing.T) {
	const limit = 5
	period := time.Second
	clock := newFakeClock()
	origin := clock.Now()
	w, err := NewWindow(period, limit, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewWindow() error: %v", err)
	}

	perBucket := map[int64]int{}
	for step := 0; step < 50; step++ {
		for call := 0; call < 3; call++ {
			if w.TryAcquire() {
				bucket := int64(clock.Now().Sub(origin) / period)
				perBucket[bucket]++
			}
		}
		clock.Advance(period / 10)
	}

	for bucket, n := range perBucket {
		if n > limit {
			t.Errorf("bucket %d granted %d permits, limit %d", bucket, n, limit)
		}
	}
	if len(perBucket) != 5 {
		t.Errorf("got %d buckets, want 5", len(perBucket))
	}
}

func TestSlidingAnyIntervalNeverExceedsLimit(t *testing.T) {
	const limit = 3
	period := time.Second
	clock := newFakeClock()
	s, err := NewSliding(period, limit, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewSliding() error: %v", err)
	}

	// Irregular arrival pattern, including bursts at window edges.
	gaps := []time.Duration{0, 0, 0, 0, 990 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond,
		0, 300 * time.Millisecond, 700 * time.Millisecond, 0, 0, 1500 * time.Millisecond, 0, 0, 0, 10 * time.Millisecond}

	var grants []time.Time
	for _, g := range gaps {
		clock.Advance(g)
		if s.TryAcquire() {
			grants = append(grants, clock.Now())
		}
	}

	if len(grants) < limit {
		t.Fatalf("only %d grants recorded", len(grants))
	}
	for i := 0; i+limit < len(grants); i++ {
		if d := grants[i+limit].Sub(grants[i]); d < period {
			t.Errorf("grants %d and %d are %s apart, want >= %s", i, i+limit, d, period)
		}
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	for _, mode := range []Mode{ModeFixed, ModeSliding} {
		t.Run(string(mode), func(t *testing.T) {
			lim, err := New(mode, time.Hour, 1)
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			if err := lim.Acquire(context.Background()); err != nil {
				t.Fatalf("first Acquire() error: %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			err = lim.Acquire(ctx)
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("Acquire() error = %v, want deadline exceeded", err)
			}

			st := lim.Stats()
			if st.Granted != 1 {
				t.Errorf("Stats().Granted = %d, want 1", st.Granted)
			}
			if st.Waiting != 0 {
				t.Errorf("Stats().Waiting = %d, want 0", st.Waiting)
			}
		})
	}
}

func TestAcquireWithDoneContextGrantsNothing(t *testing.T) {
	w, err := NewWindow(time.Second, 10)
	if err != nil {
		t.Fatalf("NewWindow() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v, want canceled", err)
	}
	if got := w.Stats().Granted; got != 0 {
		t.Errorf("Stats().Granted = %d, want 0", got)
	}
}

func TestWindowConcurrentWaitersWakeOnReset(t *testing.T) {
	period := 150 * time.Millisecond
	w, err := NewWindow(period, 2)
	if err != nil {
		t.Fatalf("NewWindow() error: %v", err)
	}

	var mu sync.Mutex
	var times []time.Duration
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire() error: %v", err)
				return
			}
			mu.Lock()
			times = append(times, time.Since(start))
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	// Six permits at two per window need three windows.
	if times[5] < 2*period {
		t.Errorf("last grant after %s, want >= %s", times[5], 2*period)
	}
	if times[5] > 2*period+500*time.Millisecond {
		t.Errorf("last grant after %s, waiters were not woken promptly", times[5])
	}
}
