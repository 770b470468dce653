package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Sliding keeps the time of the last limit grants and admits a new one only
// when the oldest of them is at least period old. Any interval of length
// period therefore contains at most limit grants.
type Sliding struct {
	period time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	ring    []time.Time
	next    int // index of the oldest grant once the ring is full
	granted uint64
	waiting int
}

// NewSliding returns a sliding-log limiter granting limit permits per period.
func NewSliding(period time.Duration, limit int, opts ...Option) (*Sliding, error) {
	if err := validate(period, limit); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &Sliding{
		period: period,
		limit:  limit,
		now:    o.now,
		ring:   make([]time.Time, 0, limit),
	}, nil
}

// Acquire blocks until the oldest recorded grant leaves the period.
func (s *Sliding) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for {
		s.mu.Lock()
		ok, wait := s.grantLocked()
		if ok {
			s.mu.Unlock()
			return nil
		}
		s.waiting++
		s.mu.Unlock()

		err := sleep(ctx, wait, nil)

		s.mu.Lock()
		s.waiting--
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// TryAcquire grants a permit only if one is available right now.
func (s *Sliding) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, _ := s.grantLocked()
	return ok
}

func (s *Sliding) grantLocked() (bool, time.Duration) {
	now := s.now()
	if len(s.ring) < s.limit {
		s.ring = append(s.ring, now)
		s.granted++
		return true, 0
	}
	oldest := s.ring[s.next]
	if elapsed := now.Sub(oldest); elapsed < s.period {
		return false, s.period - elapsed
	}
	s.ring[s.next] = now
	s.next = (s.next + 1) % s.limit
	s.granted++
	return true, 0
}

// Stats implements Limiter.
func (s *Sliding) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Limit: s.limit, Period: s.period, Granted: s.granted, Waiting: s.waiting}
}
