// Package stats keeps per product group submission counters. Recording is
// best effort: a failing store never affects a submission.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/crpt_submit/internal/dispatch"
	"github.com/austindbirch/crpt_submit/internal/logging"
)

// Event is one completed submission.
type Event struct {
	ProductGroup string
	Outcome      string // accepted, rejected, failed
	Status       int
	At           time.Time
}

// Store persists events.
type Store interface {
	Record(ctx context.Context, ev Event) error
}

// Counters tallies outcomes.
type Counters struct {
	Accepted int64
	Rejected int64
	Failed   int64
}

func (c *Counters) add(outcome string) {
	switch outcome {
	case "accepted":
		c.Accepted++
	case "rejected":
		c.Rejected++
	default:
		c.Failed++
	}
}

// Total is the sum of all outcomes.
func (c Counters) Total() int64 { return c.Accepted + c.Rejected + c.Failed }

// MemoryStore keeps counters in process. It never expires anything.
type MemoryStore struct {
	mu      sync.Mutex
	total   Counters
	byGroup map[string]Counters
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byGroup: make(map[string]Counters)}
}

func (s *MemoryStore) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total.add(ev.Outcome)
	c := s.byGroup[ev.ProductGroup]
	c.add(ev.Outcome)
	s.byGroup[ev.ProductGroup] = c
	return nil
}

func (s *MemoryStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// ByGroup returns a copy of the per product group counters.
func (s *MemoryStore) ByGroup() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byGroup))
	for k, v := range s.byGroup {
		out[k] = v
	}
	return out
}

// Reporter feeds dispatch outcomes into a Store.
type Reporter struct {
	store Store
	log   *logging.Logger
}

// NewReporter returns a dispatch.Reporter writing to store. Store errors
// are logged and dropped.
func NewReporter(store Store, log *logging.Logger) *Reporter {
	if log == nil {
		log = logging.New("crpt-stats")
	}
	return &Reporter{store: store, log: log}
}

// Report implements dispatch.Reporter.
func (r *Reporter) Report(ctx context.Context, o dispatch.Outcome) {
	ev := Event{
		ProductGroup: o.Task.Document.ProductGroup,
		Outcome:      o.Label(),
		Status:       o.Result.Status,
		At:           o.CompletedAt,
	}
	if err := r.store.Record(ctx, ev); err != nil {
		r.log.WithContext(ctx).WithTask(o.Task.ID).WithError(err).Warn("stats record failed")
	}
}
