package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps cumulative counters plus per-minute buckets in Redis
// hashes:
//
//	<prefix>:total             accepted|rejected|failed
//	<prefix>:group:<pg>        accepted|rejected|failed
//	<prefix>:minute:<yyyymmddhhmm>  same fields, expiring after ttl
//	<prefix>:status            one field per HTTP status
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisStore)

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithTTL sets the expiry of minute buckets. Zero keeps them forever.
func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "crpt:stats", ttl: 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record writes all counters for ev in one pipeline.
func (s *RedisStore) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := fieldFor(ev.Outcome)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)
	if ev.ProductGroup != "" {
		pipe.HIncrBy(ctx, s.groupKey(ev.ProductGroup), field, 1)
	}
	bucketKey := s.minuteKey(at)
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}
	if ev.Status > 0 {
		pipe.HIncrBy(ctx, s.prefix+":status", strconv.Itoa(ev.Status), 1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Total reads the cumulative counters.
func (s *RedisStore) Total(ctx context.Context) (Counters, error) {
	return s.read(ctx, s.prefix+":total")
}

// Group reads the counters of one product group.
func (s *RedisStore) Group(ctx context.Context, productGroup string) (Counters, error) {
	return s.read(ctx, s.groupKey(productGroup))
}

// Minute reads the bucket containing at.
func (s *RedisStore) Minute(ctx context.Context, at time.Time) (Counters, error) {
	return s.read(ctx, s.minuteKey(at))
}

// Ping checks connectivity for the health check.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) read(ctx context.Context, key string) (Counters, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Counters{}, fmt.Errorf("read %s: %w", key, err)
	}
	var c Counters
	for field, v := range m {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Counters{}, fmt.Errorf("parse %s.%s: %w", key, field, err)
		}
		switch field {
		case "accepted":
			c.Accepted = n
		case "rejected":
			c.Rejected = n
		case "failed":
			c.Failed = n
		}
	}
	return c, nil
}

func (s *RedisStore) groupKey(pg string) string {
	return s.prefix + ":group:" + pg
}

func (s *RedisStore) minuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

func fieldFor(outcome string) string {
	switch outcome {
	case "accepted", "rejected":
		return outcome
	default:
		return "failed"
	}
}
