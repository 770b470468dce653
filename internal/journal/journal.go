// Package journal records every completed submission in Postgres, one row
// per task, so accepted documents can be reconciled with the CRPT cabinet.
package journal

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/crpt_submit/internal/apierr"
	"github.com/austindbirch/crpt_submit/internal/dispatch"
	"github.com/austindbirch/crpt_submit/internal/logging"
)

// maxBodyExcerpt bounds how much of a response body is stored.
const maxBodyExcerpt = 2048

// DB is the subset of *pgxpool.Pool the journal uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var migrations = []struct {
	name  string
	query string
}{
	{
		name:  "001_schema",
		query: `CREATE SCHEMA IF NOT EXISTS crpt`,
	},
	{
		name: "002_submissions",
		query: `CREATE TABLE IF NOT EXISTS crpt.submissions (
			task_id        UUID PRIMARY KEY,
			product_group  TEXT NOT NULL,
			document_type  TEXT NOT NULL,
			outcome        TEXT NOT NULL,
			http_status    INT,
			error_kind     TEXT,
			last_error     TEXT,
			response_body  TEXT,
			latency_ms     INT NOT NULL,
			enqueued_at    TIMESTAMPTZ NOT NULL,
			completed_at   TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name:  "003_submissions_group_idx",
		query: `CREATE INDEX IF NOT EXISTS submissions_group_completed_idx ON crpt.submissions (product_group, completed_at)`,
	},
}

// EnsureSchema applies the migrations in order. Each is idempotent.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(ctx, m.query); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}

const insertSubmission = `
	INSERT INTO crpt.submissions
		(task_id, product_group, document_type, outcome, http_status, error_kind, last_error, response_body, latency_ms, enqueued_at, completed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (task_id) DO NOTHING`

// Journal is a dispatch.Reporter writing to crpt.submissions.
type Journal struct {
	db  DB
	log *logging.Logger
}

func New(db DB, log *logging.Logger) *Journal {
	if log == nil {
		log = logging.New("crpt-journal")
	}
	return &Journal{db: db, log: log}
}

// Record inserts one outcome.
func (j *Journal) Record(ctx context.Context, o dispatch.Outcome) error {
	var (
		status    *int
		errKind   *string
		lastError *string
		body      *string
	)
	if o.Err != nil {
		k := string(apierr.KindOf(o.Err))
		e := o.Err.Error()
		errKind, lastError = &k, &e
	} else {
		s := o.Result.Status
		status = &s
		if len(o.Result.Body) > 0 {
			b := excerpt(o.Result.Body)
			body = &b
		}
	}

	completed := o.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	_, err := j.db.Exec(ctx, insertSubmission,
		o.Task.ID,
		o.Task.Document.ProductGroup,
		o.Task.Document.Type,
		o.Label(),
		status,
		errKind,
		lastError,
		body,
		int(o.Result.Duration.Milliseconds()),
		o.Task.EnqueuedAt,
		completed,
	)
	if err != nil {
		return fmt.Errorf("journal insert %s: %w", o.Task.ID, err)
	}
	return nil
}

// Report implements dispatch.Reporter; failures are logged only.
func (j *Journal) Report(ctx context.Context, o dispatch.Outcome) {
	if err := j.Record(ctx, o); err != nil {
		j.log.WithContext(ctx).WithTask(o.Task.ID).WithError(err).Error("journal write failed")
	}
}

// CountSince returns how many submissions of outcome completed after since.
func (j *Journal) CountSince(ctx context.Context, outcome string, since time.Time) (int64, error) {
	var n int64
	err := j.db.QueryRow(ctx,
		`SELECT count(*) FROM crpt.submissions WHERE outcome = $1 AND completed_at >= $2`,
		outcome, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("journal count: %w", err)
	}
	return n, nil
}

// excerpt keeps at most maxBodyExcerpt bytes of b, cut on a rune boundary.
// Postgres text columns refuse invalid UTF-8, so any that remains is
// replaced.
func excerpt(b []byte) string {
	if len(b) <= maxBodyExcerpt {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	n := maxBodyExcerpt
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return strings.ToValidUTF8(string(b[:n]), "\uFFFD") + "..."
}
