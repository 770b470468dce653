package journal

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/crpt_submit/internal/apierr"
	"github.com/austindbirch/crpt_submit/internal/dispatch"
	"github.com/austindbirch/crpt_submit/internal/document"
	"github.com/austindbirch/crpt_submit/internal/logging"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs   []execCall
	execErr error
	count   int64
	rowErr  error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{n: f.count, err: f.rowErr}
}

type fakeRow struct {
	n   int64
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.n
	return nil
}

func quietLogger() *logging.Logger {
	l := logging.New("journal-test")
	l.SetOutput(io.Discard)
	return l
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}
	if len(db.execs) != len(migrations) {
		t.Fatalf("executed %d statements, want %d", len(db.execs), len(migrations))
	}
	if !strings.Contains(db.execs[1].sql, "crpt.submissions") {
		t.Errorf("second migration = %q", db.execs[1].sql)
	}

	failing := &fakeDB{execErr: errors.New("permission denied")}
	err := EnsureSchema(context.Background(), failing)
	if err == nil || !strings.Contains(err.Error(), "001_schema") {
		t.Errorf("EnsureSchema() error = %v, want it to name the migration", err)
	}
	if len(failing.execs) != 1 {
		t.Errorf("continued after a failed migration: %d statements", len(failing.execs))
	}
}

func TestRecord(t *testing.T) {
	enq := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	done := enq.Add(1500 * time.Millisecond)
	task := dispatch.Task{
		ID:         "3f0c8d2e-9d6a-4a8e-8a53-1b3c1f7e2a10",
		Document:   document.Document{ProductGroup: "milk", Type: document.TypeIntroduceGoods},
		EnqueuedAt: enq,
	}

	tests := []struct {
		name        string
		outcome     dispatch.Outcome
		wantOutcome string
		wantStatus  any
		wantKind    any
		wantBody    any
	}{
		{
			name:        "accepted",
			outcome:     dispatch.Outcome{Task: task, Result: dispatch.Result{Status: 200, Body: []byte(`{"value":"id"}`), Duration: 1500 * time.Millisecond}, CompletedAt: done},
			wantOutcome: "accepted",
			wantStatus:  200,
			wantKind:    (*string)(nil),
			wantBody:    `{"value":"id"}`,
		},
		{
			name:        "failed",
			outcome:     dispatch.Outcome{Task: task, Err: apierr.Errorf(apierr.KindTransport, "transport.send", "reset"), CompletedAt: done},
			wantOutcome: "failed",
			wantStatus:  (*int)(nil),
			wantKind:    "transport",
			wantBody:    (*string)(nil),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{}
			if err := New(db, quietLogger()).Record(context.Background(), tt.outcome); err != nil {
				t.Fatalf("Record() error: %v", err)
			}
			args := db.execs[0].args
			if len(args) != 11 {
				t.Fatalf("insert args = %d, want 11", len(args))
			}
			if args[0] != task.ID || args[1] != "milk" || args[2] != document.TypeIntroduceGoods {
				t.Errorf("identity args = %v", args[:3])
			}
			if args[3] != tt.wantOutcome {
				t.Errorf("outcome = %v, want %s", args[3], tt.wantOutcome)
			}
			checkPtr(t, "http_status", args[4], tt.wantStatus)
			checkPtr(t, "error_kind", args[5], tt.wantKind)
			checkPtr(t, "response_body", args[7], tt.wantBody)
			if args[9] != enq || args[10] != done {
				t.Errorf("timestamps = %v, %v", args[9], args[10])
			}
		})
	}
}

func checkPtr(t *testing.T, name string, got, want any) {
	t.Helper()
	switch w := want.(type) {
	case int:
		if p, ok := got.(*int); !ok || p == nil || *p != w {
			t.Errorf("%s = %v, want %d", name, got, w)
		}
	case string:
		if p, ok := got.(*string); !ok || p == nil || *p != w {
			t.Errorf("%s = %v, want %q", name, got, w)
		}
	case *int:
		if p, ok := got.(*int); !ok || p != nil {
			t.Errorf("%s = %v, want NULL", name, got)
		}
	case *string:
		if p, ok := got.(*string); !ok || p != nil {
			t.Errorf("%s = %v, want NULL", name, got)
		}
	}
}

func TestReportSwallowsErrors(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection refused")}
	New(db, quietLogger()).Report(context.Background(), dispatch.Outcome{Task: dispatch.Task{ID: "t"}})
	if len(db.execs) != 1 {
		t.Errorf("execs = %d, want 1", len(db.execs))
	}
}

func TestCountSince(t *testing.T) {
	j := New(&fakeDB{count: 7}, quietLogger())
	n, err := j.CountSince(context.Background(), "accepted", time.Now().Add(-time.Hour))
	if err != nil || n != 7 {
		t.Errorf("CountSince() = %d, %v; want 7", n, err)
	}

	j = New(&fakeDB{rowErr: pgx.ErrNoRows}, quietLogger())
	if _, err := j.CountSince(context.Background(), "accepted", time.Now()); !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("CountSince() error = %v, want ErrNoRows", err)
	}
}

func TestExcerpt(t *testing.T) {
	long := strings.Repeat("x", maxBodyExcerpt+10)
	if got := excerpt([]byte(long)); len(got) != maxBodyExcerpt+3 {
		t.Errorf("excerpt length = %d", len(got))
	}
	if got := excerpt([]byte("short")); got != "short" {
		t.Errorf("excerpt = %q", got)
	}
}

func TestExcerptKeepsRunesWhole(t *testing.T) {
	// One ASCII byte shifts every two-byte rune so the cut lands mid-rune.
	body := "x" + strings.Repeat("Ошибка", 400)
	got := excerpt([]byte(body))
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt is not valid UTF-8: %q", got[len(got)-8:])
	}
	if len(got) > maxBodyExcerpt+3 {
		t.Errorf("excerpt length = %d, want <= %d", len(got), maxBodyExcerpt+3)
	}
	if !strings.HasPrefix(body, strings.TrimSuffix(got, "...")) {
		t.Error("excerpt is not a prefix of the body")
	}
	if got := excerpt([]byte{'o', 'k', 0xff}); !utf8.ValidString(got) {
		t.Errorf("short invalid body excerpt = %q", got)
	}
}
