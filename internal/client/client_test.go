package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/crpt_submit/internal/api"
	"github.com/austindbirch/crpt_submit/internal/apierr"
	"github.com/austindbirch/crpt_submit/internal/dispatch"
	"github.com/austindbirch/crpt_submit/internal/document"
	"github.com/austindbirch/crpt_submit/internal/fakeapi"
	"github.com/austindbirch/crpt_submit/internal/logging"
	"github.com/austindbirch/crpt_submit/internal/ratelimit"
	"github.com/austindbirch/crpt_submit/internal/transport"
)

func quietLogger() *logging.Logger {
	l := logging.New("client-test")
	l.SetOutput(io.Discard)
	return l
}

func startFake(t *testing.T, cfg fakeapi.Config) (*fakeapi.Server, *httptest.Server) {
	t.Helper()
	cfg.Logger = quietLogger()
	s, err := fakeapi.New(cfg)
	if err != nil {
		t.Fatalf("fakeapi.New() error: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func newClient(t *testing.T, ts *httptest.Server, period time.Duration, quota, pool int, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithBaseURL(ts.URL + "/api/v3"),
		WithHTTPClient(ts.Client()),
		WithLogger(quietLogger()),
	}, opts...)
	c, err := New(period, quota, pool, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func milkDoc() document.Document {
	return document.NewIntroduceGoods(document.FormatManual, "milk", []byte(`{"gtin":"04600000000001"}`))
}

func TestNewConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		period time.Duration
		quota  int
		pool   int
		opts   []Option
	}{
		{"zero period", 0, 4, 4, nil},
		{"negative period", -time.Second, 4, 4, nil},
		{"zero quota", time.Second, 0, 4, nil},
		{"zero pool", time.Second, 4, 0, nil},
		{"unknown mode", time.Second, 4, 4, []Option{WithLimiterMode("leaky")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.period, tt.quota, tt.pool, tt.opts...)
			if !errors.Is(err, apierr.ErrConfiguration) {
				t.Errorf("New() error = %v, want configuration error", err)
			}
		})
	}
}

func TestSubmitEndToEnd(t *testing.T) {
	const period = 300 * time.Millisecond
	fake, ts := startFake(t, fakeapi.Config{})
	c := newClient(t, ts, period, 2, 3)

	start := time.Now()
	var handles []*dispatch.Handle
	for i := 0; i < 5; i++ {
		h, err := c.Submit(context.Background(), milkDoc(), "sig-1")
		if err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
		handles = append(handles, h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handles {
		res, err := h.Wait(ctx)
		if err != nil {
			t.Fatalf("task %s: %v", h.ID(), err)
		}
		if !res.Success() {
			t.Fatalf("task %s status = %d body = %s", h.ID(), res.Status, res.Body)
		}
	}

	// 5 permits at 2 per window need three windows.
	if elapsed := time.Since(start); elapsed < 2*period {
		t.Errorf("5 submissions finished in %s, want >= %s", elapsed, 2*period)
	}

	got := fake.Received()
	if len(got) != 5 {
		t.Fatalf("fake received %d documents, want 5", len(got))
	}
	for _, r := range got {
		if r.Document.Signature != "sig-1" {
			t.Errorf("signature = %q, want sig-1", r.Document.Signature)
		}
		if r.ProductGroup != "milk" {
			t.Errorf("product group = %q", r.ProductGroup)
		}
	}
	if counts := fake.Counts(); counts.Key != 5 || counts.Token != 5 {
		t.Errorf("handshakes = %+v, want one per submission", counts)
	}
	if s := c.LimiterStats(); s.Granted != 5 {
		t.Errorf("permits granted = %d, want 5", s.Granted)
	}
}

func TestSubmitDoesNotMutateCallerDocument(t *testing.T) {
	_, ts := startFake(t, fakeapi.Config{})
	c := newClient(t, ts, time.Second, 4, 1)

	doc := milkDoc()
	h, err := c.Submit(context.Background(), doc, "sig")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	<-h.Done()
	if doc.Signature != "" {
		t.Errorf("caller document signature = %q, want unchanged", doc.Signature)
	}
}

func TestSubmitTokenExchangeFailure(t *testing.T) {
	fake, ts := startFake(t, fakeapi.Config{AcceptSignature: func(string) bool { return false }})
	c := newClient(t, ts, time.Second, 4, 1)

	h, err := c.Submit(context.Background(), milkDoc(), "sig")
	if h != nil {
		t.Error("Submit() returned a handle on handshake failure")
	}
	if !errors.Is(err, apierr.ErrTokenExchange) {
		t.Fatalf("Submit() error = %v, want token exchange error", err)
	}
	if n := fake.Counts().Create; n != 0 {
		t.Errorf("create calls = %d, want 0", n)
	}
}

func TestSubmitKeyFetchFailure(t *testing.T) {
	var tokenCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/auth/cert/key", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/api/v3/auth/cert/", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()
	c := newClient(t, ts, time.Second, 4, 1)

	_, err := c.Submit(context.Background(), milkDoc(), "sig")
	if !errors.Is(err, apierr.ErrKeyFetch) {
		t.Fatalf("Submit() error = %v, want key fetch error", err)
	}
	if tokenCalls != 0 {
		t.Errorf("token endpoint called %d times", tokenCalls)
	}
}

func TestSubmitInvalidInput(t *testing.T) {
	fake, ts := startFake(t, fakeapi.Config{})
	c := newClient(t, ts, time.Second, 4, 1)

	noGroup := milkDoc()
	noGroup.ProductGroup = ""
	noFormat := milkDoc()
	noFormat.DocumentFormat = ""

	tests := []struct {
		name string
		doc  document.Document
		sig  string
	}{
		{"empty signature", milkDoc(), ""},
		{"missing product group", noGroup, "sig"},
		{"missing format", noFormat, "sig"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Submit(context.Background(), tt.doc, tt.sig); !errors.Is(err, apierr.ErrInvalidInput) {
				t.Errorf("Submit() error = %v, want invalid input", err)
			}
		})
	}
	if n := fake.Counts().Key; n != 0 {
		t.Errorf("key calls = %d, want 0", n)
	}
}

func TestServerErrorDoesNotStopPool(t *testing.T) {
	_, ts := startFake(t, fakeapi.Config{FailFirst: 1})
	c := newClient(t, ts, time.Second, 4, 1)

	first, err := c.Submit(context.Background(), milkDoc(), "sig")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	res, err := first.Wait(context.Background())
	if err != nil || res.Status != http.StatusInternalServerError {
		t.Fatalf("first = %+v, %v; want a 500 result", res, err)
	}

	second, err := c.Submit(context.Background(), milkDoc(), "sig")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res, err := second.Wait(context.Background()); err != nil || !res.Success() {
		t.Errorf("second = %+v, %v; want success", res, err)
	}
}

// flakySender fails the first create call with a transport error.
type flakySender struct {
	next   transport.Sender
	mu     sync.Mutex
	failed bool
}

func (s *flakySender) Send(ctx context.Context, req transport.Request) (*transport.Response, error) {
	if strings.Contains(req.URL, api.PathCreate) {
		s.mu.Lock()
		first := !s.failed
		s.failed = true
		s.mu.Unlock()
		if first {
			return nil, apierr.Errorf(apierr.KindTransport, "transport.send", "connection reset by peer")
		}
	}
	return s.next.Send(ctx, req)
}

func TestTransportFailureSurfacesOnHandle(t *testing.T) {
	fake, ts := startFake(t, fakeapi.Config{})
	c := newClient(t, ts, time.Second, 4, 1, WithSender(&flakySender{next: transport.NewWithClient(ts.Client())}))

	first, err := c.Submit(context.Background(), milkDoc(), "sig")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if _, err := first.Wait(context.Background()); !errors.Is(err, apierr.ErrTransport) {
		t.Fatalf("first task error = %v, want transport error", err)
	}

	second, err := c.Submit(context.Background(), milkDoc(), "sig")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res, err := second.Wait(context.Background()); err != nil || !res.Success() {
		t.Errorf("second task = %+v, %v; want success", res, err)
	}
	if n := len(fake.Received()); n != 1 {
		t.Errorf("received = %d, want 1", n)
	}
}

func TestTokenCache(t *testing.T) {
	fake, ts := startFake(t, fakeapi.Config{TokenTTL: time.Hour})
	c := newClient(t, ts, time.Second, 10, 2, WithTokenCache(time.Minute))

	for i := 0; i < 3; i++ {
		h, err := c.Submit(context.Background(), milkDoc(), "sig")
		if err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
		if res, err := h.Wait(context.Background()); err != nil || !res.Success() {
			t.Fatalf("task = %+v, %v", res, err)
		}
	}
	if counts := fake.Counts(); counts.Key != 1 || counts.Token != 1 || counts.Create != 3 {
		t.Errorf("counts = %+v, want one handshake for three submissions", counts)
	}
}

func TestTokenCacheDropsRevokedToken(t *testing.T) {
	fake, ts := startFake(t, fakeapi.Config{TokenTTL: time.Hour})
	c := newClient(t, ts, time.Second, 10, 1, WithTokenCache(time.Minute))

	submit := func() dispatch.Result {
		t.Helper()
		h, err := c.Submit(context.Background(), milkDoc(), "sig")
		if err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
		res, err := h.Wait(context.Background())
		if err != nil {
			t.Fatalf("Wait() error: %v", err)
		}
		return res
	}

	if res := submit(); !res.Success() {
		t.Fatalf("first submission = %+v", res)
	}
	if n := fake.RevokeIssued(); n != 1 {
		t.Fatalf("RevokeIssued() = %d, want 1", n)
	}
	if res := submit(); res.Status != http.StatusUnauthorized {
		t.Fatalf("submission with revoked token = %+v, want 401", res)
	}
	if res := submit(); !res.Success() {
		t.Fatalf("submission after 401 = %+v, want a fresh token", res)
	}
	if counts := fake.Counts(); counts.Key != 2 || counts.Token != 2 {
		t.Errorf("counts = %+v, want a second handshake after the 401", counts)
	}
}

func TestSlidingMode(t *testing.T) {
	_, ts := startFake(t, fakeapi.Config{})
	c := newClient(t, ts, time.Second, 2, 2, WithLimiterMode(ratelimit.ModeSliding))

	h, err := c.Submit(context.Background(), milkDoc(), "sig")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res, err := h.Wait(context.Background()); err != nil || !res.Success() {
		t.Fatalf("task = %+v, %v", res, err)
	}
	if s := c.LimiterStats(); s.Limit != 2 || s.Granted != 1 {
		t.Errorf("LimiterStats() = %+v", s)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	fake, ts := startFake(t, fakeapi.Config{})
	c := newClient(t, ts, time.Second, 4, 1)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := c.Submit(context.Background(), milkDoc(), "sig"); !errors.Is(err, apierr.ErrCanceled) {
		t.Errorf("Submit() after Close error = %v, want canceled", err)
	}
	// The handshake still ran; only the enqueue was refused.
	if n := fake.Counts().Create; n != 0 {
		t.Errorf("create calls = %d, want 0", n)
	}
}
