// Package transport performs the HTTP exchanges with the CRPT API. It owns
// the connection pool and the timeouts; callers only see Request/Response
// values and *apierr.Error failures of kind transport or canceled.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/crpt_submit/internal/apierr"
	"github.com/austindbirch/crpt_submit/internal/tracing"
)

// MaxBodyBytes caps how much of a response body is read.
const MaxBodyBytes = 10 << 20

// Request is one outbound call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the captured status and body of a call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Sender sends a request and captures the response. Non-2xx statuses are
// not errors at this layer.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Config holds the connection settings.
type Config struct {
	ConnectTimeout      time.Duration // dial timeout, default 5s
	TLSHandshakeTimeout time.Duration // default 10s
	RequestTimeout      time.Duration // whole exchange; 0 means none
	MaxIdleConnsPerHost int           // default 4, normally the worker pool size
	InsecureSkipVerify  bool          // sandbox and local fake only
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.TLSHandshakeTimeout <= 0 {
		c.TLSHandshakeTimeout = 10 * time.Second
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 4
	}
	return c
}

// HTTP is the net/http backed Sender. It is safe for concurrent use.
type HTTP struct {
	client *http.Client
}

// New builds an HTTP sender from cfg.
func New(cfg Config) *HTTP {
	cfg = cfg.withDefaults()
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		MaxIdleConns:        cfg.MaxIdleConnsPerHost * 2,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &HTTP{client: &http.Client{Transport: tr, Timeout: cfg.RequestTimeout}}
}

// NewWithClient wraps an existing client, e.g. httptest.Server.Client().
func NewWithClient(c *http.Client) *HTTP {
	return &HTTP{client: c}
}

// Send implements Sender.
func (h *HTTP) Send(ctx context.Context, r Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "transport.send",
		attribute.String("http.method", r.Method),
		attribute.String("http.url", r.URL),
	)
	defer span.End()

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, apierr.New(apierr.KindTransport, "transport.build", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, classify(ctx, "transport.send", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, classify(ctx, "transport.read", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apierr.New(apierr.KindCanceled, op, fmt.Errorf("%w (%v)", ctxErr, err))
	}
	return apierr.New(apierr.KindTransport, op, err)
}
