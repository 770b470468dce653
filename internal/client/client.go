// Package client is the public face of the submission pipeline. A Client
// owns its transport, rate limiter, authenticator and worker pool; nothing
// is shared between Client values.
//
// Submit authenticates on the caller's goroutine and then queues the POST.
// Only the POST consumes a rate limit permit: handshake calls are not
// throttled, so integrators whose quota also covers /auth/cert should size
// the quota accordingly.
//
// Submit is stricter than the API about the document: the product group
// and document format must both be set, because the group is needed for
// the pg query parameter and the format decides how the content is read.
// A document missing either fails with an invalid input error before any
// network call.
//
// With WithTokenCache, a 401 from the create endpoint evicts the cached
// token for that signature before the handle completes.
package client

import (
	"context"
	"net/http"
	"time"

	"github.com/austindbirch/crpt_submit/internal/api"
	"github.com/austindbirch/crpt_submit/internal/apierr"
	"github.com/austindbirch/crpt_submit/internal/auth"
	"github.com/austindbirch/crpt_submit/internal/dispatch"
	"github.com/austindbirch/crpt_submit/internal/document"
	"github.com/austindbirch/crpt_submit/internal/logging"
	"github.com/austindbirch/crpt_submit/internal/ratelimit"
	"github.com/austindbirch/crpt_submit/internal/tracing"
	"github.com/austindbirch/crpt_submit/internal/transport"
)

// Client submits documents to one CRPT API.
type Client struct {
	auth       auth.Authenticator
	dispatcher *dispatch.Dispatcher
	limiter    ratelimit.Limiter
	endpoints  api.Endpoints
	log        *logging.Logger
}

type options struct {
	baseURL        string
	connectTimeout time.Duration
	requestTimeout time.Duration
	insecureTLS    bool
	httpClient     *http.Client
	sender         transport.Sender
	logger         *logging.Logger
	reporters      []dispatch.Reporter
	mode           ratelimit.Mode
	limiter        ratelimit.Limiter
	queueSize      int
	tokenCache     bool
	cacheSkew      time.Duration
}

// Option customises New.
type Option func(*options)

// WithBaseURL points the client at another stand, e.g. api.SandboxBaseURL.
func WithBaseURL(u string) Option { return func(o *options) { o.baseURL = u } }

// WithConnectTimeout sets the dial timeout (default 5s).
func WithConnectTimeout(d time.Duration) Option { return func(o *options) { o.connectTimeout = d } }

// WithRequestTimeout bounds each HTTP exchange end to end.
func WithRequestTimeout(d time.Duration) Option { return func(o *options) { o.requestTimeout = d } }

// WithInsecureTLS skips certificate verification.
func WithInsecureTLS() Option { return func(o *options) { o.insecureTLS = true } }

// WithHTTPClient sends through c instead of a client built from the
// timeout options.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithSender replaces the transport entirely.
func WithSender(s transport.Sender) Option { return func(o *options) { o.sender = s } }

func WithLogger(l *logging.Logger) Option { return func(o *options) { o.logger = l } }

// WithReporters adds outcome reporters.
func WithReporters(r ...dispatch.Reporter) Option {
	return func(o *options) { o.reporters = append(o.reporters, r...) }
}

// WithLimiterMode selects the fixed (default) or sliding window.
func WithLimiterMode(m ratelimit.Mode) Option { return func(o *options) { o.mode = m } }

// WithLimiter uses l instead of building one; period and quota are then
// only validated.
func WithLimiter(l ratelimit.Limiter) Option { return func(o *options) { o.limiter = l } }

func WithQueueSize(n int) Option { return func(o *options) { o.queueSize = n } }

// WithTokenCache reuses a token per signature until its JWT expiry minus
// skew.
func WithTokenCache(skew time.Duration) Option {
	return func(o *options) {
		o.tokenCache = true
		o.cacheSkew = skew
	}
}

// New builds a Client allowing quota submissions per period on poolSize
// workers. Invalid values fail with a configuration error.
func New(period time.Duration, quota, poolSize int, opts ...Option) (*Client, error) {
	o := options{mode: ratelimit.ModeFixed}
	for _, opt := range opts {
		opt(&o)
	}
	if poolSize <= 0 {
		return nil, apierr.Errorf(apierr.KindConfiguration, "client.new", "pool size must be positive, got %d", poolSize)
	}

	limiter := o.limiter
	if limiter == nil {
		var err error
		if limiter, err = ratelimit.New(o.mode, period, quota); err != nil {
			return nil, err
		}
	} else if period <= 0 || quota <= 0 {
		return nil, apierr.Errorf(apierr.KindConfiguration, "client.new", "period and quota must be positive")
	}

	if o.logger == nil {
		o.logger = logging.New("crpt-client")
	}

	sender := o.sender
	switch {
	case sender != nil:
	case o.httpClient != nil:
		sender = transport.NewWithClient(o.httpClient)
	default:
		sender = transport.New(transport.Config{
			ConnectTimeout:      o.connectTimeout,
			RequestTimeout:      o.requestTimeout,
			MaxIdleConnsPerHost: poolSize,
			InsecureSkipVerify:  o.insecureTLS,
		})
	}

	endpoints := api.New(o.baseURL)
	var authenticator auth.Authenticator = auth.NewHandshake(sender, endpoints)
	var observers []dispatch.Reporter
	if o.tokenCache {
		cache := auth.NewCachingAuthenticator(authenticator, o.cacheSkew)
		authenticator = cache
		observers = append(observers, invalidateOnUnauthorized(cache))
	}

	d, err := dispatch.New(dispatch.Config{
		PoolSize:  poolSize,
		QueueSize: o.queueSize,
		Limiter:   limiter,
		Sender:    sender,
		Endpoints: endpoints,
		Logger:    o.logger,
		Reporters: o.reporters,
		Observers: observers,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		auth:       authenticator,
		dispatcher: d,
		limiter:    limiter,
		endpoints:  endpoints,
		log:        o.logger,
	}, nil
}

// invalidateOnUnauthorized drops a cached token the API has refused, so the
// next Submit for that signature handshakes again.
func invalidateOnUnauthorized(cache *auth.CachingAuthenticator) dispatch.Reporter {
	return dispatch.ReporterFunc(func(ctx context.Context, o dispatch.Outcome) {
		if o.Err == nil && o.Result.Status == http.StatusUnauthorized {
			cache.Invalidate(o.Task.Document.Signature)
		}
	})
}

// Submit validates doc, obtains a token for signature and queues the
// submission. Handshake failures are returned here; everything after the
// handshake is reported through the handle. doc is copied.
func (c *Client) Submit(ctx context.Context, doc document.Document, signature string) (*dispatch.Handle, error) {
	const op = "client.submit"
	ctx, span := tracing.StartSpan(ctx, "client.submit")
	defer span.End()

	if signature == "" {
		return nil, apierr.Errorf(apierr.KindInvalidInput, op, "signature is required")
	}
	if err := doc.Validate(); err != nil {
		return nil, apierr.New(apierr.KindInvalidInput, op, err)
	}

	token, err := c.auth.Authenticate(ctx, signature)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		c.log.WithContext(ctx).WithProductGroup(doc.ProductGroup).WithError(err).
			WithField("kind", string(apierr.KindOf(err))).Warn("handshake failed")
		return nil, err
	}

	h, err := c.dispatcher.Enqueue(ctx, doc.WithSignature(signature), token)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	return h, nil
}

// Close stops accepting submissions and waits for queued ones. See
// dispatch.Dispatcher.Close for the ctx semantics.
func (c *Client) Close(ctx context.Context) error {
	return c.dispatcher.Close(ctx)
}

// Stats reports the pool counters.
func (c *Client) Stats() dispatch.Stats { return c.dispatcher.Stats() }

// LimiterStats reports the rate limiter counters.
func (c *Client) LimiterStats() ratelimit.Stats { return c.limiter.Stats() }

// Endpoints returns the resolved API endpoints.
func (c *Client) Endpoints() api.Endpoints { return c.endpoints }
