// Package dispatch runs submission tasks on a fixed pool of workers. Each
// task consumes one rate limit permit before its POST; the pool size bounds
// how many POSTs are on the wire at once.
package dispatch

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/austindbirch/crpt_submit/internal/api"
	"github.com/austindbirch/crpt_submit/internal/apierr"
	"github.com/austindbirch/crpt_submit/internal/auth"
	"github.com/austindbirch/crpt_submit/internal/codec"
	"github.com/austindbirch/crpt_submit/internal/document"
	"github.com/austindbirch/crpt_submit/internal/logging"
	"github.com/austindbirch/crpt_submit/internal/metrics"
	"github.com/austindbirch/crpt_submit/internal/ratelimit"
	"github.com/austindbirch/crpt_submit/internal/tracing"
	"github.com/austindbirch/crpt_submit/internal/transport"
)

// Task is one signed, tokened submission. It is not modified after Enqueue.
type Task struct {
	ID         string
	Document   document.Document
	Token      auth.Token
	EnqueuedAt time.Time
}

// Outcome is reported for every task that leaves the pool.
type Outcome struct {
	Task        Task
	Result      Result
	Err         error
	CompletedAt time.Time
}

// Label is accepted for 2xx, rejected for other statuses and failed when
// no response was obtained.
func (o Outcome) Label() string {
	switch {
	case o.Err != nil:
		return "failed"
	case o.Result.Success():
		return "accepted"
	default:
		return "rejected"
	}
}

// Reporter observes completed tasks. Reporters run on a separate goroutine
// after the handle has completed, one outcome at a time, each call bounded
// by Config.ReportTimeout. Outcomes arriving while the report buffer is
// full are dropped and counted as report_dropped failures.
type Reporter interface {
	Report(ctx context.Context, o Outcome)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, o Outcome)

func (f ReporterFunc) Report(ctx context.Context, o Outcome) { f(ctx, o) }

// Config wires a Dispatcher.
type Config struct {
	PoolSize  int
	QueueSize int // buffered tasks; defaults to 16 per worker
	Limiter   ratelimit.Limiter
	Sender    transport.Sender
	Endpoints api.Endpoints
	Logger    *logging.Logger
	Reporters []Reporter

	// Observers run on the worker before the handle completes, so a Wait
	// that returns has seen their effects. They must not block.
	Observers []Reporter

	ReportTimeout time.Duration // per Report call; default 5s
	ReportBuffer  int           // pending outcomes; defaults to QueueSize
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int
	Queued    int
	Inflight  int64
	Completed int64
	Failed    int64
	Closed    bool
}

type report struct {
	ctx context.Context
	out Outcome
}

type job struct {
	task   Task
	ctx    context.Context
	handle *Handle
}

// Dispatcher owns the task queue and the workers.
type Dispatcher struct {
	cfg   Config
	codec codec.JSON
	log   *logging.Logger

	queue   chan *job
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	finished  chan struct{}

	reports     chan report
	reportsDone chan struct{}
	workersDone chan struct{}

	inflight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New validates cfg and starts PoolSize workers.
func New(cfg Config) (*Dispatcher, error) {
	const op = "dispatch.new"
	if cfg.PoolSize <= 0 {
		return nil, apierr.Errorf(apierr.KindConfiguration, op, "pool size must be positive, got %d", cfg.PoolSize)
	}
	if cfg.Limiter == nil {
		return nil, apierr.Errorf(apierr.KindConfiguration, op, "limiter is required")
	}
	if cfg.Sender == nil {
		return nil, apierr.Errorf(apierr.KindConfiguration, op, "sender is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.PoolSize * 16
	}
	if cfg.Endpoints.Base == "" {
		cfg.Endpoints = api.New("")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("crpt-dispatch")
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 5 * time.Second
	}
	if cfg.ReportBuffer <= 0 {
		cfg.ReportBuffer = cfg.QueueSize
	}

	ctx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:      cfg,
		log:      cfg.Logger,
		queue:    make(chan *job, cfg.QueueSize),
		baseCtx:  ctx,
		stop:     stop,
		finished: make(chan struct{}),

		reports:     make(chan report, cfg.ReportBuffer),
		reportsDone: make(chan struct{}),
		workersDone: make(chan struct{}),
	}
	go d.reportLoop()
	d.wg.Add(cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		go d.worker()
	}
	return d, nil
}

// Enqueue queues a submission and returns without waiting for the network.
// ctx bounds only the wait for queue space; the task itself runs under the
// dispatcher's context and is cancelled through the handle or Close.
func (d *Dispatcher) Enqueue(ctx context.Context, doc document.Document, token auth.Token) (*Handle, error) {
	const op = "dispatch.enqueue"

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return nil, apierr.Errorf(apierr.KindCanceled, op, "dispatcher is closed")
	}

	// Keep the caller's span so the worker's spans join the same trace.
	taskCtx := oteltrace.ContextWithSpan(d.baseCtx, oteltrace.SpanFromContext(ctx))
	taskCtx, cancel := context.WithCancel(taskCtx)

	j := &job{
		task: Task{
			ID:         uuid.NewString(),
			Document:   doc,
			Token:      token,
			EnqueuedAt: time.Now(),
		},
		ctx: taskCtx,
	}
	j.handle = newHandle(j.task.ID, cancel)

	metrics.QueueDepth.Inc()
	select {
	case d.queue <- j:
		d.log.WithContext(ctx).WithTask(j.task.ID).WithProductGroup(doc.ProductGroup).Debug("task queued")
		return j.handle, nil
	case <-ctx.Done():
		metrics.QueueDepth.Dec()
		cancel()
		return nil, apierr.New(apierr.KindCanceled, op, ctx.Err())
	case <-d.baseCtx.Done():
		metrics.QueueDepth.Dec()
		cancel()
		return nil, apierr.Errorf(apierr.KindCanceled, op, "dispatcher is closed")
	}
}

// Close stops intake and waits for queued tasks to finish and their
// outcomes to be reported. If ctx ends first, outstanding tasks are
// cancelled and Close returns once the workers have exited; pending
// reports then drain in the background.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		go func() {
			// Taking the write lock waits out any Enqueue blocked on a
			// full queue; workers keep draining meanwhile.
			d.mu.Lock()
			d.closed.Store(true)
			close(d.queue)
			d.mu.Unlock()
			d.wg.Wait()
			close(d.workersDone)
			close(d.reports)
			<-d.reportsDone
			d.stop()
			close(d.finished)
		}()
	})

	select {
	case <-d.finished:
		return nil
	case <-ctx.Done():
		d.stop()
		<-d.workersDone
		return apierr.New(apierr.KindCanceled, "dispatch.close", ctx.Err())
	}
}

// Stats reports queue and pool counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Workers:   d.cfg.PoolSize,
		Queued:    len(d.queue),
		Inflight:  d.inflight.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Closed:    d.closed.Load(),
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		metrics.QueueDepth.Dec()
		d.run(j)
	}
}

// run never lets a task failure escape the worker.
func (d *Dispatcher) run(j *job) {
	t := j.task
	ctx, span := tracing.StartSpan(j.ctx, "dispatch.submit",
		attribute.String("task_id", t.ID),
		attribute.String("product_group", t.Document.ProductGroup),
	)
	defer span.End()

	start := time.Now()
	res, err := d.send(ctx, t)
	res.Duration = time.Since(start)

	out := Outcome{Task: t, Result: res, Err: err, CompletedAt: time.Now()}
	entry := d.log.WithContext(ctx).WithTask(t.ID).WithProductGroup(t.Document.ProductGroup).
		WithField("duration_ms", res.Duration.Milliseconds())
	if err != nil {
		d.failed.Add(1)
		kind := apierr.KindOf(err)
		tracing.SetSpanError(ctx, err)
		metrics.RecordFailure(string(kind))
		entry.WithError(err).WithField("kind", string(kind)).Error("submission failed")
	} else {
		d.completed.Add(1)
		span.SetAttributes(attribute.Int("http.status_code", res.Status))
		metrics.RecordHTTPStatus(strconv.Itoa(res.Status))
		if res.Success() {
			entry.WithField("status", res.Status).Info("submission accepted")
		} else {
			entry.WithField("status", res.Status).Warn("submission rejected")
		}
	}
	metrics.RecordSubmission(out.Label(), t.Document.ProductGroup, res.Duration)

	rctx := context.WithoutCancel(ctx)
	for _, o := range d.cfg.Observers {
		o.Report(rctx, out)
	}

	j.handle.complete(res, err)
	j.handle.cancel()

	if len(d.cfg.Reporters) == 0 {
		return
	}
	select {
	case d.reports <- report{ctx: rctx, out: out}:
	default:
		metrics.RecordFailure("report_dropped")
		entry.WithField("outcome", out.Label()).Warn("report buffer full, outcome dropped")
	}
}

// reportLoop feeds outcomes to the reporters until Close drains the buffer.
func (d *Dispatcher) reportLoop() {
	defer close(d.reportsDone)
	for r := range d.reports {
		for _, rep := range d.cfg.Reporters {
			ctx, cancel := context.WithTimeout(r.ctx, d.cfg.ReportTimeout)
			rep.Report(ctx, r.out)
			cancel()
		}
	}
}

// send encodes before taking a permit so a document that cannot be encoded
// never consumes one.
func (d *Dispatcher) send(ctx context.Context, t Task) (Result, error) {
	const op = "dispatch.send"
	if err := ctx.Err(); err != nil {
		return Result{}, apierr.New(apierr.KindCanceled, op, err)
	}

	body, err := d.codec.Encode(t.Document)
	if err != nil {
		return Result{}, err
	}

	waitStart := time.Now()
	if err := d.cfg.Limiter.Acquire(ctx); err != nil {
		if apierr.KindOf(err) == apierr.KindCanceled {
			return Result{}, apierr.New(apierr.KindCanceled, "dispatch.acquire", err)
		}
		return Result{}, err
	}
	wait := time.Since(waitStart)
	metrics.RecordPermitWait(wait)
	tracing.AddSpanEvent(ctx, "dispatch.permit_granted", attribute.Int64("wait_ms", wait.Milliseconds()))

	d.inflight.Add(1)
	metrics.InflightSends.Inc()
	defer func() {
		d.inflight.Add(-1)
		metrics.InflightSends.Dec()
	}()

	resp, err := d.cfg.Sender.Send(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    d.cfg.Endpoints.Create(t.Document.ProductGroup),
		Header: http.Header{
			"Authorization": []string{"Bearer " + t.Token.Token},
			"Content-Type":  []string{codec.ContentType},
		},
		Body: body,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Status: resp.Status, Body: resp.Body}, nil
}
