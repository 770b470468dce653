// Package intake feeds submission requests from NSQ into a client and
// dead-letters the ones that fail.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/crpt_submit/internal/apierr"
	"github.com/austindbirch/crpt_submit/internal/dispatch"
	"github.com/austindbirch/crpt_submit/internal/document"
	"github.com/austindbirch/crpt_submit/internal/logging"
	"github.com/austindbirch/crpt_submit/internal/metrics"
	"github.com/austindbirch/crpt_submit/internal/tracing"
)

// Submitter is satisfied by *client.Client.
type Submitter interface {
	Submit(ctx context.Context, doc document.Document, signature string) (*dispatch.Handle, error)
}

type Config struct {
	Submitter        Submitter
	Publisher        Publisher // nil disables dead letters
	DLQTopic         string
	DefaultSignature string
	Logger           *logging.Logger
}

// Handler implements nsq.Handler. A message is finished once its
// submission is queued; the outcome is watched in the background.
type Handler struct {
	cfg Config
	log *logging.Logger
	wg  sync.WaitGroup
}

func NewHandler(cfg Config) *Handler {
	if cfg.DLQTopic == "" {
		cfg.DLQTopic = "documents_dlq"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("crpt-intake")
	}
	return &Handler{cfg: cfg, log: cfg.Logger}
}

// HandleMessage implements nsq.Handler.
func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			m.Finish()
		}
	}()

	var req Request
	if err := json.Unmarshal(m.Body, &req); err != nil {
		h.log.Plain().WithError(err).Error("bad request payload")
		dl := NewDeadLetter(Request{}, "decode", "bad_payload", 0, err.Error())
		dl.RawBody = string(m.Body)
		h.deadLetter(context.Background(), dl)
		m.Finish()
		return nil
	}

	ctx := tracing.ExtractMap(context.Background(), req.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "intake.message",
		attribute.String("request_id", req.RequestID),
		attribute.String("product_group", req.Document.ProductGroup),
		attribute.Int("attempts", int(m.Attempts)),
	)
	defer span.End()
	entry := h.log.WithContext(ctx).WithRequest(req.RequestID).WithProductGroup(req.Document.ProductGroup)

	signature := req.Signature
	if signature == "" {
		signature = h.cfg.DefaultSignature
	}

	handle, err := h.cfg.Submitter.Submit(ctx, req.Document, signature)
	if err != nil {
		kind := apierr.KindOf(err)
		tracing.SetSpanError(ctx, err)
		if kind == apierr.KindCanceled {
			// Shutting down; let another submitter take it.
			entry.WithError(err).Warn("submitter closed, requeueing")
			m.Requeue(-1)
			return nil
		}
		entry.WithError(err).WithField("kind", string(kind)).Error("submit failed")
		h.deadLetter(ctx, NewDeadLetter(req, stageFor(kind), string(kind), 0, err.Error()))
		m.Finish()
		return nil
	}

	entry.WithTask(handle.ID()).Info("request queued")
	m.Finish()

	h.wg.Add(1)
	go h.watch(context.WithoutCancel(ctx), req, handle)
	return nil
}

// Wait blocks until every queued request has an outcome.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) watch(ctx context.Context, req Request, handle *dispatch.Handle) {
	defer h.wg.Done()
	<-handle.Done()
	res, err := handle.Wait(ctx)

	entry := h.log.WithContext(ctx).WithRequest(req.RequestID).WithTask(handle.ID())
	switch {
	case err != nil:
		dl := NewDeadLetter(req, "submit", string(apierr.KindOf(err)), 0, err.Error())
		dl.TaskID = handle.ID()
		h.deadLetter(ctx, dl)
	case !res.Success():
		dl := NewDeadLetter(req, "submit", fmt.Sprintf("http_%d", res.Status), res.Status, excerpt(res.Body))
		dl.TaskID = handle.ID()
		h.deadLetter(ctx, dl)
	default:
		entry.WithField("status", res.Status).Debug("request accepted")
	}
}

func (h *Handler) deadLetter(ctx context.Context, dl DeadLetter) {
	metrics.RecordDeadLetter(dl.Reason)
	if h.cfg.Publisher == nil {
		return
	}
	b, err := json.Marshal(dl)
	if err != nil {
		h.log.WithContext(ctx).WithError(err).Error("dlq marshal failed")
		return
	}
	if err := h.cfg.Publisher.Publish(h.cfg.DLQTopic, b); err != nil {
		h.log.WithContext(ctx).WithRequest(dl.Request.RequestID).WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", h.cfg.DLQTopic))
	h.log.WithContext(ctx).WithRequest(dl.Request.RequestID).WithFields(map[string]any{
		"topic":  h.cfg.DLQTopic,
		"reason": dl.Reason,
	}).Info("dlq published")
}

func stageFor(kind apierr.Kind) string {
	switch kind {
	case apierr.KindKeyFetch, apierr.KindTokenExchange:
		return "handshake"
	default:
		return "submit"
	}
}

// excerpt cuts b to at most 512 bytes without splitting a rune.
func excerpt(b []byte) string {
	const max = 512
	if len(b) <= max {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	n := max
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return strings.ToValidUTF8(string(b[:n]), "\uFFFD") + "..."
}
