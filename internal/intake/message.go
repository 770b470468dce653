package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/crpt_submit/internal/document"
	"github.com/austindbirch/crpt_submit/internal/tracing"
)

// DLQType tags dead letter envelopes.
const DLQType = "submission.dlq"

// Request is the body of one message on the documents topic.
type Request struct {
	RequestID    string            `json:"request_id"`
	Document     document.Document `json:"document"`
	Signature    string            `json:"signature,omitempty"` // falls back to the service default
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// DeadLetter is published to the DLQ topic when a request cannot be
// submitted or the API refused it. Nothing is retried automatically.
type DeadLetter struct {
	Type       string  `json:"type"`    // "submission.dlq"
	Version    string  `json:"version"` // schema version
	At         string  `json:"at"`      // RFC3339
	Stage      string  `json:"stage"`   // decode, handshake, submit
	Reason     string  `json:"reason"`  // error kind or http_<status>
	TaskID     string  `json:"task_id,omitempty"`
	HTTPStatus int     `json:"http_status,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
	Request    Request `json:"request"`
	RawBody    string  `json:"raw_body,omitempty"` // set when the request did not decode
}

func NewDeadLetter(req Request, stage, reason string, httpStatus int, lastErr string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Stage:      stage,
		Reason:     reason,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Request:    req,
	}
}

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Enqueue publishes req to topic, carrying the trace context of ctx.
func Enqueue(ctx context.Context, pub Publisher, topic string, req Request) error {
	if req.TraceHeaders == nil {
		req.TraceHeaders = tracing.InjectMap(ctx)
	}
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := pub.Publish(topic, b); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
