package auth

import (
	"context"
	"encoding/base64"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/crpt_submit/internal/api"
	"github.com/austindbirch/crpt_submit/internal/apierr"
	"github.com/austindbirch/crpt_submit/internal/codec"
	"github.com/austindbirch/crpt_submit/internal/metrics"
	"github.com/austindbirch/crpt_submit/internal/tracing"
	"github.com/austindbirch/crpt_submit/internal/transport"
)

// KeyChallenge is the server-issued value to be signed.
type KeyChallenge struct {
	UUID string `json:"uuid"`
	Data string `json:"data"`
}

// Token is a bearer token returned by the token exchange.
type Token struct {
	Token string `json:"token"`
}

// Authenticator turns a caller signature into a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, signature string) (Token, error)
}

// Handshake runs the two-call challenge/exchange protocol. It keeps no
// state between calls and never retries.
type Handshake struct {
	sender    transport.Sender
	endpoints api.Endpoints
	codec     codec.JSON
}

// NewHandshake returns a Handshake sending through sender.
func NewHandshake(sender transport.Sender, endpoints api.Endpoints) *Handshake {
	return &Handshake{sender: sender, endpoints: endpoints}
}

// Authenticate fetches a challenge, signs it with signature and exchanges
// it for a token. Failures are apierr kinds key_fetch or token_exchange.
func (h *Handshake) Authenticate(ctx context.Context, signature string) (Token, error) {
	ctx, span := tracing.StartSpan(ctx, "auth.handshake")
	defer span.End()

	if signature == "" {
		return Token{}, apierr.Errorf(apierr.KindInvalidInput, "auth.authenticate", "signature is required")
	}

	challenge, err := h.fetchKey(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordHandshake(string(apierr.KindKeyFetch))
		return Token{}, err
	}
	tracing.AddSpanEvent(ctx, "auth.key_fetched", attribute.String("uuid", challenge.UUID))

	token, err := h.exchange(ctx, KeyChallenge{UUID: challenge.UUID, Data: Sign(challenge.Data, signature)})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordHandshake(string(apierr.KindTokenExchange))
		return Token{}, err
	}
	metrics.RecordHandshake("ok")
	return token, nil
}

// Sign combines challenge data with the caller signature.
func Sign(data, signature string) string {
	return base64.StdEncoding.EncodeToString([]byte(data + signature))
}

func (h *Handshake) fetchKey(ctx context.Context) (KeyChallenge, error) {
	const op = "auth.fetch_key"
	resp, err := h.sender.Send(ctx, transport.Request{Method: http.MethodGet, URL: h.endpoints.Key()})
	if err != nil {
		return KeyChallenge{}, phaseError(apierr.KindKeyFetch, op, err)
	}
	if !resp.OK() {
		return KeyChallenge{}, apierr.Errorf(apierr.KindKeyFetch, op, "unexpected status %d", resp.Status)
	}
	if codec.IsNull(resp.Body) {
		return KeyChallenge{}, apierr.Errorf(apierr.KindKeyFetch, op, "null challenge")
	}
	var kc KeyChallenge
	if err := h.codec.Decode(resp.Body, &kc); err != nil {
		return KeyChallenge{}, apierr.New(apierr.KindKeyFetch, op, err)
	}
	if kc.UUID == "" || kc.Data == "" {
		return KeyChallenge{}, apierr.Errorf(apierr.KindKeyFetch, op, "incomplete challenge")
	}
	return kc, nil
}

func (h *Handshake) exchange(ctx context.Context, signed KeyChallenge) (Token, error) {
	const op = "auth.exchange_token"
	body, err := h.codec.Encode(signed)
	if err != nil {
		return Token{}, apierr.New(apierr.KindTokenExchange, op, err)
	}
	resp, err := h.sender.Send(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    h.endpoints.Token(),
		Header: http.Header{"Content-Type": []string{codec.ContentType}},
		Body:   body,
	})
	if err != nil {
		return Token{}, phaseError(apierr.KindTokenExchange, op, err)
	}
	if !resp.OK() {
		return Token{}, apierr.Errorf(apierr.KindTokenExchange, op, "unexpected status %d", resp.Status)
	}
	if codec.IsNull(resp.Body) {
		return Token{}, apierr.Errorf(apierr.KindTokenExchange, op, "null token")
	}
	var tok Token
	if err := h.codec.Decode(resp.Body, &tok); err != nil {
		return Token{}, apierr.New(apierr.KindTokenExchange, op, err)
	}
	if tok.Token == "" {
		return Token{}, apierr.Errorf(apierr.KindTokenExchange, op, "empty token")
	}
	return tok, nil
}

// phaseError tags a lower-level failure with the handshake phase, keeping
// cancellation distinguishable.
func phaseError(kind apierr.Kind, op string, err error) error {
	if apierr.KindOf(err) == apierr.KindCanceled {
		return apierr.New(apierr.KindCanceled, op, err)
	}
	return apierr.New(kind, op, err)
}
