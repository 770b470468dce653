// Package fakeapi is an in-process stand-in for the three CRPT endpoints the
// client uses. It issues real RS256 tokens, checks signed challenges and
// throttles submissions, so the whole pipeline can run against it in tests
// and in local environments.
package fakeapi

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/austindbirch/crpt_submit/internal/auth"
	"github.com/austindbirch/crpt_submit/internal/document"
	"github.com/austindbirch/crpt_submit/internal/logging"
)

const (
	DefaultIssuer   = "crpt-fake"
	DefaultAudience = "crpt-api"
	keyID           = "crpt-fake-key-1"
)

// Config tunes the fake.
type Config struct {
	BasePath   string          // default "/api/v3"
	PrivateKey *rsa.PrivateKey // generated when nil
	Issuer     string
	Audience   string
	TokenTTL   time.Duration // default 10h, as on the real stand

	// RateLimit and Burst throttle the create endpoint with 429s. Zero
	// disables throttling.
	RateLimit rate.Limit
	Burst     int

	FailFirst int           // first N create calls answer 500
	Latency   time.Duration // added to every create call

	// AcceptSignature decides whether a signature is valid. Nil accepts
	// any non-empty signature.
	AcceptSignature func(signature string) bool

	Logger *logging.Logger
}

// Received is one accepted document.
type Received struct {
	ID           string
	ProductGroup string
	Subject      string
	Document     document.Document
	At           time.Time
}

// Counts tallies calls per endpoint.
type Counts struct {
	Key    int
	Token  int
	Create int
}

// Server implements the endpoints. It is safe for concurrent use.
type Server struct {
	cfg       Config
	key       *rsa.PrivateKey
	validator *auth.JWTValidator
	limiter   *rate.Limiter
	log       *logging.Logger

	mu         sync.Mutex
	challenges map[string]string
	received   []Received
	counts     Counts
	issued     []string
	revoked    map[string]bool
}

// New builds a Server, generating a signing key if none is configured.
func New(cfg Config) (*Server, error) {
	if cfg.BasePath == "" {
		cfg.BasePath = "/api/v3"
	}
	cfg.BasePath = "/" + strings.Trim(cfg.BasePath, "/")
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 10 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("crpt-fake")
	}

	key := cfg.PrivateKey
	if key == nil {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}

	s := &Server{
		cfg:        cfg,
		key:        key,
		validator:  auth.NewJWTValidatorFromKey(&key.PublicKey, cfg.Issuer, cfg.Audience),
		log:        cfg.Logger,
		challenges: make(map[string]string),
		revoked:    make(map[string]bool),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return s, nil
}

// Handler routes the API below BasePath plus /healthz and the JWKS document.
func (s *Server) Handler() http.Handler {
	base := s.cfg.BasePath
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+base+"/auth/cert/key", s.handleKey)
	mux.HandleFunc("POST "+base+"/auth/cert/{$}", s.handleToken)
	mux.Handle("POST "+base+"/lk/documents/create", s.validator.HTTPMiddleware(http.HandlerFunc(s.handleCreate)))
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	return mux
}

// Received returns a copy of the accepted documents in arrival order.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Received, len(s.received))
	copy(out, s.received)
	return out
}

// Counts returns the per-endpoint call counts.
func (s *Server) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// Validator checks tokens issued by this server.
func (s *Server) Validator() *auth.JWTValidator { return s.validator }

// IssueToken signs a token for subject; exposed for tests that skip the
// handshake.
func (s *Server) IssueToken(subject string) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{s.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		ID:        uuid.NewString(),
	})
	tok.Header["kid"] = keyID
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.issued = append(s.issued, signed)
	s.mu.Unlock()
	return signed, nil
}

// RevokeIssued makes every token issued so far answer 401 on create, as
// the real stand does after a session is terminated. Returns how many
// tokens were revoked.
func (s *Server) RevokeIssued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.issued)
	for _, t := range s.issued {
		s.revoked[t] = true
	}
	s.issued = nil
	return n
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	challenge := auth.KeyChallenge{UUID: uuid.NewString(), Data: randomData()}

	s.mu.Lock()
	s.counts.Key++
	s.challenges[challenge.UUID] = challenge.Data
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, challenge)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.counts.Token++
	s.mu.Unlock()

	var signed auth.KeyChallenge
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&signed); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	// Challenges are single use.
	s.mu.Lock()
	data, ok := s.challenges[signed.UUID]
	delete(s.challenges, signed.UUID)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown or used challenge")
		return
	}

	signature, err := verifySigned(data, signed.Data)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if s.cfg.AcceptSignature != nil && !s.cfg.AcceptSignature(signature) {
		writeError(w, http.StatusUnauthorized, "signature rejected")
		return
	}

	token, err := s.IssueToken(subjectFor(signature))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}
	writeJSON(w, http.StatusOK, auth.Token{Token: token})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	s.counts.Create++
	call := s.counts.Create
	revoked := s.revoked[bearer]
	s.mu.Unlock()

	if revoked {
		sub, _ := auth.SubjectFromContext(r.Context())
		s.log.WithContext(r.Context()).WithField("subject", sub).Warn("revoked token used")
		writeError(w, http.StatusUnauthorized, "token revoked")
		return
	}

	if s.cfg.Latency > 0 {
		select {
		case <-time.After(s.cfg.Latency):
		case <-r.Context().Done():
			return
		}
	}

	pg := r.URL.Query().Get("pg")
	if pg == "" {
		writeError(w, http.StatusBadRequest, "pg query parameter is required")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if call <= s.cfg.FailFirst {
		s.log.WithContext(r.Context()).WithFields(map[string]any{"call": call, "fail_first": s.cfg.FailFirst}).Warn("failing create call")
		writeError(w, http.StatusInternalServerError, "temporary failure")
		return
	}

	var doc document.Document
	if err := json.NewDecoder(io.LimitReader(r.Body, 10<<20)).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid document JSON")
		return
	}
	if doc.ProductGroup != "" && doc.ProductGroup != pg {
		writeError(w, http.StatusBadRequest, "product_group does not match pg")
		return
	}
	if doc.Signature == "" || doc.ProductDocument == "" {
		writeError(w, http.StatusBadRequest, "signature and product_document are required")
		return
	}

	sub, _ := auth.SubjectFromContext(r.Context())
	rec := Received{ID: uuid.NewString(), ProductGroup: pg, Subject: sub, Document: doc, At: time.Now()}
	s.mu.Lock()
	s.received = append(s.received, rec)
	s.mu.Unlock()

	s.log.WithContext(r.Context()).WithProductGroup(pg).WithField("document_id", rec.ID).Info("document accepted")
	writeJSON(w, http.StatusOK, map[string]string{"value": rec.ID})
}

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	pub := s.key.PublicKey
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string][]jwk{"keys": {{
		Kty: "RSA",
		Use: "sig",
		Kid: keyID,
		Alg: jwt.SigningMethodRS256.Alg(),
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}})
}

// verifySigned checks that signed is base64(data+signature) and returns
// the signature part.
func verifySigned(data, signed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(signed)
	if err != nil {
		return "", fmt.Errorf("signed data is not base64")
	}
	rest, ok := strings.CutPrefix(string(raw), data)
	if !ok {
		return "", fmt.Errorf("signed data does not cover the challenge")
	}
	if rest == "" {
		return "", fmt.Errorf("empty signature")
	}
	return rest, nil
}

func subjectFor(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return "participant-" + hex.EncodeToString(sum[:6])
}

func randomData() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error_message": msg})
}
