package auth

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/crpt_submit/internal/metrics"
)

// CachingAuthenticator reuses a token per signature until shortly before
// its JWT exp claim. Tokens without a readable exp are never cached, so
// against an opaque-token API it behaves exactly like the wrapped
// authenticator.
type CachingAuthenticator struct {
	next Authenticator
	skew time.Duration
	now  func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	token     Token
	expiresAt time.Time
}

// NewCachingAuthenticator wraps next. skew is subtracted from the token
// expiry; a non-positive value defaults to 30s.
func NewCachingAuthenticator(next Authenticator, skew time.Duration) *CachingAuthenticator {
	if skew <= 0 {
		skew = 30 * time.Second
	}
	return &CachingAuthenticator{
		next:   next,
		skew:   skew,
		now:    time.Now,
		tokens: make(map[string]cachedToken),
	}
}

// Authenticate implements Authenticator.
func (c *CachingAuthenticator) Authenticate(ctx context.Context, signature string) (Token, error) {
	now := c.now()

	c.mu.Lock()
	if ct, ok := c.tokens[signature]; ok {
		if now.Before(ct.expiresAt) {
			c.mu.Unlock()
			metrics.RecordHandshake("cached")
			return ct.token, nil
		}
		delete(c.tokens, signature)
	}
	c.mu.Unlock()

	tok, err := c.next.Authenticate(ctx, signature)
	if err != nil {
		return Token{}, err
	}

	if exp, ok := TokenExpiry(tok.Token); ok {
		if until := exp.Add(-c.skew); now.Before(until) {
			c.mu.Lock()
			c.tokens[signature] = cachedToken{token: tok, expiresAt: until}
			c.mu.Unlock()
		}
	}
	return tok, nil
}

// Invalidate drops the cached token for signature, e.g. after a 401.
func (c *CachingAuthenticator) Invalidate(signature string) {
	c.mu.Lock()
	delete(c.tokens, signature)
	c.mu.Unlock()
}
