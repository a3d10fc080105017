// Package token checks whether a presented token is still usable: not flagged in the revocation
// store and persisted as neither revoked nor expired. Positive answers are cached briefly.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/devtizi/city-cab/internal/security"
	"github.com/devtizi/city-cab/internal/token/domain"
)

// Store is the part of the token repository the checker reads.
type Store interface {
	GetByToken(ctx context.Context, token string) (*domain.IssuedToken, error)
}

// RevocationLookup reports cross-process revocation flags.
type RevocationLookup interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// Checker answers "is this token still active" for the CONNECT handshake and bearer-protected routes.
type Checker struct {
	store       Store
	revocations RevocationLookup
	cache       *expirable.LRU[string, struct{}]
	logger      *slog.Logger
}

// NewChecker returns a Checker. revocations may be nil. size and ttl bound the positive cache.
func NewChecker(store Store, revocations RevocationLookup, size int, ttl time.Duration, logger *slog.Logger) *Checker {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		store:       store,
		revocations: revocations,
		cache:       expirable.NewLRU[string, struct{}](size, nil, ttl),
		logger:      logger.With("component", "token_status"),
	}
}

// Active reports whether token may still be used. Errors mean the answer is unknown.
func (c *Checker) Active(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	fp := security.Fingerprint(token)
	if c.revocations != nil {
		revoked, err := c.revocations.IsRevoked(ctx, token)
		if err != nil {
			// Fall through to the database, which is authoritative.
			c.logger.WarnContext(ctx, "revocation lookup failed", "token", fp[:12], "error", err)
		} else if revoked {
			c.cache.Remove(fp)
			return false, nil
		}
	}
	if _, ok := c.cache.Get(fp); ok {
		return true, nil
	}
	t, err := c.store.GetByToken(ctx, token)
	if err != nil {
		return false, fmt.Errorf("token status: %w", err)
	}
	if !t.Valid() {
		return false, nil
	}
	c.cache.Add(fp, struct{}{})
	return true, nil
}

// Forget drops any cached positive answer for token.
func (c *Checker) Forget(token string) {
	c.cache.Remove(security.Fingerprint(token))
}
