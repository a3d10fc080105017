package repository

import (
	"context"

	"github.com/devtizi/city-cab/internal/token/domain"
)

// Repository defines persistence for issued tokens.
type Repository interface {
	Create(ctx context.Context, t *domain.IssuedToken) error
	// GetByToken returns the row for the exact token string, or nil if not found.
	GetByToken(ctx context.Context, token string) (*domain.IssuedToken, error)
	// ListValidByUser returns the user's tokens that are not both revoked and expired.
	ListValidByUser(ctx context.Context, userID string) ([]*domain.IssuedToken, error)
	// Revoke sets revoked and expired on one token. Unknown tokens are a no-op.
	Revoke(ctx context.Context, token string) error
	// RevokeAllAndCreate revokes every valid token of userID and inserts t, atomically.
	// It returns the token strings that were revoked.
	RevokeAllAndCreate(ctx context.Context, userID string, t *domain.IssuedToken) ([]string, error)
}
