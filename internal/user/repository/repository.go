package repository

import (
	"context"

	"github.com/devtizi/city-cab/internal/user/domain"
)

// Repository defines persistence for users and their roles.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// GetByIdentifier returns only users that are enabled and not archived.
	GetByIdentifier(ctx context.Context, identifier string) (*domain.User, error)
	// Create inserts the user and links it to the roles named in u.Roles (by code).
	Create(ctx context.Context, u *domain.User) error
	// UpsertRole creates or updates a role and replaces its permission set.
	UpsertRole(ctx context.Context, r domain.Role) error
}
