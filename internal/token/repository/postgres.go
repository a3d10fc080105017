package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/devtizi/city-cab/internal/token/domain"
)

const tokenColumns = `id, token, token_type, revoked, expired, user_id, created_at`

// PostgresRepository stores issued tokens in the tokens table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a token repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts t. The caller sets ID and CreatedAt.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.IssuedToken) error {
	return insertToken(ctx, r.db, t)
}

// GetByToken returns the token row, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (*domain.IssuedToken, error) {
	var t domain.IssuedToken
	err := r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token = $1`, token).
		Scan(&t.ID, &t.Token, &t.TokenType, &t.Revoked, &t.Expired, &t.UserID, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ListValidByUser returns tokens of userID that still have revoked or expired unset.
func (r *PostgresRepository) ListValidByUser(ctx context.Context, userID string) ([]*domain.IssuedToken, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM tokens
		WHERE user_id = $1 AND (expired = FALSE OR revoked = FALSE)
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.IssuedToken
	for rows.Next() {
		var t domain.IssuedToken
		if err := rows.Scan(&t.ID, &t.Token, &t.TokenType, &t.Revoked, &t.Expired, &t.UserID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Revoke marks one token revoked and expired.
func (r *PostgresRepository) Revoke(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tokens SET revoked = TRUE, expired = TRUE WHERE token = $1`, token)
	return err
}

// RevokeAllAndCreate runs the revoke-then-issue step of a refresh in one transaction.
func (r *PostgresRepository) RevokeAllAndCreate(ctx context.Context, userID string, t *domain.IssuedToken) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `UPDATE tokens SET revoked = TRUE, expired = TRUE
		WHERE user_id = $1 AND (expired = FALSE OR revoked = FALSE)
		RETURNING token`, userID)
	if err != nil {
		return nil, fmt.Errorf("revoke tokens: %w", err)
	}
	var revoked []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return nil, err
		}
		revoked = append(revoked, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := insertToken(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return revoked, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertToken(ctx context.Context, db execer, t *domain.IssuedToken) error {
	_, err := db.ExecContext(ctx, `INSERT INTO tokens (`+tokenColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Token, t.TokenType, t.Revoked, t.Expired, t.UserID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}
