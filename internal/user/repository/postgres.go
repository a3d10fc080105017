package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/devtizi/city-cab/internal/user/domain"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const userColumns = `id, email, identifier, password_hash, enabled, archived, user_type, country_code, city, city_id, created_at, updated_at`

// PostgresRepository stores users in the users, roles, role_permissions and user_roles tables.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return r.scanWithRoles(ctx, row)
}

// GetByIdentifier returns the enabled, non-archived user with the given identifier, or nil if not found.
func (r *PostgresRepository) GetByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE identifier = $1 AND archived = FALSE AND enabled = TRUE`,
		identifier)
	return r.scanWithRoles(ctx, row)
}

// Create persists the user and its role links in one transaction. The user must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		u.ID, u.Email, u.Identifier, u.PasswordHash, u.Enabled, u.Archived, u.UserType,
		u.CountryCode, u.City, u.CityID, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", domain.ErrIdentifierTaken, u.Identifier)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	for _, role := range u.Roles {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role_code) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			u.ID, role.Code); err != nil {
			return fmt.Errorf("link role %s: %w", role.Code, err)
		}
	}
	return tx.Commit()
}

// UpsertRole creates or renames a role and replaces its permissions.
func (r *PostgresRepository) UpsertRole(ctx context.Context, role domain.Role) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO roles (code, name) VALUES ($1, $2) ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name`,
		role.Code, role.Name); err != nil {
		return fmt.Errorf("upsert role: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_code = $1`, role.Code); err != nil {
		return err
	}
	for _, p := range role.Permissions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO role_permissions (role_code, permission) VALUES ($1, $2)`, role.Code, p); err != nil {
			return fmt.Errorf("insert permission %s: %w", p, err)
		}
	}
	return tx.Commit()
}

func (r *PostgresRepository) scanWithRoles(ctx context.Context, row *sql.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Identifier, &u.PasswordHash, &u.Enabled, &u.Archived, &u.UserType,
		&u.CountryCode, &u.City, &u.CityID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	roles, err := r.rolesOf(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	u.Roles = roles
	return &u, nil
}

func (r *PostgresRepository) rolesOf(ctx context.Context, userID string) ([]domain.Role, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT r.code, r.name, COALESCE(rp.permission, '')
		FROM user_roles ur
		JOIN roles r ON r.code = ur.role_code
		LEFT JOIN role_permissions rp ON rp.role_code = r.code
		WHERE ur.user_id = $1
		ORDER BY r.code, rp.permission`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Role
	for rows.Next() {
		var code, name, perm string
		if err := rows.Scan(&code, &name, &perm); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].Code != code {
			out = append(out, domain.Role{Code: code, Name: name})
		}
		if perm != "" {
			last := &out[len(out)-1]
			last.Permissions = append(last.Permissions, perm)
		}
	}
	return out, rows.Err()
}
