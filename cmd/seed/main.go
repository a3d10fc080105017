// Seed inserts roles and demo accounts for local testing. Safe to re-run: existing accounts are skipped.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/devtizi/city-cab/internal/config"
	"github.com/devtizi/city-cab/internal/db"
	"github.com/devtizi/city-cab/internal/logging"
	"github.com/devtizi/city-cab/internal/security"
	"github.com/devtizi/city-cab/internal/user/domain"
	"github.com/devtizi/city-cab/internal/user/repository"
)

const devPassword = "password123"

var roles = []domain.Role{
	{Code: "ROOTADMIN", Name: "Root administrator", Permissions: []string{"admin:read", "admin:write", "audit:read"}},
	{Code: "ADMIN", Name: "Administrator", Permissions: []string{"admin:read", "audit:read"}},
	{Code: "MANAGER", Name: "City manager", Permissions: []string{"city:read"}},
	{Code: "DRIVER", Name: "Driver", Permissions: []string{"ride:accept", "location:publish"}},
	{Code: "DELIVER", Name: "Delivery partner", Permissions: []string{"delivery:accept", "location:publish"}},
	{Code: "USER", Name: "Rider", Permissions: []string{"ride:request"}},
}

type account struct {
	email    string
	userType string
	role     string
	city     string
	cityID   string
}

var accounts = []account{
	{email: "admin@citycab.dev", userType: "ADMIN", role: "ADMIN"},
	{email: "manager.jhb@citycab.dev", userType: "MANAGER", role: "MANAGER", city: "Johannesburg", cityID: "JHB"},
	{email: "driver.jhb@citycab.dev", userType: "DRIVER", role: "DRIVER", city: "Johannesburg", cityID: "JHB"},
	{email: "driver.cpt@citycab.dev", userType: "DRIVER", role: "DRIVER", city: "Cape Town", cityID: "CPT"},
	{email: "rider@citycab.dev", userType: "USER", role: "USER", city: "Johannesburg", cityID: "JHB"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("seed failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	users := repository.NewPostgresRepository(conn)
	for _, r := range roles {
		if err := users.UpsertRole(ctx, r); err != nil {
			return fmt.Errorf("role %s: %w", r.Code, err)
		}
	}

	hash, err := security.NewHasher(cfg.BcryptCost).Hash(devPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	for _, a := range accounts {
		u := &domain.User{
			ID:           uuid.NewString(),
			Email:        a.email,
			Identifier:   a.email,
			PasswordHash: hash,
			Enabled:      true,
			UserType:     a.userType,
			CountryCode:  "ZA",
			City:         a.city,
			CityID:       a.cityID,
			Roles:        []domain.Role{{Code: a.role}},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err := users.Create(ctx, u)
		switch {
		case errors.Is(err, domain.ErrIdentifierTaken):
			logger.Info("account exists, skipping", "email", a.email)
		case err != nil:
			return fmt.Errorf("create %s: %w", a.email, err)
		default:
			logger.Info("account created", "email", a.email, "user_type", a.userType, "city_id", a.cityID)
		}
	}

	fmt.Printf("Seed completed. Every demo account uses the password %q.\n", devPassword)
	return nil
}
