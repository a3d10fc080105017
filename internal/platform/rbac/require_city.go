package rbac

import (
	"context"
	"fmt"

	"github.com/devtizi/city-cab/internal/security"
	"github.com/devtizi/city-cab/internal/server/interceptors"
)

// RequireCityManager ensures the caller may inspect cityID: administrators for any city,
// MANAGER accounts only for the city in their token.
func RequireCityManager(ctx context.Context, cityID string) (*security.AuthClaims, error) {
	c, ok := interceptors.ClaimsFrom(ctx)
	if !ok || c.UserID == "" {
		return nil, fmt.Errorf("%w: authenticated user required", security.ErrInvalidToken)
	}
	if cityID == "" {
		return nil, fmt.Errorf("%w: city id required", security.ErrInvalidArgument)
	}
	if c.IsAdmin() {
		return c, nil
	}
	if c.HasAuthority(security.RoleManager) && c.CityID == cityID {
		return c, nil
	}
	return nil, fmt.Errorf("%w: not a manager of city %s", security.ErrAccessDenied, cityID)
}
