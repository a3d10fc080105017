package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/devtizi/city-cab/internal/security"
)

var userQueuePattern = regexp.MustCompile(`^/user/queue/[a-zA-Z0-9-]+$`)

// RuleEvaluator is the built-in destination policy.
//
//	/topic/driver/<id>  owner (userId == id) or admin
//	/topic/city/<id>    member of the city (cityId == id) or admin
//	/user/queue/<name>  name must match [a-zA-Z0-9-]+
//	/app/driver/*       SEND only by userType DRIVER
//
// Everything else is open. Topic rules apply to SEND as well, so nobody can publish into a driver
// or city topic they could not subscribe to.
type RuleEvaluator struct{}

// NewRuleEvaluator returns the built-in evaluator.
func NewRuleEvaluator() *RuleEvaluator { return &RuleEvaluator{} }

// Authorize implements Evaluator.
func (RuleEvaluator) Authorize(_ context.Context, req Request) error {
	if err := precheck(req); err != nil {
		return err
	}
	if err := checkTopic(req.Identity, req.Destination); err != nil {
		return err
	}
	if req.Action == ActionSend && strings.HasPrefix(req.Destination, DriverAppPrefix) {
		if req.Identity.UserType != security.RoleDriver {
			return fmt.Errorf("%w: only drivers can send to %s", security.ErrAccessDenied, req.Destination)
		}
	}
	return nil
}

func checkTopic(c *security.AuthClaims, dest string) error {
	switch {
	case strings.HasPrefix(dest, DriverTopicPrefix):
		if !sameID(strings.TrimPrefix(dest, DriverTopicPrefix), c.UserID) && !c.IsAdmin() {
			return fmt.Errorf("%w: driver topic %s", security.ErrAccessDenied, dest)
		}
	case strings.HasPrefix(dest, CityTopicPrefix):
		if !sameID(strings.TrimPrefix(dest, CityTopicPrefix), c.CityID) && !c.IsAdmin() {
			return fmt.Errorf("%w: city topic %s", security.ErrAccessDenied, dest)
		}
	case strings.HasPrefix(dest, UserQueuePrefix):
		if !userQueuePattern.MatchString(dest) {
			return fmt.Errorf("%w: queue destination %s", security.ErrInvalidArgument, dest)
		}
	}
	return nil
}

// sameID reports whether a destination id names the claim. Empty never matches.
func sameID(pathID, claim string) bool {
	return pathID != "" && pathID == claim
}
