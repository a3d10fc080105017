// Package engine decides whether an authenticated identity may subscribe to or send on a destination.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/devtizi/city-cab/internal/security"
)

// Action is the protocol verb being authorized.
type Action string

const (
	ActionSubscribe Action = "SUBSCRIBE"
	ActionSend      Action = "SEND"
)

// Destination prefixes with access rules.
const (
	DriverTopicPrefix = "/topic/driver/"
	CityTopicPrefix   = "/topic/city/"
	UserQueuePrefix   = "/user/queue/"
	DriverAppPrefix   = "/app/driver/"
	AppPrefix         = "/app/"
)

// Request is one authorization question.
type Request struct {
	Action      Action
	Destination string
	Identity    *security.AuthClaims
}

// Evaluator authorizes destination access. It returns nil when allowed, otherwise an error wrapping
// security.ErrInvalidToken (no identity), security.ErrAccessDenied or security.ErrInvalidArgument.
type Evaluator interface {
	Authorize(ctx context.Context, req Request) error
}

// precheck enforces what every evaluator requires before looking at destination rules.
func precheck(req Request) error {
	if req.Identity == nil {
		return fmt.Errorf("%w: no authenticated identity for %s", security.ErrInvalidToken, strings.ToLower(string(req.Action)))
	}
	if req.Destination == "" {
		return fmt.Errorf("%w: destination is required", security.ErrInvalidArgument)
	}
	return nil
}
