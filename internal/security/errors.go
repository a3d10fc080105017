package security

import "errors"

// Error kinds shared by the token service, the frame interceptor and the auth flows.
// Callers wrap them with fmt.Errorf("%w: ...") and match with errors.Is.
var (
	// ErrInvalidToken: missing, malformed, expired or badly signed token, or no identity where one is required.
	ErrInvalidToken = errors.New("invalid token")
	// ErrAccessDenied: the identity is known but may not use the destination.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidArgument: a destination or request field is malformed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSecurity: credential or token-chain failure during login or refresh.
	ErrSecurity = errors.New("security violation")
)
