package thunderpush

import "errors"

var (
	// ErrUnknownTenant is returned when a public key does not resolve to a
	// registered tenant.
	ErrUnknownTenant = errors.New("unknown tenant")

	// ErrDuplicateTenant is returned when registering a public key twice.
	ErrDuplicateTenant = errors.New("duplicate tenant")

	// ErrInvalidCredential is returned when registering an empty public key.
	ErrInvalidCredential = errors.New("invalid credential")

	// Protocol errors. These never reach the client; they are logged and the
	// connection stays in its current state.
	ErrMalformedCommand  = errors.New("malformed command")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrNotAuthenticated  = errors.New("not authenticated")
)
