// Package errors collects the sentinel errors shared across the RTRM core.
// Components wrap these with fmt.Errorf("...: %w", err) so callers can
// branch with errors.Is/errors.As instead of matching on message text.
package errors

import "errors"

var (
	// ErrInsufficientResources is returned by the accountant when a booking
	// would push a resource's used quantity past total-reserved.
	ErrInsufficientResources = errors.New("insufficient resources")

	// ErrPlatformNotReady is returned by booking calls while the accountant
	// is frozen for a platform refresh.
	ErrPlatformNotReady = errors.New("platform not ready")

	// ErrRecipeNotFound is returned when Register names a recipe the
	// application manager has no structural view of.
	ErrRecipeNotFound = errors.New("recipe not found")

	// ErrRecipeVersionMismatch is returned when a recipe's version tag is
	// below the daemon's minimum supported version.
	ErrRecipeVersionMismatch = errors.New("recipe version mismatch")

	// ErrAlreadyRegistered is returned by Register when (pid, exc_id) is
	// already known to the application manager.
	ErrAlreadyRegistered = errors.New("execution context already registered")

	// ErrDisabled is returned to a GetWorkingMode waiter when Disable was
	// called while the call was blocked.
	ErrDisabled = errors.New("execution context disabled")

	// ErrBlocked is returned by GetWorkingMode when the scheduler could not
	// place the execution context.
	ErrBlocked = errors.New("execution context blocked")

	// ErrViewGenerationMismatch is returned when a caller presents a view
	// token for a view that has already been promoted or discarded.
	ErrViewGenerationMismatch = errors.New("view generation mismatch")

	// ErrProtocolError is returned by the RPC layer on a malformed frame,
	// unknown message type, version mismatch, or out-of-order token.
	ErrProtocolError = errors.New("rpc protocol error")

	// ErrNotImplemented is returned by platform proxy variants that have no
	// concrete actuation backend (e.g. the Remote variant stub).
	ErrNotImplemented = errors.New("not implemented")
)
