// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Transport and server contract failures.
var (
	// ErrNetwork indicates a transport-level failure; the call may be retried.
	ErrNetwork = errors.New("network error")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates the request was rejected as malformed.
	ErrValidation = errors.New("validation error")

	// ErrInvalidResponse indicates the server response failed schema validation.
	ErrInvalidResponse = errors.New("invalid response format")
)

// Client-side state machine rejections.
var (
	// ErrNoToken indicates there is no stored access token.
	ErrNoToken = errors.New("no stored token")

	// ErrSaveInProgress indicates a save for the same day is still pending.
	ErrSaveInProgress = errors.New("save already in progress")

	// ErrSlotLocked indicates the meal slot is in a terminal status (done/expired).
	ErrSlotLocked = errors.New("meal slot is locked")

	// ErrSlotDirty indicates the meal slot has unsaved local edits.
	ErrSlotDirty = errors.New("meal slot has unsaved changes")

	// ErrNoMeal indicates the meal slot has never been created on the server.
	ErrNoMeal = errors.New("meal slot has no server meal")

	// ErrStaleContext indicates the active day changed while a call was pending.
	ErrStaleContext = errors.New("day context changed")

	// ErrNotLoaded indicates no day has been loaded yet.
	ErrNotLoaded = errors.New("no day loaded")
)

// Kind is the stable taxonomy name of an error.
type Kind string

// Error kinds exposed to callers.
const (
	KindNetwork         Kind = "network-error"
	KindUnauthorized    Kind = "unauthorized"
	KindNotFound        Kind = "not-found"
	KindValidation      Kind = "validation-error"
	KindInvalidResponse Kind = "invalid-response-format"
	KindUnknown         Kind = "unknown"
)

// KindOf maps err (or any error in its chain) onto the taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInvalidResponse):
		return KindInvalidResponse
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// Retryable reports whether the failure is transient.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork
}
