package models

import "errors"

// Error taxonomy. Commands wrap these with fmt.Errorf("%w: ...") so callers
// can classify with errors.Is while keeping the detail message.
var (
	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation error")

	// ErrInvalidRequestParameter marks a business-rule violation: duplicate
	// grant, unsupported combination, or a command that does not fit the
	// request's current status.
	ErrInvalidRequestParameter = errors.New("invalid request parameter")

	// ErrUnauthorized marks a failed authorization check.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoMatchingRequest marks an unknown request or change id.
	ErrNoMatchingRequest = errors.New("no matching request")

	// ErrUnsupportedChangeType marks a change type outside the closed set.
	ErrUnsupportedChangeType = errors.New("unsupported change type")

	// ErrStaleRequest marks a write that lost an optimistic-concurrency
	// race: the caller's view of last_updated no longer matches the store.
	ErrStaleRequest = errors.New("request was modified concurrently")
)
