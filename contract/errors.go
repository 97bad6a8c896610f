package contract

import "errors"

// Failure kinds. Every rejected precondition wraps exactly one of these
// so callers can match with errors.Is and render a precise message
// instead of a generic failure.
var (
	// ErrUnauthorized means the caller lacks the required role, or an
	// internal call came from a component that does not govern the state
	// it tried to mutate.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound means a referenced entity ID does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument covers malformed input: an out-of-range role or
	// enum value, an empty content hash, an empty identity.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyExists rejects a duplicate of a create-once entity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrAlreadyInitialized rejects a repeated one-time initialization.
	ErrAlreadyInitialized = errors.New("already initialized")

	// ErrAlreadyVoted rejects a second vote by the same voter on the
	// same (case, expert) pair.
	ErrAlreadyVoted = errors.New("already voted")

	// ErrCaseClosed rejects an operation against a case that is past its
	// lifecycle, whether expired or explicitly closed.
	ErrCaseClosed = errors.New("case closed")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
