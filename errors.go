package githttp

import "errors"

var (
	// ErrUnauthorized is returned when the request carried no credentials,
	// or credentials that failed authentication, for an operation that
	// requires them.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when the named repository does not exist and
	// the operation does not permit creating it, or when its name escapes
	// the configured root directory.
	ErrNotFound = errors.New("not found")
)
