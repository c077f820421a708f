package contentrepo

import "errors"

var (
	// ErrAuthorization: a privileged session could not be acquired or the
	// identity lacks rights for the operation.
	ErrAuthorization = errors.New("contentrepo: authorization failed")

	// ErrNotFound: a path does not resolve to a node.
	ErrNotFound = errors.New("contentrepo: node not found")

	// ErrItemExists: a copy or add would create a second child with the
	// same name.
	ErrItemExists = errors.New("contentrepo: item exists")

	// ErrClosed: the session was used after Close.
	ErrClosed = errors.New("contentrepo: session closed")
)
