package incident

import "errors"

var (
	// ErrNotFound means no incident exists with the given ID.
	ErrNotFound = errors.New("incident not found")

	// ErrInvalidTransition means the requested lifecycle action is not
	// legal in the incident's current status. State is left untouched.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConflict means a concurrent modification was detected and the
	// internal retry budget ran out. Callers may retry the whole action.
	ErrConflict = errors.New("concurrent modification")
)
