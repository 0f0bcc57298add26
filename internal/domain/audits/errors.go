package audits

import "errors"

var (
	// ErrNotFound indicates the audit, finding or project row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest indicates a request rejected before any pipeline work.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrForbidden indicates the viewer may not perform the action.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict indicates the action does not fit the audit's current state.
	ErrConflict = errors.New("conflict")
)
