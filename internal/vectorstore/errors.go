package vectorstore

import "errors"

// Sentinel errors for the engine's failure taxonomy. Callers wrap them
// with fmt.Errorf("%w: ...") and tests match with errors.Is.
var (
	// ErrValidation indicates bad input: missing text field, blank
	// team id, no chunks to embed.
	ErrValidation = errors.New("validation error")

	// ErrForbidden indicates a team-ownership mismatch.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict indicates an operation refused to protect existing
	// state: deleting a non-empty collection, renaming a name-locked
	// collection.
	ErrConflict = errors.New("conflict")

	// ErrStorage indicates a vector store failure after any automatic
	// load-and-retry attempt.
	ErrStorage = errors.New("storage error")
)
