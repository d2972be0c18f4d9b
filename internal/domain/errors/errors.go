package errors

import (
	"errors"
)

// Sentinel errors for the identity domain. Services return these (possibly
// wrapped); transport adapters map them to wire-level representations.
var (
	// ErrInvalidRequest indicates malformed or missing input.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound indicates that no record matches the given selector.
	ErrNotFound = errors.New("user not found")

	// ErrConflict indicates a uniqueness constraint violation
	// (duplicate email or duplicate provider/external id pair).
	ErrConflict = errors.New("uniqueness conflict")

	// ErrPatchFailed indicates a structural patch application failure:
	// a failed test op, or remove/replace/move/copy on a missing path.
	ErrPatchFailed = errors.New("patch failed")

	// ErrInvalidPatchResult indicates that a patch applied cleanly but
	// produced a record that does not satisfy the user schema.
	ErrInvalidPatchResult = errors.New("invalid patch result")

	// ErrCiphertextInvalid indicates stored ciphertext that cannot be
	// authenticated or decoded. Callers treat the affected linked-service
	// data as absent rather than failing the request.
	ErrCiphertextInvalid = errors.New("stored ciphertext invalid")

	// ErrInternal covers everything else. Full detail is logged
	// server-side only and never echoed to the caller.
	ErrInternal = errors.New("internal error")
)
