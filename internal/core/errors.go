package core

import "errors"

// Protocol error taxonomy. Storage and handlers wrap these with %w so
// callers can classify failures with errors.Is.
var (
	// ErrNotFound covers both "does not exist" and "exists in another
	// family"; the two are deliberately indistinguishable to callers.
	ErrNotFound = errors.New("resource not found")

	// ErrVersionConflict means the claimed version no longer matches the
	// stored one. The mutation was not applied.
	ErrVersionConflict = errors.New("version conflict")

	// ErrMissingPrecondition means an update/delete arrived without a
	// claimed version. A client bug, not a conflict.
	ErrMissingPrecondition = errors.New("missing precondition")

	// ErrForbidden means the caller is authenticated but not allowed to
	// act on this resource.
	ErrForbidden = errors.New("forbidden")

	// ErrDuplicate means a uniqueness rule was violated: a category
	// name+kind already taken, or an idempotency key reused outside the
	// scope that minted it.
	ErrDuplicate = errors.New("duplicate resource")

	// ErrCategoryInUse blocks deleting a category that still has
	// transactions attached.
	ErrCategoryInUse = errors.New("category has transactions")

	// ErrUnknownCategory means a transaction referenced a category that
	// does not exist in the caller's family.
	ErrUnknownCategory = errors.New("unknown category")
)
