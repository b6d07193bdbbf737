package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"contas/internal/core"
	applog "contas/internal/log"
	"contas/internal/storage"
)

// Problem is an RFC 7807 error body.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

const problemBase = "https://contas.dev/problems/"

func writeProblem(w http.ResponseWriter, status int, slug, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:   problemBase + slug,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// writeError maps a domain error onto the problem taxonomy. Unknown errors
// become an opaque 500; the cause is logged, never echoed to the client.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "not-found", "Not Found",
			"the resource does not exist")
	case errors.Is(err, core.ErrVersionConflict):
		writeProblem(w, http.StatusPreconditionFailed, "version-conflict", "Version Conflict",
			"the resource was modified by someone else; fetch the latest version and retry")
	case errors.Is(err, errMalformedIfMatch):
		writeProblem(w, http.StatusBadRequest, "malformed-precondition", "Bad Request",
			"the If-Match header must carry the resource version as a quoted integer")
	case errors.Is(err, core.ErrMissingPrecondition):
		writeProblem(w, http.StatusPreconditionRequired, "missing-precondition", "Precondition Required",
			"this operation requires an If-Match header with the resource version")
	case errors.Is(err, core.ErrForbidden):
		writeProblem(w, http.StatusForbidden, "forbidden", "Forbidden",
			"you are not allowed to modify this resource")
	case errors.Is(err, core.ErrDuplicate):
		writeProblem(w, http.StatusConflict, "conflict", "Conflict",
			"the resource already exists")
	case errors.Is(err, core.ErrCategoryInUse):
		writeProblem(w, http.StatusConflict, "category-in-use", "Conflict",
			"the category is referenced by existing transactions")
	case errors.Is(err, core.ErrUnknownCategory):
		writeProblem(w, http.StatusUnprocessableEntity, "validation-failed", "Validation Failed",
			"the category does not exist")
	case errors.Is(err, storage.ErrSessionInvalid):
		writeProblem(w, http.StatusUnauthorized, "unauthorized", "Unauthorized",
			"missing or invalid session token")
	case isValidationError(err):
		writeProblem(w, http.StatusUnprocessableEntity, "validation-failed", "Validation Failed",
			err.Error())
	default:
		applog.FromContext(ctx).ErrorContext(ctx, "Request failed",
			applog.FieldError, err.Error())
		writeProblem(w, http.StatusInternalServerError, "internal", "Internal Server Error", "")
	}
}

func isValidationError(err error) bool {
	for _, target := range []error{
		core.ErrInvalidKind,
		core.ErrInvalidAmount,
		core.ErrInvalidDate,
		core.ErrEmptyCategory,
		core.ErrEmptyName,
		core.ErrNoteTooLong,
		core.ErrNameTooLong,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
