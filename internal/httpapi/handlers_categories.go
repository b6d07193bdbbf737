package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"contas/internal/core"
	"contas/internal/storage"
)

type categoryResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func toCategoryResponse(c core.Category) categoryResponse {
	return categoryResponse{
		ID:        c.ID,
		Name:      c.Name,
		Kind:      string(c.Kind),
		Version:   c.Version,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type createCategoryRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if sess.Role != core.RoleOwner {
		writeError(r.Context(), w, core.ErrForbidden)
		return
	}

	var req createCategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed-body", "Bad Request", "invalid JSON body")
		return
	}

	id := r.Header.Get("Idempotency-Key")
	if id == "" {
		id = uuid.NewString()
	}

	candidate := core.Category{
		ID:       id,
		FamilyID: sess.FamilyID,
		Name:     req.Name,
		Kind:     core.Kind(req.Kind),
	}
	if err := candidate.Validate(); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	cat, created, err := s.store.CreateCategory(r.Context(), candidate)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeETag(w, cat.Version)
	writeJSON(w, status, toCategoryResponse(cat))
}

func (s *Server) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	cat, err := s.store.GetCategory(r.Context(), sess.FamilyID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeETag(w, cat.Version)
	writeJSON(w, http.StatusOK, toCategoryResponse(cat))
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	filter := storage.CategoryFilter{
		Search: r.URL.Query().Get("search"),
	}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		k := core.Kind(kind)
		if err := k.Validate(); err != nil {
			writeError(r.Context(), w, err)
			return
		}
		filter.Kind = k
	}

	cats, err := s.store.ListCategories(r.Context(), sess.FamilyID, filter)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	resp := make([]categoryResponse, 0, len(cats))
	for _, c := range cats {
		resp = append(resp, toCategoryResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": resp})
}

type updateCategoryRequest struct {
	Name *string `json:"name"`
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	expected, err := parseIfMatch(r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	var req updateCategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed-body", "Bad Request", "invalid JSON body")
		return
	}

	var patch storage.CategoryPatch
	if req.Name != nil {
		if len(*req.Name) == 0 {
			writeError(r.Context(), w, core.ErrEmptyName)
			return
		}
		if len(*req.Name) > 100 {
			writeError(r.Context(), w, core.ErrNameTooLong)
			return
		}
		patch.Name = req.Name
	}

	cat, err := s.store.UpdateCategory(r.Context(), sess, chi.URLParam(r, "id"), expected, patch)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	// Renames show up in the dashboard's top-category breakdown.
	s.invalidateDashboards(sess.FamilyID)
	writeETag(w, cat.Version)
	writeJSON(w, http.StatusOK, toCategoryResponse(cat))
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	expected, err := parseIfMatch(r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	if err := s.store.DeleteCategory(r.Context(), sess, chi.URLParam(r, "id"), expected); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	s.invalidateDashboards(sess.FamilyID)
	w.WriteHeader(http.StatusNoContent)
}
