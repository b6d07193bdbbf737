package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"contas/internal/core"
	applog "contas/internal/log"
	"contas/internal/storage"
)

type transactionResponse struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Amount     string `json:"amount"`
	CategoryID string `json:"categoryId"`
	Note       string `json:"note"`
	Date       string `json:"date"`
	UserID     string `json:"userId"`
	Version    int64  `json:"version"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

func toTransactionResponse(tx core.Transaction) transactionResponse {
	return transactionResponse{
		ID:         tx.ID,
		Kind:       string(tx.Kind),
		Amount:     core.FormatAmount(tx.Amount.Cents),
		CategoryID: tx.CategoryID,
		Note:       tx.Note,
		Date:       tx.Date.String(),
		UserID:     tx.UserID,
		Version:    tx.Version,
		CreatedAt:  tx.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  tx.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type createTransactionRequest struct {
	Kind       string `json:"kind"`
	Amount     string `json:"amount"`
	CategoryID string `json:"categoryId"`
	Note       string `json:"note"`
	Date       string `json:"date"`
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed-body", "Bad Request", "invalid JSON body")
		return
	}

	cents, err := core.ParseAmount(req.Amount)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	date, err := core.ParseDate(req.Date)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	// The idempotency key, when given, becomes the resource ID; a retry
	// with the same key lands on the same row.
	id := r.Header.Get("Idempotency-Key")
	if id == "" {
		id = uuid.NewString()
	}

	candidate := core.Transaction{
		ID:         id,
		FamilyID:   sess.FamilyID,
		UserID:     sess.UserID,
		CategoryID: req.CategoryID,
		Kind:       core.Kind(req.Kind),
		Amount:     core.Money{Cents: cents},
		Note:       req.Note,
		Date:       date,
	}
	if err := candidate.Validate(); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	tx, created, err := s.store.CreateTransaction(r.Context(), storage.CreateTransactionParams{
		ID:          candidate.ID,
		FamilyID:    candidate.FamilyID,
		UserID:      candidate.UserID,
		CategoryID:  candidate.CategoryID,
		Kind:        candidate.Kind,
		AmountCents: candidate.Amount.Cents,
		Note:        candidate.Note,
		Date:        candidate.Date,
	})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.invalidateDashboards(sess.FamilyID)
		s.publishChange(r.Context(), "created", tx)
	}
	writeETag(w, tx.Version)
	writeJSON(w, status, toTransactionResponse(tx))
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	tx, err := s.store.GetTransaction(r.Context(), sess.FamilyID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeETag(w, tx.Version)
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

type updateTransactionRequest struct {
	Kind       *string `json:"kind"`
	Amount     *string `json:"amount"`
	CategoryID *string `json:"categoryId"`
	Note       *string `json:"note"`
	Date       *string `json:"date"`
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	expected, err := parseIfMatch(r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	var req updateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed-body", "Bad Request", "invalid JSON body")
		return
	}

	var patch storage.TransactionPatch
	if req.Kind != nil {
		kind := core.Kind(*req.Kind)
		if err := kind.Validate(); err != nil {
			writeError(r.Context(), w, err)
			return
		}
		patch.Kind = &kind
	}
	if req.Amount != nil {
		cents, err := core.ParseAmount(*req.Amount)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		patch.AmountCents = &cents
	}
	if req.CategoryID != nil {
		patch.CategoryID = req.CategoryID
	}
	if req.Note != nil {
		if len(*req.Note) > 500 {
			writeError(r.Context(), w, core.ErrNoteTooLong)
			return
		}
		patch.Note = req.Note
	}
	if req.Date != nil {
		date, err := core.ParseDate(*req.Date)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		patch.Date = &date
	}

	tx, err := s.store.UpdateTransaction(r.Context(), sess, chi.URLParam(r, "id"), expected, patch)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	s.invalidateDashboards(sess.FamilyID)
	s.publishChange(r.Context(), "updated", tx)
	writeETag(w, tx.Version)
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	expected, err := parseIfMatch(r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.store.DeleteTransaction(r.Context(), sess, id, expected); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	s.invalidateDashboards(sess.FamilyID)
	s.logger.InfoContext(r.Context(), "Transaction deleted via API",
		applog.FieldTransactionID, id, applog.FieldFamilyID, sess.FamilyID)
	w.WriteHeader(http.StatusNoContent)
}

type transactionListResponse struct {
	Items      []transactionResponse `json:"items"`
	NextCursor string                `json:"nextCursor,omitempty"`
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	filter := storage.TransactionFilter{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  20,
	}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		k := core.Kind(kind)
		if err := k.Validate(); err != nil {
			writeError(r.Context(), w, err)
			return
		}
		filter.Kind = k
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 100 {
			writeProblem(w, http.StatusUnprocessableEntity, "validation-failed", "Validation Failed",
				"limit must be an integer between 1 and 100")
			return
		}
		filter.Limit = limit
	}

	txs, nextCursor, err := s.store.ListTransactions(r.Context(), sess.FamilyID, filter)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	resp := transactionListResponse{
		Items:      make([]transactionResponse, 0, len(txs)),
		NextCursor: nextCursor,
	}
	for _, tx := range txs {
		resp.Items = append(resp.Items, toTransactionResponse(tx))
	}
	writeJSON(w, http.StatusOK, resp)
}
