package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"contas/internal/core"
	applog "contas/internal/log"
)

type meResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	FamilyID string `json:"familyId"`
	Role     string `json:"role"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	u, err := s.store.GetUser(r.Context(), sess.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		ID:       u.ID,
		Email:    u.Email,
		Name:     u.Name,
		FamilyID: u.FamilyID,
		Role:     string(u.Role),
	})
}

type createInviteRequest struct {
	Email string `json:"email"`
}

type inviteResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// handleCreateInvite issues a PARTNER invite into the owner's family. The
// token travels out of band; accepting it binds the new user.
func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if sess.Role != core.RoleOwner {
		writeError(r.Context(), w, core.ErrForbidden)
		return
	}

	var req createInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed-body", "Bad Request", "invalid JSON body")
		return
	}
	if req.Email == "" {
		writeProblem(w, http.StatusUnprocessableEntity, "validation-failed", "Validation Failed",
			"email is required")
		return
	}

	inv, err := s.store.CreateInvite(r.Context(), core.Invite{
		ID:        uuid.NewString(),
		FamilyID:  sess.FamilyID,
		Email:     req.Email,
		Role:      core.RolePartner,
		Token:     uuid.NewString(),
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
	})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusCreated, inviteResponse{
		ID:        inv.ID,
		Email:     inv.Email,
		Role:      string(inv.Role),
		Token:     inv.Token,
		ExpiresAt: inv.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type acceptInviteRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	var req acceptInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed-body", "Bad Request", "invalid JSON body")
		return
	}
	if req.Token == "" {
		writeProblem(w, http.StatusUnprocessableEntity, "validation-failed", "Validation Failed",
			"token is required")
		return
	}

	inv, err := s.store.AcceptInvite(r.Context(), sess.UserID, req.Token)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	s.logger.InfoContext(r.Context(), "User joined family",
		applog.FieldUserID, sess.UserID, applog.FieldFamilyID, inv.FamilyID)
	writeJSON(w, http.StatusOK, map[string]string{
		"familyId": inv.FamilyID,
		"role":     string(inv.Role),
	})
}
