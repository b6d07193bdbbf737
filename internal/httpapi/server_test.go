package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"contas/internal/core"
	applog "contas/internal/log"
	"contas/internal/storage"
)

const (
	ownerToken   = "tok-owner"
	partnerToken = "tok-partner"
	otherToken   = "tok-other"
)

type testAPI struct {
	srv  *Server
	repo *storage.Repository
	cat  core.Category
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	repo, err := storage.NewRepository(filepath.Join(t.TempDir(), "contas.db"))
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	mustSeed := func(familyID, familyName, userID, email string, role core.Role, token string) {
		if err := repo.SeedIdentity(ctx, familyID, familyName, userID, email, role, token); err != nil {
			t.Fatalf("seed %s: %v", userID, err)
		}
	}
	mustSeed("fam-1", "Rossi", "user-owner", "owner@example.com", core.RoleOwner, ownerToken)
	mustSeed("fam-1", "Rossi", "user-partner", "partner@example.com", core.RolePartner, partnerToken)
	mustSeed("fam-2", "Bianchi", "user-other", "other@example.com", core.RoleOwner, otherToken)

	cat, _, err := repo.CreateCategory(ctx, core.Category{
		ID:       "cat-groceries",
		FamilyID: "fam-1",
		Name:     "Spesa",
		Kind:     core.Expense,
	})
	if err != nil {
		t.Fatalf("seed category: %v", err)
	}

	logger := applog.New(applog.DefaultConfig())
	srv := NewServer(":0", repo, nil, logger)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return &testAPI{srv: srv, repo: repo, cat: cat}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.srv.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) createTransaction(t *testing.T, token string, headers map[string]string) transactionResponse {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/transactions", token, map[string]string{
		"kind":       "EXPENSE",
		"amount":     "12.50",
		"categoryId": a.cat.ID,
		"note":       "weekly groceries",
		"date":       "2026-08-10",
	}, headers)
	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("create transaction: status %d, body %s", rec.Code, rec.Body.String())
	}
	var tx transactionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tx); err != nil {
		t.Fatalf("decode transaction: %v", err)
	}
	return tx
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) Problem {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/v1/transactions", "", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	decodeProblem(t, rec)
}

func TestCreateTransactionReturnsETag(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/transactions", ownerToken, map[string]string{
		"kind":       "EXPENSE",
		"amount":     "12.50",
		"categoryId": api.cat.ID,
		"date":       "2026-08-10",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if etag := rec.Header().Get("ETag"); etag != `"1"` {
		t.Errorf("ETag = %q, want %q", etag, `"1"`)
	}

	var tx transactionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tx); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tx.Version != 1 || tx.Amount != "12.50" {
		t.Errorf("tx = %+v", tx)
	}
}

func TestCreateTransactionValidation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"bad amount format", map[string]string{
			"kind": "EXPENSE", "amount": "12,50", "categoryId": api.cat.ID, "date": "2026-08-10",
		}, http.StatusUnprocessableEntity},
		{"missing decimals", map[string]string{
			"kind": "EXPENSE", "amount": "12", "categoryId": api.cat.ID, "date": "2026-08-10",
		}, http.StatusUnprocessableEntity},
		{"bad kind", map[string]string{
			"kind": "TRANSFER", "amount": "12.50", "categoryId": api.cat.ID, "date": "2026-08-10",
		}, http.StatusUnprocessableEntity},
		{"bad date", map[string]string{
			"kind": "EXPENSE", "amount": "12.50", "categoryId": api.cat.ID, "date": "10/08/2026",
		}, http.StatusUnprocessableEntity},
		{"unknown category", map[string]string{
			"kind": "EXPENSE", "amount": "12.50", "categoryId": "nope", "date": "2026-08-10",
		}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/v1/transactions", ownerToken, tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestIdempotentCreateReplay(t *testing.T) {
	api := newTestAPI(t)
	headers := map[string]string{"Idempotency-Key": "key-123"}

	first := api.do(t, http.MethodPost, "/api/v1/transactions", ownerToken, map[string]string{
		"kind": "EXPENSE", "amount": "9.99", "categoryId": api.cat.ID, "date": "2026-08-10",
	}, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}

	replay := api.do(t, http.MethodPost, "/api/v1/transactions", ownerToken, map[string]string{
		"kind": "EXPENSE", "amount": "9.99", "categoryId": api.cat.ID, "date": "2026-08-10",
	}, headers)
	if replay.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", replay.Code)
	}

	var a, b transactionResponse
	json.Unmarshal(first.Body.Bytes(), &a)
	json.Unmarshal(replay.Body.Bytes(), &b)
	if a.ID != "key-123" || b.ID != a.ID {
		t.Errorf("ids = %q, %q, want both key-123", a.ID, b.ID)
	}

	// The key is pinned to its creator: another family cannot reuse it.
	otherCat, _, err := api.repo.CreateCategory(context.Background(), core.Category{
		ID: "cat-other", FamilyID: "fam-2", Name: "Spesa", Kind: core.Expense,
	})
	if err != nil {
		t.Fatalf("seed fam-2 category: %v", err)
	}
	stolen := api.do(t, http.MethodPost, "/api/v1/transactions", otherToken, map[string]string{
		"kind": "EXPENSE", "amount": "1.00", "categoryId": otherCat.ID, "date": "2026-08-10",
	}, headers)
	if stolen.Code != http.StatusConflict {
		t.Errorf("foreign reuse status = %d, want 409", stolen.Code)
	}
}

func TestPatchPreconditionScenarios(t *testing.T) {
	api := newTestAPI(t)
	tx := api.createTransaction(t, ownerToken, nil)
	path := "/api/v1/transactions/" + tx.ID
	body := map[string]string{"note": "updated"}

	t.Run("missing If-Match", func(t *testing.T) {
		rec := api.do(t, http.MethodPatch, path, ownerToken, body, nil)
		if rec.Code != http.StatusPreconditionRequired {
			t.Fatalf("status = %d, want 428", rec.Code)
		}
		decodeProblem(t, rec)
	})

	t.Run("malformed If-Match", func(t *testing.T) {
		rec := api.do(t, http.MethodPatch, path, ownerToken, body,
			map[string]string{"If-Match": "banana"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("stale If-Match", func(t *testing.T) {
		rec := api.do(t, http.MethodPatch, path, ownerToken, body,
			map[string]string{"If-Match": `"99"`})
		if rec.Code != http.StatusPreconditionFailed {
			t.Fatalf("status = %d, want 412", rec.Code)
		}
		decodeProblem(t, rec)
	})

	t.Run("matching If-Match", func(t *testing.T) {
		rec := api.do(t, http.MethodPatch, path, ownerToken, body,
			map[string]string{"If-Match": `"1"`})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if etag := rec.Header().Get("ETag"); etag != `"2"` {
			t.Errorf("ETag = %q, want %q", etag, `"2"`)
		}
	})

	t.Run("replayed If-Match after success", func(t *testing.T) {
		rec := api.do(t, http.MethodPatch, path, ownerToken, body,
			map[string]string{"If-Match": `"1"`})
		if rec.Code != http.StatusPreconditionFailed {
			t.Fatalf("status = %d, want 412", rec.Code)
		}
	})
}

func TestCrossFamilyLooksLikeNotFound(t *testing.T) {
	api := newTestAPI(t)
	tx := api.createTransaction(t, ownerToken, nil)

	rec := api.do(t, http.MethodGet, "/api/v1/transactions/"+tx.ID, otherToken, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET status = %d, want 404", rec.Code)
	}

	rec = api.do(t, http.MethodPatch, "/api/v1/transactions/"+tx.ID, otherToken,
		map[string]string{"note": "x"}, map[string]string{"If-Match": `"1"`})
	if rec.Code != http.StatusNotFound {
		t.Errorf("PATCH status = %d, want 404", rec.Code)
	}
}

func TestPartnerForbiddenOnOthersTransaction(t *testing.T) {
	api := newTestAPI(t)
	tx := api.createTransaction(t, ownerToken, nil)

	rec := api.do(t, http.MethodPatch, "/api/v1/transactions/"+tx.ID, partnerToken,
		map[string]string{"note": "mine"}, map[string]string{"If-Match": `"1"`})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestDeleteTransaction(t *testing.T) {
	api := newTestAPI(t)
	tx := api.createTransaction(t, ownerToken, nil)
	path := "/api/v1/transactions/" + tx.ID

	rec := api.do(t, http.MethodDelete, path, ownerToken, nil, nil)
	if rec.Code != http.StatusPreconditionRequired {
		t.Fatalf("delete without If-Match status = %d, want 428", rec.Code)
	}

	rec = api.do(t, http.MethodDelete, path, ownerToken, nil, map[string]string{"If-Match": `"1"`})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = api.do(t, http.MethodGet, path, ownerToken, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestListTransactionsPaging(t *testing.T) {
	api := newTestAPI(t)
	for i := 0; i < 5; i++ {
		api.do(t, http.MethodPost, "/api/v1/transactions", ownerToken, map[string]string{
			"kind": "EXPENSE", "amount": "1.00", "categoryId": api.cat.ID, "date": "2026-08-10",
		}, map[string]string{"Idempotency-Key": fmt.Sprintf("tx-%02d", i)})
	}

	rec := api.do(t, http.MethodGet, "/api/v1/transactions?limit=3", ownerToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var page transactionListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 3 || page.NextCursor == "" {
		t.Fatalf("page = %d items, cursor %q", len(page.Items), page.NextCursor)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/transactions?limit=3&cursor="+page.NextCursor, ownerToken, nil, nil)
	var rest transactionListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rest); err != nil {
		t.Fatalf("decode second page: %v", err)
	}
	if len(rest.Items) != 2 || rest.NextCursor != "" {
		t.Errorf("second page = %d items, cursor %q", len(rest.Items), rest.NextCursor)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/transactions?limit=500", ownerToken, nil, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("oversized limit status = %d, want 422", rec.Code)
	}
}

func TestCategoriesOwnerOnly(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/categories", partnerToken,
		map[string]string{"name": "Viaggi", "kind": "EXPENSE"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("partner create status = %d, want 403", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/categories", ownerToken,
		map[string]string{"name": "Viaggi", "kind": "EXPENSE"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("owner create status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Duplicate name+kind in the family.
	rec = api.do(t, http.MethodPost, "/api/v1/categories", ownerToken,
		map[string]string{"name": "Viaggi", "kind": "EXPENSE"}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}
}

func TestDeleteCategoryInUse(t *testing.T) {
	api := newTestAPI(t)
	api.createTransaction(t, ownerToken, nil)

	rec := api.do(t, http.MethodDelete, "/api/v1/categories/"+api.cat.ID, ownerToken, nil,
		map[string]string{"If-Match": `"1"`})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestDashboard(t *testing.T) {
	api := newTestAPI(t)
	api.createTransaction(t, ownerToken, nil) // 12.50 expense on 2026-08-10

	rec := api.do(t, http.MethodGet, "/api/v1/dashboard?month=2026-08", ownerToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var d dashboardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Expense != "12.50" || d.Balance != "-12.50" {
		t.Errorf("dashboard = %+v", d)
	}
	if len(d.TopCategories) != 1 || d.TopCategories[0].Percent != 100 {
		t.Errorf("topCategories = %+v", d.TopCategories)
	}

	// A mutation invalidates the cached month.
	api.do(t, http.MethodPost, "/api/v1/transactions", ownerToken, map[string]string{
		"kind": "EXPENSE", "amount": "7.50", "categoryId": api.cat.ID, "date": "2026-08-11",
	}, nil)
	rec = api.do(t, http.MethodGet, "/api/v1/dashboard?month=2026-08", ownerToken, nil, nil)
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.Expense != "20.00" {
		t.Errorf("expense after second create = %q, want 20.00", d.Expense)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/dashboard?month=August", ownerToken, nil, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad month status = %d, want 422", rec.Code)
	}
}

func TestInviteFlow(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	if err := api.repo.CreateUser(ctx, "user-new", "new@example.com", "tok-new"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	// Partner cannot invite.
	rec := api.do(t, http.MethodPost, "/api/v1/invites", partnerToken,
		map[string]string{"email": "new@example.com"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("partner invite status = %d, want 403", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/invites", ownerToken,
		map[string]string{"email": "new@example.com"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("invite status = %d, body %s", rec.Code, rec.Body.String())
	}
	var inv inviteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &inv); err != nil {
		t.Fatalf("decode invite: %v", err)
	}

	// The new user cannot touch family routes yet.
	rec = api.do(t, http.MethodGet, "/api/v1/transactions", "tok-new", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("family-less list status = %d, want 403", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/invites/accept", "tok-new",
		map[string]string{"token": inv.Token}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodGet, "/api/v1/me", "tok-new", nil, nil)
	var me meResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.FamilyID != "fam-1" || me.Role != "PARTNER" {
		t.Errorf("me = %+v", me)
	}
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := api.do(t, http.MethodGet, path, "", nil, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
