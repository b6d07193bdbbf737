package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"contas/internal/core"
)

const (
	testFamilyID  = "fam-1"
	testOwnerID   = "user-owner"
	testPartnerID = "user-partner"
	ownerToken    = "tok-owner"
	partnerToken  = "tok-partner"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "contas.db"))
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	if err := repo.SeedIdentity(ctx, testFamilyID, "Rossi", testOwnerID, "owner@example.com", core.RoleOwner, ownerToken); err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	if err := repo.SeedIdentity(ctx, testFamilyID, "Rossi", testPartnerID, "partner@example.com", core.RolePartner, partnerToken); err != nil {
		t.Fatalf("seed partner: %v", err)
	}
	return repo
}

func seedCategory(t *testing.T, repo *Repository, name string, kind core.Kind) core.Category {
	t.Helper()
	cat, _, err := repo.CreateCategory(context.Background(), core.Category{
		ID:       uuid.NewString(),
		FamilyID: testFamilyID,
		Name:     name,
		Kind:     kind,
	})
	if err != nil {
		t.Fatalf("seed category %q: %v", name, err)
	}
	return cat
}

func ownerSession() core.Session {
	return core.Session{UserID: testOwnerID, FamilyID: testFamilyID, Role: core.RoleOwner}
}

func partnerSession() core.Session {
	return core.Session{UserID: testPartnerID, FamilyID: testFamilyID, Role: core.RolePartner}
}

func createParams(id, userID, categoryID string, cents int64, date string) CreateTransactionParams {
	d, _ := core.ParseDate(date)
	return CreateTransactionParams{
		ID:          id,
		FamilyID:    testFamilyID,
		UserID:      userID,
		CategoryID:  categoryID,
		Kind:        core.Expense,
		AmountCents: cents,
		Date:        d,
	}
}

func TestCreateTransactionStartsAtVersionOne(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)

	tx, created, err := repo.CreateTransaction(context.Background(),
		createParams(uuid.NewString(), testOwnerID, cat.ID, 1250, "2026-08-01"))
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first insert")
	}
	if tx.Version != 1 {
		t.Errorf("version = %d, want 1", tx.Version)
	}
}

func TestCreateTransactionUnknownCategory(t *testing.T) {
	repo := newTestRepo(t)

	_, _, err := repo.CreateTransaction(context.Background(),
		createParams(uuid.NewString(), testOwnerID, "no-such-category", 500, "2026-08-01"))
	if !errors.Is(err, core.ErrUnknownCategory) {
		t.Fatalf("err = %v, want ErrUnknownCategory", err)
	}
}

func TestCreateTransactionIdempotentReplay(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)
	ctx := context.Background()
	key := uuid.NewString()

	first, created, err := repo.CreateTransaction(ctx, createParams(key, testOwnerID, cat.ID, 999, "2026-08-02"))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	// Replays observe the first outcome even with a different payload.
	replay, created, err := repo.CreateTransaction(ctx, createParams(key, testOwnerID, cat.ID, 12345, "2026-08-15"))
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if created {
		t.Fatal("replay reported created=true")
	}
	if replay.Amount.Cents != first.Amount.Cents || !replay.Date.Equal(first.Date.Time) {
		t.Errorf("replay returned %+v, want first outcome %+v", replay, first)
	}
}

func TestCreateTransactionKeyStolenAcrossUsers(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)
	ctx := context.Background()
	key := uuid.NewString()

	if _, _, err := repo.CreateTransaction(ctx, createParams(key, testOwnerID, cat.ID, 100, "2026-08-01")); err != nil {
		t.Fatalf("owner create: %v", err)
	}
	_, _, err := repo.CreateTransaction(ctx, createParams(key, testPartnerID, cat.ID, 100, "2026-08-01"))
	if !errors.Is(err, core.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestCreateTransactionConcurrentRetries(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)
	key := uuid.NewString()
	params := createParams(key, testOwnerID, cat.ID, 4200, "2026-08-03")

	const workers = 8
	results := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := repo.CreateTransaction(context.Background(), params)
			if err != nil {
				t.Errorf("concurrent create: %v", err)
				return
			}
			results <- created
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for created := range results {
		if created {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("created=true %d times, want exactly 1", wins)
	}
}

func TestUpdateTransactionBumpsVersion(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)
	ctx := context.Background()

	tx, _, err := repo.CreateTransaction(ctx, createParams(uuid.NewString(), testOwnerID, cat.ID, 500, "2026-08-01"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	note := "groceries"
	updated, err := repo.UpdateTransaction(ctx, ownerSession(), tx.ID, tx.Version, TransactionPatch{Note: &note})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != tx.Version+1 {
		t.Errorf("version = %d, want %d", updated.Version, tx.Version+1)
	}
	if updated.Note != note {
		t.Errorf("note = %q, want %q", updated.Note, note)
	}
}

func TestUpdateTransactionStaleVersion(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)
	ctx := context.Background()

	tx, _, err := repo.CreateTransaction(ctx, createParams(uuid.NewString(), testOwnerID, cat.ID, 500, "2026-08-01"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	note := "first"
	if _, err := repo.UpdateTransaction(ctx, ownerSession(), tx.ID, tx.Version, TransactionPatch{Note: &note}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// Same claimed version again: the row moved on, so this must lose.
	note = "second"
	_, err = repo.UpdateTransaction(ctx, ownerSession(), tx.ID, tx.Version, TransactionPatch{Note: &note})
	if !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}

	got, err := repo.GetTransaction(ctx, testFamilyID, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Note != "first" {
		t.Errorf("note = %q, stale update must not apply", got.Note)
	}
}

func TestUpdateTransactionRaceOneWinner(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)
	ctx := context.Background()

	tx, _, err := repo.CreateTransaction(ctx, createParams(uuid.NewString(), testOwnerID, cat.ID, 500, "2026-08-01"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cents := int64(1000 + i)
			_, err := repo.UpdateTransaction(context.Background(), ownerSession(), tx.ID, tx.Version,
				TransactionPatch{AmountCents: &cents})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, core.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if conflicts != workers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, workers-1)
	}

	got, err := repo.GetTransaction(ctx, testFamilyID, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("final version = %d, want 2", got.Version)
	}
}

func TestUpdateTransactionNotFound(t *testing.T) {
	repo := newTestRepo(t)

	note := "x"
	_, err := repo.UpdateTransaction(context.Background(), ownerSession(), "missing", 1, TransactionPatch{Note: &note})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPartnerCannotEditOthersTransaction(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)
	ctx := context.Background()

	tx, _, err := repo.CreateTransaction(ctx, createParams(uuid.NewString(), testOwnerID, cat.ID, 500, "2026-08-01"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	note := "mine now"
	if _, err := repo.UpdateTransaction(ctx, partnerSession(), tx.ID, tx.Version, TransactionPatch{Note: &note}); !errors.Is(err, core.ErrForbidden) {
		t.Errorf("update err = %v, want ErrForbidden", err)
	}
	if err := repo.DeleteTransaction(ctx, partnerSession(), tx.ID, tx.Version); !errors.Is(err, core.ErrForbidden) {
		t.Errorf("delete err = %v, want ErrForbidden", err)
	}
}

func TestOwnerCanEditPartnersTransaction(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)
	ctx := context.Background()

	tx, _, err := repo.CreateTransaction(ctx, createParams(uuid.NewString(), testPartnerID, cat.ID, 500, "2026-08-01"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	note := "reviewed"
	if _, err := repo.UpdateTransaction(ctx, ownerSession(), tx.ID, tx.Version, TransactionPatch{Note: &note}); err != nil {
		t.Fatalf("owner update over partner row: %v", err)
	}
}

func TestDeleteTransactionVersionGuard(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)
	ctx := context.Background()

	tx, _, err := repo.CreateTransaction(ctx, createParams(uuid.NewString(), testOwnerID, cat.ID, 500, "2026-08-01"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.DeleteTransaction(ctx, ownerSession(), tx.ID, tx.Version+5); !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("stale delete err = %v, want ErrVersionConflict", err)
	}
	if err := repo.DeleteTransaction(ctx, ownerSession(), tx.ID, tx.Version); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetTransaction(ctx, testFamilyID, tx.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get after delete err = %v, want ErrNotFound", err)
	}
}

func TestListTransactionsPagination(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := string(rune('a'+i)) + "-tx"
		if _, _, err := repo.CreateTransaction(ctx, createParams(id, testOwnerID, cat.ID, 100, "2026-08-10")); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	page1, cursor, err := repo.ListTransactions(ctx, testFamilyID, TransactionFilter{Limit: 2})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 2 || cursor == "" {
		t.Fatalf("page 1: got %d rows, cursor %q", len(page1), cursor)
	}

	page2, _, err := repo.ListTransactions(ctx, testFamilyID, TransactionFilter{Limit: 2, Cursor: cursor})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	for _, tx := range page2 {
		if tx.ID >= cursor {
			t.Errorf("page 2 contains id %q not strictly below cursor %q", tx.ID, cursor)
		}
	}
}

func TestListTransactionsKindFilter(t *testing.T) {
	repo := newTestRepo(t)
	exp := seedCategory(t, repo, "Spesa", core.Expense)
	inc := seedCategory(t, repo, "Stipendio", core.Income)
	ctx := context.Background()

	p := createParams(uuid.NewString(), testOwnerID, exp.ID, 100, "2026-08-10")
	if _, _, err := repo.CreateTransaction(ctx, p); err != nil {
		t.Fatalf("create expense: %v", err)
	}
	p = createParams(uuid.NewString(), testOwnerID, inc.ID, 200000, "2026-08-01")
	p.Kind = core.Income
	if _, _, err := repo.CreateTransaction(ctx, p); err != nil {
		t.Fatalf("create income: %v", err)
	}

	got, _, err := repo.ListTransactions(ctx, testFamilyID, TransactionFilter{Kind: core.Income})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Kind != core.Income {
		t.Fatalf("got %d rows, want the single income row", len(got))
	}
}

func TestCategoryDuplicateName(t *testing.T) {
	repo := newTestRepo(t)
	seedCategory(t, repo, "Spesa", core.Expense)

	_, _, err := repo.CreateCategory(context.Background(), core.Category{
		ID:       uuid.NewString(),
		FamilyID: testFamilyID,
		Name:     "Spesa",
		Kind:     core.Expense,
	})
	if !errors.Is(err, core.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	// Same name under the other kind is a different category.
	if _, _, err := repo.CreateCategory(context.Background(), core.Category{
		ID:       uuid.NewString(),
		FamilyID: testFamilyID,
		Name:     "Spesa",
		Kind:     core.Income,
	}); err != nil {
		t.Fatalf("same name, other kind: %v", err)
	}
}

func TestCreateCategoryIdempotentReplay(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)

	replay, created, err := repo.CreateCategory(context.Background(), core.Category{
		ID:       cat.ID,
		FamilyID: testFamilyID,
		Name:     "Spesa",
		Kind:     core.Expense,
	})
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if created || replay.ID != cat.ID {
		t.Errorf("replay = (%+v, created=%v), want first outcome", replay, created)
	}
}

func TestCategoryMutationsOwnerOnly(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)
	ctx := context.Background()

	name := "Alimentari"
	if _, err := repo.UpdateCategory(ctx, partnerSession(), cat.ID, cat.Version, CategoryPatch{Name: &name}); !errors.Is(err, core.ErrForbidden) {
		t.Errorf("partner update err = %v, want ErrForbidden", err)
	}
	if err := repo.DeleteCategory(ctx, partnerSession(), cat.ID, cat.Version); !errors.Is(err, core.ErrForbidden) {
		t.Errorf("partner delete err = %v, want ErrForbidden", err)
	}

	updated, err := repo.UpdateCategory(ctx, ownerSession(), cat.ID, cat.Version, CategoryPatch{Name: &name})
	if err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if updated.Version != cat.Version+1 || updated.Name != name {
		t.Errorf("updated = %+v", updated)
	}
}

func TestDeleteCategoryInUse(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)
	ctx := context.Background()

	if _, _, err := repo.CreateTransaction(ctx, createParams(uuid.NewString(), testOwnerID, cat.ID, 100, "2026-08-10")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.DeleteCategory(ctx, ownerSession(), cat.ID, cat.Version); !errors.Is(err, core.ErrCategoryInUse) {
		t.Fatalf("err = %v, want ErrCategoryInUse", err)
	}
}

func TestMonthDashboard(t *testing.T) {
	repo := newTestRepo(t)
	groceries := seedCategory(t, repo, "Spesa", core.Expense)
	rent := seedCategory(t, repo, "Affitto", core.Expense)
	salary := seedCategory(t, repo, "Stipendio", core.Income)
	ctx := context.Background()

	add := func(categoryID string, kind core.Kind, cents int64, date string) {
		t.Helper()
		p := createParams(uuid.NewString(), testOwnerID, categoryID, cents, date)
		p.Kind = kind
		if _, _, err := repo.CreateTransaction(ctx, p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	add(salary.ID, core.Income, 250000, "2026-08-01")
	add(rent.ID, core.Expense, 90000, "2026-08-02")
	add(groceries.ID, core.Expense, 4550, "2026-08-10")
	add(groceries.ID, core.Expense, 3000, "2026-08-20")
	add(groceries.ID, core.Expense, 9999, "2026-07-31") // previous month

	d, err := repo.MonthDashboard(ctx, testFamilyID, "2026-08")
	if err != nil {
		t.Fatalf("MonthDashboard: %v", err)
	}
	if d.IncomeCents != 250000 {
		t.Errorf("income = %d, want 250000", d.IncomeCents)
	}
	if d.ExpenseCents != 97550 {
		t.Errorf("expense = %d, want 97550", d.ExpenseCents)
	}
	if d.BalanceCents != 152450 {
		t.Errorf("balance = %d, want 152450", d.BalanceCents)
	}
	if len(d.TopCategories) != 2 {
		t.Fatalf("top categories = %d, want 2", len(d.TopCategories))
	}
	if d.TopCategories[0].CategoryID != rent.ID || d.TopCategories[0].TotalCents != 90000 {
		t.Errorf("top[0] = %+v, want rent at 90000", d.TopCategories[0])
	}
	if d.TopCategories[1].CategoryID != groceries.ID || d.TopCategories[1].TotalCents != 7550 {
		t.Errorf("top[1] = %+v, want groceries at 7550", d.TopCategories[1])
	}
	if len(d.Recent) != 4 {
		t.Errorf("recent = %d rows, want 4", len(d.Recent))
	}
}

func TestExportLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	cat := seedCategory(t, repo, "Spesa", core.Expense)
	ctx := context.Background()

	tx, _, err := repo.CreateTransaction(ctx, createParams(uuid.NewString(), testOwnerID, cat.ID, 100, "2026-08-10"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, err := repo.PendingExports(ctx, 10)
	if err != nil {
		t.Fatalf("PendingExports: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != tx.ID {
		t.Fatalf("pending = %+v, want the new row", pending)
	}

	if err := repo.MarkExported(ctx, tx.ID); err != nil {
		t.Fatalf("MarkExported: %v", err)
	}
	pending, err = repo.PendingExports(ctx, 10)
	if err != nil {
		t.Fatalf("PendingExports: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after export = %d, want 0", len(pending))
	}
}

func TestResolveSession(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	sess, err := repo.ResolveSession(ctx, ownerToken)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	if sess.UserID != testOwnerID || sess.FamilyID != testFamilyID || sess.Role != core.RoleOwner {
		t.Errorf("session = %+v", sess)
	}

	if _, err := repo.ResolveSession(ctx, "no-such-token"); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("unknown token err = %v, want ErrSessionInvalid", err)
	}
}

func TestAcceptInvite(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.CreateUser(ctx, "user-new", "new@example.com", "tok-new"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	// A fresh user resolves without a family until an invite is accepted.
	if sess, err := repo.ResolveSession(ctx, "tok-new"); err != nil || sess.FamilyID != "" {
		t.Fatalf("family-less session = %+v, err = %v", sess, err)
	}

	inv, err := repo.CreateInvite(ctx, core.Invite{
		ID:        uuid.NewString(),
		FamilyID:  testFamilyID,
		Email:     "new@example.com",
		Role:      core.RolePartner,
		Token:     uuid.NewString(),
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}

	if _, err := repo.AcceptInvite(ctx, "user-new", inv.Token); err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}

	sess, err := repo.ResolveSession(ctx, "tok-new")
	if err != nil {
		t.Fatalf("ResolveSession after accept: %v", err)
	}
	if sess.FamilyID != testFamilyID || sess.Role != core.RolePartner {
		t.Errorf("session = %+v", sess)
	}

	// A token is single use.
	if _, err := repo.AcceptInvite(ctx, "user-new", inv.Token); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second accept err = %v, want ErrNotFound", err)
	}
}
