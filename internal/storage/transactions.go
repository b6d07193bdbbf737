package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"contas/internal/core"
)

// CreateTransactionParams carries everything needed to insert a transaction.
// ID is the idempotency key when the client supplied one, otherwise a server
// generated identifier.
type CreateTransactionParams struct {
	ID          string
	FamilyID    string
	UserID      string
	CategoryID  string
	Kind        core.Kind
	AmountCents int64
	Note        string
	Date        core.Date
}

// TransactionPatch lists the fields an update may change. Nil means "leave
// as is".
type TransactionPatch struct {
	Kind        *core.Kind
	AmountCents *int64
	CategoryID  *string
	Note        *string
	Date        *core.Date
}

// TransactionFilter narrows and pages a transaction listing.
type TransactionFilter struct {
	Kind   core.Kind // empty means both kinds
	Cursor string    // exclusive upper bound on id
	Limit  int
}

const transactionColumns = `id, family_id, user_id, category_id, kind,
	amount_cents, note, date, version, created_at, updated_at`

// CreateTransaction inserts a transaction, deduplicating on the ID within
// the (family, user) scope. It returns the resulting row and whether a new
// row was written: a repeated create with the same ID observes the first
// outcome with created=false.
//
// The pre-check read is an optimization; the primary key constraint is what
// actually breaks the race between concurrent retries.
func (r *Repository) CreateTransaction(ctx context.Context, p CreateTransactionParams) (core.Transaction, bool, error) {
	if err := r.checkCategory(ctx, p.FamilyID, p.CategoryID); err != nil {
		return core.Transaction{}, false, err
	}

	if tx, err := r.findScoped(ctx, p); err == nil {
		return tx, false, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, false, err
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO transactions (id, family_id, user_id, category_id, kind, amount_cents, note, date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+transactionColumns,
		p.ID, p.FamilyID, p.UserID, p.CategoryID, string(p.Kind), p.AmountCents, p.Note, p.Date.String())

	tx, err := scanTransaction(row)
	if err == nil {
		slog.InfoContext(ctx, "Transaction created",
			"id", tx.ID,
			"family_id", tx.FamilyID,
			"kind", tx.Kind,
			"amount_cents", tx.Amount.Cents)
		return tx, true, nil
	}

	if isUniqueViolation(err) {
		// Lost the race: a concurrent retry with the same key committed
		// first. Fall back to reading its outcome.
		tx, ferr := r.findScoped(ctx, p)
		if ferr == nil {
			return tx, false, nil
		}
		if errors.Is(ferr, sql.ErrNoRows) {
			// Key exists but belongs to another family or user.
			return core.Transaction{}, false, fmt.Errorf("transaction id %q: %w", p.ID, core.ErrDuplicate)
		}
		return core.Transaction{}, false, ferr
	}

	return core.Transaction{}, false, fmt.Errorf("insert transaction: %w", err)
}

// findScoped looks the ID up restricted to the (family, user) pair that is
// allowed to observe it as an idempotent replay.
func (r *Repository) findScoped(ctx context.Context, p CreateTransactionParams) (core.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = ? AND family_id = ? AND user_id = ?`,
		p.ID, p.FamilyID, p.UserID)
	return scanTransaction(row)
}

// GetTransaction loads one transaction scoped to a family.
func (r *Repository) GetTransaction(ctx context.Context, familyID, id string) (core.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = ? AND family_id = ?`,
		id, familyID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, core.ErrNotFound
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

// UpdateTransaction applies a patch if and only if the stored version equals
// expectedVersion, bumping the version by one in the same statement. The
// WHERE clause carries the version check so two racing updates with the same
// claimed version can never both succeed.
func (r *Repository) UpdateTransaction(ctx context.Context, sess core.Session, id string, expectedVersion int64, patch TransactionPatch) (core.Transaction, error) {
	existing, err := r.GetTransaction(ctx, sess.FamilyID, id)
	if err != nil {
		return core.Transaction{}, err
	}
	if sess.Role != core.RoleOwner && existing.UserID != sess.UserID {
		return core.Transaction{}, core.ErrForbidden
	}
	if patch.CategoryID != nil {
		if err := r.checkCategory(ctx, sess.FamilyID, *patch.CategoryID); err != nil {
			return core.Transaction{}, err
		}
	}

	sets := []string{"version = version + 1", "updated_at = CURRENT_TIMESTAMP"}
	args := []any{}
	if patch.Kind != nil {
		sets = append(sets, "kind = ?")
		args = append(args, string(*patch.Kind))
	}
	if patch.AmountCents != nil {
		sets = append(sets, "amount_cents = ?")
		args = append(args, *patch.AmountCents)
	}
	if patch.CategoryID != nil {
		sets = append(sets, "category_id = ?")
		args = append(args, *patch.CategoryID)
	}
	if patch.Note != nil {
		sets = append(sets, "note = ?")
		args = append(args, *patch.Note)
	}
	if patch.Date != nil {
		sets = append(sets, "date = ?")
		args = append(args, patch.Date.String())
	}
	args = append(args, id, sess.FamilyID, expectedVersion)

	row := r.db.QueryRowContext(ctx, `
		UPDATE transactions SET `+strings.Join(sets, ", ")+`
		WHERE id = ? AND family_id = ? AND version = ?
		RETURNING `+transactionColumns, args...)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, r.classifyMiss(ctx, sess.FamilyID, id)
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("update transaction: %w", err)
	}

	slog.InfoContext(ctx, "Transaction updated",
		"id", tx.ID,
		"family_id", tx.FamilyID,
		"version", tx.Version)
	return tx, nil
}

// DeleteTransaction removes a transaction under the same version guard as
// UpdateTransaction.
func (r *Repository) DeleteTransaction(ctx context.Context, sess core.Session, id string, expectedVersion int64) error {
	existing, err := r.GetTransaction(ctx, sess.FamilyID, id)
	if err != nil {
		return err
	}
	if sess.Role != core.RoleOwner && existing.UserID != sess.UserID {
		return core.ErrForbidden
	}

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE id = ? AND family_id = ? AND version = ?`,
		id, sess.FamilyID, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete transaction rows affected: %w", err)
	}
	if affected == 0 {
		return r.classifyMiss(ctx, sess.FamilyID, id)
	}

	slog.InfoContext(ctx, "Transaction deleted", "id", id, "family_id", sess.FamilyID)
	return nil
}

// classifyMiss distinguishes a stale version from a vanished row after a
// conditional mutation touched nothing.
func (r *Repository) classifyMiss(ctx context.Context, familyID, id string) error {
	var v int64
	err := r.db.QueryRowContext(ctx,
		`SELECT version FROM transactions WHERE id = ? AND family_id = ?`, id, familyID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reload transaction version: %w", err)
	}
	return core.ErrVersionConflict
}

// ListTransactions returns a page of transactions, newest first, and the
// cursor for the next page ("" when exhausted).
func (r *Repository) ListTransactions(ctx context.Context, familyID string, f TransactionFilter) ([]core.Transaction, string, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}

	where := []string{"family_id = ?"}
	args := []any{familyID}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Cursor != "" {
		where = append(where, "id < ?")
		args = append(args, f.Cursor)
	}
	args = append(args, f.Limit+1)

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY date DESC, created_at DESC, id DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []core.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list transactions: %w", err)
	}

	nextCursor := ""
	if len(txs) > f.Limit {
		txs = txs[:f.Limit]
		nextCursor = txs[len(txs)-1].ID
	}
	return txs, nextCursor, nil
}

func (r *Repository) checkCategory(ctx context.Context, familyID, categoryID string) error {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM categories WHERE id = ? AND family_id = ?`, categoryID, familyID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrUnknownCategory
	}
	if err != nil {
		return fmt.Errorf("check category: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		tx         core.Transaction
		kind, date string
		created    sql.NullTime
		updated    sql.NullTime
	)
	err := row.Scan(&tx.ID, &tx.FamilyID, &tx.UserID, &tx.CategoryID, &kind,
		&tx.Amount.Cents, &tx.Note, &date, &tx.Version, &created, &updated)
	if err != nil {
		return core.Transaction{}, err
	}
	tx.Kind = core.Kind(kind)
	if tx.Date, err = core.ParseDate(date); err != nil {
		return core.Transaction{}, fmt.Errorf("stored date %q: %w", date, err)
	}
	tx.CreatedAt = scanTime(created)
	tx.UpdatedAt = scanTime(updated)
	return tx, nil
}
