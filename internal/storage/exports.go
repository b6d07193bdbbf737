package storage

import (
	"context"
	"fmt"

	"contas/internal/core"
)

// PendingExports returns up to limit transactions not yet pushed to the
// spreadsheet, oldest first so the sheet stays chronological.
func (r *Repository) PendingExports(ctx context.Context, limit int) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE export_status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending exports: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending export: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query pending exports: %w", err)
	}
	return out, nil
}

// MarkExported flags a transaction as written to the sheet.
func (r *Repository) MarkExported(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET export_status = 'exported' WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark exported: %w", err)
	}
	return nil
}

// MarkExportError flags a transaction whose export failed; the polling
// fallback does not retry it until it is reset to pending.
func (r *Repository) MarkExportError(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET export_status = 'error' WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark export error: %w", err)
	}
	return nil
}

// ResetExportErrors puts all errored transactions back in the pending state
// so the next poll cycle picks them up again.
func (r *Repository) ResetExportErrors(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET export_status = 'pending' WHERE export_status = 'error'`)
	if err != nil {
		return 0, fmt.Errorf("reset export errors: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset export errors: %w", err)
	}
	return n, nil
}
