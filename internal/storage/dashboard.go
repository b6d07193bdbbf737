package storage

import (
	"context"
	"fmt"

	"contas/internal/core"
)

// Dashboard is the monthly summary for a family.
type Dashboard struct {
	Month         string
	IncomeCents   int64
	ExpenseCents  int64
	BalanceCents  int64
	TopCategories []CategoryTotal
	Recent        []core.Transaction
}

// CategoryTotal is an expense total aggregated per category.
type CategoryTotal struct {
	CategoryID   string
	CategoryName string
	TotalCents   int64
}

// MonthDashboard aggregates a family's month: income and expense totals,
// the five heaviest expense categories and the ten most recent movements.
// month is "YYYY-MM".
func (r *Repository) MonthDashboard(ctx context.Context, familyID, month string) (Dashboard, error) {
	d := Dashboard{Month: month}
	prefix := month + "-%"

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'INCOME'  THEN amount_cents END), 0),
			COALESCE(SUM(CASE WHEN kind = 'EXPENSE' THEN amount_cents END), 0)
		FROM transactions
		WHERE family_id = ? AND date LIKE ?`, familyID, prefix).
		Scan(&d.IncomeCents, &d.ExpenseCents)
	if err != nil {
		return Dashboard{}, fmt.Errorf("dashboard totals: %w", err)
	}
	d.BalanceCents = d.IncomeCents - d.ExpenseCents

	rows, err := r.db.QueryContext(ctx, `
		SELECT t.category_id, c.name, SUM(t.amount_cents) AS total
		FROM transactions t
		JOIN categories c ON c.id = t.category_id
		WHERE t.family_id = ? AND t.date LIKE ? AND t.kind = 'EXPENSE'
		GROUP BY t.category_id, c.name
		ORDER BY total DESC, c.name ASC
		LIMIT 5`, familyID, prefix)
	if err != nil {
		return Dashboard{}, fmt.Errorf("dashboard categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ct CategoryTotal
		if err := rows.Scan(&ct.CategoryID, &ct.CategoryName, &ct.TotalCents); err != nil {
			return Dashboard{}, fmt.Errorf("scan category total: %w", err)
		}
		d.TopCategories = append(d.TopCategories, ct)
	}
	if err := rows.Err(); err != nil {
		return Dashboard{}, fmt.Errorf("dashboard categories: %w", err)
	}

	recent, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE family_id = ? AND date LIKE ?
		ORDER BY date DESC, created_at DESC, id DESC
		LIMIT 10`, familyID, prefix)
	if err != nil {
		return Dashboard{}, fmt.Errorf("dashboard recent: %w", err)
	}
	defer recent.Close()
	for recent.Next() {
		tx, err := scanTransaction(recent)
		if err != nil {
			return Dashboard{}, fmt.Errorf("scan recent: %w", err)
		}
		d.Recent = append(d.Recent, tx)
	}
	if err := recent.Err(); err != nil {
		return Dashboard{}, fmt.Errorf("dashboard recent: %w", err)
	}
	return d, nil
}
