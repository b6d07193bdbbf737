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

// CategoryPatch lists the fields a category update may change.
type CategoryPatch struct {
	Name *string
}

// CategoryFilter narrows a category listing.
type CategoryFilter struct {
	Kind   core.Kind // empty means both kinds
	Search string    // substring match on name
}

const categoryColumns = `id, family_id, name, kind, version, created_at, updated_at`

// CreateCategory inserts a category for a family. A (name, kind) pair can
// exist only once per family; the table constraint backs the pre-check.
func (r *Repository) CreateCategory(ctx context.Context, p core.Category) (core.Category, bool, error) {
	// A replayed create with the same ID observes the first outcome.
	if existing, err := r.GetCategory(ctx, p.FamilyID, p.ID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, core.ErrNotFound) {
		return core.Category{}, false, err
	}

	if existing, err := r.findCategoryByName(ctx, p.FamilyID, p.Name, p.Kind); err == nil {
		return existing, false, core.ErrDuplicate
	} else if !errors.Is(err, sql.ErrNoRows) {
		return core.Category{}, false, err
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO categories (id, family_id, name, kind)
		VALUES (?, ?, ?, ?)
		RETURNING `+categoryColumns,
		p.ID, p.FamilyID, p.Name, string(p.Kind))

	cat, err := scanCategory(row)
	if err == nil {
		slog.InfoContext(ctx, "Category created",
			"id", cat.ID, "family_id", cat.FamilyID, "name", cat.Name, "kind", cat.Kind)
		return cat, true, nil
	}

	if isUniqueViolation(err) {
		// Either a concurrent replay won on the ID, or the name is taken.
		if existing, ferr := r.GetCategory(ctx, p.FamilyID, p.ID); ferr == nil {
			return existing, false, nil
		}
		if existing, ferr := r.findCategoryByName(ctx, p.FamilyID, p.Name, p.Kind); ferr == nil {
			return existing, false, core.ErrDuplicate
		}
		return core.Category{}, false, fmt.Errorf("category %q: %w", p.Name, core.ErrDuplicate)
	}

	return core.Category{}, false, fmt.Errorf("insert category: %w", err)
}

func (r *Repository) findCategoryByName(ctx context.Context, familyID, name string, kind core.Kind) (core.Category, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		WHERE family_id = ? AND name = ? AND kind = ?`,
		familyID, name, string(kind))
	return scanCategory(row)
}

// GetCategory loads one category scoped to a family.
func (r *Repository) GetCategory(ctx context.Context, familyID, id string) (core.Category, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		WHERE id = ? AND family_id = ?`,
		id, familyID)
	cat, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Category{}, core.ErrNotFound
	}
	if err != nil {
		return core.Category{}, fmt.Errorf("get category: %w", err)
	}
	return cat, nil
}

// ListCategories returns a family's categories sorted by name.
func (r *Repository) ListCategories(ctx context.Context, familyID string, f CategoryFilter) ([]core.Category, error) {
	where := []string{"family_id = ?"}
	args := []any{familyID}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Search != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY name ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var cats []core.Category
	for rows.Next() {
		cat, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		cats = append(cats, cat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return cats, nil
}

// UpdateCategory renames a category under the version guard.
func (r *Repository) UpdateCategory(ctx context.Context, sess core.Session, id string, expectedVersion int64, patch CategoryPatch) (core.Category, error) {
	if sess.Role != core.RoleOwner {
		return core.Category{}, core.ErrForbidden
	}
	if _, err := r.GetCategory(ctx, sess.FamilyID, id); err != nil {
		return core.Category{}, err
	}

	sets := []string{"version = version + 1", "updated_at = CURRENT_TIMESTAMP"}
	args := []any{}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	args = append(args, id, sess.FamilyID, expectedVersion)

	row := r.db.QueryRowContext(ctx, `
		UPDATE categories SET `+strings.Join(sets, ", ")+`
		WHERE id = ? AND family_id = ? AND version = ?
		RETURNING `+categoryColumns, args...)

	cat, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Category{}, r.classifyCategoryMiss(ctx, sess.FamilyID, id)
	}
	if isUniqueViolation(err) {
		return core.Category{}, core.ErrDuplicate
	}
	if err != nil {
		return core.Category{}, fmt.Errorf("update category: %w", err)
	}

	slog.InfoContext(ctx, "Category updated", "id", cat.ID, "version", cat.Version)
	return cat, nil
}

// DeleteCategory removes a category under the version guard. Categories with
// transactions attached cannot be deleted.
func (r *Repository) DeleteCategory(ctx context.Context, sess core.Session, id string, expectedVersion int64) error {
	if sess.Role != core.RoleOwner {
		return core.ErrForbidden
	}
	if _, err := r.GetCategory(ctx, sess.FamilyID, id); err != nil {
		return err
	}

	var inUse int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM transactions WHERE category_id = ? LIMIT 1`, id).Scan(&inUse)
	if err == nil {
		return core.ErrCategoryInUse
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check category usage: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM categories
		WHERE id = ? AND family_id = ? AND version = ?`,
		id, sess.FamilyID, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete category rows affected: %w", err)
	}
	if affected == 0 {
		return r.classifyCategoryMiss(ctx, sess.FamilyID, id)
	}

	slog.InfoContext(ctx, "Category deleted", "id", id, "family_id", sess.FamilyID)
	return nil
}

func (r *Repository) classifyCategoryMiss(ctx context.Context, familyID, id string) error {
	var v int64
	err := r.db.QueryRowContext(ctx,
		`SELECT version FROM categories WHERE id = ? AND family_id = ?`, id, familyID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reload category version: %w", err)
	}
	return core.ErrVersionConflict
}

func scanCategory(row rowScanner) (core.Category, error) {
	var (
		cat     core.Category
		kind    string
		created sql.NullTime
		updated sql.NullTime
	)
	err := row.Scan(&cat.ID, &cat.FamilyID, &cat.Name, &kind, &cat.Version, &created, &updated)
	if err != nil {
		return core.Category{}, err
	}
	cat.Kind = core.Kind(kind)
	cat.CreatedAt = scanTime(created)
	cat.UpdatedAt = scanTime(updated)
	return cat, nil
}
