// Package sheets declares the outbound ports used by the export worker.
package sheets

import (
	"context"

	"contas/internal/core"
)

// RowWriter appends one transaction as a spreadsheet row. The category name
// is passed alongside because the sheet stores names, not IDs. The returned
// rowRef identifies where the row landed (e.g. "Movimenti!A42:F42").
type RowWriter interface {
	Append(ctx context.Context, tx core.Transaction, categoryName string) (rowRef string, err error)
}
