// Package worker drains the export backlog: transactions flagged pending in
// the database are appended to the family spreadsheet, either when a change
// event arrives over the broker or on a polling fallback.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"contas/internal/core"
	"contas/internal/events"
	applog "contas/internal/log"
	"contas/internal/sheets"
)

// Store is the slice of the repository the exporter needs.
type Store interface {
	PendingExports(ctx context.Context, limit int) ([]core.Transaction, error)
	MarkExported(ctx context.Context, id string) error
	MarkExportError(ctx context.Context, id string) error
	ResetExportErrors(ctx context.Context) (int64, error)
	GetCategory(ctx context.Context, familyID, id string) (core.Category, error)
}

// Config holds the exporter's tuning knobs.
type Config struct {
	// PollInterval is how often the fallback loop checks for pending rows.
	PollInterval time.Duration

	// BatchSize is the max number of rows exported per cycle.
	BatchSize int
}

// DefaultConfig returns the defaults used when env config is absent.
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		BatchSize:    10,
	}
}

// Exporter pushes pending transactions to a spreadsheet.
type Exporter struct {
	store  Store
	writer sheets.RowWriter
	config Config
	logger *applog.Logger

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewExporter(store Store, writer sheets.RowWriter, config Config, logger *applog.Logger) *Exporter {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Exporter{
		store:  store,
		writer: writer,
		config: config,
		logger: logger.WithComponent(applog.ComponentWorker),
	}
}

// Start begins the polling loop. Returns an error if already running.
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("exporter is already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	go e.runLoop(ctx)

	e.logger.InfoContext(ctx, "export worker started",
		"poll_interval", e.config.PollInterval,
		"batch_size", e.config.BatchSize)
	return nil
}

// Stop gracefully stops the loop and waits for the current cycle to finish.
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	close(e.stopCh)

	select {
	case <-e.doneCh:
		e.logger.InfoContext(ctx, "export worker stopped")
	case <-ctx.Done():
		e.logger.WarnContext(ctx, "export worker stop timed out")
		return ctx.Err()
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	return nil
}

// IsRunning reports whether the polling loop is active.
func (e *Exporter) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Exporter) runLoop(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	// Drain whatever accumulated while the worker was down.
	if err := e.ProcessPending(ctx); err != nil {
		e.logger.ErrorContext(ctx, "export cycle failed", "error", err)
	}

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ProcessPending(ctx); err != nil {
				e.logger.ErrorContext(ctx, "export cycle failed", "error", err)
			}
		}
	}
}

// HandleEvent reacts to a change notification from the broker. The message
// is only a nudge; the database is the source of truth, so any event simply
// triggers a drain of the pending backlog. Deletes carry nothing to export.
func (e *Exporter) HandleEvent(ctx context.Context, msg *events.TransactionEventMessage) error {
	if msg.Action == "deleted" {
		return nil
	}
	return e.ProcessPending(ctx)
}

// ProcessPending exports one batch of pending transactions, oldest first.
// A row that fails to append is marked errored and skipped; the cycle keeps
// going so one bad row cannot wedge the backlog.
func (e *Exporter) ProcessPending(ctx context.Context) error {
	pending, err := e.store.PendingExports(ctx, e.config.BatchSize)
	if err != nil {
		return fmt.Errorf("load pending exports: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	e.logger.DebugContext(ctx, "exporting batch", "count", len(pending))

	for _, tx := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := e.exportOne(ctx, tx); err != nil {
			e.logger.WarnContext(ctx, "export failed",
				applog.FieldTransactionID, tx.ID,
				"error", err)
			if merr := e.store.MarkExportError(ctx, tx.ID); merr != nil {
				e.logger.ErrorContext(ctx, "mark export error failed",
					applog.FieldTransactionID, tx.ID,
					"error", merr)
			}
			continue
		}

		if err := e.store.MarkExported(ctx, tx.ID); err != nil {
			// The row is in the sheet; reprocessing would duplicate it,
			// so log loudly instead of failing the cycle.
			e.logger.ErrorContext(ctx, "mark exported failed",
				applog.FieldTransactionID, tx.ID,
				"error", err)
		}
	}
	return nil
}

func (e *Exporter) exportOne(ctx context.Context, tx core.Transaction) error {
	categoryName := ""
	if cat, err := e.store.GetCategory(ctx, tx.FamilyID, tx.CategoryID); err == nil {
		categoryName = cat.Name
	} else if !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("resolve category: %w", err)
	}

	ref, err := e.writer.Append(ctx, tx, categoryName)
	if err != nil {
		return fmt.Errorf("append row: %w", err)
	}

	e.logger.InfoContext(ctx, "exported transaction",
		applog.FieldTransactionID, tx.ID,
		applog.FieldFamilyID, tx.FamilyID,
		applog.FieldSheetsRef, ref)
	return nil
}

// RetryFailed resets errored rows so the next cycle retries them.
func (e *Exporter) RetryFailed(ctx context.Context) (int64, error) {
	return e.store.ResetExportErrors(ctx)
}
