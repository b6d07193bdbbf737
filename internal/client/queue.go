package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	applog "contas/internal/log"
)

// OpKind discriminates the operation union.
type OpKind string

const (
	OpCreateTransaction OpKind = "create_transaction"
	OpUpdateTransaction OpKind = "update_transaction"
	OpDeleteTransaction OpKind = "delete_transaction"
	OpCreateCategory    OpKind = "create_category"
	OpUpdateCategory    OpKind = "update_category"
	OpDeleteCategory    OpKind = "delete_category"
)

// Operation is a tagged union over the six mutation kinds. Exactly one
// payload pointer matching Kind must be set; updates and deletes also carry
// the target ID and last-seen version for the If-Match precondition.
type Operation struct {
	Kind OpKind `json:"kind"`

	TargetID string `json:"targetId,omitempty"`
	Version  int64  `json:"version,omitempty"`

	CreateTransaction *CreateTransactionRequest `json:"createTransaction,omitempty"`
	UpdateTransaction *UpdateTransactionRequest `json:"updateTransaction,omitempty"`
	CreateCategory    *CreateCategoryRequest    `json:"createCategory,omitempty"`
	UpdateCategory    *UpdateCategoryRequest    `json:"updateCategory,omitempty"`
}

// Validate checks that the union is well-formed before it is persisted.
func (op Operation) Validate() error {
	switch op.Kind {
	case OpCreateTransaction:
		if op.CreateTransaction == nil {
			return errors.New("create_transaction operation missing payload")
		}
	case OpUpdateTransaction:
		if op.UpdateTransaction == nil || op.TargetID == "" || op.Version < 1 {
			return errors.New("update_transaction operation needs payload, target ID and version")
		}
	case OpDeleteTransaction:
		if op.TargetID == "" || op.Version < 1 {
			return errors.New("delete_transaction operation needs target ID and version")
		}
	case OpCreateCategory:
		if op.CreateCategory == nil {
			return errors.New("create_category operation missing payload")
		}
	case OpUpdateCategory:
		if op.UpdateCategory == nil || op.TargetID == "" || op.Version < 1 {
			return errors.New("update_category operation needs payload, target ID and version")
		}
	case OpDeleteCategory:
		if op.TargetID == "" || op.Version < 1 {
			return errors.New("delete_category operation needs target ID and version")
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}

// Queue is the durable offline mutation queue. Enqueue only touches local
// storage; Drain replays pending entries oldest-first. The drain-in-progress
// flag lives on the instance, guarded by its own mutex, so two Queue values
// over different files never contend.
type Queue struct {
	api    *API
	store  *FileStore
	logger *applog.Logger

	mu       sync.Mutex
	draining bool

	nowFn    func() time.Time
	transmit func(ctx context.Context, e Entry) error
}

func NewQueue(api *API, store *FileStore, logger *applog.Logger) *Queue {
	q := &Queue{
		api:    api,
		store:  store,
		logger: logger.WithComponent(applog.ComponentQueue),
		nowFn:  time.Now,
	}
	q.transmit = q.submit
	return q
}

// Enqueue persists the operation and returns its local entry ID without
// touching the network. Creates get their idempotency key minted here, once;
// every later transmit attempt reuses it so server-side dedup can work.
func (q *Queue) Enqueue(op Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}

	entry := Entry{
		ID:         uuid.New().String(),
		Status:     StatusPending,
		EnqueuedAt: q.nowFn().UTC(),
		Op:         op,
	}
	if op.Kind == OpCreateTransaction || op.Kind == OpCreateCategory {
		entry.Key = uuid.New().String()
	}

	if err := q.store.Append(entry); err != nil {
		return "", fmt.Errorf("persist queued mutation: %w", err)
	}

	q.logger.Debug("mutation queued",
		"entry_id", entry.ID,
		"kind", string(op.Kind))
	return entry.ID, nil
}

// Drain replays pending entries in enqueue order. A drain already in
// progress makes a concurrent call a no-op, so each entry is transmitted at
// most once per cycle. Entries the server confirmed are removed; entries the
// server rejected are marked failed and never retried; a transport failure
// stops the pass and keeps the rest of the queue for the next drain.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	pending, err := q.store.Pending()
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	q.logger.InfoContext(ctx, "draining queue", "pending", len(pending))

	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := q.transmit(ctx, entry)
		switch {
		case err == nil:
			if rerr := q.store.Remove(entry.ID); rerr != nil {
				return fmt.Errorf("remove confirmed entry: %w", rerr)
			}
		case isRejection(err):
			q.logger.WarnContext(ctx, "mutation rejected, marking failed",
				"entry_id", entry.ID,
				"kind", string(entry.Op.Kind),
				"error", err)
			if merr := q.store.MarkFailed(entry.ID, err.Error()); merr != nil {
				return fmt.Errorf("mark entry failed: %w", merr)
			}
		default:
			// No response from the server: the entry stays pending and
			// later entries wait so replay order is preserved.
			q.logger.WarnContext(ctx, "drain interrupted by transport failure",
				"entry_id", entry.ID,
				"error", err)
			return fmt.Errorf("transmit %s: %w", entry.ID, err)
		}
	}
	return nil
}

func isRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

func (q *Queue) submit(ctx context.Context, e Entry) error {
	switch e.Op.Kind {
	case OpCreateTransaction:
		_, err := q.api.CreateTransaction(ctx, e.Key, *e.Op.CreateTransaction)
		return err
	case OpUpdateTransaction:
		_, err := q.api.UpdateTransaction(ctx, e.Op.TargetID, e.Op.Version, *e.Op.UpdateTransaction)
		return err
	case OpDeleteTransaction:
		return q.api.DeleteTransaction(ctx, e.Op.TargetID, e.Op.Version)
	case OpCreateCategory:
		_, err := q.api.CreateCategory(ctx, e.Key, *e.Op.CreateCategory)
		return err
	case OpUpdateCategory:
		_, err := q.api.UpdateCategory(ctx, e.Op.TargetID, e.Op.Version, *e.Op.UpdateCategory)
		return err
	case OpDeleteCategory:
		return q.api.DeleteCategory(ctx, e.Op.TargetID, e.Op.Version)
	default:
		return fmt.Errorf("unknown operation kind %q", e.Op.Kind)
	}
}
