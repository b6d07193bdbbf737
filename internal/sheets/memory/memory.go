// Package memory is an in-memory RowWriter used in tests and local runs
// without Google credentials.
package memory

import (
	"context"
	"fmt"
	"sync"

	"contas/internal/core"
)

type Row struct {
	Transaction  core.Transaction
	CategoryName string
}

type Store struct {
	mu      sync.Mutex
	rows    []Row
	failErr error
}

func New() *Store { return &Store{} }

// Append stores the transaction and returns a synthetic row reference.
func (s *Store) Append(_ context.Context, tx core.Transaction, categoryName string) (string, error) {
	if err := tx.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return "", s.failErr
	}
	s.rows = append(s.rows, Row{Transaction: tx, CategoryName: categoryName})
	return fmt.Sprintf("mem:%d", len(s.rows)), nil
}

// Rows returns a copy of everything appended so far.
func (s *Store) Rows() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Row(nil), s.rows...)
}

// Fail makes subsequent Append calls return err; pass nil to recover.
func (s *Store) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}
