package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// Entry is one persisted queued mutation. The idempotency key is minted at
// enqueue time and reused verbatim on every transmit attempt.
type Entry struct {
	ID         string    `json:"id"`
	Key        string    `json:"key,omitempty"`
	Status     string    `json:"status"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Op         Operation `json:"op"`
	LastError  string    `json:"lastError,omitempty"`
}

// FileStore persists queue entries as a single JSON file. Every mutation is
// a read-mutate-write-rename cycle under one mutex, so a drain's rewrite can
// never drop an entry appended mid-drain.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("queue store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Append persists a new entry at the end of the queue.
func (s *FileStore) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	return s.save(append(entries, e))
}

// Pending returns the entries still awaiting confirmation, in enqueue order.
func (s *FileStore) Pending() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.Status == StatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

// Failed returns the entries marked terminally failed.
func (s *FileStore) Failed() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.Status == StatusFailed {
			out = append(out, e)
		}
	}
	return out, nil
}

// Remove deletes a confirmed entry. Removing an absent ID is a no-op.
func (s *FileStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	return s.save(kept)
}

// MarkFailed flags an entry as terminally rejected; it stays in the file for
// inspection but no drain will pick it up again.
func (s *FileStore) MarkFailed(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].ID == id {
			entries[i].Status = StatusFailed
			entries[i].LastError = reason
			break
		}
	}
	return s.save(entries)
}

// load must be called with the mutex held. A missing file is an empty queue.
func (s *FileStore) load() ([]Entry, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode queue file: %w", err)
	}
	return entries, nil
}

// save must be called with the mutex held. Write-then-rename keeps a crash
// from truncating the queue.
func (s *FileStore) save(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}
