// Package catalog resolves numeric file ids to file descriptors and the
// object keys that hold their bytes.
//
// Implementations are injected into backend clients. The in-memory catalog
// serves tests and demos, Postgres holds the production index, and RedisCache
// wraps either of them as a read-through cache so repeated range requests for
// the same file avoid a database round trip. Every implementation reports
// unknown ids with backend.ErrNotFound and connectivity failures wrapped in
// backend.ErrUnavailable.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"filestream/internal/backend"
	"filestream/internal/models"
)

// Entry is one catalogued file.
type Entry struct {
	File      models.FileDescriptor `json:"file"`
	ObjectKey string                `json:"objectKey"`
}

// Validate reports whether the entry can be served.
func (e Entry) Validate() error {
	if e.File.ID < 0 {
		return fmt.Errorf("catalog: file id must not be negative, got %d", e.File.ID)
	}
	if strings.TrimSpace(e.File.CanonicalID) == "" {
		return fmt.Errorf("catalog: file %d has no canonical id", e.File.ID)
	}
	if e.File.Size < 0 {
		return fmt.Errorf("catalog: file %d has negative size", e.File.ID)
	}
	return nil
}

// Catalog looks up entries by file id.
type Catalog interface {
	Lookup(ctx context.Context, fileID int64) (Entry, error)
}

// Memory is a concurrency-safe in-memory Catalog.
type Memory struct {
	mu      sync.RWMutex
	entries map[int64]Entry
}

// NewMemory returns a catalog seeded with entries.
func NewMemory(entries ...Entry) (*Memory, error) {
	m := &Memory{entries: make(map[int64]Entry, len(entries))}
	for _, entry := range entries {
		if err := m.Put(entry); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Put adds or replaces an entry.
func (m *Memory) Put(entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[entry.File.ID] = entry
	m.mu.Unlock()
	return nil
}

// Lookup implements Catalog.
func (m *Memory) Lookup(ctx context.Context, fileID int64) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mu.RLock()
	entry, ok := m.entries[fileID]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("file %d: %w", fileID, backend.ErrNotFound)
	}
	return entry, nil
}
