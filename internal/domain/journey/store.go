package journey

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no journey exists under the given id.
var ErrNotFound = fmt.Errorf("journey not found")

// Store keeps assembled journeys for read-only retrieval. Journeys are never
// updated after Save; there is no update or delete operation.
type Store interface {
	Save(ctx context.Context, j *Journey, d *Diagnostics) error
	Get(ctx context.Context, id uuid.UUID) (*Journey, *Diagnostics, error)
}

type memoryEntry struct {
	journey     *Journey
	diagnostics *Diagnostics
}

// MemoryStore is the in-process Store. Journeys live only for the lifetime
// of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]memoryEntry)}
}

func (s *MemoryStore) Save(_ context.Context, j *Journey, d *Diagnostics) error {
	if j == nil {
		return fmt.Errorf("nil journey")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[j.ID] = memoryEntry{journey: j, diagnostics: d}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Journey, *Diagnostics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return e.journey, e.diagnostics, nil
}
