package margin

import (
	"context"
	"sync"
)

// StatusStore keeps the most recently observed status per subject. The
// detector's edge semantics depend on this being sourced from durable keyed
// state rather than in-memory delivery order, since broker deliveries can
// arrive out of order or duplicated.
type StatusStore interface {
	// GetPreviousStatus returns the last recorded status for the subject,
	// or nil if the subject has never been observed.
	GetPreviousStatus(ctx context.Context, subjectID string) (*Status, error)
	// SetStatus records the subject's current status.
	SetStatus(ctx context.Context, subjectID string, status Status) error
}

// MemoryStatusStore is a process-local StatusStore for tests and single-node
// runs.
type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMemoryStatusStore creates an empty in-memory store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]Status)}
}

func (s *MemoryStatusStore) GetPreviousStatus(_ context.Context, subjectID string) (*Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[subjectID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *MemoryStatusStore) SetStatus(_ context.Context, subjectID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[subjectID] = status
	return nil
}
