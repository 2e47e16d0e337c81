package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
// Documents round-trip through JSON so callers see the same copy
// semantics as the KV store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Save stores a deep copy of the approval.
func (s *MemoryStore) Save(_ context.Context, a *Approval) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	s.mu.Lock()
	s.docs[a.ID] = data
	s.mu.Unlock()
	return nil
}

// Get retrieves one approval by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Approval, error) {
	s.mu.RLock()
	data, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal approval: %w", err)
	}
	return &a, nil
}

// List retrieves all approvals.
func (s *MemoryStore) List(ctx context.Context) ([]*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var approvals []*Approval
	for _, data := range s.docs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var a Approval
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		approvals = append(approvals, &a)
	}
	return approvals, nil
}

// Delete removes an approval.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.docs, id)
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
