package storage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/studio-ai/studio/workflow"
)

// MemoryStore is an in-process Store for tests and single-node development.
// It deep-copies through JSON so callers never share state with the stored
// checkpoint, matching the isolation a real KV round-trip provides.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]byte)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, st *workflow.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[st.ThreadID] = data
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, threadID string) (*workflow.State, error) {
	s.mu.RLock()
	data, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var st workflow.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	st.EnsureMaps()
	return &st, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]workflow.ThreadSummary, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.threads))
	for k := range s.threads {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	summaries := make([]workflow.ThreadSummary, 0, len(keys))
	for _, key := range keys {
		st, err := s.Load(ctx, key)
		if err != nil {
			continue
		}
		if filter.ProjectID != "" && st.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		summaries = append(summaries, st.Summary())
	}
	return summaries, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return ErrNotFound
	}
	delete(s.threads, threadID)
	return nil
}
