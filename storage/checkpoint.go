// Package storage persists workflow checkpoints using NATS KV. Each thread
// is one JSON document keyed by thread ID; a put is atomic, so every saved
// checkpoint is either the previous or the new state, never a mix.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/studio-ai/studio/workflow"
)

// WorkflowsBucket is the KV bucket name for workflow checkpoints.
const WorkflowsBucket = "STUDIO_WORKFLOWS"

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	ProjectID string
	Status    workflow.RunStatus
}

// Store is the checkpoint persistence contract. Save must be atomic per
// thread; Load of an unknown thread returns ErrNotFound.
type Store interface {
	Save(ctx context.Context, st *workflow.State) error
	Load(ctx context.Context, threadID string) (*workflow.State, error)
	List(ctx context.Context, filter ListFilter) ([]workflow.ThreadSummary, error)
	Delete(ctx context.Context, threadID string) error
}

// KVStore is the production Store backed by a NATS KV bucket.
type KVStore struct {
	bucket jetstream.KeyValue
}

// NewKVStore creates or binds the workflow checkpoint bucket.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      WorkflowsBucket,
		Description: "Durable workflow thread checkpoints",
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &KVStore{bucket: bucket}, nil
}

// Save writes the checkpoint. KV put replaces the whole document atomically.
func (s *KVStore) Save(ctx context.Context, st *workflow.State) error {
	if st.ThreadID == "" {
		return fmt.Errorf("state has no thread id")
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if _, err := s.bucket.Put(ctx, st.ThreadID, data); err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	return nil
}

// Load reads a checkpoint by thread ID.
func (s *KVStore) Load(ctx context.Context, threadID string) (*workflow.State, error) {
	entry, err := s.bucket.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get state: %w", err)
	}

	var st workflow.State
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	st.EnsureMaps()
	return &st, nil
}

// List returns thread summaries matching the filter.
func (s *KVStore) List(ctx context.Context, filter ListFilter) ([]workflow.ThreadSummary, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []workflow.ThreadSummary{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	summaries := make([]workflow.ThreadSummary, 0, len(keys))
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		st, err := s.Load(ctx, key)
		if err != nil {
			continue // Skip unreadable entries
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

// Delete removes a thread's checkpoint.
func (s *KVStore) Delete(ctx context.Context, threadID string) error {
	if err := s.bucket.Delete(ctx, threadID); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}
