package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrNotFound is returned when an approval id does not exist.
var ErrNotFound = errors.New("approval not found")

// Store persists approvals.
type Store interface {
	Save(ctx context.Context, a *Approval) error
	Get(ctx context.Context, id string) (*Approval, error)
	List(ctx context.Context) ([]*Approval, error)
	Delete(ctx context.Context, id string) error
}

// KVStore stores approvals as JSON documents in a NATS KV bucket, one
// key per approval id.
type KVStore struct {
	bucket jetstream.KeyValue
}

// NewKVStore creates or binds the approvals bucket.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      ApprovalsBucket,
		Description: "Human approval requests for workflow steps",
		TTL:         30 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &KVStore{bucket: bucket}, nil
}

// Save writes the full approval document. The write is atomic per key.
func (s *KVStore) Save(ctx context.Context, a *Approval) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	if _, err := s.bucket.Put(ctx, a.ID, data); err != nil {
		return fmt.Errorf("put approval: %w", err)
	}
	return nil
}

// Get retrieves one approval by id.
func (s *KVStore) Get(ctx context.Context, id string) (*Approval, error) {
	entry, err := s.bucket.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get approval: %w", err)
	}

	var a Approval
	if err := json.Unmarshal(entry.Value(), &a); err != nil {
		return nil, fmt.Errorf("unmarshal approval: %w", err)
	}
	return &a, nil
}

// List retrieves all approvals. Filtering happens above the store.
func (s *KVStore) List(ctx context.Context) ([]*Approval, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		// Empty bucket returns ErrNoKeysFound - this is not an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*Approval{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var approvals []*Approval
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue // Skip errors for individual keys
		}

		var a Approval
		if err := json.Unmarshal(entry.Value(), &a); err != nil {
			continue
		}
		approvals = append(approvals, &a)
	}
	return approvals, nil
}

// Delete removes an approval.
func (s *KVStore) Delete(ctx context.Context, id string) error {
	if err := s.bucket.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete approval: %w", err)
	}
	return nil
}

var _ Store = (*KVStore)(nil)
