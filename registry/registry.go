// Package registry indexes workflow threads: the live set currently
// executing in this process plus the historical checkpoints in the store.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/studio-ai/studio/storage"
	"github.com/studio-ai/studio/workflow"
)

// LiveEntry describes one thread executing in this process.
type LiveEntry struct {
	ThreadID  string
	ProjectID string
	StartedAt time.Time

	// cancel aborts the thread's executor.
	cancel context.CancelFunc
}

// Registry tracks threads. Checkpoints are the source of truth; the live
// set only adds "is it running right now" and the abort handle.
type Registry struct {
	store  storage.Store
	logger *slog.Logger

	mu   sync.RWMutex
	live map[string]*LiveEntry
}

// New creates a thread registry over the given checkpoint store.
func New(store storage.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger,
		live:   make(map[string]*LiveEntry),
	}
}

// RegisterLive marks a thread as executing and keeps its abort handle.
// Returns an error when the thread is already live: one executor per
// thread at a time.
func (r *Registry) RegisterLive(threadID, projectID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[threadID]; ok {
		return fmt.Errorf("thread %s is already running", threadID)
	}
	r.live[threadID] = &LiveEntry{
		ThreadID:  threadID,
		ProjectID: projectID,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	return nil
}

// UnregisterLive removes a thread from the live set.
func (r *Registry) UnregisterLive(threadID string) {
	r.mu.Lock()
	delete(r.live, threadID)
	r.mu.Unlock()
}

// IsLive reports whether a thread is executing in this process.
func (r *Registry) IsLive(threadID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[threadID]
	return ok
}

// LiveCount returns the number of executing threads.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Abort cancels a live thread's executor. The executor persists state and
// reports aborted on its own; false means the thread was not live here.
func (r *Registry) Abort(threadID string) bool {
	r.mu.RLock()
	entry, ok := r.live[threadID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	entry.cancel()
	return true
}

// Summary is one thread in a listing, a checkpoint summary plus liveness.
type Summary struct {
	workflow.ThreadSummary
	Live bool `json:"live"`
}

// List returns thread summaries matching the filter, newest update first.
func (r *Registry) List(ctx context.Context, filter storage.ListFilter) ([]Summary, error) {
	stored, err := r.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	out := make([]Summary, 0, len(stored))
	for _, s := range stored {
		out = append(out, Summary{ThreadSummary: s, Live: r.IsLive(s.ThreadID)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdate.After(out[j].LastUpdate)
	})
	return out, nil
}

// Get loads one thread's full state.
func (r *Registry) Get(ctx context.Context, threadID string) (*workflow.State, error) {
	return r.store.Load(ctx, threadID)
}

// Delete removes a thread and its checkpoint. A live thread is aborted
// first so its executor cannot resurrect the checkpoint.
func (r *Registry) Delete(ctx context.Context, threadID string) error {
	if r.Abort(threadID) {
		r.logger.Info("Aborted live thread before delete", "thread_id", threadID)
	}
	r.UnregisterLive(threadID)
	return r.store.Delete(ctx, threadID)
}

// GraphMetadata summarizes step progress for the graph view.
type GraphMetadata struct {
	TotalSteps     int `json:"totalSteps"`
	CompletedSteps int `json:"completedSteps"`
	FailedSteps    int `json:"failedSteps"`
	BlockedSteps   int `json:"blockedSteps"`
	SkippedSteps   int `json:"skippedSteps"`
}

// GraphView is the visualization projection of one thread.
type GraphView struct {
	ThreadID string             `json:"threadId"`
	Status   workflow.RunStatus `json:"status"`
	Graph    workflow.Graph     `json:"graph"`
	Metadata GraphMetadata      `json:"metadata"`
}

// Graph builds the visualization projection for a thread.
func (r *Registry) Graph(ctx context.Context, threadID string) (*GraphView, error) {
	st, err := r.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}

	meta := GraphMetadata{TotalSteps: len(st.Definition)}
	for _, s := range st.Definition {
		switch st.StepStatus[s.ID] {
		case workflow.StepSuccess:
			meta.CompletedSteps++
		case workflow.StepFailed:
			meta.FailedSteps++
		case workflow.StepBlocked:
			meta.BlockedSteps++
		case workflow.StepSkipped:
			meta.SkippedSteps++
		}
	}

	return &GraphView{
		ThreadID: threadID,
		Status:   st.Status,
		Graph:    workflow.BuildGraph(st),
		Metadata: meta,
	}, nil
}
