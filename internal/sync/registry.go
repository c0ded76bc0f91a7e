package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Run kinds tracked by the registry.
const (
	RunKindExtract   = "extract"
	RunKindTransform = "transform"
)

// RunInfo describes one in-flight run.
type RunInfo struct {
	RunID       string    `json:"runId"`
	Kind        string    `json:"kind"`
	EntityType  string    `json:"entityType"`
	TriggeredBy string    `json:"triggeredBy"`
	StartedAt   time.Time `json:"startedAt"`
}

type activeRun struct {
	info   RunInfo
	cancel context.CancelFunc
}

// Registry tracks in-flight runs and hands each a cancellable context.
// Cancellation is cooperative: engines check their context between pages or
// batches and wind down with valid partial results.
type Registry struct {
	mu     sync.Mutex
	active map[string]*activeRun
}

func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]*activeRun),
	}
}

// Register derives a cancellable context for the run and starts tracking
// it. The caller must Unregister when the run finishes.
func (r *Registry) Register(ctx context.Context, info RunInfo) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[info.RunID]; ok {
		return nil, fmt.Errorf("run %s is already registered", info.RunID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.active[info.RunID] = &activeRun{info: info, cancel: cancel}
	return runCtx, nil
}

// Unregister stops tracking the run and releases its context.
func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	run, ok := r.active[runID]
	if ok {
		delete(r.active, runID)
	}
	r.mu.Unlock()

	if ok {
		run.cancel()
	}
}

// Cancel signals the run to stop. Returns false when no such run is active.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	run, ok := r.active[runID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	run.cancel()
	return true
}

// CancelAll signals every active run, used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	runs := make([]*activeRun, 0, len(r.active))
	for _, run := range r.active {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}
}

// ListActive returns the in-flight runs ordered by start time.
func (r *Registry) ListActive() []RunInfo {
	r.mu.Lock()
	infos := make([]RunInfo, 0, len(r.active))
	for _, run := range r.active {
		infos = append(infos, run.info)
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].RunID < infos[j].RunID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}
