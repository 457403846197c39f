package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrRunActive means the project already has a live run in this process.
var ErrRunActive = errors.New("a run is already active for this project")

// RunHandle identifies one live run and how to cancel it.
type RunHandle struct {
	RunID     string
	ProjectID string
	StartedAt time.Time
	Cancel    context.CancelFunc
}

// Registry tracks live runs per project. It replaces ambient globals with
// an injected object so the scheduler, the CLI, and tests all see the same
// view. The working directory and git index belong to one run at a time;
// within this process the registry is what enforces that.
type Registry struct {
	mu     sync.Mutex
	active map[string]RunHandle
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]RunHandle)}
}

func (r *Registry) Start(h RunHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[h.ProjectID]; ok {
		return ErrRunActive
	}
	r.active[h.ProjectID] = h
	return nil
}

func (r *Registry) Stop(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, projectID)
}

func (r *Registry) Lookup(projectID string) (RunHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[projectID]
	return h, ok
}

func (r *Registry) Active() []RunHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunHandle, 0, len(r.active))
	for _, h := range r.active {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
