package workflows

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRegistry is an in-process registry for tests and single-node
// runs without NATS.
type MemoryRegistry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{workflows: make(map[string]Workflow)}
}

func (r *MemoryRegistry) Put(_ context.Context, wf Workflow) error {
	if wf.ID == "" {
		return fmt.Errorf("workflow id required")
	}
	wf.UpdatedAt = time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.ID] = wf
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &wf, nil
}

func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workflows, id)
	return nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (r *MemoryRegistry) ReferencesCollection(_ context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, wf := range r.workflows {
		if referencesName([]Workflow{wf}, name) {
			return true, nil
		}
	}
	return false, nil
}
