package spikenet

import (
	"fmt"
	"sync"
)

// WorkerRegistry maps neuron groups to the workers simulating them and back.
// Handles are kept in spawn order so teardown is deterministic.
type WorkerRegistry struct {
	mu       sync.RWMutex
	byGroup  map[GroupID]WorkerHandle
	byHandle map[WorkerHandle]GroupID
	order    []WorkerHandle
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{
		byGroup:  make(map[GroupID]WorkerHandle),
		byHandle: make(map[WorkerHandle]GroupID),
	}
}

// Add records that h simulates g. Both must be new to the registry.
func (r *WorkerRegistry) Add(g GroupID, h WorkerHandle) error {
	if !h.Valid() {
		return fmt.Errorf("register group %d: invalid handle", g)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byGroup[g]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateGroup, g)
	}
	if _, ok := r.byHandle[h]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateHandle, h)
	}

	r.byGroup[g] = h
	r.byHandle[h] = g
	r.order = append(r.order, h)
	return nil
}

// HandleOf returns the worker simulating g.
func (r *WorkerRegistry) HandleOf(g GroupID) (WorkerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byGroup[g]
	return h, ok
}

// GroupOf returns the group simulated by h.
func (r *WorkerRegistry) GroupOf(h WorkerHandle) (GroupID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byHandle[h]
	return g, ok
}

// Handles returns every handle in spawn order.
func (r *WorkerRegistry) Handles() []WorkerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]WorkerHandle(nil), r.order...)
}

// Snapshot returns a copy of the group to handle mapping.
func (r *WorkerRegistry) Snapshot() map[GroupID]WorkerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := make(map[GroupID]WorkerHandle, len(r.byGroup))
	for g, h := range r.byGroup {
		m[g] = h
	}
	return m
}

// Len returns the number of registered workers.
func (r *WorkerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Clear removes every entry.
func (r *WorkerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byGroup = make(map[GroupID]WorkerHandle)
	r.byHandle = make(map[WorkerHandle]GroupID)
	r.order = nil
}
