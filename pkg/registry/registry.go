// Package registry is the single authoritative in-memory map of tracked
// deployments and the lifecycle state machine that governs their
// transitions.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kaosmaps/sandboxd/pkg/apperr"
	"github.com/kaosmaps/sandboxd/pkg/log"
	"github.com/kaosmaps/sandboxd/pkg/types"
)

// OnTransition is invoked after a registry mutation commits, so a caller can
// emit the corresponding lifecycle event. It must not block.
type OnTransition func(d types.Deployment, prev types.DeploymentState)

// Registry holds every tracked deployment and enforces the lifecycle state
// machine against it.
type Registry struct {
	mu          sync.RWMutex
	deployments map[string]*types.Deployment
	logger      zerolog.Logger
	onTransition OnTransition
}

// New creates an empty Registry. onTransition may be nil.
func New(onTransition OnTransition) *Registry {
	return &Registry{
		deployments:  make(map[string]*types.Deployment),
		logger:       log.WithComponent("registry"),
		onTransition: onTransition,
	}
}

// Reserve inserts a new record in StatePending if id is absent. A present
// id fails with an AlreadyExists-flavored ValidationError.
func (r *Registry) Reserve(d types.Deployment) error {
	r.mu.Lock()
	if _, exists := r.deployments[d.ID]; exists {
		r.mu.Unlock()
		return apperr.New(apperr.ValidationError, "registry.Reserve", fmt.Errorf("deployment already exists: %s", d.ID))
	}

	d.State = types.StatePending
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	rec := d
	r.deployments[d.ID] = &rec
	r.mu.Unlock()

	r.notify(rec, "")
	return nil
}

// Advance transitions a deployment to newState, applying fields via mutate
// before persisting. Invalid transitions fail with a ValidationError naming
// the rejected transition; an unknown id fails with NotFound.
func (r *Registry) Advance(id string, newState types.DeploymentState, mutate func(*types.Deployment)) error {
	r.mu.Lock()
	rec, ok := r.deployments[id]
	if !ok {
		r.mu.Unlock()
		return apperr.New(apperr.NotFound, "registry.Advance", fmt.Errorf("deployment not found: %s", id))
	}

	prev := rec.State
	if !types.CanTransition(prev, newState) {
		r.mu.Unlock()
		return apperr.New(apperr.ValidationError, "registry.Advance", fmt.Errorf("invalid transition %s -> %s for %s", prev, newState, id))
	}

	rec.State = newState
	if mutate != nil {
		mutate(rec)
	}
	snapshot := *rec
	r.mu.Unlock()

	r.notify(snapshot, prev)
	return nil
}

// Drop removes a deployment record if present, reporting whether it existed.
func (r *Registry) Drop(id string) bool {
	r.mu.Lock()
	rec, ok := r.deployments[id]
	if ok {
		delete(r.deployments, id)
	}
	r.mu.Unlock()

	if ok {
		r.notify(*rec, rec.State)
	}
	return ok
}

// Get returns a copy of the tracked deployment, if any.
func (r *Registry) Get(id string) (types.Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.deployments[id]
	if !ok {
		return types.Deployment{}, false
	}
	return *rec, true
}

// List returns a snapshot of every tracked deployment.
func (r *Registry) List() []types.Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Deployment, 0, len(r.deployments))
	for _, rec := range r.deployments {
		out = append(out, *rec)
	}
	return out
}

// TrackedIDs returns the set of deployment ids currently tracked, used by
// the reaper's orphan phase.
func (r *Registry) TrackedIDs() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make(map[string]bool, len(r.deployments))
	for id := range r.deployments {
		ids[id] = true
	}
	return ids
}

func (r *Registry) notify(d types.Deployment, prev types.DeploymentState) {
	if r.onTransition == nil {
		return
	}
	r.onTransition(d, prev)
}
