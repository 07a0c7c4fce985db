// Package reconciler implements the TTL Reaper: a singleton background
// task that tears down expired deployments and orphaned containers on a
// fixed interval.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kaosmaps/sandboxd/pkg/log"
	"github.com/kaosmaps/sandboxd/pkg/metrics"
	"github.com/kaosmaps/sandboxd/pkg/types"
)

const (
	DefaultInterval = 300 * time.Second
	DefaultTTL      = 60 * time.Minute
)

// Driver is the subset of the Container Driver the Reaper needs.
type Driver interface {
	Teardown(ctx context.Context, name string) error
	ListSandboxContainers(ctx context.Context) ([]types.ContainerInfo, error)
}

// RegistryDropper is the subset of the Registry the Reaper needs.
type RegistryDropper interface {
	Drop(id string) bool
	TrackedIDs() map[string]bool
}

type tracked struct {
	name       string
	createdAt  time.Time
	ttlMinutes int
}

// Reconciler is the TTL Reaper. Register/Unregister are called by the API
// deploy and teardown handlers, and Unregister by the expire phase itself
// once it has torn a deployment down; Cycle (or the background loop started by Start) sweeps expired
// deployments and orphaned containers.
type Reconciler struct {
	mu       sync.Mutex
	tracked  map[string]tracked
	driver   Driver
	registry RegistryDropper
	logger   zerolog.Logger
	interval time.Duration

	cycleMu sync.Mutex // guards against overlapping cycles
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Reconciler that reaps against driver/registry every interval.
func New(driver Driver, registry RegistryDropper, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		tracked:  make(map[string]tracked),
		driver:   driver,
		registry: registry,
		logger:   log.WithComponent("reconciler"),
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Register starts tracking a deployment's TTL clock. name is the
// container's runtime name (ContainerPrefix-id), not the bare deployment
// id, since that's what Driver.Teardown needs to find the container.
func (r *Reconciler) Register(id, name string, createdAt time.Time, ttlMinutes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[id] = tracked{name: name, createdAt: createdAt, ttlMinutes: ttlMinutes}
}

// Unregister stops tracking a deployment's TTL clock.
func (r *Reconciler) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, id)
}

// Start begins the background reap loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop cancels an in-flight cycle cooperatively and ends the loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("reaper started")

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			go func() {
				select {
				case <-r.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			result, err := r.Cycle(ctx)
			cancel()
			if err != nil {
				r.logger.Error().Err(err).Msg("reaper cycle failed")
				continue
			}
			r.logger.Info().
				Int("expired", result.ExpiredCount).
				Int("orphans", result.OrphanCount).
				Int("failed", result.FailedCount).
				Msg("reaper cycle complete")
		case <-r.stopCh:
			r.logger.Info().Msg("reaper stopped")
			return
		}
	}
}

// Cycle runs one expire-then-orphan sweep. Only one cycle may run at a
// time; a caller invoking Cycle while one is in flight blocks until it is
// free, mirroring the self-guarded singleton the spec requires.
func (r *Reconciler) Cycle(ctx context.Context) (types.CleanupResult, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReaperCycleDuration)
		metrics.ReaperCyclesTotal.Inc()
	}()

	result := types.CleanupResult{}

	if err := r.expirePhase(ctx, &result); err != nil {
		return result, fmt.Errorf("expire phase: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if err := r.orphanPhase(ctx, &result); err != nil {
		return result, fmt.Errorf("orphan phase: %w", err)
	}

	return result, nil
}

func (r *Reconciler) expirePhase(ctx context.Context, result *types.CleanupResult) error {
	now := time.Now().UTC()

	type expiry struct {
		id   string
		name string
	}

	r.mu.Lock()
	var expired []expiry
	for id, t := range r.tracked {
		if t.ttlMinutes <= 0 {
			continue
		}
		age := now.Sub(t.createdAt)
		if age >= time.Duration(t.ttlMinutes)*time.Minute {
			expired = append(expired, expiry{id: id, name: t.name})
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.driver.Teardown(ctx, e.name); err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("teardown %s: %v", e.name, err))
			continue
		}
		r.registry.Drop(e.id)
		r.Unregister(e.id)
		result.ExpiredCount++
		result.ContainersRemoved = append(result.ContainersRemoved, e.name)
		metrics.ReaperExpiredTotal.Inc()
	}
	return nil
}

func (r *Reconciler) orphanPhase(ctx context.Context, result *types.CleanupResult) error {
	containers, err := r.driver.ListSandboxContainers(ctx)
	if err != nil {
		return err
	}

	tracked := r.registry.TrackedIDs()

	var orphans []types.ContainerInfo
	for _, c := range containers {
		if !tracked[c.PathPrefix] {
			orphans = append(orphans, c)
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, c := range orphans {
		c := c
		group.Go(func() error {
			if err := r.driver.Teardown(gctx, c.Name); err != nil {
				mu.Lock()
				result.FailedCount++
				result.Errors = append(result.Errors, fmt.Sprintf("teardown orphan %s: %v", c.Name, err))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			result.OrphanCount++
			result.ContainersRemoved = append(result.ContainersRemoved, c.Name)
			mu.Unlock()
			metrics.ReaperOrphansTotal.Inc()
			return nil
		})
	}
	return group.Wait()
}
