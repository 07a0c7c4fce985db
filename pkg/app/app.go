// Package app is the explicit application container: it constructs every
// singleton the source implementation keeps as module-wide global state
// (Registry, Artifact Store, Reaper, Event Bus) and wires them together at
// startup, so nothing outside this package depends on package-level state.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kaosmaps/sandboxd/pkg/api"
	"github.com/kaosmaps/sandboxd/pkg/artifacts"
	"github.com/kaosmaps/sandboxd/pkg/events"
	"github.com/kaosmaps/sandboxd/pkg/log"
	"github.com/kaosmaps/sandboxd/pkg/reconciler"
	"github.com/kaosmaps/sandboxd/pkg/registry"
	"github.com/kaosmaps/sandboxd/pkg/runtime"
	"github.com/kaosmaps/sandboxd/pkg/types"
	"github.com/kaosmaps/sandboxd/pkg/workerpool"
)

// Config is every environment-derived setting the application needs to
// construct its components.
type Config struct {
	ListenAddr       string
	WebhookSecret    string
	DockerNetwork    string
	ContainerPrefix  string
	SandboxDomain    string
	CORSOrigins      []string
	ArtifactsDir     string
	ArtifactsDB      string
	GitHubToken      string
	GitUserName      string
	GitUserEmail     string
	WorkerPoolSize   int64
	ReaperInterval   time.Duration
}

// Container holds every constructed singleton plus the HTTP server that
// exposes them.
type Container struct {
	cfg       Config
	logger    zerolog.Logger
	Registry  *registry.Registry
	Bus       *events.Bus
	Artifacts *artifacts.Store
	Driver    *runtime.Driver
	Pool      *workerpool.Pool
	Reaper    *reconciler.Reconciler
	Server    *api.Server
}

// New constructs every component in dependency order: driver, artifact
// store, and worker pool have no dependencies on each other; the registry's
// onTransition hook ties it to the event bus before the reaper or API server
// are built, so no component reaches back into package-level state to find
// its peers. The reaper's tracking map is kept in step by the API deploy and
// teardown handlers, not by this hook.
func New(cfg Config) (*Container, error) {
	logger := log.WithComponent("app")

	driver, err := runtime.New()
	if err != nil {
		return nil, fmt.Errorf("app: constructing container driver: %w", err)
	}

	store, err := artifacts.New(cfg.ArtifactsDB, cfg.ArtifactsDir)
	if err != nil {
		return nil, fmt.Errorf("app: constructing artifact store: %w", err)
	}

	pool := workerpool.New(cfg.WorkerPoolSize)
	bus := events.NewBus()

	c := &Container{
		cfg:       cfg,
		logger:    logger,
		Bus:       bus,
		Artifacts: store,
		Driver:    driver,
		Pool:      pool,
	}

	reg := registry.New(func(d types.Deployment, prev types.DeploymentState) {
		c.onTransition(d, prev)
	})
	c.Registry = reg

	reaper := reconciler.New(driver, reg, cfg.ReaperInterval)
	c.Reaper = reaper

	c.Server = api.New(api.Config{
		Addr:            cfg.ListenAddr,
		WebhookSecret:   cfg.WebhookSecret,
		DockerNetwork:   cfg.DockerNetwork,
		ContainerPrefix: cfg.ContainerPrefix,
		SandboxDomain:   cfg.SandboxDomain,
		CORSOrigins:     cfg.CORSOrigins,
		GitHubToken:     cfg.GitHubToken,
		GitUserName:     cfg.GitUserName,
		GitUserEmail:    cfg.GitUserEmail,
	}, reg, bus, store, driver, pool, reaper)

	return c, nil
}

// onTransition emits the lifecycle Event for a registry mutation. It runs
// after the registry's mutex has been released, per the no-I/O-while-locked
// rule the registry enforces.
func (c *Container) onTransition(d types.Deployment, prev types.DeploymentState) {
	kind := eventKindFor(d.State, prev)
	if kind == "" {
		return
	}
	c.Bus.Publish(types.Event{
		DeploymentID: d.ID,
		Kind:         kind,
		Data: map[string]interface{}{
			"status": string(d.State),
		},
	})
}

func eventKindFor(state, prev types.DeploymentState) types.EventKind {
	switch state {
	case types.StatePulling:
		return types.EventPulling
	case types.StateRunning:
		if prev == types.StateUnhealthy {
			return types.EventHealthy
		}
		return types.EventStarted
	case types.StateUnhealthy:
		return types.EventUnhealthy
	case types.StateFailed:
		return types.EventFailed
	case types.StateRemoved:
		return types.EventStopped
	default:
		return ""
	}
}

// Start begins the reaper's background loop and serves the HTTP/WebSocket
// surface. It blocks until the server stops or fails.
func (c *Container) Start() error {
	c.Reaper.Start()
	return c.Server.Start()
}

// Shutdown cancels the reaper loop, closes the HTTP server with the given
// grace period, and releases the driver/store handles.
func (c *Container) Shutdown(ctx context.Context) error {
	c.Reaper.Stop()

	if err := c.Server.Stop(ctx); err != nil {
		c.logger.Error().Err(err).Msg("error shutting down api server")
	}
	if err := c.Driver.Close(); err != nil {
		c.logger.Error().Err(err).Msg("error closing container driver")
	}
	if err := c.Artifacts.Close(); err != nil {
		c.logger.Error().Err(err).Msg("error closing artifact store")
	}
	return nil
}
