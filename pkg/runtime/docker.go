// Package runtime adapts the local container engine to the controller's
// needs: deploy, teardown, listing, logs, stats, and health, all driven
// through the Docker Engine API.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/kaosmaps/sandboxd/pkg/apperr"
	"github.com/kaosmaps/sandboxd/pkg/log"
	dtypes "github.com/kaosmaps/sandboxd/pkg/types"
)

const (
	// ManagedLabel marks every container this controller deployed.
	ManagedLabel = "sandbox.deployment"
	// PathPrefixLabel carries the deployment id (not the URL path prefix,
	// despite the name) so the reaper's orphan phase can correlate a live
	// container back to a tracked deployment.
	PathPrefixLabel = "sandbox.path_prefix"

	healthLogTail = 10
	healthLogMax  = 500
)

// DeploySpec is the set of inputs needed to deploy one sandbox container.
type DeploySpec struct {
	DeploymentID string
	Image       string
	Name        string
	PathPrefix  string
	Port        int
	Env         map[string]string
	Limits      dtypes.ResourceLimits
	HealthCheck dtypes.HealthCheckConfig
	Network     string
	Domain      string
}

// Driver adapts the Docker Engine API to the controller's Container Driver
// operations. All methods assume they are called from inside a worker pool
// slot — none of them are safe to call directly off the request path.
type Driver struct {
	cli    *client.Client
	logger zerolog.Logger
}

// New connects to the local Docker daemon using the environment's standard
// DOCKER_HOST / TLS configuration.
func New() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperr.New(apperr.DriverError, "runtime.New", err)
	}
	return &Driver{cli: cli, logger: log.WithComponent("runtime")}, nil
}

// Close releases the underlying Docker client connection.
func (d *Driver) Close() error {
	return d.cli.Close()
}

// Deploy pulls the image (best-effort), removes any existing container of
// the same name, and creates+starts a new one carrying the edge-proxy and
// sandbox-metadata labels, resource caps, and optional healthcheck.
func (d *Driver) Deploy(ctx context.Context, spec DeploySpec) (string, error) {
	if rc, err := d.cli.ImagePull(ctx, spec.Image, image.PullOptions{}); err != nil {
		d.logger.Warn().Err(err).Str("image", spec.Image).Msg("image pull failed, continuing with local image if present")
	} else {
		// Drain so the daemon-side pull actually completes before create.
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
		d.logger.Debug().Str("image", spec.Image).Msg("pulled image")
	}

	if err := d.removeIfExists(ctx, spec.Name); err != nil {
		return "", apperr.New(apperr.DriverError, "runtime.Deploy", err)
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          envSlice(spec.Env),
		Labels:       buildLabels(spec),
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	if spec.HealthCheck.Enabled {
		containerCfg.Healthcheck = &container.HealthConfig{
			Test:        []string{"CMD-SHELL", fmt.Sprintf("curl -fs http://localhost:%d%s || exit 1", spec.Port, spec.HealthCheck.Path)},
			Interval:    time.Duration(spec.HealthCheck.IntervalSec) * time.Second,
			Timeout:     time.Duration(spec.HealthCheck.TimeoutSec) * time.Second,
			Retries:     spec.HealthCheck.Retries,
			StartPeriod: time.Duration(spec.HealthCheck.StartPeriod) * time.Second,
		}
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.Network),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		Resources: container.Resources{
			Memory:   spec.Limits.MemoryMB * 1024 * 1024,
			NanoCPUs: spec.Limits.CPUNanos,
			PidsLimit: func() *int64 {
				v := spec.Limits.PIDs
				return &v
			}(),
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", apperr.New(apperr.DriverError, "runtime.Deploy", fmt.Errorf("create %s: %w", spec.Name, err))
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", apperr.New(apperr.DriverError, "runtime.Deploy", fmt.Errorf("start %s: %w", spec.Name, err))
	}

	return shortID(resp.ID), nil
}

func (d *Driver) removeIfExists(ctx context.Context, name string) error {
	_, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return err
	}
	return d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// Teardown force-removes the named container. A not-found condition is a
// non-fatal no-op — teardown is idempotent.
func (d *Driver) Teardown(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return nil
	}
	return apperr.New(apperr.DriverError, "runtime.Teardown", err)
}

// ListSandboxContainers returns only containers carrying the sandbox
// deployment label, live or not.
func (d *Driver) ListSandboxContainers(ctx context.Context) ([]dtypes.ContainerInfo, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return nil, apperr.New(apperr.DriverError, "runtime.ListSandboxContainers", err)
	}

	out := make([]dtypes.ContainerInfo, 0, len(list))
	for _, c := range list {
		name := strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		out = append(out, dtypes.ContainerInfo{
			ID:         shortID(c.ID),
			Name:       name,
			Status:     c.Status,
			Image:      c.Image,
			PathPrefix: c.Labels[PathPrefixLabel],
		})
	}
	return out, nil
}

// Logs returns the last n lines of the container's combined output,
// decoded as UTF-8 text. A not-found container yields an empty slice, not
// an error — callers distinguish "no container" from "no logs" themselves.
func (d *Driver) Logs(ctx context.Context, name string, tail int) ([]string, error) {
	reader, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return []string{}, nil
		}
		return nil, apperr.New(apperr.DriverError, "runtime.Logs", err)
	}
	defer reader.Close()

	return demuxLines(reader), nil
}

// LogsStream returns a reader over the container's live log stream,
// following new output. The caller is responsible for closing it.
func (d *Driver) LogsStream(ctx context.Context, name string) (io.ReadCloser, error) {
	reader, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "0",
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, apperr.New(apperr.NotFound, "runtime.LogsStream", err)
		}
		return nil, apperr.New(apperr.DriverError, "runtime.LogsStream", err)
	}
	return reader, nil
}

// Stats takes a point-in-time resource usage snapshot, computing CPU
// percent from consecutive CPU/system-CPU deltas.
func (d *Driver) Stats(ctx context.Context, name string) (dtypes.ContainerStats, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return dtypes.ContainerStats{}, apperr.New(apperr.NotFound, "runtime.Stats", err)
		}
		return dtypes.ContainerStats{}, apperr.New(apperr.DriverError, "runtime.Stats", err)
	}
	defer resp.Body.Close()

	var raw dockertypes.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return dtypes.ContainerStats{}, apperr.New(apperr.DriverError, "runtime.Stats", err)
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	cpuPct := 0.0
	if sysDelta > 0 && cpuDelta > 0 {
		cpuPct = (cpuDelta / sysDelta) * float64(len(raw.CPUStats.CPUUsage.PercpuUsage)) * 100.0
	}

	var rx, tx int64
	for _, n := range raw.Networks {
		rx += int64(n.RxBytes)
		tx += int64(n.TxBytes)
	}

	memPct := 0.0
	if raw.MemoryStats.Limit > 0 {
		memPct = float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100.0
	}

	return dtypes.ContainerStats{
		CPUPercent:    cpuPct,
		MemoryUsage:   int64(raw.MemoryStats.Usage),
		MemoryLimit:   int64(raw.MemoryStats.Limit),
		MemoryPercent: memPct,
		NetRxBytes:    rx,
		NetTxBytes:    tx,
		PIDs:          int64(raw.PidsStats.Current),
	}, nil
}

// Health reports the container's current health status plus its last
// healthLogTail healthcheck log entries, each truncated to healthLogMax
// characters.
func (d *Driver) Health(ctx context.Context, name string) (dtypes.HealthSnapshot, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return dtypes.HealthSnapshot{}, apperr.New(apperr.NotFound, "runtime.Health", err)
		}
		return dtypes.HealthSnapshot{}, apperr.New(apperr.DriverError, "runtime.Health", err)
	}

	if info.State == nil || info.State.Health == nil {
		status := "none"
		if info.State != nil && info.State.Running {
			status = "running"
		}
		return dtypes.HealthSnapshot{Status: status}, nil
	}

	entries := info.State.Health.Log
	if len(entries) > healthLogTail {
		entries = entries[len(entries)-healthLogTail:]
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		out := entry.Output
		if len(out) > healthLogMax {
			out = out[:healthLogMax]
		}
		lines = append(lines, out)
	}

	return dtypes.HealthSnapshot{
		Status: info.State.Health.Status,
		Log:    lines,
	}, nil
}

func buildLabels(spec DeploySpec) map[string]string {
	routerName := spec.Name
	return map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", routerName): fmt.Sprintf(
			"Host(`%s`) && PathPrefix(`/%s`)", spec.Domain, spec.PathPrefix),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", routerName):    "websecure",
		fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", routerName): "letsencrypt",
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", routerName): fmt.Sprintf("%d", spec.Port),
		fmt.Sprintf("traefik.http.routers.%s.middlewares", routerName): routerName + "-stripprefix",
		fmt.Sprintf("traefik.http.middlewares.%s-stripprefix.stripprefix.prefixes", routerName): "/" + spec.PathPrefix,
		ManagedLabel:               "true",
		PathPrefixLabel:            spec.DeploymentID,
		"sandbox.memory_limit_mb":  fmt.Sprintf("%d", spec.Limits.MemoryMB),
		"sandbox.cpu_limit":        fmt.Sprintf("%d", spec.Limits.CPUNanos),
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func demuxLines(r io.Reader) []string {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) >= 8 && isDockerHeaderByte(line[0]) {
			line = line[8:]
		}
		lines = append(lines, line)
	}
	return lines
}

func isDockerHeaderByte(b byte) bool {
	return b <= 2
}
