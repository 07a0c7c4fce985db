// Package types defines the data model shared across the sandbox deployment
// controller: deployments and their lifecycle state, artifacts, events, and
// webhook registrations.
package types

import "time"

// DeploymentState is the lifecycle state of a tracked deployment.
type DeploymentState string

const (
	StatePending   DeploymentState = "pending"
	StatePulling   DeploymentState = "pulling"
	StateStarting  DeploymentState = "starting"
	StateRunning   DeploymentState = "running"
	StateStopping  DeploymentState = "stopping"
	StateUnhealthy DeploymentState = "unhealthy"
	StateFailed    DeploymentState = "failed"
	StateRemoved   DeploymentState = "removed"
)

// transitions is the state machine table from the deployment registry spec.
var transitions = map[DeploymentState]map[DeploymentState]bool{
	StatePending:   {StatePulling: true, StateFailed: true},
	StatePulling:   {StateStarting: true, StateFailed: true},
	StateStarting:  {StateRunning: true, StateFailed: true},
	StateRunning:   {StateStopping: true, StateFailed: true, StateUnhealthy: true},
	StateUnhealthy: {StateRunning: true, StateStopping: true, StateFailed: true},
	StateStopping:  {StateRemoved: true, StateFailed: true},
	StateFailed:    {},
	StateRemoved:   {},
}

// CanTransition reports whether moving from "from" to "to" is legal.
func CanTransition(from, to DeploymentState) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ResourceLimits caps the resources a deployed container may use.
type ResourceLimits struct {
	MemoryMB int64
	CPUNanos int64
	PIDs     int64
}

// HealthCheckConfig describes an optional container-level HTTP healthcheck.
type HealthCheckConfig struct {
	Enabled     bool
	Path        string
	IntervalSec int
	TimeoutSec  int
	Retries     int
	StartPeriod int
}

// Deployment is the enriched record the Registry holds for one deployment.
// It merges the "basic" and "enhanced" record variants referenced in the
// original source into a single shape.
type Deployment struct {
	ID          string            `json:"deployment_id"`
	Image       string            `json:"image"`
	PathPrefix  string            `json:"path_prefix"`
	Port        int               `json:"port"`
	Env         map[string]string `json:"env,omitempty"`
	TTLMinutes  int               `json:"ttl_minutes"`
	CreatedAt   time.Time         `json:"created_at"`
	State       DeploymentState   `json:"status"`
	ContainerID string            `json:"container_id,omitempty"`
	URL         string            `json:"url,omitempty"`
	Error       string            `json:"error,omitempty"`
	Limits      ResourceLimits    `json:"-"`
	HealthCheck HealthCheckConfig `json:"-"`
}

// Artifact is the metadata row for one stored blob.
type Artifact struct {
	ID           string    `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256"`
	CreatedAt    time.Time `json:"created_at"`
	Path         string    `json:"path"`
}

// DownloadURL is the stable path the artifact's bytes are served from.
func (a Artifact) DownloadURL() string {
	return "/api/artifacts/" + a.ID
}

// EventKind enumerates the lifecycle event kinds the bus carries.
type EventKind string

const (
	EventConnected        EventKind = "connected"
	EventStarted          EventKind = "started"
	EventPulling          EventKind = "pulling"
	EventHealthy          EventKind = "healthy"
	EventUnhealthy        EventKind = "unhealthy"
	EventLogLine          EventKind = "log_line"
	EventArtifactUploaded EventKind = "artifact_uploaded"
	EventCompleted        EventKind = "completed"
	EventFailed           EventKind = "failed"
	EventStopped          EventKind = "stopped"
	EventError            EventKind = "error"
	EventDisconnected     EventKind = "disconnected"
	EventKeepalive        EventKind = "keepalive"
)

// Event is a single lifecycle event on a deployment's stream.
type Event struct {
	DeploymentID string                 `json:"deployment_id"`
	Kind         EventKind              `json:"event"`
	Timestamp    time.Time              `json:"timestamp"`
	Data         map[string]interface{} `json:"data"`
}

// HookRegistration is a webhook subscription for a deployment's events.
type HookRegistration struct {
	URL               string
	Events            map[EventKind]bool // nil/empty means "all kinds"
	Headers           map[string]string
	TimeoutSeconds    float64
	RetryCount        int
	RetryDelaySeconds float64
}

// Wants reports whether the registration wants delivery of the given kind.
func (h HookRegistration) Wants(kind EventKind) bool {
	if len(h.Events) == 0 {
		return true
	}
	return h.Events[kind]
}

// HookInvocation records the outcome of one webhook delivery attempt.
type HookInvocation struct {
	DeploymentID   string    `json:"deployment_id"`
	Event          EventKind `json:"event"`
	WebhookURL     string    `json:"webhook_url"`
	Timestamp      time.Time `json:"timestamp"`
	Success        bool      `json:"success"`
	StatusCode     int       `json:"status_code,omitempty"`
	Error          string    `json:"error,omitempty"`
	ResponseTimeMS float64   `json:"response_time_ms"`
	Attempts       int       `json:"attempts"`
}

// ContainerInfo is a summary row for a live sandbox container.
type ContainerInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Image      string `json:"image"`
	PathPrefix string `json:"path_prefix"`
}

// ContainerStats is a point-in-time resource usage snapshot.
type ContainerStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   int64   `json:"memory_usage"`
	MemoryLimit   int64   `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	NetRxBytes    int64   `json:"net_rx_bytes"`
	NetTxBytes    int64   `json:"net_tx_bytes"`
	PIDs          int64   `json:"pids"`
}

// HealthSnapshot is a point-in-time container health status.
type HealthSnapshot struct {
	Status string   `json:"status"`
	Log    []string `json:"log,omitempty"`
}

// CleanupResult aggregates the outcome of one Reaper cycle.
type CleanupResult struct {
	ExpiredCount      int      `json:"expired_count"`
	OrphanCount       int      `json:"orphan_count"`
	FailedCount       int      `json:"failed_count"`
	ContainersRemoved []string `json:"containers_removed"`
	Errors            []string `json:"errors"`
}
