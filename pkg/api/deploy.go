package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kaosmaps/sandboxd/pkg/apperr"
	"github.com/kaosmaps/sandboxd/pkg/runtime"
	"github.com/kaosmaps/sandboxd/pkg/types"
)

// deployRequest is the body of POST /webhook/deploy.
type deployRequest struct {
	Image       string            `json:"image"`
	PathPrefix  string            `json:"path_prefix"`
	Port        int               `json:"port"`
	Env         map[string]string `json:"env"`
	TTLMinutes  int               `json:"ttl_minutes"`
	MemoryMB    int64             `json:"memory_limit_mb"`
	CPUNanos    int64             `json:"cpu_limit"`
	PIDs        int64             `json:"pids_limit"`
	HealthCheck *healthCheckBody  `json:"healthcheck"`
	Webhook     *webhookBody      `json:"webhook"`
}

type healthCheckBody struct {
	Path        string `json:"path"`
	IntervalSec int    `json:"interval_seconds"`
	TimeoutSec  int    `json:"timeout_seconds"`
	Retries     int    `json:"retries"`
	StartPeriod int    `json:"start_period_seconds"`
}

// webhookBody registers a lifecycle hook for the deployment being created,
// per spec §3's Lifecycle hook registration shape.
type webhookBody struct {
	URL               string            `json:"url"`
	Events            []string          `json:"events"`
	Headers           map[string]string `json:"headers"`
	TimeoutSeconds    float64           `json:"timeout_seconds"`
	RetryCount        int               `json:"retry_count"`
	RetryDelaySeconds float64           `json:"retry_delay_seconds"`
}

const defaultMemoryMB = 512

// webhookBodyToHookRegistration converts the wire shape of a webhook
// registration into the Event Bus's internal form. An empty Events list
// means "all kinds", per types.HookRegistration.Wants.
func webhookBodyToHookRegistration(body webhookBody) types.HookRegistration {
	var kinds map[types.EventKind]bool
	if len(body.Events) > 0 {
		kinds = make(map[types.EventKind]bool, len(body.Events))
		for _, e := range body.Events {
			kinds[types.EventKind(e)] = true
		}
	}
	return types.HookRegistration{
		URL:               body.URL,
		Events:            kinds,
		Headers:           body.Headers,
		TimeoutSeconds:    body.TimeoutSeconds,
		RetryCount:        body.RetryCount,
		RetryDelaySeconds: body.RetryDelaySeconds,
	}
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Image == "" || req.PathPrefix == "" || req.Port == 0 {
		writeError(w, http.StatusBadRequest, "image, path_prefix, and port are required")
		return
	}

	id := req.PathPrefix
	containerName := s.cfg.ContainerPrefix + "-" + id

	limits := types.ResourceLimits{
		MemoryMB: req.MemoryMB,
		CPUNanos: req.CPUNanos,
		PIDs:     req.PIDs,
	}
	if limits.MemoryMB == 0 {
		limits.MemoryMB = defaultMemoryMB
	}

	hc := types.HealthCheckConfig{}
	if req.HealthCheck != nil {
		hc = types.HealthCheckConfig{
			Enabled:     true,
			Path:        req.HealthCheck.Path,
			IntervalSec: req.HealthCheck.IntervalSec,
			TimeoutSec:  req.HealthCheck.TimeoutSec,
			Retries:     req.HealthCheck.Retries,
			StartPeriod: req.HealthCheck.StartPeriod,
		}
	}

	deployment := types.Deployment{
		ID:          id,
		Image:       req.Image,
		PathPrefix:  id,
		Port:        req.Port,
		Env:         req.Env,
		TTLMinutes:  req.TTLMinutes,
		Limits:      limits,
		HealthCheck: hc,
	}

	if err := s.registry.Reserve(deployment); err != nil {
		if apperr.Is(err, apperr.ValidationError) {
			// Redeploy: an existing id forces removal of the prior
			// container per the idempotent-redeploy invariant.
			s.registry.Drop(id)
			s.reaper.Unregister(id)
			if err := s.registry.Reserve(deployment); err != nil {
				writeAppError(w, err)
				return
			}
		} else {
			writeAppError(w, err)
			return
		}
	}
	s.reaper.Register(id, containerName, time.Now().UTC(), req.TTLMinutes)

	if req.Webhook != nil && req.Webhook.URL != "" {
		s.bus.RegisterHook(id, webhookBodyToHookRegistration(*req.Webhook))
	}

	s.bus.Publish(types.Event{DeploymentID: id, Kind: types.EventPulling, Data: map[string]interface{}{"image": req.Image}})
	_ = s.registry.Advance(id, types.StatePulling, nil)

	spec := runtime.DeploySpec{
		DeploymentID: id,
		Image:        req.Image,
		Name:         containerName,
		PathPrefix:   id,
		Port:         req.Port,
		Env:          req.Env,
		Limits:       limits,
		HealthCheck:  hc,
		Network:      s.cfg.DockerNetwork,
		Domain:       s.cfg.SandboxDomain,
	}

	_ = s.registry.Advance(id, types.StateStarting, nil)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var containerID string
	err := s.pool.Submit(ctx, func(ctx context.Context) error {
		cid, err := s.driver.Deploy(ctx, spec)
		if err != nil {
			return err
		}
		containerID = cid
		return nil
	})

	if err != nil {
		_ = s.registry.Advance(id, types.StateFailed, func(d *types.Deployment) { d.Error = err.Error() })
		s.bus.Publish(types.Event{DeploymentID: id, Kind: types.EventFailed, Data: map[string]interface{}{"error": err.Error()}})
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":        "failed",
			"deployment_id": id,
			"error":         err.Error(),
		})
		return
	}

	url := fmt.Sprintf("https://%s/%s/", s.cfg.SandboxDomain, id)
	_ = s.registry.Advance(id, types.StateRunning, func(d *types.Deployment) {
		d.ContainerID = containerID
		d.URL = url
	})
	s.bus.Publish(types.Event{DeploymentID: id, Kind: types.EventStarted, Data: map[string]interface{}{"image": req.Image, "container_id": containerID}})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "deployed",
		"deployment_id": id,
		"url":           url,
		"container_id":  containerID,
	})
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, ok := s.registry.Get(id)
	containerName := s.cfg.ContainerPrefix + "-" + id

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	err := s.pool.Submit(ctx, func(ctx context.Context) error {
		return s.driver.Teardown(ctx, containerName)
	})
	if err != nil && !apperr.Is(err, apperr.NotFound) {
		writeAppError(w, err)
		return
	}

	if ok {
		_ = s.registry.Advance(id, types.StateStopping, nil)
		s.registry.Drop(id)
		s.reaper.Unregister(id)
		s.bus.Publish(types.Event{DeploymentID: id, Kind: types.EventStopped})
		s.bus.Drop(id)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "removed",
		"deployment_id": id,
	})
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	deployments := s.registry.List()

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	var containers []types.ContainerInfo
	_ = s.pool.Submit(ctx, func(ctx context.Context) error {
		cs, err := s.driver.ListSandboxContainers(ctx)
		if err != nil {
			return err
		}
		containers = cs
		return nil
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deployments": deployments,
		"containers":  containers,
	})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "deployment not found: "+id)
		return
	}

	resp := map[string]interface{}{
		"deployment_id": d.ID,
		"image":         d.Image,
		"path_prefix":   d.PathPrefix,
		"port":          d.Port,
		"ttl_minutes":   d.TTLMinutes,
		"created_at":    d.CreatedAt,
		"status":        d.State,
		"container_id":  d.ContainerID,
		"url":           d.URL,
	}
	if d.Error != "" {
		resp["error"] = d.Error
	}

	if hooks := s.bus.Hooks(id); len(hooks) > 0 {
		resp["hooks"] = hooks
	}
	if history := s.bus.History(id, 0); len(history) > 0 {
		resp["hook_history"] = history
	}

	if d.State == types.StateRunning && d.ContainerID != "" {
		containerName := s.cfg.ContainerPrefix + "-" + id
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		var stats types.ContainerStats
		var health types.HealthSnapshot
		_ = s.pool.Submit(ctx, func(ctx context.Context) error {
			st, err := s.driver.Stats(ctx, containerName)
			if err == nil {
				stats = st
			}
			h, err := s.driver.Health(ctx, containerName)
			if err == nil {
				health = h
			}
			return nil
		})
		resp["stats"] = stats
		resp["health"] = health
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	containerName := s.cfg.ContainerPrefix + "-" + id

	follow := r.URL.Query().Get("follow") == "true" || r.URL.Query().Get("follow") == "1"
	tail := 50
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}

	if !follow {
		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()
		lines, err := s.streamer.Tail(ctx, containerName, tail)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"lines": lines})
		return
	}

	s.streamSSELogs(w, r, containerName)
}

func (s *Server) streamSSELogs(w http.ResponseWriter, r *http.Request, containerName string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	lines := s.streamer.Stream(ctx, containerName)
	for line := range lines {
		if line.Err != nil {
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", line.Err.Error())
			flusher.Flush()
			continue
		}
		if line.Close {
			fmt.Fprintf(w, "event: close\ndata: Stream ended\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", line.Text)
		flusher.Flush()
	}
}
