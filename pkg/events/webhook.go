package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kaosmaps/sandboxd/pkg/log"
	"github.com/kaosmaps/sandboxd/pkg/metrics"
	"github.com/kaosmaps/sandboxd/pkg/types"
)

const (
	defaultRetryCount        = 3
	defaultRetryDelaySeconds = 1.0
	defaultTimeoutSeconds    = 10.0
)

// webhookDeliverer POSTs events to registered webhook URLs, retrying
// failed attempts serially per-registration while registrations are
// dispatched in parallel.
type webhookDeliverer struct {
	client *http.Client
}

func newWebhookDeliverer() *webhookDeliverer {
	return &webhookDeliverer{client: &http.Client{}}
}

// dispatch delivers event to every registration interested in its kind,
// in parallel across registrations, and returns one HookInvocation per
// registration describing the final attempt's outcome.
func (w *webhookDeliverer) dispatch(event types.Event, hooks []types.HookRegistration) []types.HookInvocation {
	results := make([]types.HookInvocation, len(hooks))

	group := new(errgroup.Group)
	for i, hook := range hooks {
		i, hook := i, hook
		if !hook.Wants(event.Kind) {
			continue
		}
		group.Go(func() error {
			results[i] = w.deliverWithRetry(event, hook)
			return nil
		})
	}
	group.Wait()

	out := make([]types.HookInvocation, 0, len(hooks))
	for i, hook := range hooks {
		if hook.Wants(event.Kind) {
			out = append(out, results[i])
		}
	}
	return out
}

func (w *webhookDeliverer) deliverWithRetry(event types.Event, hook types.HookRegistration) types.HookInvocation {
	retryCount := hook.RetryCount
	if retryCount <= 0 {
		retryCount = defaultRetryCount
	}
	retryDelay := hook.RetryDelaySeconds
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelaySeconds
	}
	timeout := hook.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}

	var last types.HookInvocation
	for attempt := 1; attempt <= retryCount; attempt++ {
		last = w.attempt(event, hook, timeout, attempt)
		if last.Success {
			break
		}
		if attempt < retryCount {
			time.Sleep(time.Duration(retryDelay * float64(time.Second)))
		}
	}

	outcome := "failure"
	if last.Success {
		outcome = "success"
	}
	metrics.WebhookDeliveries.WithLabelValues(string(event.Kind), outcome).Inc()
	return last
}

func (w *webhookDeliverer) attempt(event types.Event, hook types.HookRegistration, timeoutSeconds float64, attemptNum int) types.HookInvocation {
	start := time.Now()
	inv := types.HookInvocation{
		DeploymentID: event.DeploymentID,
		Event:        event.Kind,
		WebhookURL:   hook.URL,
		Timestamp:    start.UTC(),
		Attempts:     attemptNum,
	}

	body, err := json.Marshal(event)
	if err != nil {
		inv.Error = err.Error()
		return inv
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSeconds*float64(time.Second)))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		inv.Error = err.Error()
		return inv
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sandbox-Event", string(event.Kind))
	req.Header.Set("X-Sandbox-Deployment", event.DeploymentID)
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	inv.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		inv.Error = err.Error()
		log.Logger.Debug().Err(err).Str("url", hook.URL).Int("attempt", attemptNum).Msg("webhook delivery attempt failed")
		return inv
	}
	defer resp.Body.Close()

	inv.StatusCode = resp.StatusCode
	inv.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	return inv
}
