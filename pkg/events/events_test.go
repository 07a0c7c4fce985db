package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaosmaps/sandboxd/pkg/types"
)

type recordingSink struct {
	mu       sync.Mutex
	received []types.Event
	fail     bool
	delay    time.Duration
}

func (s *recordingSink) Send(e types.Event) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return assertErr("send failed")
	}
	s.received = append(s.received, e)
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestSubscribeSendsConnectedEvent(t *testing.T) {
	bus := NewBus()
	sink := &recordingSink{}

	bus.Broker("abc123").Subscribe("abc123", sink)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.received, 1)
	assert.Equal(t, types.EventConnected, sink.received[0].Kind)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := &recordingSink{}
	b := &recordingSink{}
	bus.Broker("abc123").Subscribe("abc123", a)
	bus.Broker("abc123").Subscribe("abc123", b)

	bus.Publish(types.Event{DeploymentID: "abc123", Kind: types.EventStarted})

	a.mu.Lock()
	b.mu.Lock()
	defer a.mu.Unlock()
	defer b.mu.Unlock()
	assert.Len(t, a.received, 2) // connected + started
	assert.Len(t, b.received, 2)
}

func TestUnsubscribedSinkStopsReceiving(t *testing.T) {
	bus := NewBus()
	a := &recordingSink{}
	broker := bus.Broker("abc123")
	broker.Subscribe("abc123", a)
	broker.Unsubscribe(a)

	bus.Publish(types.Event{DeploymentID: "abc123", Kind: types.EventStarted})

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Len(t, a.received, 1) // only the initial connected event
}

func TestBroadcastDropsSlowSink(t *testing.T) {
	bus := NewBus()
	slow := &recordingSink{delay: sendDeadline + 500*time.Millisecond}
	broker := bus.Broker("abc123")
	broker.Subscribe("abc123", slow)

	broker.broadcast(types.Event{DeploymentID: "abc123", Kind: types.EventStarted})

	assert.Equal(t, 0, broker.SubscriberCount())
}

func TestDropRemovesBrokerHooksAndHistory(t *testing.T) {
	bus := NewBus()
	bus.Broker("abc123")
	bus.RegisterHook("abc123", types.HookRegistration{URL: "http://example.com"})

	bus.Drop("abc123")

	assert.Empty(t, bus.Hooks("abc123"))
	assert.Empty(t, bus.History("abc123", 10))
}

func TestWebhookDeliveryRetriesUntilSuccess(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()

		var payload types.Event
		_ = json.NewDecoder(r.Body).Decode(&payload)

		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	bus := NewBus()
	bus.RegisterHook("abc123", types.HookRegistration{
		URL:               server.URL,
		RetryCount:        3,
		RetryDelaySeconds: 0.01,
	})

	bus.Publish(types.Event{DeploymentID: "abc123", Kind: types.EventStarted})

	history := bus.History("abc123", 10)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, http.StatusOK, history[0].StatusCode)
	assert.Equal(t, 3, history[0].Attempts)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestWebhookOnlyDeliveredWhenKindWanted(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	bus := NewBus()
	bus.RegisterHook("abc123", types.HookRegistration{
		URL:    server.URL,
		Events: map[types.EventKind]bool{types.EventFailed: true},
	})

	bus.Publish(types.Event{DeploymentID: "abc123", Kind: types.EventStarted})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, attempts)
}
