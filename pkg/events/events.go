// Package events is the control plane's dual-channel event bus: interactive
// WebSocket subscribers and outbound webhook registrations both ride the
// same per-deployment event stream.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kaosmaps/sandboxd/pkg/log"
	"github.com/kaosmaps/sandboxd/pkg/metrics"
	"github.com/kaosmaps/sandboxd/pkg/types"
)

const sendDeadline = 2 * time.Second

// Sink receives broadcast events. A Send that does not return within the
// bus's send-deadline marks the sink for removal after the broadcast
// completes — a slow subscriber never blocks others.
type Sink interface {
	Send(types.Event) error
}

// Broker fans events for one deployment out to every subscribed sink,
// preserving the order events were published in.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Sink]bool
}

func newBroker() *Broker {
	return &Broker{subscribers: make(map[Sink]bool)}
}

// Subscribe registers sink and immediately delivers a connected event
// carrying the current subscriber count.
func (b *Broker) Subscribe(deploymentID string, sink Sink) {
	b.mu.Lock()
	b.subscribers[sink] = true
	count := len(b.subscribers)
	b.mu.Unlock()

	sink.Send(types.Event{
		DeploymentID: deploymentID,
		Kind:         types.EventConnected,
		Timestamp:    time.Now().UTC(),
		Data:         map[string]interface{}{"subscriber_count": count},
	})
}

// Unsubscribe removes sink from the broker.
func (b *Broker) Unsubscribe(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sink)
}

// SubscriberCount reports the number of currently subscribed sinks.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast delivers event to every sink, dropping (and scheduling removal
// of) any sink whose Send does not return within sendDeadline.
func (b *Broker) broadcast(event types.Event) {
	b.mu.RLock()
	sinks := make([]Sink, 0, len(b.subscribers))
	for s := range b.subscribers {
		sinks = append(sinks, s)
	}
	b.mu.RUnlock()

	var toRemove []Sink
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sink := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			done := make(chan error, 1)
			go func() { done <- s.Send(event) }()
			select {
			case err := <-done:
				if err != nil {
					mu.Lock()
					toRemove = append(toRemove, s)
					mu.Unlock()
				}
			case <-time.After(sendDeadline):
				mu.Lock()
				toRemove = append(toRemove, s)
				mu.Unlock()
			}
		}(sink)
	}
	wg.Wait()

	if len(toRemove) == 0 {
		return
	}
	b.mu.Lock()
	for _, s := range toRemove {
		delete(b.subscribers, s)
	}
	b.mu.Unlock()
}

// Bus owns every deployment's Broker plus its webhook registrations and
// invocation history.
type Bus struct {
	mu      sync.RWMutex
	brokers map[string]*Broker
	hooks   map[string][]types.HookRegistration
	history map[string][]types.HookInvocation
	logger  zerolog.Logger
	deliver *webhookDeliverer
}

const historyLimit = 100

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		brokers: make(map[string]*Broker),
		hooks:   make(map[string][]types.HookRegistration),
		history: make(map[string][]types.HookInvocation),
		logger:  log.WithComponent("events"),
		deliver: newWebhookDeliverer(),
	}
}

// Broker returns (creating if necessary) the Broker for deploymentID.
func (bus *Bus) Broker(deploymentID string) *Broker {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	b, ok := bus.brokers[deploymentID]
	if !ok {
		b = newBroker()
		bus.brokers[deploymentID] = b
	}
	return b
}

// Publish broadcasts event to interactive subscribers and dispatches it to
// every matching webhook registration in parallel.
func (bus *Bus) Publish(event types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	bus.Broker(event.DeploymentID).broadcast(event)
	metrics.WebsocketEventsSent.WithLabelValues(string(event.Kind)).Inc()

	bus.mu.RLock()
	hooks := append([]types.HookRegistration(nil), bus.hooks[event.DeploymentID]...)
	bus.mu.RUnlock()

	if len(hooks) == 0 {
		return
	}

	invocations := bus.deliver.dispatch(event, hooks)
	bus.recordHistory(event.DeploymentID, invocations)
}

// RegisterHook adds a webhook registration for deploymentID.
func (bus *Bus) RegisterHook(deploymentID string, reg types.HookRegistration) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.hooks[deploymentID] = append(bus.hooks[deploymentID], reg)
}

// Hooks returns the webhook registrations for deploymentID.
func (bus *Bus) Hooks(deploymentID string) []types.HookRegistration {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	return append([]types.HookRegistration(nil), bus.hooks[deploymentID]...)
}

// History returns up to limit of the most recent HookInvocations for
// deploymentID, most recent first.
func (bus *Bus) History(deploymentID string, limit int) []types.HookInvocation {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	all := bus.history[deploymentID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]types.HookInvocation, limit)
	for i := 0; i < limit; i++ {
		out[i] = all[len(all)-1-i]
	}
	return out
}

// Drop removes every broker, hook registration, and history entry for
// deploymentID — called when the deployment record itself is removed.
func (bus *Bus) Drop(deploymentID string) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	delete(bus.brokers, deploymentID)
	delete(bus.hooks, deploymentID)
	delete(bus.history, deploymentID)
}

func (bus *Bus) recordHistory(deploymentID string, invocations []types.HookInvocation) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	buf := append(bus.history[deploymentID], invocations...)
	if len(buf) > historyLimit {
		buf = buf[len(buf)-historyLimit:]
	}
	bus.history[deploymentID] = buf
}
