package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaosmaps/sandboxd/pkg/events"
	"github.com/kaosmaps/sandboxd/pkg/metrics"
	"github.com/kaosmaps/sandboxd/pkg/types"
)

const wsIdleTimeout = 30 * time.Second

var _ events.Sink = (*wsSink)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSink adapts a websocket connection to events.Sink. Writes are
// serialized with a mutex since the broker may call Send from multiple
// broadcast goroutines concurrently with the keepalive writer.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(event types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(event)
}

func (s *wsSink) writePong() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, []byte("pong"))
}

// handleWSProgress upgrades the connection and fans the deployment's event
// stream to it until the client disconnects. A 30s idle receive produces a
// keepalive event rather than closing the socket.
func (s *Server) handleWSProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sink := &wsSink{conn: conn}
	broker := s.bus.Broker(id)
	broker.Subscribe(id, sink)
	defer broker.Unsubscribe(sink)

	metrics.WebsocketConnections.Inc()
	defer metrics.WebsocketConnections.Dec()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
					if sendErr := sink.Send(types.Event{
						DeploymentID: id,
						Kind:         types.EventKeepalive,
						Timestamp:    time.Now().UTC(),
					}); sendErr != nil {
						return
					}
					continue
				}
				return
			}
			if string(msg) == "ping" {
				if err := sink.writePong(); err != nil {
					return
				}
			}
		}
	}()

	<-r.Context().Done()
	broker.Unsubscribe(sink)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Stream ended"),
		time.Now().Add(2*time.Second))
	<-done
}

// handleWSStatus reports subscriber counts for every tracked deployment,
// a lightweight operational view that does not require opening a socket.
func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]int{}
	for _, d := range s.registry.List() {
		out[d.ID] = s.bus.Broker(d.ID).SubscriberCount()
	}
	writeJSON(w, http.StatusOK, out)
}
