package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/meetcap/orchestrator/internal/metrics"
)

// subscriber is one live client connection. Writes to the underlying
// connection are serialized through writeMu; gorilla permits only one
// concurrent writer.
type subscriber struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
}

func (s *subscriber) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *subscriber) session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Hub fans events out to subscribed connections. A connection is subscribed
// to at most one session; subscribing again replaces the prior subscription.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func New() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	metrics.SubscribersActive.Inc()
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	_, present := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if present {
		metrics.SubscribersActive.Dec()
	}
}

// subscribe points the connection at sessionID, dropping any prior
// subscription in the same step.
func (h *Hub) subscribe(s *subscriber, sessionID string) {
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()
}

func (h *Hub) unsubscribe(s *subscriber) {
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()
}

// ClientCount reports the number of live subscribers for a session.
func (h *Hub) ClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for s := range h.subs {
		if s.session() == sessionID {
			n++
		}
	}
	return n
}

// Publish delivers an event to every connection subscribed to sessionID and
// returns the number of subscribers written to. Write failures on individual
// connections are logged and skipped; the failing connection's read loop
// observes the broken socket and cleans up.
func (h *Hub) Publish(ctx context.Context, sessionID, eventType string, data any) int {
	frame, err := encodeEvent(eventType, data)
	if err != nil {
		slog.Error("encode broadcast event", "session_id", sessionID, "type", eventType, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		if s.session() == sessionID {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.write(frame); err != nil {
			slog.Warn("broadcast write failed", "session_id", sessionID, "type", eventType, "error", err)
			continue
		}
		delivered++
	}

	metrics.BroadcastsTotal.WithLabelValues(eventType).Inc()
	return delivered
}
