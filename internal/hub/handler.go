package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler accepts viewer WebSocket connections with admission control and
// runs their control-message loop against the hub.
type Handler struct {
	hub *Hub
	sem chan struct{}
}

// NewHandler creates a WebSocket handler bound to the hub with a concurrency limit.
func NewHandler(h *Hub, maxClients int) *Handler {
	if maxClients <= 0 {
		maxClients = 1000
	}
	return &Handler{
		hub: h,
		sem: make(chan struct{}, maxClients),
	}
}

// ServeHTTP upgrades the connection and serves control messages until the
// client disconnects. Returns 503 at max client capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := &subscriber{conn: conn}
	h.hub.add(sub)
	defer h.hub.remove(sub)

	h.readLoop(sub)
}

func (h *Handler) readLoop(sub *subscriber) {
	for {
		msgType, data, err := sub.conn.ReadMessage()
		if err != nil {
			slog.Info("client disconnected", "error", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("bad control message", "error", err)
			continue
		}

		switch msg.Type {
		case msgSubscribe:
			if msg.MeetingID == "" {
				slog.Warn("subscribe without meetingId")
				continue
			}
			h.hub.subscribe(sub, msg.MeetingID)
			h.sendSubscribed(sub, msg.MeetingID)
		case msgUnsubscribe:
			h.hub.unsubscribe(sub)
		default:
			slog.Warn("unknown control message", "type", msg.Type)
		}
	}
}

func (h *Handler) sendSubscribed(sub *subscriber, meetingID string) {
	frame, err := encodeEvent(EventSubscribed, map[string]any{
		"meetingId":   meetingID,
		"clientCount": h.hub.ClientCount(meetingID),
	})
	if err != nil {
		return
	}
	if err := sub.write(frame); err != nil {
		slog.Warn("write subscribed ack", "meeting_id", meetingID, "error", err)
	}
}
