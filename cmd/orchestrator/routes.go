package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meetcap/orchestrator/internal/hub"
	"github.com/meetcap/orchestrator/internal/session"
	"github.com/meetcap/orchestrator/internal/store"
	"github.com/meetcap/orchestrator/internal/topic"
)

type deps struct {
	cfg       config
	store     *store.Store
	registry  *session.Registry
	scheduler *topic.Scheduler
	hub       *hub.Hub
	publisher topic.Publisher
	wsHandler http.Handler
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/sessions", d.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", d.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/segments", d.handleIngestSegment)
	mux.HandleFunc("POST /api/sessions/{id}/complete", d.handleCompleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/alerts/{alertId}/ack", d.handleAcknowledgeAlert)
	mux.HandleFunc("POST /api/topic/segment", d.handleTopicSegment)
	mux.HandleFunc("POST /broadcast", d.handleBroadcast)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   string   `json:"sessionId"`
		OwnerID     string   `json:"ownerId"`
		Title       string   `json:"title"`
		SourceType  string   `json:"sourceType"`
		AgendaItems []string `json:"agendaItems"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = "RECORDING"
	}
	title := req.Title
	if title == "" {
		title = "Untitled session"
	}

	transcriptID := uuid.NewString()
	if err := d.store.CreateTranscript(r.Context(), store.Transcript{
		ID:         transcriptID,
		OwnerID:    req.OwnerID,
		Title:      title,
		SourceType: sourceType,
		Status:     "PROCESSING",
	}); err != nil {
		slog.Error("create transcript", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	snap, err := d.registry.Create(sessionID, transcriptID, req.OwnerID)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyExists) {
			http.Error(w, "session already exists", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	d.scheduler.StartSession(sessionID, transcriptID, req.AgendaItems)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(snap)
}

func (d deps) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	snap, err := d.registry.Get(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	resp := map[string]any{"session": snap}
	if res, err := d.scheduler.State(sessionID); err == nil {
		resp["topicState"] = res.TopicState
		resp["alerts"] = res.Alerts
		resp["usageStats"] = res.UsageStats
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ingestSegment is the save-path ingress body. Speaker arrives as either a
// numeric diarization index or a ready-made label.
type ingestSegment struct {
	Speaker   json.RawMessage `json:"speaker"`
	Text      string          `json:"text"`
	StartTime float64         `json:"startTime"`
	EndTime   *float64        `json:"endTime"`
	Interim   bool            `json:"interim"`
}

func (d deps) handleIngestSegment(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req struct {
		Segment  *ingestSegment `json:"segment"`
		Action   string         `json:"action"`
		Duration float64        `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if req.Action == "end" {
		d.endSession(w, r, sessionID, req.Duration, "")
		return
	}
	if req.Segment == nil || req.Segment.Text == "" {
		http.Error(w, "segment required", http.StatusBadRequest)
		return
	}

	label, err := speakerLabel(req.Segment.Speaker)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Segment.Interim {
		// Interim fragments are broadcast for live display but never persisted.
		d.publisher.Publish(r.Context(), sessionID, hub.EventTranscriptPartial, map[string]any{
			"speaker": label,
			"text":    req.Segment.Text,
		})
		writeJSON(w, map[string]any{"success": true, "saved": false})
		return
	}

	res, err := d.registry.AppendSegment(r.Context(), sessionID, session.Segment{
		SpeakerLabel: label,
		Text:         req.Segment.Text,
		StartTime:    req.Segment.StartTime,
		EndTime:      req.Segment.EndTime,
	}, req.Duration)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	d.publisher.Publish(r.Context(), sessionID, hub.EventTranscriptFinal, map[string]any{
		"segment": map[string]any{
			"speaker":   label,
			"text":      req.Segment.Text,
			"startTime": req.Segment.StartTime,
			"endTime":   req.Segment.EndTime,
		},
	})

	writeJSON(w, map[string]any{
		"success":              true,
		"saved":                res.Saved,
		"pendingSegmentsCount": res.PendingSegments,
		"savedSegmentCount":    res.SavedSegments,
	})
}

func (d deps) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req struct {
		Duration float64 `json:"duration"`
		Title    string  `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	d.endSession(w, r, sessionID, req.Duration, req.Title)
}

func (d deps) endSession(w http.ResponseWriter, r *http.Request, sessionID string, duration float64, title string) {
	if err := d.registry.End(r.Context(), sessionID, duration, title); err != nil {
		slog.Error("end session", "session_id", sessionID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	d.scheduler.EndSession(sessionID)
	writeJSON(w, map[string]any{"success": true})
}

func (d deps) handleTopicSegment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Segment   struct {
			Speaker   json.RawMessage `json:"speaker"`
			Text      string          `json:"text"`
			StartTime float64         `json:"startTime"`
		} `json:"segment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.Segment.Text == "" {
		http.Error(w, "sessionId and segment required", http.StatusBadRequest)
		return
	}

	label, err := speakerLabel(req.Segment.Speaker)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := d.scheduler.AddSegment(r.Context(), req.SessionID, topic.SegmentText{
		Speaker:   label,
		Text:      req.Segment.Text,
		StartTime: req.Segment.StartTime,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func (d deps) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := d.scheduler.Acknowledge(r.Context(), r.PathValue("id"), r.PathValue("alertId"))
	if err != nil {
		if errors.Is(err, topic.ErrSessionNotFound) || errors.Is(err, topic.ErrAlertNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"success": true, "alert": alert})
}

// handleBroadcast is the relay ingress: another process hands us an event for
// the subscribers this process holds.
func (d deps) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if d.cfg.broadcastSecret != "" && r.Header.Get("x-broadcast-secret") != d.cfg.broadcastSecret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req, err := hub.DecodeBroadcast(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n := d.hub.Publish(r.Context(), req.MeetingID, req.Type, req.Data)
	writeJSON(w, hub.BroadcastResponse{Success: true, ClientCount: n})
}

// speakerLabel resolves the boundary speaker value (diarization index or
// label) to the durable label form.
func speakerLabel(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "Speaker 0", nil
	}
	var idx int
	if err := json.Unmarshal(raw, &idx); err == nil {
		return fmt.Sprintf("Speaker %d", idx), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, nil
	}
	return "", fmt.Errorf("invalid speaker value %s", raw)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
