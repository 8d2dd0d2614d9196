package topic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/meetcap/orchestrator/internal/metrics"
	"github.com/meetcap/orchestrator/internal/store"
)

// Trigger policy defaults. The dual threshold bounds both "too chatty"
// (rapid short exchanges) and "too stale" (a long monologue that never
// reaches the count threshold).
const (
	DefaultMinSegments     = 3
	DefaultMinInterval     = 15 * time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultAnalysisTimeout = 60 * time.Second

	// Compression bounds: once more than CompressionThreshold raw segments
	// are retained, everything older than the newest KeepRaw is folded into
	// the running summary.
	DefaultCompressionThreshold = 20
	DefaultKeepRaw              = 10

	DefaultSessionTimeout = time.Hour
	DefaultReapInterval   = 5 * time.Minute

	driftAlertThreshold = 50
	maxTopicHistory     = 10
)

var (
	// ErrSessionNotFound is returned for operations on an unknown topic session.
	ErrSessionNotFound = errors.New("topic session not found")
	// ErrAlertNotFound is returned when acknowledging an unknown alert.
	ErrAlertNotFound = errors.New("alert not found")
)

// AlertStore is the durable sink for topics and alerts. Optional: ad-hoc
// sessions can run purely in memory.
type AlertStore interface {
	InsertTopic(ctx context.Context, t store.Topic) error
	InsertAlert(ctx context.Context, a store.Alert) error
	AcknowledgeAlert(ctx context.Context, sessionID, alertID string) error
}

// Publisher fans a state-change event out to session subscribers. Optional.
type Publisher interface {
	Publish(ctx context.Context, sessionID, eventType string, data any) int
}

// Config holds scheduler tuning; zero values fall back to the defaults above.
type Config struct {
	Engine    Engine
	Store     AlertStore
	Publisher Publisher

	MinSegments          int
	MinInterval          time.Duration
	MaxInterval          time.Duration
	AnalysisTimeout      time.Duration
	CompressionThreshold int
	KeepRaw              int

	// MaxConcurrent bounds engine calls in flight across all sessions.
	MaxConcurrent int64

	SessionTimeout time.Duration
	ReapInterval   time.Duration
}

// state is one session's rolling analysis context. mu guards every field;
// analyzing is the in-flight flag that keeps analyses non-overlapping per
// session while segments continue to append.
type state struct {
	mu sync.Mutex

	sessionID    string
	transcriptID string
	agendaItems  []string

	mainTopic    string
	currentTopic string
	topicHistory []string
	driftScore   float64

	pendingSegments []SegmentText
	allProcessed    []SegmentText
	summary         string

	lastAnalyzedAt time.Time
	lastActivityAt time.Time
	analysisCount  int

	usage  UsageStats
	alerts []Alert

	analyzing bool
}

// TopicState is the externally visible slice of a session's rolling state.
type TopicState struct {
	MainTopic           *string `json:"mainTopic"`
	CurrentTopic        *string `json:"currentTopic"`
	DriftScore          float64 `json:"driftScore"`
	ConversationSummary *string `json:"conversationSummary,omitempty"`
	AnalysisCount       int     `json:"analysisCount"`
}

// Result is returned from every topic-path ingest.
type Result struct {
	TopicState      TopicState `json:"topicState"`
	Alerts          []Alert    `json:"alerts"`
	NewAlert        *Alert     `json:"newAlert"`
	UsageStats      UsageStats `json:"usageStats"`
	PendingSegments int        `json:"pendingSegments"`
}

// Scheduler owns per-session topic analysis: trigger evaluation, conversation
// compression, engine calls, drift alerting, and usage accounting.
type Scheduler struct {
	cfg      Config
	sem      *semaphore.Weighted
	mu       sync.RWMutex
	sessions map[string]*state
	done     chan struct{}
	reaperWG sync.WaitGroup
}

// NewScheduler creates a scheduler and starts its background reaper.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.MinSegments <= 0 {
		cfg.MinSegments = DefaultMinSegments
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = DefaultAnalysisTimeout
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = DefaultCompressionThreshold
	}
	if cfg.KeepRaw <= 0 {
		cfg.KeepRaw = DefaultKeepRaw
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}

	s := &Scheduler{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		sessions: make(map[string]*state),
		done:     make(chan struct{}),
	}
	s.reaperWG.Add(1)
	go s.reapLoop()
	return s
}

// StartSession initializes topic state for a session. transcriptID and
// agendaItems may be empty for ad-hoc recordings. Calling it for an existing
// session is a no-op.
func (sc *Scheduler) StartSession(sessionID, transcriptID string, agendaItems []string) {
	sc.getOrCreate(sessionID, transcriptID, agendaItems)
}

// getOrCreate returns the session's state, creating it if absent. Sessions
// are created lazily on first segment, matching the ingest contract: the
// topic path has no mandatory explicit start. The create happens under the
// write lock and returns the installed state directly, so a concurrent
// EndSession or reap can never hand the caller a nil state.
func (sc *Scheduler) getOrCreate(sessionID, transcriptID string, agendaItems []string) *state {
	sc.mu.RLock()
	st, ok := sc.sessions[sessionID]
	sc.mu.RUnlock()
	if ok {
		return st
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if st, ok = sc.sessions[sessionID]; ok {
		return st
	}
	st = &state{
		sessionID:      sessionID,
		transcriptID:   transcriptID,
		agendaItems:    agendaItems,
		lastActivityAt: time.Now(),
	}
	sc.sessions[sessionID] = st
	slog.Info("topic session started", "session_id", sessionID, "agenda_items", len(agendaItems))
	return st
}

// AddSegment appends one segment to the analysis buffer and runs an analysis
// if the trigger policy fires. The engine call happens without holding the
// session lock, so new segments keep appending while an analysis is in
// flight; the in-flight flag guarantees analyses never overlap per session.
func (sc *Scheduler) AddSegment(ctx context.Context, sessionID string, seg SegmentText) (*Result, error) {
	st := sc.getOrCreate(sessionID, "", nil)

	st.mu.Lock()
	st.pendingSegments = append(st.pendingSegments, seg)
	st.allProcessed = append(st.allProcessed, seg)
	st.lastActivityAt = time.Now()

	if !sc.shouldAnalyzeLocked(st, time.Now()) || st.analyzing {
		res := sc.resultLocked(st, nil)
		st.mu.Unlock()
		return res, nil
	}

	st.analyzing = true
	req, toCompress := sc.snapshotLocked(st)
	st.mu.Unlock()

	newAlert, err := sc.analyze(ctx, st, req, toCompress)
	if err != nil {
		metrics.AnalysisFailures.Inc()
		slog.Error("topic analysis failed, keeping segments for retry",
			"session_id", sessionID, "segments", len(req.RecentSegments), "error", err)
	}

	st.mu.Lock()
	res := sc.resultLocked(st, newAlert)
	st.mu.Unlock()
	return res, nil
}

func (sc *Scheduler) shouldAnalyzeLocked(st *state, now time.Time) bool {
	if len(st.pendingSegments) == 0 {
		return false
	}

	// A session that has never been analyzed has an effectively infinite
	// time-since-last-analysis: the min-interval gate is open, so the first
	// analysis fires as soon as the segment count is reached. The
	// max-interval staleness trigger only applies once a first analysis
	// has established a baseline.
	if st.lastAnalyzedAt.IsZero() {
		return len(st.pendingSegments) >= sc.cfg.MinSegments
	}

	sinceLast := now.Sub(st.lastAnalyzedAt)
	if len(st.pendingSegments) >= sc.cfg.MinSegments && sinceLast >= sc.cfg.MinInterval {
		return true
	}
	return sinceLast >= sc.cfg.MaxInterval
}

// snapshotLocked captures the analysis inputs under the lock. The returned
// request references copies, so the engine call can run unlocked.
func (sc *Scheduler) snapshotLocked(st *state) (AnalyzeRequest, []SegmentText) {
	req := AnalyzeRequest{
		RecentSegments:      append([]SegmentText(nil), st.pendingSegments...),
		PreviousTopics:      append([]string(nil), st.topicHistory...),
		MainTopic:           st.mainTopic,
		AgendaItems:         st.agendaItems,
		IsFirstAnalysis:     st.analysisCount == 0,
		ConversationSummary: st.summary,
	}

	var toCompress []SegmentText
	if len(st.allProcessed) > sc.cfg.CompressionThreshold && len(st.allProcessed) > sc.cfg.KeepRaw {
		toCompress = append(toCompress, st.allProcessed[:len(st.allProcessed)-sc.cfg.KeepRaw]...)
	}
	return req, toCompress
}

// analyze runs the (optional) compression precondition and the analysis call,
// then applies the result. On any failure the session state is left exactly
// as it was: the buffers are retained and retried on the next trigger.
func (sc *Scheduler) analyze(ctx context.Context, st *state, req AnalyzeRequest, toCompress []SegmentText) (newAlert *Alert, err error) {
	defer func() {
		st.mu.Lock()
		st.analyzing = false
		st.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, sc.cfg.AnalysisTimeout)
	defer cancel()

	if err := sc.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire engine slot: %w", err)
	}
	defer sc.sem.Release(1)

	var compression *Compression
	if len(toCompress) > 0 {
		// Compression is a precondition of analysis, not best-effort:
		// sending an unbounded buffer to the engine is never acceptable.
		compression, err = sc.cfg.Engine.Compress(ctx, CompressRequest{
			Segments:        toCompress,
			ExistingSummary: req.ConversationSummary,
		})
		if err != nil {
			return nil, fmt.Errorf("compress conversation: %w", err)
		}
		req.ConversationSummary = compression.Summary
		metrics.CompressionsTotal.Inc()
	}

	start := time.Now()
	analysis, err := sc.cfg.Engine.Analyze(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("analyze topics: %w", err)
	}
	metrics.AnalysesTotal.Inc()
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())

	return sc.apply(ctx, st, req, analysis, compression, len(toCompress)), nil
}

// apply folds a successful analysis into session state and emits side
// effects (topic row, alert, broadcasts).
func (sc *Scheduler) apply(ctx context.Context, st *state, req AnalyzeRequest, analysis *Analysis, compression *Compression, compressed int) *Alert {
	drift := clampDrift(analysis.DriftScore)

	st.mu.Lock()

	if compression != nil {
		st.summary = compression.Summary
		// Trim exactly the compressed prefix: segments that arrived while
		// the call was in flight stay in the retention buffer.
		st.allProcessed = append([]SegmentText(nil), st.allProcessed[compressed:]...)
		cost := st.usage.add(compression.Usage)
		recordUsage(compression.Usage, cost)
	}

	// Clear only the analyzed prefix for the same reason.
	analyzed := len(req.RecentSegments)
	if analyzed > len(st.pendingSegments) {
		analyzed = len(st.pendingSegments)
	}
	st.pendingSegments = append([]SegmentText(nil), st.pendingSegments[analyzed:]...)

	st.lastAnalyzedAt = time.Now()
	st.analysisCount++
	st.driftScore = drift
	cost := st.usage.add(analysis.Usage)
	recordUsage(analysis.Usage, cost)

	// The main topic anchors drift scoring: it is accepted only from the
	// session's first analysis and held fixed afterwards.
	firstMain := false
	if req.IsFirstAnalysis && analysis.MainTopic != "" && st.mainTopic == "" {
		st.mainTopic = analysis.MainTopic
		firstMain = true
	}

	topicChanged := analysis.CurrentTopic != "" && analysis.CurrentTopic != st.currentTopic
	previousTopic := st.currentTopic
	if topicChanged {
		st.currentTopic = analysis.CurrentTopic
		st.topicHistory = append(st.topicHistory, analysis.CurrentTopic)
		if len(st.topicHistory) > maxTopicHistory {
			st.topicHistory = st.topicHistory[len(st.topicHistory)-maxTopicHistory:]
		}
	}

	var newAlert *Alert
	if topicChanged && drift >= driftAlertThreshold {
		reason, action := analysis.DriftReason, analysis.SuggestedAction
		a := Alert{
			ID:           uuid.NewString(),
			AlertType:    AlertTopicDrift,
			Message:      facilitatorMessage(drift, reason, action),
			DriftScore:   drift,
			FromTopic:    optional(previousTopic),
			ToTopic:      optional(analysis.CurrentTopic),
			CurrentTopic: analysis.CurrentTopic,
			MainTopic:    optional(st.mainTopic),
			Timestamp:    time.Now(),
		}
		st.alerts = append([]Alert{a}, st.alerts...)
		if len(st.alerts) > maxAlerts {
			st.alerts = st.alerts[:maxAlerts]
		}
		newAlert = &a
		metrics.AlertsRaised.Inc()
	}

	mainTopic := st.mainTopic
	currentTopic := st.currentTopic
	transcriptID := st.transcriptID
	sessionID := st.sessionID
	st.mu.Unlock()

	sc.persist(ctx, sessionID, transcriptID, currentTopic, firstMain, drift, newAlert)

	if sc.cfg.Publisher != nil {
		sc.cfg.Publisher.Publish(ctx, sessionID, "topic.update", map[string]any{
			"mainTopic":    mainTopic,
			"currentTopic": currentTopic,
			"driftScore":   drift,
		})
		if newAlert != nil {
			sc.cfg.Publisher.Publish(ctx, sessionID, "facilitator.alert", map[string]any{"alert": newAlert})
		}
	}

	slog.Info("topic analysis applied",
		"session_id", sessionID, "current_topic", currentTopic, "drift_score", drift, "alert", newAlert != nil)
	return newAlert
}

// persist writes the topic row and alert to the durable store; failures are
// logged, not propagated, since in-memory state is already updated and the
// next analysis will write again.
func (sc *Scheduler) persist(ctx context.Context, sessionID, transcriptID, currentTopic string, isMain bool, drift float64, alert *Alert) {
	if sc.cfg.Store == nil {
		return
	}

	if currentTopic != "" && transcriptID != "" {
		err := sc.cfg.Store.InsertTopic(ctx, store.Topic{
			ID:           uuid.NewString(),
			TranscriptID: transcriptID,
			Topic:        currentTopic,
			IsMainTopic:  isMain,
			Confidence:   1 - drift/100,
			StartTime:    float64(time.Now().Unix()),
		})
		if err != nil {
			slog.Warn("persist topic", "session_id", sessionID, "error", err)
		}
	}

	if alert != nil {
		err := sc.cfg.Store.InsertAlert(ctx, store.Alert{
			ID:         alert.ID,
			SessionID:  sessionID,
			AlertType:  string(alert.AlertType),
			Message:    alert.Message,
			DriftScore: alert.DriftScore,
			FromTopic:  alert.FromTopic,
			ToTopic:    alert.ToTopic,
			MainTopic:  alert.MainTopic,
			CreatedAt:  alert.Timestamp,
		})
		if err != nil {
			slog.Warn("persist alert", "session_id", sessionID, "alert_id", alert.ID, "error", err)
		}
	}
}

// Acknowledge marks an alert acknowledged. Idempotent: acknowledging twice
// returns the same acknowledged state without error.
func (sc *Scheduler) Acknowledge(ctx context.Context, sessionID, alertID string) (Alert, error) {
	sc.mu.RLock()
	st, ok := sc.sessions[sessionID]
	sc.mu.RUnlock()
	if !ok {
		return Alert{}, fmt.Errorf("acknowledge in session %s: %w", sessionID, ErrSessionNotFound)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.alerts {
		if st.alerts[i].ID != alertID {
			continue
		}
		if !st.alerts[i].Acknowledged {
			st.alerts[i].Acknowledged = true
			if sc.cfg.Store != nil {
				if err := sc.cfg.Store.AcknowledgeAlert(ctx, sessionID, alertID); err != nil {
					slog.Warn("persist alert ack", "alert_id", alertID, "error", err)
				}
			}
		}
		return st.alerts[i], nil
	}
	return Alert{}, fmt.Errorf("acknowledge alert %s: %w", alertID, ErrAlertNotFound)
}

// State returns the session's current topic state snapshot.
func (sc *Scheduler) State(sessionID string) (*Result, error) {
	sc.mu.RLock()
	st, ok := sc.sessions[sessionID]
	sc.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("state of session %s: %w", sessionID, ErrSessionNotFound)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return sc.resultLocked(st, nil), nil
}

// EndSession drops the session's topic state. Idempotent.
func (sc *Scheduler) EndSession(sessionID string) {
	sc.mu.Lock()
	st, ok := sc.sessions[sessionID]
	if ok {
		delete(sc.sessions, sessionID)
	}
	sc.mu.Unlock()
	if ok {
		st.mu.Lock()
		slog.Info("topic session ended", "session_id", sessionID, "analyses", st.analysisCount, "cost_usd", st.usage.CostUSD)
		st.mu.Unlock()
	}
}

// Close stops the background reaper.
func (sc *Scheduler) Close() {
	close(sc.done)
	sc.reaperWG.Wait()
}

func (sc *Scheduler) resultLocked(st *state, newAlert *Alert) *Result {
	return &Result{
		TopicState: TopicState{
			MainTopic:           optional(st.mainTopic),
			CurrentTopic:        optional(st.currentTopic),
			DriftScore:          st.driftScore,
			ConversationSummary: optional(st.summary),
			AnalysisCount:       st.analysisCount,
		},
		Alerts:          append([]Alert(nil), st.alerts...),
		NewAlert:        newAlert,
		UsageStats:      st.usage,
		PendingSegments: len(st.pendingSegments),
	}
}

func (sc *Scheduler) reapLoop() {
	defer sc.reaperWG.Done()
	ticker := time.NewTicker(sc.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.done:
			return
		case <-ticker.C:
			sc.reapOnce(time.Now())
		}
	}
}

func (sc *Scheduler) reapOnce(now time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for id, st := range sc.sessions {
		st.mu.Lock()
		stale := now.Sub(st.lastActivityAt) > sc.cfg.SessionTimeout
		st.mu.Unlock()
		if stale {
			delete(sc.sessions, id)
			slog.Info("reaped stale topic session", "session_id", id)
		}
	}
}

func recordUsage(u Usage, cost float64) {
	metrics.EngineTokens.WithLabelValues("input").Add(float64(u.InputTokens))
	metrics.EngineTokens.WithLabelValues("output").Add(float64(u.OutputTokens))
	metrics.EngineCostUSD.Add(cost)
}

func clampDrift(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
