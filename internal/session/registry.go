package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/meetcap/orchestrator/internal/metrics"
	"github.com/meetcap/orchestrator/internal/store"
)

// Auto-save policy defaults. A flush is triggered when either threshold is
// crossed, so no single fragment forces a durable write but staleness stays
// bounded.
const (
	DefaultSegmentThreshold = 5
	DefaultTimeThreshold    = 30 * time.Second
	DefaultSessionTimeout   = time.Hour
	DefaultReapInterval     = 5 * time.Minute
)

// DurableStore is the subset of the durable store the registry writes to.
type DurableStore interface {
	SaveSegmentBatch(ctx context.Context, transcriptID string, batch []store.SegmentWrite) (int, error)
	CompleteTranscript(ctx context.Context, transcriptID string, durationSeconds int, title string) error
	UpdateDuration(ctx context.Context, transcriptID string, durationSeconds int) error
}

// Config holds registry tuning; zero values fall back to the defaults above.
type Config struct {
	Store            DurableStore
	SegmentThreshold int
	TimeThreshold    time.Duration
	SessionTimeout   time.Duration
	ReapInterval     time.Duration
}

// AppendResult reports what happened to one ingested fragment.
type AppendResult struct {
	Saved           bool `json:"saved"`
	PendingSegments int  `json:"pendingSegmentsCount"`
	SavedSegments   int  `json:"savedSegmentCount"`
}

// Registry is the keyed store of live sessions. Sessions are fully
// independent: the registry map has its own lock, and each session serializes
// its own appends and flushes.
type Registry struct {
	cfg      Config
	mu       sync.RWMutex
	sessions map[string]*Session
	done     chan struct{}
	reaperWG sync.WaitGroup
}

// NewRegistry creates a session registry and starts its background reaper.
func NewRegistry(cfg Config) *Registry {
	if cfg.SegmentThreshold <= 0 {
		cfg.SegmentThreshold = DefaultSegmentThreshold
	}
	if cfg.TimeThreshold <= 0 {
		cfg.TimeThreshold = DefaultTimeThreshold
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	r := &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	r.reaperWG.Add(1)
	go r.reapLoop()
	return r
}

// Create registers a new live session.
func (r *Registry) Create(sessionID, transcriptID, ownerID string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; ok {
		return Snapshot{}, fmt.Errorf("create session %s: %w", sessionID, ErrAlreadyExists)
	}

	now := time.Now()
	s := &Session{
		ID:           sessionID,
		TranscriptID: transcriptID,
		OwnerID:      ownerID,
		createdAt:    now,
		lastSavedAt:  now,
	}
	r.sessions[sessionID] = s

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	slog.Info("session created", "session_id", sessionID, "transcript_id", transcriptID)
	return s.snapshot(), nil
}

// Get returns a snapshot of a live session.
func (r *Registry) Get(sessionID string) (Snapshot, error) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return Snapshot{}, fmt.Errorf("get session %s: %w", sessionID, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

func (r *Registry) lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// AppendSegment appends one finalized segment to the session's pending buffer
// and evaluates the auto-save trigger. Ingestion is decoupled from
// durability: a flush failure keeps the batch pending for the next trigger
// and the caller still gets a successful append.
func (r *Registry) AppendSegment(ctx context.Context, sessionID string, seg Segment, durationSeconds float64) (AppendResult, error) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return AppendResult{}, fmt.Errorf("append to session %s: %w", sessionID, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, seg)
	if durationSeconds > 0 {
		s.durationSeconds = durationSeconds
	}
	metrics.SegmentsIngested.Inc()

	res := AppendResult{
		PendingSegments: len(s.pending),
		SavedSegments:   s.savedSegmentCount,
	}

	if !r.shouldFlush(s, time.Now()) {
		return res, nil
	}

	if err := r.flushLocked(ctx, s); err != nil {
		slog.Error("auto-save flush failed, keeping segments pending",
			"session_id", sessionID, "pending", len(s.pending), "error", err)
		return res, nil
	}

	res.Saved = true
	res.PendingSegments = 0
	res.SavedSegments = s.savedSegmentCount
	return res, nil
}

func (r *Registry) shouldFlush(s *Session, now time.Time) bool {
	if len(s.pending) == 0 {
		return false
	}
	if len(s.pending) >= r.cfg.SegmentThreshold {
		return true
	}
	return now.Sub(s.lastSavedAt) >= r.cfg.TimeThreshold
}

// flushLocked writes the pending batch to the durable store. Caller holds s.mu.
func (r *Registry) flushLocked(ctx context.Context, s *Session) error {
	if len(s.pending) == 0 {
		s.lastSavedAt = time.Now()
		return nil
	}

	batch := make([]store.SegmentWrite, len(s.pending))
	for i, seg := range s.pending {
		end := seg.StartTime + 1
		if seg.EndTime != nil {
			end = *seg.EndTime
		}
		batch[i] = store.SegmentWrite{
			SpeakerLabel: seg.SpeakerLabel,
			Text:         seg.Text,
			StartTime:    seg.StartTime,
			EndTime:      end,
		}
	}

	total, err := r.cfg.Store.SaveSegmentBatch(ctx, s.TranscriptID, batch)
	if err != nil {
		metrics.FlushFailures.Inc()
		return err
	}

	metrics.FlushesTotal.Inc()
	metrics.FlushBatchSize.Observe(float64(len(batch)))

	s.savedSegmentCount = total
	s.pending = s.pending[:0]
	s.lastSavedAt = time.Now()

	if s.durationSeconds > 0 {
		if err := r.cfg.Store.UpdateDuration(ctx, s.TranscriptID, int(math.Ceil(s.durationSeconds))); err != nil {
			slog.Warn("update duration", "session_id", s.ID, "error", err)
		}
	}

	slog.Info("segments flushed", "session_id", s.ID, "batch", len(batch), "total", total)
	return nil
}

// End flushes any pending segments unconditionally, completes the transcript,
// and removes the session. Ending a non-existent session is not an error. If
// the final flush fails the session is kept so a retry can still drain it.
func (r *Registry) End(ctx context.Context, sessionID string, durationSeconds float64, title string) error {
	s, ok := r.lookup(sessionID)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if durationSeconds > 0 {
		s.durationSeconds = durationSeconds
	}

	if err := r.flushLocked(ctx, s); err != nil {
		return fmt.Errorf("final flush for session %s: %w", sessionID, err)
	}

	if err := r.cfg.Store.CompleteTranscript(ctx, s.TranscriptID, int(math.Ceil(s.durationSeconds)), title); err != nil {
		return fmt.Errorf("complete transcript %s: %w", s.TranscriptID, err)
	}

	r.remove(sessionID)
	slog.Info("session ended", "session_id", sessionID, "saved_segments", s.savedSegmentCount)
	return nil
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		delete(r.sessions, sessionID)
		metrics.SessionsActive.Dec()
	}
}

// Close stops the background reaper. Live sessions are left to the caller's
// shutdown sequence.
func (r *Registry) Close() {
	close(r.done)
	r.reaperWG.Wait()
}

// SessionIDs returns the ids of all live sessions.
func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// reapLoop evicts sessions older than the session timeout, bounding memory
// when a client crashes without ever sending end. Evicted sessions get a
// best-effort final flush so their segments are not silently lost.
func (r *Registry) reapLoop() {
	defer r.reaperWG.Done()
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.reapOnce(time.Now())
		}
	}
}

func (r *Registry) reapOnce(now time.Time) {
	r.mu.RLock()
	var stale []*Session
	for _, s := range r.sessions {
		// createdAt is written once in Create before the session is
		// published in the map, so it is read here without s.mu. The
		// scan must not take s.mu while holding r.mu: End holds s.mu
		// across its final flush and then takes r.mu to remove the
		// session, so the reverse order would deadlock the registry
		// behind any in-flight flush.
		if now.Sub(s.createdAt) > r.cfg.SessionTimeout {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s.mu.Lock()
		if err := r.flushLocked(ctx, s); err != nil {
			slog.Warn("reaper flush failed", "session_id", s.ID, "error", err)
		}
		s.mu.Unlock()
		cancel()

		r.remove(s.ID)
		metrics.SessionsReaped.Inc()
		slog.Info("reaped stale session", "session_id", s.ID, "age", now.Sub(s.createdAt).String())
	}
}
