package topic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetcap/orchestrator/internal/store"
)

// fakeEngine serves queued analysis results and records every call.
type fakeEngine struct {
	mu           sync.Mutex
	analyses     []AnalyzeRequest
	compressions []CompressRequest
	queue        []*Analysis
	analyzeErr   error
	compressErr  error
}

func (f *fakeEngine) Analyze(_ context.Context, req AnalyzeRequest) (*Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyses = append(f.analyses, req)
	if f.analyzeErr != nil {
		return nil, f.analyzeErr
	}
	if len(f.queue) > 0 {
		next := f.queue[0]
		f.queue = f.queue[1:]
		return next, nil
	}
	return &Analysis{
		MainTopic:    "Quarterly planning",
		CurrentTopic: "Quarterly planning",
		DriftScore:   10,
		Usage:        Usage{Model: "gpt-4o", InputTokens: 100, OutputTokens: 50},
	}, nil
}

func (f *fakeEngine) Compress(_ context.Context, req CompressRequest) (*Compression, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compressions = append(f.compressions, req)
	if f.compressErr != nil {
		return nil, f.compressErr
	}
	return &Compression{
		Summary: "Earlier the group discussed quarterly planning.",
		Usage:   Usage{Model: "gpt-4o-mini", InputTokens: 200, OutputTokens: 40},
	}, nil
}

func (f *fakeEngine) enqueue(results ...*Analysis) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, results...)
}

func (f *fakeEngine) setAnalyzeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeErr = err
}

func (f *fakeEngine) setCompressErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compressErr = err
}

func (f *fakeEngine) analyzeCalls() []AnalyzeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AnalyzeRequest(nil), f.analyses...)
}

func (f *fakeEngine) compressCalls() []CompressRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CompressRequest(nil), f.compressions...)
}

type publishedEvent struct {
	sessionID string
	eventType string
	data      any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(_ context.Context, sessionID, eventType string, data any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{sessionID, eventType, data})
	return 1
}

func (p *fakePublisher) byType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, ev := range p.events {
		if ev.eventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// fakeAlertStore records topic and alert persistence.
type fakeAlertStore struct {
	mu     sync.Mutex
	topics []store.Topic
	alerts []store.Alert
	acks   []string
}

func (f *fakeAlertStore) InsertTopic(_ context.Context, t store.Topic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, t)
	return nil
}

func (f *fakeAlertStore) InsertAlert(_ context.Context, a store.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeAlertStore) AcknowledgeAlert(_ context.Context, _, alertID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, alertID)
	return nil
}

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	if cfg.MinInterval == 0 {
		cfg.MinInterval = time.Millisecond
	}
	sc := NewScheduler(cfg)
	t.Cleanup(sc.Close)
	return sc
}

// get returns the session's state for direct inspection in tests.
func (sc *Scheduler) get(sessionID string) *state {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.sessions[sessionID]
}

func text(s string) SegmentText {
	return SegmentText{Speaker: "Speaker 0", Text: s}
}

// addSettled appends one segment after the min interval has elapsed, so a
// trigger depends only on the segment count.
func addSettled(t *testing.T, sc *Scheduler, sessionID string, seg SegmentText) *Result {
	t.Helper()
	time.Sleep(2 * time.Millisecond)
	res, err := sc.AddSegment(context.Background(), sessionID, seg)
	require.NoError(t, err)
	return res
}

func TestFirstAnalysisFiresAtMinSegments(t *testing.T) {
	eng := &fakeEngine{}
	sc := newTestScheduler(t, Config{Engine: eng})
	sc.StartSession("m1", "t1", nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := sc.AddSegment(ctx, "m1", text(fmt.Sprintf("segment %d", i)))
		require.NoError(t, err)
		assert.Equal(t, 0, res.TopicState.AnalysisCount)
	}
	assert.Empty(t, eng.analyzeCalls(), "no analysis below the segment minimum")

	res, err := sc.AddSegment(ctx, "m1", text("third"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.TopicState.AnalysisCount)
	assert.Equal(t, 0, res.PendingSegments)
	require.NotNil(t, res.TopicState.MainTopic)
	assert.Equal(t, "Quarterly planning", *res.TopicState.MainTopic)

	calls := eng.analyzeCalls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].IsFirstAnalysis)
	assert.Len(t, calls[0].RecentSegments, 3)
}

func TestMaxIntervalTriggersBelowSegmentMinimum(t *testing.T) {
	eng := &fakeEngine{}
	sc := newTestScheduler(t, Config{Engine: eng})
	sc.StartSession("m1", "t1", nil)

	for i := 0; i < 3; i++ {
		addSettled(t, sc, "m1", text("warmup"))
	}
	require.Len(t, eng.analyzeCalls(), 1)

	// A single stale segment fires once the max interval has passed.
	st := sc.get("m1")
	st.mu.Lock()
	st.lastAnalyzedAt = time.Now().Add(-time.Hour)
	st.mu.Unlock()

	res := addSettled(t, sc, "m1", text("lone remark"))
	assert.Equal(t, 2, res.TopicState.AnalysisCount)
	calls := eng.analyzeCalls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1].RecentSegments, 1)
}

func TestMainTopicIsImmutableAfterFirstAnalysis(t *testing.T) {
	eng := &fakeEngine{}
	eng.enqueue(
		&Analysis{MainTopic: "Budget review", CurrentTopic: "Budget review", DriftScore: 5},
		&Analysis{MainTopic: "Something else", CurrentTopic: "Hiring", DriftScore: 20},
	)
	sc := newTestScheduler(t, Config{Engine: eng, MinSegments: 1})
	sc.StartSession("m1", "t1", nil)

	res := addSettled(t, sc, "m1", text("first"))
	require.NotNil(t, res.TopicState.MainTopic)
	assert.Equal(t, "Budget review", *res.TopicState.MainTopic)

	res = addSettled(t, sc, "m1", text("second"))
	assert.Equal(t, 2, res.TopicState.AnalysisCount)
	require.NotNil(t, res.TopicState.MainTopic)
	assert.Equal(t, "Budget review", *res.TopicState.MainTopic, "a later analysis never overwrites the main topic")
	require.NotNil(t, res.TopicState.CurrentTopic)
	assert.Equal(t, "Hiring", *res.TopicState.CurrentTopic)
}

func TestAlertOnlyWhenTopicChangedAndDriftHigh(t *testing.T) {
	eng := &fakeEngine{}
	eng.enqueue(
		&Analysis{MainTopic: "Roadmap", CurrentTopic: "Roadmap", DriftScore: 20},
		&Analysis{CurrentTopic: "Lunch plans", DriftScore: 60, DriftReason: "The group moved to lunch logistics.", SuggestedAction: "Park it for after the meeting."},
		&Analysis{CurrentTopic: "Lunch plans", DriftScore: 60},
		&Analysis{CurrentTopic: "Weekend trips", DriftScore: 80},
	)
	sc := newTestScheduler(t, Config{Engine: eng, MinSegments: 1})
	sc.StartSession("m1", "t1", nil)

	res := addSettled(t, sc, "m1", text("one"))
	assert.Nil(t, res.NewAlert, "low drift raises no alert")

	res = addSettled(t, sc, "m1", text("two"))
	require.NotNil(t, res.NewAlert, "changed topic with drift >= 50 raises an alert")
	assert.Equal(t, AlertTopicDrift, res.NewAlert.AlertType)
	assert.Equal(t, 60.0, res.NewAlert.DriftScore)
	require.NotNil(t, res.NewAlert.FromTopic)
	assert.Equal(t, "Roadmap", *res.NewAlert.FromTopic)
	require.NotNil(t, res.NewAlert.ToTopic)
	assert.Equal(t, "Lunch plans", *res.NewAlert.ToTopic)
	assert.Contains(t, res.NewAlert.Message, "slightly")
	assert.Contains(t, res.NewAlert.Message, "lunch logistics")
	assert.Contains(t, res.NewAlert.Message, "Suggestion: Park it")

	res = addSettled(t, sc, "m1", text("three"))
	assert.Nil(t, res.NewAlert, "unchanged topic raises no alert even at high drift")

	res = addSettled(t, sc, "m1", text("four"))
	require.NotNil(t, res.NewAlert)
	assert.Contains(t, res.NewAlert.Message, "significantly")

	assert.Len(t, res.Alerts, 2, "exactly two of four analyses met both alert conditions")
	assert.Equal(t, "Weekend trips", *res.Alerts[0].ToTopic, "newest alert first")
}

func TestEngineFailureLeavesStateUntouched(t *testing.T) {
	eng := &fakeEngine{}
	eng.setAnalyzeErr(errors.New("engine unavailable"))
	sc := newTestScheduler(t, Config{Engine: eng})
	sc.StartSession("m1", "t1", nil)

	ctx := context.Background()
	var res *Result
	for i := 0; i < 3; i++ {
		var err error
		res, err = sc.AddSegment(ctx, "m1", text("hello"))
		require.NoError(t, err, "ingest succeeds even when the engine fails")
	}
	assert.Equal(t, 0, res.TopicState.AnalysisCount)
	assert.Equal(t, 3, res.PendingSegments, "failed analysis keeps segments buffered")
	assert.Equal(t, 0.0, res.TopicState.DriftScore)
	assert.Nil(t, res.TopicState.CurrentTopic)

	eng.setAnalyzeErr(nil)
	res = addSettled(t, sc, "m1", text("fourth"))
	assert.Equal(t, 1, res.TopicState.AnalysisCount)

	calls := eng.analyzeCalls()
	last := calls[len(calls)-1]
	assert.Len(t, last.RecentSegments, 4, "the retry carries the retained segments")
}

func TestCompressionBoundsRetainedSegments(t *testing.T) {
	eng := &fakeEngine{}
	sc := newTestScheduler(t, Config{
		Engine:               eng,
		MinSegments:          1,
		CompressionThreshold: 5,
		KeepRaw:              2,
	})
	sc.StartSession("m1", "t1", nil)

	for i := 0; i < 6; i++ {
		addSettled(t, sc, "m1", text(fmt.Sprintf("segment %d", i)))
	}

	compressions := eng.compressCalls()
	require.NotEmpty(t, compressions, "crossing the retention bound triggers compression")
	assert.Len(t, compressions[0].Segments, 4, "everything older than the newest keepRaw is compressed")

	res, err := sc.State("m1")
	require.NoError(t, err)
	require.NotNil(t, res.TopicState.ConversationSummary)
	assert.Contains(t, *res.TopicState.ConversationSummary, "quarterly planning")

	st := sc.get("m1")
	st.mu.Lock()
	retained := len(st.allProcessed)
	st.mu.Unlock()
	assert.Equal(t, 2, retained)

	calls := eng.analyzeCalls()
	assert.NotEmpty(t, calls[len(calls)-1].ConversationSummary, "the summary feeds subsequent analyses")
}

func TestCompressionFailureAbortsAnalysis(t *testing.T) {
	eng := &fakeEngine{}
	eng.setCompressErr(errors.New("engine unavailable"))
	sc := newTestScheduler(t, Config{
		Engine:               eng,
		MinSegments:          1,
		CompressionThreshold: 3,
		KeepRaw:              1,
	})
	sc.StartSession("m1", "t1", nil)

	var res *Result
	for i := 0; i < 4; i++ {
		res = addSettled(t, sc, "m1", text("hello"))
	}

	// The analyses that required compression failed whole; state reflects
	// only the ones that ran before the retention bound was crossed.
	require.NotNil(t, res)
	assert.Nil(t, res.TopicState.ConversationSummary)
	st := sc.get("m1")
	st.mu.Lock()
	assert.Equal(t, 4, len(st.allProcessed), "failed compression trims nothing")
	st.mu.Unlock()
}

func TestTopicHistoryAndAlertsAreCapped(t *testing.T) {
	eng := &fakeEngine{}
	for i := 0; i < 12; i++ {
		eng.enqueue(&Analysis{
			MainTopic:    "Main",
			CurrentTopic: fmt.Sprintf("Topic %d", i),
			DriftScore:   60,
		})
	}
	sc := newTestScheduler(t, Config{Engine: eng, MinSegments: 1})
	sc.StartSession("m1", "t1", nil)

	var res *Result
	for i := 0; i < 12; i++ {
		res = addSettled(t, sc, "m1", text("hello"))
	}

	require.NotNil(t, res)
	assert.Len(t, res.Alerts, 10, "alert list keeps the 10 most recent")
	assert.Equal(t, "Topic 11", *res.Alerts[0].ToTopic)

	st := sc.get("m1")
	st.mu.Lock()
	history := append([]string(nil), st.topicHistory...)
	st.mu.Unlock()
	assert.Len(t, history, 10)
	assert.Equal(t, "Topic 2", history[0], "oldest history entries are evicted first")
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	eng := &fakeEngine{}
	eng.enqueue(
		&Analysis{MainTopic: "Main", CurrentTopic: "Main", DriftScore: 0},
		&Analysis{CurrentTopic: "Elsewhere", DriftScore: 75},
	)
	alertStore := &fakeAlertStore{}
	sc := newTestScheduler(t, Config{Engine: eng, Store: alertStore, MinSegments: 1})
	sc.StartSession("m1", "t1", nil)

	addSettled(t, sc, "m1", text("one"))
	res := addSettled(t, sc, "m1", text("two"))
	require.NotNil(t, res.NewAlert)
	alertID := res.NewAlert.ID

	ctx := context.Background()
	first, err := sc.Acknowledge(ctx, "m1", alertID)
	require.NoError(t, err)
	assert.True(t, first.Acknowledged)

	second, err := sc.Acknowledge(ctx, "m1", alertID)
	require.NoError(t, err)
	assert.True(t, second.Acknowledged)

	alertStore.mu.Lock()
	acks := append([]string(nil), alertStore.acks...)
	alertStore.mu.Unlock()
	assert.Equal(t, []string{alertID}, acks, "only the first acknowledgement is persisted")

	_, err = sc.Acknowledge(ctx, "m1", "no-such-alert")
	assert.ErrorIs(t, err, ErrAlertNotFound)
	_, err = sc.Acknowledge(ctx, "no-such-session", alertID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAnalysisPersistsTopicAndAlert(t *testing.T) {
	eng := &fakeEngine{}
	eng.enqueue(
		&Analysis{MainTopic: "Main", CurrentTopic: "Main", DriftScore: 0},
		&Analysis{CurrentTopic: "Elsewhere", DriftScore: 75},
	)
	alertStore := &fakeAlertStore{}
	pub := &fakePublisher{}
	sc := newTestScheduler(t, Config{Engine: eng, Store: alertStore, Publisher: pub, MinSegments: 1})
	sc.StartSession("m1", "t1", nil)

	addSettled(t, sc, "m1", text("one"))
	addSettled(t, sc, "m1", text("two"))

	alertStore.mu.Lock()
	topics := append([]store.Topic(nil), alertStore.topics...)
	alerts := append([]store.Alert(nil), alertStore.alerts...)
	alertStore.mu.Unlock()

	require.Len(t, topics, 2)
	assert.Equal(t, "t1", topics[0].TranscriptID)
	assert.True(t, topics[0].IsMainTopic)
	assert.False(t, topics[1].IsMainTopic)
	assert.InDelta(t, 0.25, topics[1].Confidence, 1e-9)

	require.Len(t, alerts, 1)
	assert.Equal(t, "m1", alerts[0].SessionID)
	assert.Equal(t, string(AlertTopicDrift), alerts[0].AlertType)

	assert.Len(t, pub.byType("topic.update"), 2)
	assert.Len(t, pub.byType("facilitator.alert"), 1)
}

func TestUsageAccumulatesAcrossCalls(t *testing.T) {
	eng := &fakeEngine{}
	sc := newTestScheduler(t, Config{Engine: eng, MinSegments: 1})
	sc.StartSession("m1", "t1", nil)

	addSettled(t, sc, "m1", text("one"))
	res := addSettled(t, sc, "m1", text("two"))

	assert.Equal(t, 2, res.UsageStats.Calls)
	assert.Equal(t, 200, res.UsageStats.InputTokens)
	assert.Equal(t, 100, res.UsageStats.OutputTokens)
	// gpt-4o: $2.50/MTok in, $10.00/MTok out.
	assert.InDelta(t, 2*(100*2.50+50*10.00)/1e6, res.UsageStats.CostUSD, 1e-9)
}

func TestDriftScoreIsClamped(t *testing.T) {
	eng := &fakeEngine{}
	eng.enqueue(&Analysis{MainTopic: "Main", CurrentTopic: "Main", DriftScore: 250})
	sc := newTestScheduler(t, Config{Engine: eng, MinSegments: 1})
	sc.StartSession("m1", "t1", nil)

	res := addSettled(t, sc, "m1", text("one"))
	assert.Equal(t, 100.0, res.TopicState.DriftScore)
}

func TestReaperDropsInactiveSessions(t *testing.T) {
	sc := newTestScheduler(t, Config{Engine: &fakeEngine{}})
	sc.StartSession("m1", "t1", nil)

	sc.reapOnce(time.Now().Add(2 * time.Hour))

	_, err := sc.State("m1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestIngestConcurrentWithEndSession(t *testing.T) {
	eng := &fakeEngine{}
	sc := newTestScheduler(t, Config{Engine: eng, MinSegments: 100})

	// AddSegment recreates the session lazily, so an EndSession racing the
	// lazy create must never leave the ingest path without state.
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := sc.AddSegment(ctx, "m1", text("hello"))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			sc.EndSession("m1")
		}()
		wg.Wait()
	}
}

func TestEndSessionIsIdempotent(t *testing.T) {
	sc := newTestScheduler(t, Config{Engine: &fakeEngine{}})
	sc.StartSession("m1", "t1", nil)
	sc.EndSession("m1")
	sc.EndSession("m1")

	_, err := sc.State("m1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
