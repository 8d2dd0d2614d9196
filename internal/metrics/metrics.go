package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_sessions_active",
		Help: "Currently live recording sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_sessions_total",
		Help: "Total sessions created",
	})

	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_sessions_reaped_total",
		Help: "Sessions evicted by the inactivity reaper",
	})

	SegmentsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_segments_ingested_total",
		Help: "Transcript segments accepted for persistence",
	})

	FlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_flushes_total",
		Help: "Auto-save flushes to the durable store",
	})

	FlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_flush_failures_total",
		Help: "Flushes that failed and left segments pending",
	})

	FlushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_flush_batch_size",
		Help:    "Segments written per flush",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
	})

	AnalysesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_topic_analyses_total",
		Help: "Topic analysis calls completed",
	})

	AnalysisFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_topic_analysis_failures_total",
		Help: "Topic analysis attempts that failed and kept their buffer",
	})

	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_topic_analysis_duration_seconds",
		Help:    "Topic engine call latency",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 8.0, 13.0},
	})

	CompressionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_compressions_total",
		Help: "Conversation compression calls completed",
	})

	AlertsRaised = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_alerts_raised_total",
		Help: "Drift alerts created",
	})

	EngineTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_engine_tokens_total",
		Help: "Token usage across analysis and compression calls",
	}, []string{"direction"})

	EngineCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_engine_cost_usd_total",
		Help: "Accumulated engine cost in USD",
	})

	SubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_subscribers_active",
		Help: "Live viewer connections with a session subscription",
	})

	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_broadcasts_total",
		Help: "Events fanned out to subscribers, by event type",
	}, []string{"type"})

	RelayRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_relay_retries_total",
		Help: "Broadcast relay delivery retries",
	})

	RelayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_relay_dropped_total",
		Help: "Broadcast relay deliveries dropped after exhausting retries",
	})
)
