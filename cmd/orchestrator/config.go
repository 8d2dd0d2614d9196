package main

import (
	"time"

	"github.com/meetcap/orchestrator/internal/env"
	"github.com/meetcap/orchestrator/internal/session"
	"github.com/meetcap/orchestrator/internal/topic"
)

type config struct {
	port        string
	databaseURL string

	openaiAPIKey     string
	openaiBaseURL    string
	analysisModel    string
	compressionModel string

	segmentThreshold int
	saveInterval     time.Duration

	minSegments           int
	minAnalysisInterval   time.Duration
	maxAnalysisInterval   time.Duration
	analysisTimeout       time.Duration
	compressionThreshold  int
	keepRawSegments       int
	maxConcurrentAnalyses int

	sessionTimeout time.Duration
	reapInterval   time.Duration

	relayURL        string
	broadcastSecret string
	maxWSClients    int
}

func loadConfig() config {
	return config{
		port:        env.Str("PORT", "8080"),
		databaseURL: env.Str("DATABASE_URL", ""),

		openaiAPIKey:     env.Str("OPENAI_API_KEY", ""),
		openaiBaseURL:    env.Str("OPENAI_BASE_URL", ""),
		analysisModel:    env.Str("ANALYSIS_MODEL", "gpt-4o"),
		compressionModel: env.Str("COMPRESSION_MODEL", "gpt-4o-mini"),

		segmentThreshold: env.Int("SAVE_SEGMENT_THRESHOLD", session.DefaultSegmentThreshold),
		saveInterval:     env.Duration("SAVE_INTERVAL", session.DefaultTimeThreshold),

		minSegments:           env.Int("ANALYSIS_MIN_SEGMENTS", topic.DefaultMinSegments),
		minAnalysisInterval:   env.Duration("ANALYSIS_MIN_INTERVAL", topic.DefaultMinInterval),
		maxAnalysisInterval:   env.Duration("ANALYSIS_MAX_INTERVAL", topic.DefaultMaxInterval),
		analysisTimeout:       env.Duration("ANALYSIS_TIMEOUT", topic.DefaultAnalysisTimeout),
		compressionThreshold:  env.Int("COMPRESSION_THRESHOLD", topic.DefaultCompressionThreshold),
		keepRawSegments:       env.Int("COMPRESSION_KEEP_RAW", topic.DefaultKeepRaw),
		maxConcurrentAnalyses: env.Int("MAX_CONCURRENT_ANALYSES", 8),

		sessionTimeout: env.Duration("SESSION_TIMEOUT", session.DefaultSessionTimeout),
		reapInterval:   env.Duration("SESSION_REAP_INTERVAL", session.DefaultReapInterval),

		relayURL:        env.Str("BROADCAST_RELAY_URL", ""),
		broadcastSecret: env.Str("BROADCAST_SECRET", ""),
		maxWSClients:    env.Int("MAX_WS_CLIENTS", 1000),
	}
}
