package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meetcap/orchestrator/internal/hub"
	"github.com/meetcap/orchestrator/internal/session"
	"github.com/meetcap/orchestrator/internal/store"
	"github.com/meetcap/orchestrator/internal/topic"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	if cfg.databaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := store.Open(cfg.databaseURL)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	engine, err := topic.NewOpenAIEngine(cfg.openaiAPIKey, cfg.openaiBaseURL, cfg.analysisModel, cfg.compressionModel)
	if err != nil {
		slog.Error("create topic engine", "error", err)
		os.Exit(1)
	}

	broadcastHub := hub.New()
	wsHandler := hub.NewHandler(broadcastHub, cfg.maxWSClients)

	// Events are broadcast locally when this process holds the subscriber
	// connections, and relayed over HTTP when a separate process does.
	var publisher topic.Publisher = broadcastHub
	if cfg.relayURL != "" {
		publisher = hub.NewRelay(cfg.relayURL, cfg.broadcastSecret, hub.DefaultRetryPolicy())
		slog.Info("broadcast relay enabled", "url", cfg.relayURL)
	}

	registry := session.NewRegistry(session.Config{
		Store:            db,
		SegmentThreshold: cfg.segmentThreshold,
		TimeThreshold:    cfg.saveInterval,
		SessionTimeout:   cfg.sessionTimeout,
		ReapInterval:     cfg.reapInterval,
	})

	scheduler := topic.NewScheduler(topic.Config{
		Engine:               engine,
		Store:                db,
		Publisher:            publisher,
		MinSegments:          cfg.minSegments,
		MinInterval:          cfg.minAnalysisInterval,
		MaxInterval:          cfg.maxAnalysisInterval,
		AnalysisTimeout:      cfg.analysisTimeout,
		CompressionThreshold: cfg.compressionThreshold,
		KeepRaw:              cfg.keepRawSegments,
		MaxConcurrent:        int64(cfg.maxConcurrentAnalyses),
		SessionTimeout:       cfg.sessionTimeout,
		ReapInterval:         cfg.reapInterval,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		cfg:       cfg,
		store:     db,
		registry:  registry,
		scheduler: scheduler,
		hub:       broadcastHub,
		publisher: publisher,
		wsHandler: wsHandler,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Drain live sessions so pending segments reach the store before
		// the process exits.
		for _, id := range registry.SessionIDs() {
			if err := registry.End(ctx, id, 0, ""); err != nil {
				slog.Warn("drain session", "session_id", id, "error", err)
			}
			scheduler.EndSession(id)
		}
		scheduler.Close()
		registry.Close()

		srv.Shutdown(ctx)
	}()

	slog.Info("orchestrator starting", "addr", addr)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("orchestrator stopped")
}
