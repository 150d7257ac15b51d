package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gonna-AI/call-agent/internal/capture"
	"github.com/Gonna-AI/call-agent/internal/config"
	"github.com/Gonna-AI/call-agent/internal/httpserver"
	"github.com/Gonna-AI/call-agent/internal/knowledge"
	"github.com/Gonna-AI/call-agent/internal/logger"
	"github.com/Gonna-AI/call-agent/internal/orchestrator"
	"github.com/Gonna-AI/call-agent/internal/respond"
	"github.com/Gonna-AI/call-agent/internal/session"
	"github.com/Gonna-AI/call-agent/internal/summary"
	"github.com/Gonna-AI/call-agent/internal/synth"
	"github.com/Gonna-AI/call-agent/internal/telephony"
)

func main() {
	cfg := config.Load()
	log := logger.New()

	kb := knowledge.NewStore(knowledge.Default())

	// Persistence: optional Supabase mirror plus a local snapshot for
	// restart rehydration.
	var mirror session.Mirror
	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		m, err := session.NewSupabaseMirror(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket)
		if err != nil {
			logger.Component(log, "session").WithError(err).Warn("supabase mirror disabled")
		} else {
			mirror = m
		}
	}
	store := session.NewStore(mirror, logger.Component(log, "session"))
	snapshot := session.Snapshot{Path: cfg.SnapshotPath}
	if items, err := snapshot.Load(); err != nil {
		logger.Component(log, "session").WithError(err).Warn("history snapshot load failed")
	} else if len(items) > 0 {
		store.Seed(items)
		logger.Component(log, "session").WithField("calls", len(items)).Info("history restored from snapshot")
	}

	// Responder chain: cloud, optional local tunnel, then the mock tier that
	// never fails.
	var cloud, local respond.Responder
	if cfg.CloudLLMKey != "" {
		cloud = respond.NewHTTPResponder("cloud", cfg.CloudLLMURL, cfg.CloudLLMKey, cfg.CloudLLMModel)
	}
	if cfg.LocalLLMURL != "" {
		local = respond.NewHTTPResponder("local", cfg.LocalLLMURL, "", cfg.LocalLLMModel)
	}
	chain := respond.NewChain(logger.Component(log, "respond"), cloud, local, respond.NewMockResponder())

	summarizer := summary.NewFallback(
		summaryBackend(cfg),
		logger.Component(log, "summary"),
	)

	hub := httpserver.NewHub(logger.Component(log, "ws"))

	// Capture: browser-fed recognition through the hub unless a streaming
	// STT backend is configured.
	factory := capture.Factory(hub.EngineFactory)
	if cfg.STTWebSocketURL != "" {
		factory = capture.StreamFactory(cfg.STTWebSocketURL, cfg.STTKey, logger.Component(log, "capture"))
	}
	cap := capture.NewAdapter(factory, cfg.Locale, capture.Callbacks{}, capture.Options{
		SilenceWindow: cfg.SilenceWindow,
	}, logger.Component(log, "capture"))

	var secondary synth.Backend
	if cfg.DeepgramKey != "" {
		secondary = synth.NewDeepgramBackend(cfg.DeepgramKey, cfg.DeepgramModel)
	}
	speaker := synth.NewSpeaker(
		synth.NewHTTPBackend(cfg.TTSBackendURL, cfg.TTSBackendKey),
		secondary,
		hub,
		cfg.SpeakTimeout,
		logger.Component(log, "synth"),
	)

	orch := orchestrator.New(store, kb, cap, speaker, chain, summarizer, hub, orchestrator.Options{
		SendCooldown:   cfg.SendCooldown,
		HeartbeatEvery: cfg.HeartbeatEvery,
		SummaryTimeout: cfg.SummaryTimeout,
		Voice:          cfg.TTSVoice,
		Speed:          cfg.TTSSpeed,
	}, logger.Component(log, "orchestrator"))
	cap.SetCallbacks(orch.CaptureCallbacks())
	hub.Bind(orch)

	e := httpserver.NewRouter()
	httpserver.New(orch, store, kb, hub, logger.Component(log, "http")).Register(e)
	telephony.NewHandlers(orch, kb, logger.Component(log, "telephony")).Register(e, cfg.TwilioAuthToken)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddress).Info("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	orch.EndCall(ctx)
	if err := snapshot.Save(store.History(session.Filter{})); err != nil {
		log.WithError(err).Warn("history snapshot save failed")
	}
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
		_ = server.Close()
	}
}

// summaryBackend reuses the cloud LLM endpoint for summaries when available.
func summaryBackend(cfg config.Config) summary.Summarizer {
	if cfg.CloudLLMKey == "" {
		return nil
	}
	s := summary.NewAISummarizer(cfg.CloudLLMURL, cfg.CloudLLMKey, cfg.CloudLLMModel)
	if s == nil {
		return nil
	}
	return s
}
