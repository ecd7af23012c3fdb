package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sorenh/minuteman/internal/config"
	"github.com/sorenh/minuteman/internal/gdrive"
	"github.com/sorenh/minuteman/internal/llm"
	"github.com/sorenh/minuteman/internal/metrics"
	"github.com/sorenh/minuteman/internal/pipeline"
	"github.com/sorenh/minuteman/internal/segment"
	"github.com/sorenh/minuteman/internal/server"
	"github.com/sorenh/minuteman/internal/stability"
	"github.com/sorenh/minuteman/internal/storage"
	"github.com/sorenh/minuteman/internal/summarizer"
	"github.com/sorenh/minuteman/internal/transcriber"
	"github.com/sorenh/minuteman/internal/watch"
	"github.com/sorenh/minuteman/internal/window"
)

// multiSink fans summarizer persistence out to the database and the
// artifact directory.
type multiSink []summarizer.Sink

func (m multiSink) SaveBatch(b segment.SummaryBatch) error {
	var firstErr error
	for _, s := range m {
		if err := s.SaveBatch(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m multiSink) SaveRolling(r segment.RollingSummary) error {
	var firstErr error
	for _, s := range m {
		if err := s.SaveRolling(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func main() {
	log.Println("minuteman: starting")

	cfg, warnings, err := config.Load(os.Getenv(config.EnvPrefix + "CONFIG"))
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	sessionID := uuid.NewString()
	if err := store.CreateSession(sessionID, time.Now().UTC()); err != nil {
		log.Fatalf("create session failed: %v", err)
	}
	log.Printf("minuteman: session %s", sessionID)

	writer, err := storage.NewWriter(filepath.Join(cfg.OutputDir, sessionID))
	if err != nil {
		log.Fatalf("artifact writer init failed: %v", err)
	}

	var recorder metrics.Recorder
	if cfg.MetricsPath != "" {
		fileRecorder, err := metrics.NewFileRecorder(cfg.MetricsPath)
		if err != nil {
			log.Printf("warning: metrics disabled: %v", err)
		} else {
			recorder = fileRecorder
		}
	}

	backendKey := cfg.OpenAIAPIKey
	if cfg.Transcriber == "deepgram" {
		backendKey = cfg.DeepgramAPIKey
	}
	backend, err := transcriber.New(cfg.Transcriber, transcriber.Options{
		ExecPath: cfg.TranscriberExecPath,
		Model:    cfg.TranscriberModel,
		Threads:  cfg.TranscriberThreads,
		BaseURL:  cfg.TranscriberBaseURL,
		APIKey:   backendKey,
	})
	if err != nil {
		log.Fatalf("transcriber init failed: %v", err)
	}

	llmOpts := []llm.Option{llm.WithTimeout(cfg.ParsedBackendTimeout())}
	if cfg.LLMBaseURL != "" {
		llmOpts = append(llmOpts, llm.WithBaseURL(cfg.LLMBaseURL))
	}
	llmKey := cfg.OpenAIAPIKey
	switch cfg.LLMProvider {
	case "anthropic":
		llmKey = cfg.AnthropicAPIKey
	case "gemini":
		llmKey = cfg.GeminiAPIKey
	}
	llmClient, err := llm.NewClient(cfg.LLMProvider, llmKey, cfg.LLMModel, llmOpts...)
	if err != nil {
		log.Fatalf("llm init failed: %v", err)
	}

	sessionStore := store.ForSession(sessionID)
	summ := summarizer.New(llmClient, multiSink{sessionStore, writer}, summarizer.Config{
		BatchSize:   cfg.BatchSize,
		TokenBudget: cfg.TokenBudget,
		MaxMembers:  cfg.MaxMembers,
	})

	hub := server.NewHub()
	detector := stability.New(cfg.ParsedStabilityTolerance())
	builder := window.New("", 0)

	var draining atomic.Bool

	pipe := pipeline.New(pipeline.Config{
		SessionID:      sessionID,
		Language:       cfg.Language,
		PreRoll:        cfg.ParsedPreRoll(),
		Pad:            cfg.ParsedPad(),
		BackendTimeout: cfg.ParsedBackendTimeout(),
		MaxAttempts:    cfg.MaxAttempts,
	}, detector, builder, backend, summ, sessionStore, writer, recorder, hub)

	// The pipeline gets its own cancel so a stop request drains both
	// queues instead of killing in-flight work. A second signal forces it.
	pipeCtx, pipeCancel := context.WithCancel(context.Background())
	defer pipeCancel()
	pipe.Start(pipeCtx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := watch.New(cfg.WatchDir, pipe)
	if err != nil {
		log.Fatalf("watcher init failed: %v", err)
	}
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("watcher error: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr: cfg.ServerAddr,
		Handler: server.Handler(hub, func() server.Status {
			return server.Status{
				SessionID: sessionID,
				Draining:  draining.Load(),
				Drained:   pipe.IsDrained(),
			}
		}),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()
	log.Printf("minuteman: event server at http://%s", cfg.ServerAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("minuteman: draining")
	draining.Store(true)
	cancel()
	pipe.RequestStop()

	select {
	case <-pipe.Drained():
	case <-sig:
		log.Println("minuteman: forced shutdown, abandoning in-flight work")
		pipeCancel()
		<-pipe.Drained()
	}

	if outcome, ok := pipe.Outcome(); ok {
		log.Printf("minuteman: session complete, %d segments transcribed, %d failed, partial=%v",
			len(outcome.CompletedSequences), len(outcome.FailedSequences), outcome.Partial)
	}

	if cfg.GDriveFolderID != "" {
		uploadFinalArtifacts(cfg, sessionID, writer)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: http shutdown failed: %v", err)
	}
}

func uploadFinalArtifacts(cfg config.Config, sessionID string, writer *storage.Writer) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	syncer, err := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
	if err != nil {
		log.Printf("warning: gdrive upload disabled: %v", err)
		return
	}

	transcriptPath, summaryPath := writer.FinalPaths()
	for _, path := range []string{transcriptPath, summaryPath} {
		if err := syncer.Upload(sessionID, path); err != nil {
			log.Printf("warning: gdrive upload failed for %s: %v", path, err)
		}
	}
}
