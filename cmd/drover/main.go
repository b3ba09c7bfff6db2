package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/commentary"
	"github.com/droverhq/drover/internal/common/config"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/common/tracing"
	"github.com/droverhq/drover/internal/compact"
	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/gateway"
	"github.com/droverhq/drover/internal/llm"
	"github.com/droverhq/drover/internal/loop"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Drover gateway...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the database
	conn := openDatabase(cfg, log)
	defer func() { _ = conn.Close() }()

	st, err := store.New(conn)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	// 4. Event bus: NATS when configured, in-memory otherwise
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus

	// 5. One-shot model client for summarization and commentary. Missing
	// credentials are not fatal: compaction falls back to non-model
	// summaries and commentary generation is skipped.
	var oneShot llm.OneShot
	if model, err := llm.NewAnthropic(cfg.LLM); err == nil {
		oneShot = model
	} else if errors.Is(err, llm.ErrNoCredentials) {
		log.Warn("No LLM credentials configured, summaries and commentary are degraded")
	} else {
		log.Fatal("Failed to initialize LLM client", zap.Error(err))
	}

	// 6. Core subsystems
	compactor := compact.New(st, compact.NewSummarizer(oneShot, log), eventBus, cfg.Compaction, log)

	sessions := session.NewManager(cfg.Agent, cfg.Permissions, st, compactor, eventBus, log)
	defer sessions.Shutdown()

	loops := loop.New(cfg.Loop, st, sessions, eventBus, log)
	if err := loops.Recover(ctx); err != nil {
		log.Error("Loop recovery failed", zap.Error(err))
	}

	bridge, err := commentary.NewBridge(cfg.Commentary, oneShot, st, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize commentary bridge", zap.Error(err))
	}
	defer bridge.Close()

	// 7. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := gateway.NewHandler(sessions, st, compactor, loops, bridge, eventBus, log)
	router := gateway.NewRouter(handler, log)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// SSE responses stay open for the length of an agent turn, so no
		// write timeout is applied.
		WriteTimeout: 0,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Drover gateway...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Drover gateway stopped")
}

func openDatabase(cfg *config.Config, log *logger.Logger) *sql.DB {
	switch cfg.Database.Driver {
	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns)
		if err != nil {
			log.Fatal("Failed to open postgres database", zap.Error(err))
		}
		log.Info("Connected to postgres", zap.String("host", cfg.Database.Host))
		return conn
	default:
		conn, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to open sqlite database", zap.Error(err))
		}
		log.Info("Opened sqlite database", zap.String("path", cfg.Database.Path))
		return conn
	}
}
