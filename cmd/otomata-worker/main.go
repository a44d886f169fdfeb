// Command otomata-worker runs the task execution service: an HTTP API
// and an embedded worker loop in one process, backed by Postgres.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/AlexisLaporte/otomata-worker/internal/agentsdk"
	"github.com/AlexisLaporte/otomata-worker/internal/bus"
	"github.com/AlexisLaporte/otomata-worker/internal/config"
	"github.com/AlexisLaporte/otomata-worker/internal/executor"
	"github.com/AlexisLaporte/otomata-worker/internal/httpapi"
	"github.com/AlexisLaporte/otomata-worker/internal/identity"
	"github.com/AlexisLaporte/otomata-worker/internal/orchestrator"
	"github.com/AlexisLaporte/otomata-worker/internal/ratelimit"
	"github.com/AlexisLaporte/otomata-worker/internal/secrets"
	"github.com/AlexisLaporte/otomata-worker/internal/store"
	"github.com/AlexisLaporte/otomata-worker/internal/worker"
)

func main() {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("fatal startup error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	masterKey, err := secrets.DecodeMasterKey(cfg.MasterKeyRaw)
	if err != nil {
		return fmt.Errorf("decode master key: %w", err)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	vault := secrets.New(db, masterKey)
	limiter := ratelimit.New(db)
	registry := identity.New(db, limiter, vault)
	eventBus := bus.New(db, logger)

	modelCfg, err := config.LoadAgentModelConfig(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load agent model config: %w", err)
	}
	models := config.NewRoutingTable(cfg.DefaultModel, agentsdk.DefaultModel, modelCfg)

	watcher := config.NewWatcher(cfg.ConfigPath, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", slog.Any("error", err))
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.LoadAgentModelConfig(cfg.ConfigPath)
				if err != nil {
					logger.Warn("agent model config reload failed", slog.Any("error", err))
					continue
				}
				models.Swap(reloaded)
				logger.Info("agent model routing reloaded", slog.String("path", cfg.ConfigPath))
			}
		}()
	}

	agentAPIKey := os.Getenv("ANTHROPIC_API_KEY")
	agentClient := agentsdk.NewAnthropicClient(agentAPIKey, os.Getenv("ANTHROPIC_BASE_URL"))

	orch := orchestrator.New(db, eventBus, agentClient, models, logger)
	dispatch := executor.New(vault, registry, limiter, agentClient, orch, logger)
	w := worker.New(db, dispatch, logger, worker.WithPollInterval(cfg.PollInterval))

	go w.Run(ctx)

	server := httpapi.New(db, db, eventBus, logger, httpapi.Config{
		APIKey:      cfg.APIKey,
		CORSOrigins: cfg.CORSOrigins,
	})

	httpServer := &http.Server{
		Addr:    ":" + envOr("PORT", "8080"),
		Handler: server,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.PollInterval*2)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if isSensitiveKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("component", "otomata-worker"))
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, token := range []string{"secret", "password", "token", "api_key", "apikey", "master_key", "cookie"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
