// Command pitchdrill is the main entry point for the PitchDrill cold-call
// practice server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pitchdrill/pitchdrill/internal/config"
	"github.com/pitchdrill/pitchdrill/internal/feedback"
	"github.com/pitchdrill/pitchdrill/internal/health"
	"github.com/pitchdrill/pitchdrill/internal/observe"
	"github.com/pitchdrill/pitchdrill/internal/persona"
	"github.com/pitchdrill/pitchdrill/internal/resilience"
	"github.com/pitchdrill/pitchdrill/internal/server"
	"github.com/pitchdrill/pitchdrill/pkg/llm/openaichat"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	envFile := flag.String("env-file", ".env", "path to an optional .env file")
	scorecardLog := flag.String("scorecard-log", "", "append evaluated scorecards to this JSONL file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pitchdrill: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("pitchdrill starting",
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "pitchdrill",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Personas ──────────────────────────────────────────────────────────────
	personas := persona.NewRegistry()
	if cfg.Server.PersonaFile != "" {
		if err := personas.LoadFile(cfg.Server.PersonaFile); err != nil {
			slog.Error("failed to load persona file", "err", err)
			return 1
		}
	}
	slog.Info("personas loaded", "ids", personas.IDs())

	// ── Feedback evaluator ────────────────────────────────────────────────────
	// The scorecard model call is stateless, so a single promptless client is
	// shared across requests.
	scorer, err := openaichat.New(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, "")
	if err != nil {
		slog.Error("failed to create scorer client", "err", err)
		return 1
	}
	// A circuit breaker keeps feedback requests from piling up on a dead
	// completion endpoint.
	scoring := resilience.NewCompleter(scorer, "scorer", resilience.CircuitBreakerConfig{})
	evaluator := feedback.New(scoring, personas, metrics)

	// ── HTTP server ───────────────────────────────────────────────────────────
	healthH := health.New(staticChecker(cfg.Server.StaticDir))

	var srvOpts []server.Option
	if *scorecardLog != "" {
		srvOpts = append(srvOpts, server.WithFeedbackStore(feedback.NewFileStore(*scorecardLog)))
	}
	srv := server.New(cfg, personas, evaluator, metrics, healthH, srvOpts...)

	httpSrv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// staticChecker reports readiness of the static asset directory. With no
// directory configured it always passes.
func staticChecker(dir string) health.Checker {
	return health.Checker{
		Name: "static",
		Check: func(context.Context) error {
			if dir == "" {
				return nil
			}
			st, err := os.Stat(dir)
			if err != nil {
				return err
			}
			if !st.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			return nil
		},
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
