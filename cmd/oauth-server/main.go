// Command oauth-server runs the authorization server.
//
// Configuration is read from OAUTH_* environment variables; see oauth.Config.
// The signed-in user is taken from the header named by OAUTH_SESSION_HEADER,
// which must be set by an authenticating reverse proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	oauth "github.com/armabattles/oauth-core"
	"github.com/armabattles/oauth-core/instrumentation"
	"github.com/armabattles/oauth-core/internal/bootstrap"
	"github.com/armabattles/oauth-core/providers"
	"github.com/armabattles/oauth-core/security"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "oauth-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := oauth.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := bootstrap.NewLogger(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst, err := instrumentation.New(cfg.InstrumentationConfig(version))
	if err != nil {
		return fmt.Errorf("init instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to flush telemetry", "error", err)
		}
	}()

	backend, err := bootstrap.Open(ctx, cfg, logger, inst)
	if err != nil {
		return err
	}
	defer backend.Close()

	srv, err := oauth.NewServerWithStore(backend.Store, backend.Users, cfg.ServerConfig(), logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	srv.SetAuditor(security.NewAuditor(logger, cfg.Log.Audit))
	srv.SetInstrumentation(inst)

	handler := oauth.NewHandler(srv, providers.HeaderSessionResolver{Header: cfg.SessionHeader}, logger)
	if rlCfg, ok := cfg.RateLimiterConfig(); ok {
		limiter := security.NewRateLimiter(rlCfg, logger)
		defer limiter.Stop()
		handler.SetRateLimiter(limiter)
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", healthHandler(backend))
	if cfg.Telemetry.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting authorization server",
			"addr", cfg.ListenAddr,
			"issuer", cfg.Issuer,
			"storage", cfg.Storage.Driver,
			"version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return bootstrap.RunPurger(gctx, backend.Purger, cfg.Storage.CleanupInterval, logger)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down authorization server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func healthHandler(backend *bootstrap.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := backend.Ping(ctx); err != nil {
			security.LoggerWithRequestID(ctx, slog.Default()).Warn("Health check failed", "error", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}
}
