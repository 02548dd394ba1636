// Package app wires every component of agentgate together: config,
// logging, metrics, the credential vault, the three registries, the
// proxying pipeline, and the HTTP server. Run is the sole entry point
// cmd/agentgated calls.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/agentgate/internal/agentregistry"
	"github.com/wisbric/agentgate/internal/clockwork"
	"github.com/wisbric/agentgate/internal/config"
	"github.com/wisbric/agentgate/internal/cryptobox"
	"github.com/wisbric/agentgate/internal/gateway"
	"github.com/wisbric/agentgate/internal/httpapi"
	"github.com/wisbric/agentgate/internal/httpserver"
	"github.com/wisbric/agentgate/internal/notify"
	"github.com/wisbric/agentgate/internal/platform"
	"github.com/wisbric/agentgate/internal/ratelimit"
	"github.com/wisbric/agentgate/internal/servicecatalog"
	"github.com/wisbric/agentgate/internal/session"
	"github.com/wisbric/agentgate/internal/telemetry"
	"github.com/wisbric/agentgate/internal/upstream"
	"github.com/wisbric/agentgate/internal/userregistry"
	"github.com/wisbric/agentgate/internal/vault"
)

// Run takes the loaded config, loads every persisted snapshot, wires the proxying
// pipeline, and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	notifier := notify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)

	logger.Info("starting agentgate", "listen", cfg.ListenAddr())

	clock := clockwork.System{}
	metricsReg := telemetry.NewRegistry()

	masterKey, err := cfg.DecodedEncryptionKey()
	if err != nil {
		notifier.StartupFailed(ctx, err.Error())
		return fmt.Errorf("decoding encryption key: %w", err)
	}
	box, err := cryptobox.New(masterKey)
	if err != nil {
		notifier.StartupFailed(ctx, err.Error())
		return fmt.Errorf("initializing credential box: %w", err)
	}

	catalog, err := servicecatalog.Load(cfg.ServicesConfigPath)
	if err != nil {
		notifier.StartupFailed(ctx, err.Error())
		return fmt.Errorf("loading service catalog: %w", err)
	}
	logger.Info("service catalog loaded", "count", len(catalog.All()))

	userStore, err := platform.NewFileStore(cfg.UsersPath)
	if err != nil {
		return fmt.Errorf("opening users store: %w", err)
	}
	agentStore, err := platform.NewFileStore(cfg.AgentsPath)
	if err != nil {
		return fmt.Errorf("opening agents store: %w", err)
	}
	credStore, err := platform.NewFileStore(cfg.CredentialsPath)
	if err != nil {
		return fmt.Errorf("opening credentials store: %w", err)
	}

	users := userregistry.New(userStore)
	if err := users.Load(ctx); err != nil {
		notifier.StartupFailed(ctx, err.Error())
		return fmt.Errorf("loading users: %w", err)
	}

	agents := agentregistry.New(clock, agentStore)
	if err := agents.Load(ctx); err != nil {
		notifier.StartupFailed(ctx, err.Error())
		return fmt.Errorf("loading agents: %w", err)
	}

	refresher := vault.NewSimulatedRefresher(clock, cfg.RefreshDefaultLifetime())
	credVault := vault.New(box, credStore, clock, refresher, cfg.RefreshThreshold())
	if err := credVault.Load(ctx); err != nil {
		notifier.StartupFailed(ctx, err.Error())
		return fmt.Errorf("loading credential vault: %w", err)
	}
	logger.Info("credential vault loaded")

	sessions := session.New(clock, cfg.SessionTTL())
	limiter := ratelimit.New(clock)
	upstreamClient := upstream.New(cfg.UpstreamTimeout())

	pipeline := gateway.New(
		sessions,
		agents,
		limiter,
		catalog,
		credVault,
		upstreamClient,
		cfg.RateLimitDefaultMax,
		cfg.RateLimitDefaultWindow(),
	)

	handler := &httpapi.Handler{
		Users:    users,
		Agents:   agents,
		Sessions: sessions,
		Catalog:  catalog,
		Vault:    credVault,
		Notifier: notifier,
		Pipeline: pipeline,
		Clock:    clock,
		Logger:   logger,
	}

	srv := httpserver.NewServer(cfg, logger, metricsReg)
	srv.Router.Mount("/", handler.Routes())
	srv.SetReady(true)

	go sweepExpiredSessions(ctx, sessions, logger)
	go evictIdleRateLimitBuckets(ctx, limiter, cfg.RateLimitDefaultWindow(), logger)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// sweepExpiredSessions periodically reclaims memory held by sessions that
// expired without ever being resolved again.
func sweepExpiredSessions(ctx context.Context, sessions *session.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.Sweep()
			logger.Debug("swept expired sessions")
		}
	}
}

// evictIdleRateLimitBuckets periodically reclaims rate-limit buckets for
// keys that have recorded no event in over a window, so agent churn (an
// agent rotated or deleted) doesn't leave its bucket behind forever.
func evictIdleRateLimitBuckets(ctx context.Context, limiter *ratelimit.Limiter, window time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Evict(window, window)
			logger.Debug("evicted idle rate-limit buckets")
		}
	}
}
