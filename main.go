package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"kejanet.app/hotspot/handlers"
	"kejanet.app/hotspot/internal/config"
	"kejanet.app/hotspot/internal/email"
	"kejanet.app/hotspot/internal/entitlement"
	"kejanet.app/hotspot/internal/logger"
	"kejanet.app/hotspot/internal/ratelimit"
	"kejanet.app/hotspot/internal/router"
	"kejanet.app/hotspot/storage"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %s", err)
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		TracesSampleRate: 1.0,
	}); err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}
	defer sentry.Flush(2 * time.Second)

	store, err := storage.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("storage: %s", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage", map[string]interface{}{"error": err.Error()})
		}
	}()

	rest := router.NewRESTClient(cfg.RouterURL, cfg.RouterUsername, cfg.RouterPassword, cfg.RouterTimeout)
	ctrl := router.NewRetrying(rest, store, cfg.RetryAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay)

	svc := entitlement.NewService(store, ctrl, cfg.OpTimeout, cfg.TrialDuration)

	var alerter entitlement.Alerter
	if cfg.AlertEmail != "" {
		alerter = &email.AdminAlerter{To: cfg.AlertEmail}
	}
	sweeper := entitlement.NewSweeper(svc, cfg.SweepInterval, cfg.SweepBatch, cfg.SweepMaxRevokeFailures, alerter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(ctx)

	limiter := ratelimit.New(10, time.Minute)
	server := handlers.NewHTTPServer(svc, store, limiter, cfg.AdminToken, version, cfg.PortalOrigins)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	logger.Info("KejaNet hotspot engine starting", map[string]interface{}{
		"version":        version,
		"port":           cfg.Port,
		"sweep_interval": cfg.SweepInterval.String(),
	})

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http: %s", err)
	}

	logger.Info("KejaNet hotspot engine stopped")
}
