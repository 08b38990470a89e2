package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port string

	DatabaseURL string

	RouterURL      string
	RouterUsername string
	RouterPassword string
	RouterTimeout  time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// OpTimeout bounds one grant/revoke including all retries so a slow
	// controller call cannot starve a sweep pass.
	OpTimeout time.Duration

	SweepInterval          time.Duration
	SweepBatch             int
	SweepMaxRevokeFailures int

	TrialDuration time.Duration

	AdminToken string

	AlertEmail string

	SentryDSN string

	PortalOrigins []string
}

func New() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	routerURL := os.Getenv("ROUTER_URL")
	if routerURL == "" {
		return nil, errors.New("ROUTER_URL environment variable is required")
	}

	routerUsername := os.Getenv("ROUTER_USERNAME")
	routerPassword := os.Getenv("ROUTER_PASSWORD")
	if routerUsername == "" || routerPassword == "" {
		return nil, errors.New("ROUTER_USERNAME and ROUTER_PASSWORD environment variables are required")
	}

	adminToken := os.Getenv("ADMIN_TOKEN")
	if adminToken == "" {
		return nil, errors.New("ADMIN_TOKEN environment variable is required")
	}

	routerTimeout, err := durationEnv("ROUTER_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	retryAttempts, err := intEnv("RETRY_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	retryBaseDelay, err := durationEnv("RETRY_BASE_DELAY", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	retryMaxDelay, err := durationEnv("RETRY_MAX_DELAY", 5*time.Second)
	if err != nil {
		return nil, err
	}
	opTimeout, err := durationEnv("OP_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := durationEnv("SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	sweepBatch, err := intEnv("SWEEP_BATCH", 100)
	if err != nil {
		return nil, err
	}
	sweepMaxFailures, err := intEnv("SWEEP_MAX_REVOKE_FAILURES", 10)
	if err != nil {
		return nil, err
	}
	trialDuration, err := durationEnv("TRIAL_DURATION", 15*time.Minute)
	if err != nil {
		return nil, err
	}

	portalOrigins := []string{"*"}
	if origins := os.Getenv("PORTAL_ORIGINS"); origins != "" {
		portalOrigins = splitCommaList(origins)
	}

	return &Config{
		Port:                   port,
		DatabaseURL:            dbURL,
		RouterURL:              routerURL,
		RouterUsername:         routerUsername,
		RouterPassword:         routerPassword,
		RouterTimeout:          routerTimeout,
		RetryAttempts:          retryAttempts,
		RetryBaseDelay:         retryBaseDelay,
		RetryMaxDelay:          retryMaxDelay,
		OpTimeout:              opTimeout,
		SweepInterval:          sweepInterval,
		SweepBatch:             sweepBatch,
		SweepMaxRevokeFailures: sweepMaxFailures,
		TrialDuration:          trialDuration,
		AdminToken:             adminToken,
		AlertEmail:             os.Getenv("ALERT_EMAIL"),
		SentryDSN:              os.Getenv("SENTRY_DSN"),
		PortalOrigins:          portalOrigins,
	}, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s: %w", name, err)
	}
	return d, nil
}

func intEnv(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, err)
	}
	return n, nil
}

func splitCommaList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
