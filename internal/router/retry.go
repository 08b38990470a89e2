package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kejanet.app/hotspot/internal/logger"
	"kejanet.app/hotspot/models"
)

// AuditSink receives one record per controller attempt. storage.Store
// satisfies this.
type AuditSink interface {
	AppendAccessAudit(ctx context.Context, rec *models.AccessAudit) error
}

// Retrying decorates an AccessController with bounded retries,
// exponential backoff and per-attempt auditing. Protocol errors are
// surfaced immediately; transient errors are retried up to the attempt
// budget. A terminal failure means the caller may not assume the
// operation happened, and may not assume it did not.
type Retrying struct {
	inner     AccessController
	audit     AuditSink
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetrying(inner AccessController, audit AuditSink, attempts int, baseDelay, maxDelay time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{
		inner:     inner,
		audit:     audit,
		attempts:  attempts,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		sleep:     sleepCtx,
	}
}

func (r *Retrying) Grant(ctx context.Context, deviceKey, address string, until time.Time) error {
	return r.do(ctx, models.AuditOpGrant, deviceKey, func(ctx context.Context) error {
		return r.inner.Grant(ctx, deviceKey, address, until)
	})
}

func (r *Retrying) Revoke(ctx context.Context, deviceKey string) error {
	return r.do(ctx, models.AuditOpRevoke, deviceKey, func(ctx context.Context) error {
		return r.inner.Revoke(ctx, deviceKey)
	})
}

func (r *Retrying) List(ctx context.Context) ([]Entry, error) {
	return r.inner.List(ctx)
}

func (r *Retrying) do(ctx context.Context, op, deviceKey string, call func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.attempts; attempt++ {
		start := time.Now()
		err := call(ctx)
		r.record(ctx, op, deviceKey, attempt, time.Since(start), err)

		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt < r.attempts {
			if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
				return TransientError(op, err)
			}
		}
	}

	return fmt.Errorf("%s for %s failed after %d attempts: %w", op, deviceKey, r.attempts, lastErr)
}

func (r *Retrying) backoff(attempt int) time.Duration {
	d := r.baseDelay * time.Duration(attempt)
	if d > r.maxDelay {
		d = r.maxDelay
	}
	return d
}

func (r *Retrying) record(ctx context.Context, op, deviceKey string, attempt int, latency time.Duration, callErr error) {
	outcome := models.AuditOutcomeOK
	detail := ""
	if callErr != nil {
		detail = callErr.Error()
		if IsTransient(callErr) {
			outcome = models.AuditOutcomeTransient
		} else {
			outcome = models.AuditOutcomeProtocol
		}
	}

	rec := &models.AccessAudit{
		ID:        uuid.Must(uuid.NewRandom()).String(),
		DeviceKey: deviceKey,
		Op:        op,
		Outcome:   outcome,
		Attempt:   attempt,
		LatencyMs: latency.Milliseconds(),
		Detail:    detail,
		CreatedAt: time.Now(),
	}

	if err := r.audit.AppendAccessAudit(ctx, rec); err != nil {
		logger.Error("Failed to append access audit", map[string]interface{}{
			"error":      err.Error(),
			"device_key": deviceKey,
			"op":         op,
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
