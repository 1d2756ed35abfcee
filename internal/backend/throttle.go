package backend

import (
	"context"
	"io"
	"log/slog"
	"time"

	"mirulog/internal/config"
)

const maxBackoff = 60 * time.Second

// Throttle wraps an Analyzer with request spacing and a retry policy. It is
// itself an Analyzer, so the batch engine stays unaware of quota handling.
//
// Policy: a fixed minimum spacing between consecutive outbound calls; on a
// retryable error, the server's wait hint (plus a buffer) when present,
// otherwise exponential backoff; a capped number of attempts, with a smaller
// cap when the local service is down; fatal errors short-circuit immediately.
// Not safe for concurrent use — the engine is single-threaded by design so
// spacing and retry accounting stay quota-safe.
type Throttle struct {
	inner    Analyzer
	settings config.RetrySettings
	logger   *slog.Logger

	// injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	lastCall     time.Time
	lastAttempts int
}

// ThrottleOption configures a Throttle.
type ThrottleOption func(*Throttle)

// WithThrottleLogger configures structured logging.
func WithThrottleLogger(l *slog.Logger) ThrottleOption {
	return func(t *Throttle) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithThrottleClock overrides the sleep and clock functions.
func WithThrottleClock(sleep func(context.Context, time.Duration) error, now func() time.Time) ThrottleOption {
	return func(t *Throttle) {
		t.sleep = sleep
		t.now = now
	}
}

// NewThrottle wraps inner with the configured rate/retry policy.
func NewThrottle(inner Analyzer, settings config.RetrySettings, opts ...ThrottleOption) *Throttle {
	t := &Throttle{
		inner:    inner,
		settings: settings,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep:    sleepCtx,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Throttle) Name() string { return t.inner.Name() }

// Attempts returns how many calls the most recent Analyze consumed. The
// engine persists attempts-1 as the record's retry count.
func (t *Throttle) Attempts() int { return t.lastAttempts }

// Analyze calls the wrapped backend, retrying per policy. After exhausting
// attempts the last error is returned unchanged, so the caller can persist
// its detail.
func (t *Throttle) Analyze(ctx context.Context, req Request) (*RawResult, error) {
	attempts := 0
	var lastErr error

	for {
		if err := t.waitSpacing(ctx); err != nil {
			t.lastAttempts = attempts
			return nil, err
		}

		attempts++
		res, err := t.inner.Analyze(ctx, req)
		t.lastCall = t.now()
		if err == nil {
			t.lastAttempts = attempts
			return res, nil
		}
		lastErr = err

		be, ok := AsError(err)
		if !ok || !be.Retryable() {
			// Fatal (auth, unsupported input, malformed request): no retry.
			break
		}

		limit := t.settings.MaxRetries
		if be.Kind == KindDown {
			limit = t.settings.MaxConnectRetries
		}
		retries := attempts - 1
		if retries >= limit {
			t.logger.WarnContext(ctx, "retries exhausted",
				"backend", t.Name(), "capture", req.CaptureID,
				"attempts", attempts, "error", err)
			break
		}

		delay := backoffDelay(retries)
		if be.RetryAfter > 0 {
			delay = be.RetryAfter + t.settings.RetryBuffer
		}
		t.logger.WarnContext(ctx, "backend call failed, retrying",
			"backend", t.Name(), "capture", req.CaptureID,
			"attempt", attempts, "kind", string(be.Kind), "wait", delay)

		if err := t.sleep(ctx, delay); err != nil {
			t.lastAttempts = attempts
			return nil, err
		}
	}

	t.lastAttempts = attempts
	return nil, lastErr
}

// waitSpacing enforces the minimum gap since the previous outbound call.
func (t *Throttle) waitSpacing(ctx context.Context) error {
	if t.settings.RequestSpacing <= 0 || t.lastCall.IsZero() {
		return nil
	}
	elapsed := t.now().Sub(t.lastCall)
	if remaining := t.settings.RequestSpacing - elapsed; remaining > 0 {
		return t.sleep(ctx, remaining)
	}
	return nil
}

// backoffDelay is the exponential fallback when no server hint exists:
// 1s, 2s, 4s, ... capped at maxBackoff.
func backoffDelay(retries int) time.Duration {
	d := time.Second << uint(retries)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
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
