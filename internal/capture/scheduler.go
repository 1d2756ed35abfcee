package capture

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// skipLogInterval throttles skip messages: one line per reason per window,
// instead of one per tick while the machine sits locked overnight.
const skipLogInterval = time.Minute

// Scheduler drives the capture loop: every interval it resolves the session
// state and captures only while active. A single goroutine owns the loop;
// stopping is by context cancellation.
type Scheduler struct {
	taker         captureFunc
	lock          LockProbe
	activity      ActivityMonitor
	interval      time.Duration
	idleThreshold time.Duration
	logger        *slog.Logger
	now           func() time.Time

	lastSkipLog map[State]time.Time
}

type captureFunc func(ctx context.Context) error

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock overrides the clock used for skip-log throttling.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler assembles the loop. take is called once per active tick;
// its error is logged, never fatal, so one bad grab does not stop tracking.
func NewScheduler(take func(ctx context.Context) error, lock LockProbe, activity ActivityMonitor,
	interval, idleThreshold time.Duration, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		taker:         take,
		lock:          lock,
		activity:      activity,
		interval:      interval,
		idleThreshold: idleThreshold,
		logger:        logger,
		now:           time.Now,
		lastSkipLog:   make(map[State]time.Time),
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run loops until ctx is cancelled. Each iteration is one Tick followed by
// a full interval sleep; capture latency is not subtracted, matching a
// "roughly every N seconds while active" contract.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "capture loop started",
		"interval", s.interval, "idle_threshold", s.idleThreshold)
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "capture loop stopped")
			return ctx.Err()
		case <-time.After(s.interval):
		}
	}
}

// Tick resolves the session state and captures exactly once when active.
func (s *Scheduler) Tick(ctx context.Context) {
	state := resolveState(s.lock, s.activity, s.idleThreshold)
	if state != StateActive {
		s.logSkip(ctx, state)
		return
	}
	if err := s.taker(ctx); err != nil {
		s.logger.ErrorContext(ctx, "capture failed", "error", err)
	}
}

func (s *Scheduler) logSkip(ctx context.Context, state State) {
	now := s.now()
	if last, ok := s.lastSkipLog[state]; ok && now.Sub(last) < skipLogInterval {
		return
	}
	s.lastSkipLog[state] = now
	s.logger.InfoContext(ctx, "capture skipped", "reason", string(state))
}
