// Package analyze drives pending capture records through a vision backend
// and commits the outcome. One record is one unit of work: claim, call,
// parse, persist, then dispose of the image. Backend failures are isolated
// per record so a bad capture never blocks the rest of the queue; store
// errors stop the run.
package analyze

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"mirulog/internal/backend"
	"mirulog/internal/db"
	"mirulog/internal/errors"
	"mirulog/internal/record"
)

// Attempter is implemented by throttled analyzers that track how many
// calls the last Analyze consumed.
type Attempter interface {
	Attempts() int
}

// Stats summarizes one batch run.
type Stats struct {
	Processed int `json:"processed"`
	Analyzed  int `json:"analyzed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"` // claimed by another worker mid-batch
}

// Engine runs analysis batches against one store.
type Engine struct {
	store    *sql.DB
	analyzer backend.Analyzer
	disposer Disposer
	logger   *slog.Logger
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the clock, for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine assembles a batch engine. disposer handles the image file after
// a successful commit; pass KeepImages to leave files in place.
func NewEngine(store *sql.DB, analyzer backend.Analyzer, disposer Disposer, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		analyzer: analyzer,
		disposer: disposer,
		logger:   logger,
		now:      time.Now,
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.disposer == nil {
		e.disposer = KeepImages{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunBatch processes up to limit pending records in capture order. limit<=0
// means all currently pending. Backend failures are recorded and counted,
// never fatal; store errors abort the batch, since nothing later in it can
// commit either.
func (e *Engine) RunBatch(ctx context.Context, limit int) (*Stats, error) {
	pending, err := db.PendingCaptures(e.store, limit)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := e.processOne(ctx, &pending[i], stats); err != nil {
			return stats, err
		}
	}

	e.logger.InfoContext(ctx, "batch finished",
		"processed", stats.Processed, "analyzed", stats.Analyzed,
		"failed", stats.Failed, "skipped", stats.Skipped)
	return stats, nil
}

// Drain runs batches until a pass begins with zero pending records. Records
// that fail stay failed, so a queue of permanently bad captures still
// terminates.
func (e *Engine) Drain(ctx context.Context, batchLimit int) (*Stats, error) {
	total := &Stats{}
	for {
		count, err := db.PendingCount(e.store)
		if err != nil {
			return total, err
		}
		if count == 0 {
			return total, nil
		}
		stats, err := e.RunBatch(ctx, batchLimit)
		if stats != nil {
			total.Processed += stats.Processed
			total.Analyzed += stats.Analyzed
			total.Failed += stats.Failed
			total.Skipped += stats.Skipped
		}
		if err != nil {
			return total, err
		}
	}
}

// processOne takes a single record from pending to analyzed or failed. A
// non-nil return means the store itself refused a read or write; the caller
// stops the batch. A lost claim race is not a store error, it is counted as
// skipped.
func (e *Engine) processOne(ctx context.Context, rec *record.CaptureRecord, stats *Stats) error {
	claimed, err := db.ClaimPending(e.store, rec.ID)
	if err != nil {
		return fmt.Errorf("claim %s: %w", rec.ID, err)
	}
	if !claimed {
		stats.Skipped++
		return nil
	}
	stats.Processed++

	raw, err := e.analyzer.Analyze(ctx, backend.Request{
		CaptureID:   rec.ID,
		ImagePath:   rec.ImagePath,
		CapturedAt:  rec.CapturedAt,
		WindowTitle: rec.WindowTitle,
		ProcessName: rec.ProcessName,
	})
	if err != nil {
		if err := e.markFailed(ctx, rec, err); err != nil {
			return err
		}
		stats.Failed++
		return nil
	}

	res := record.ParsePayload(rec.ID, raw.Backend, raw.Text)
	res.RetryCount = e.retries()
	res.LastAttemptAt = e.now().UTC()
	if err := db.SaveResult(e.store, &res); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			// Another worker moved the record out of analyzing first.
			e.logger.WarnContext(ctx, "commit lost to concurrent worker", "id", rec.ID)
			stats.Skipped++
			return nil
		}
		return fmt.Errorf("commit %s: %w", rec.ID, err)
	}

	// Only after the analyzed status is durable may the image be touched.
	if err := e.disposer.Dispose(rec.ImagePath, rec.CapturedAt); err != nil {
		e.logger.WarnContext(ctx, "image disposal failed",
			"id", rec.ID, "path", rec.ImagePath, "error", err)
	}
	stats.Analyzed++
	e.logger.DebugContext(ctx, "analyzed", "id", rec.ID, "task", res.PrimaryTask)
	return nil
}

func (e *Engine) markFailed(ctx context.Context, rec *record.CaptureRecord, cause error) error {
	res := &record.AnalysisResult{
		CaptureID:     rec.ID,
		Backend:       e.analyzer.Name(),
		ErrorDetail:   cause.Error(),
		RetryCount:    e.retries(),
		LastAttemptAt: e.now().UTC(),
	}
	if err := db.MarkFailed(e.store, res); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			e.logger.WarnContext(ctx, "failure record lost to concurrent worker", "id", rec.ID)
			return nil
		}
		return fmt.Errorf("record failure %s: %w", rec.ID, err)
	}
	e.logger.WarnContext(ctx, "analysis failed", "id", rec.ID, "error", cause)
	return nil
}

// retries reads the throttle's attempt count when the analyzer exposes one.
func (e *Engine) retries() int {
	if a, ok := e.analyzer.(Attempter); ok {
		if n := a.Attempts(); n > 0 {
			return n - 1
		}
	}
	return 0
}
