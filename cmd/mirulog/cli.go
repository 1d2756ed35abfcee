package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"mirulog/internal/aggregate"
	"mirulog/internal/analyze"
	"mirulog/internal/backend"
	"mirulog/internal/capture"
	"mirulog/internal/config"
	"mirulog/internal/db"
	"mirulog/internal/errors"
	"mirulog/internal/logging"
	"mirulog/internal/report"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(store *sql.DB, cfg *config.Settings) *cli.App {
	app := &cli.App{
		Name:    "mirulog",
		Usage:   "Desktop activity capture and analysis",
		Version: Version,
		Commands: []*cli.Command{
			observeCmd(store, cfg),
			analyzeCmd(store, cfg),
			pipelineCmd(store, cfg),
			statusCmd(store),
			requeueCmd(store),
			reportCmd(store, cfg),
			exportCmd(store, cfg),
			timelineCmd(cfg),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// observeCmd creates the observe command: the foreground capture loop.
func observeCmd(store *sql.DB, cfg *config.Settings) *cli.Command {
	return &cli.Command{
		Name:  "observe",
		Usage: "Run the capture loop: screenshot every interval while the session is active",
		Flags: append([]cli.Flag{
			&cli.DurationFlag{Name: "interval", Usage: "Capture interval (overrides CAPTURE_INTERVAL_SECONDS)"},
		}, rootFlags()...),
		Action: func(c *cli.Context) error {
			store, cfg, closeStore, err := applyRootFlags(c, store, cfg)
			if err != nil {
				return outputError(err)
			}
			defer closeStore()

			interval := cfg.Capture.Interval
			if c.IsSet("interval") {
				interval = c.Duration("interval")
			}

			logger := logging.New("capture")
			taker := capture.NewTaker(store, capture.NewScreenGrabber(),
				capture.NewWindowProbe(), cfg.Capture.CaptureRoot, logger)
			sched := capture.NewScheduler(
				func(ctx context.Context) error {
					_, err := taker.Capture(ctx)
					return err
				},
				capture.NewLockProbe(cfg.Capture.DisableLockCheck),
				capture.NewActivityMonitor(),
				interval, cfg.Capture.IdleThreshold, logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// analyzeCmd creates the analyze command: one analysis batch.
func analyzeCmd(store *sql.DB, cfg *config.Settings) *cli.Command {
	return &cli.Command{
		Name:  "analyze",
		Usage: "Run one analysis batch over pending captures",
		Flags: append([]cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: -1, Usage: "Batch size (0 = no limit, default per backend)"},
			&cli.BoolFlag{Name: "until-empty", Usage: "Keep running batches until the queue is empty"},
		}, rootFlags()...),
		Action: func(c *cli.Context) error {
			store, cfg, closeStore, err := applyRootFlags(c, store, cfg)
			if err != nil {
				return outputError(err)
			}
			defer closeStore()

			engine, err := newEngine(store, cfg)
			if err != nil {
				return outputError(err)
			}

			limit := c.Int("limit")
			if limit < 0 {
				limit = backend.DefaultBatchLimit(cfg.Backend)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var stats *analyze.Stats
			if c.Bool("until-empty") {
				stats, err = engine.Drain(ctx, limit)
			} else {
				stats, err = engine.RunBatch(ctx, limit)
			}
			if err != nil && ctx.Err() == nil {
				return outputError(err)
			}
			return outputJSON(stats)
		},
	}
}

// pipelineCmd creates the pipeline command: analyze, then report and export
// for today, optionally on a cron schedule.
func pipelineCmd(store *sql.DB, cfg *config.Settings) *cli.Command {
	return &cli.Command{
		Name:  "pipeline",
		Usage: "Run analyze + report + export in one pass",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "schedule", Usage: "5-field cron expression; keep running and fire on schedule (overrides PIPELINE_SCHEDULE)"},
		},
		Action: func(c *cli.Context) error {
			schedule := cfg.PipelineSchedule
			if c.IsSet("schedule") {
				schedule = c.String("schedule")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if schedule == "" {
				return runPipeline(ctx, store, cfg)
			}

			if _, err := cronParser.Parse(schedule); err != nil {
				return outputError(errors.NewInvalidRequest(fmt.Sprintf("invalid cron expression %q: %v", schedule, err)))
			}
			logger := logging.New("pipeline")
			for {
				wait := nextCronDuration(schedule)
				logger.Info("pipeline scheduled", "next_run_in", wait)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
				if err := runPipeline(ctx, store, cfg); err != nil && ctx.Err() == nil {
					logger.Error("pipeline run failed", "error", err)
				}
			}
		},
	}
}

// runPipeline drains the queue and writes today's report and export.
func runPipeline(ctx context.Context, store *sql.DB, cfg *config.Settings) error {
	engine, err := newEngine(store, cfg)
	if err != nil {
		return outputError(err)
	}
	stats, err := engine.Drain(ctx, backend.DefaultBatchLimit(cfg.Backend))
	if err != nil {
		return outputError(err)
	}

	date := time.Now().In(cfg.Timezone).Format("2006-01-02")
	daily, err := buildDaily(store, cfg, date)
	if err != nil {
		return outputError(err)
	}
	mdPath, jsonPath, err := report.WriteSummary(daily, cfg.Output.SummaryDir)
	if err != nil {
		return outputError(err)
	}
	exportMD, exportHTML, err := report.Export(daily, cfg.Output.ExportDir)
	if err != nil {
		return outputError(err)
	}

	return outputJSON(map[string]any{
		"stats":       stats,
		"date":        date,
		"summary":     []string{mdPath, jsonPath},
		"export":      []string{exportMD, exportHTML},
		"active_mins": daily.ActiveMinutes,
	})
}

// statusCmd creates the status command.
func statusCmd(store *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show record counts by status",
		Action: func(c *cli.Context) error {
			counts, err := db.StatusCounts(store)
			if err != nil {
				return outputError(err)
			}
			total := 0
			for _, n := range counts {
				total += n
			}
			return outputJSON(map[string]any{"counts": counts, "total": total})
		},
	}
}

// requeueCmd creates the requeue command.
func requeueCmd(store *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "requeue",
		Usage: "Return failed records to the pending queue",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "stuck", Usage: "Also reset records left in analyzing by an interrupted run"},
		},
		Action: func(c *cli.Context) error {
			requeued, err := db.ResetFailed(store)
			if err != nil {
				return outputError(err)
			}
			var stuck int64
			if c.Bool("stuck") {
				stuck, err = db.ResetStuckAnalyzing(store)
				if err != nil {
					return outputError(err)
				}
			}
			return outputJSON(map[string]any{"requeued": requeued, "reset_stuck": stuck})
		},
	}
}

// reportCmd creates the report command.
func reportCmd(store *sql.DB, cfg *config.Settings) *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Build the daily summary (markdown + JSON)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Aliases: []string{"d"}, Usage: "Day to summarize (YYYY-MM-DD, default today)"},
		},
		Action: func(c *cli.Context) error {
			date, err := resolveDate(c.String("date"), cfg)
			if err != nil {
				return outputError(err)
			}
			daily, err := buildDaily(store, cfg, date)
			if err != nil {
				return outputError(err)
			}
			mdPath, jsonPath, err := report.WriteSummary(daily, cfg.Output.SummaryDir)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{
				"date": date, "markdown": mdPath, "json": jsonPath,
				"entries": daily.EntryCount,
			})
		},
	}
}

// exportCmd creates the export command.
func exportCmd(store *sql.DB, cfg *config.Settings) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write the share copy of a daily report (markdown + standalone HTML)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Aliases: []string{"d"}, Usage: "Day to export (YYYY-MM-DD, default today)"},
		},
		Action: func(c *cli.Context) error {
			date, err := resolveDate(c.String("date"), cfg)
			if err != nil {
				return outputError(err)
			}
			daily, err := buildDaily(store, cfg, date)
			if err != nil {
				return outputError(err)
			}
			mdPath, htmlPath, err := report.Export(daily, cfg.Output.ExportDir)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{
				"date": date, "markdown": mdPath, "html": htmlPath,
				"entries": daily.EntryCount,
			})
		},
	}
}

// timelineCmd creates the timeline command: the multi-host merged view.
func timelineCmd(cfg *config.Settings) *cli.Command {
	return &cli.Command{
		Name:  "timeline",
		Usage: "Merge analyzed entries across synced host shards, time-ordered",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "root", Usage: "Directory holding per-host shard directories (default: parent of this host's archive root)"},
			&cli.StringFlag{Name: "date", Aliases: []string{"d"}, Usage: "Filter to one day (YYYY-MM-DD)"},
		},
		Action: func(c *cli.Context) error {
			root := c.String("root")
			if root == "" {
				root = filepath.Dir(cfg.ShardDir())
			}
			if date := c.String("date"); date != "" {
				if _, err := time.Parse("2006-01-02", date); err != nil {
					return outputError(errors.NewInvalidRequest("date must be YYYY-MM-DD"))
				}
			}

			sources, err := aggregate.DiscoverSources(root)
			if err != nil {
				return outputError(err)
			}
			entries, err := aggregate.Timeline(sources, c.String("date"), logging.New("aggregate"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{
				"sources": sources,
				"entries": entries,
				"count":   len(entries),
			})
		},
	}
}

// newEngine wires the configured backend, retry policy, and image disposer.
// rootFlags are the directory overrides shared by observe and analyze.
func rootFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "capture-root", Usage: "Directory for new screenshots (overrides CAPTURE_ROOT)"},
		&cli.StringFlag{Name: "archive-root", Usage: "Shard directory for the store and archived images (overrides ARCHIVE_ROOT)"},
	}
}

// applyRootFlags returns cfg with any --capture-root/--archive-root override
// applied. Moving the archive root moves the shard store with it, so the
// store is reopened there; the returned func closes that handle.
func applyRootFlags(c *cli.Context, store *sql.DB, cfg *config.Settings) (*sql.DB, *config.Settings, func(), error) {
	if !c.IsSet("capture-root") && !c.IsSet("archive-root") {
		return store, cfg, func() {}, nil
	}
	override := *cfg
	if c.IsSet("capture-root") {
		override.Capture.CaptureRoot = c.String("capture-root")
	}
	if c.IsSet("archive-root") {
		override.Capture.ArchiveRoot = c.String("archive-root")
		moved, err := db.Init(override.ShardDir())
		if err != nil {
			return nil, nil, nil, err
		}
		return moved, &override, func() { moved.Close() }, nil
	}
	return store, &override, func() {}, nil
}

func newEngine(store *sql.DB, cfg *config.Settings) (*analyze.Engine, error) {
	analyzer, err := backend.New(cfg, logging.New("backend"))
	if err != nil {
		return nil, err
	}
	throttled := backend.NewThrottle(analyzer, cfg.Retry,
		backend.WithThrottleLogger(logging.New("throttle")))

	var disposer analyze.Disposer
	if cfg.Capture.DeleteAfterAnalysis {
		disposer = analyze.DeleteImages{}
	} else {
		disposer = analyze.ArchiveImages{Root: cfg.Capture.ArchiveRoot}
	}
	return analyze.NewEngine(store, throttled, disposer, logging.New("analyze")), nil
}

// buildDaily loads one day's analyzed entries and summarizes them.
func buildDaily(store *sql.DB, cfg *config.Settings, date string) (*report.Daily, error) {
	entries, err := db.AnalyzedEntries(store, date)
	if err != nil {
		return nil, err
	}
	return report.BuildDaily(date, entries, cfg.Capture.Interval, time.Now()), nil
}

// resolveDate validates --date or defaults to today in the configured zone.
func resolveDate(date string, cfg *config.Settings) (string, error) {
	if date == "" {
		return time.Now().In(cfg.Timezone).Format("2006-01-02"), nil
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return "", errors.NewInvalidRequest("date must be YYYY-MM-DD")
	}
	return date, nil
}

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration returns the duration until the expression next fires.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := time.Until(sched.Next(time.Now()))
	if d < 0 {
		return 0
	}
	return d
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if be, ok := backend.AsError(err); ok {
		err = errors.NewBackendFailed(be.Backend, be)
	}
	if appErr, ok := err.(*errors.Error); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", appErr.Code, appErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
