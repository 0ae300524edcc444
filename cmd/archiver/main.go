// Command archiver runs the archive lifecycle against one database.
//
// Usage:
//
//	archiver -config archives.yaml -mode archive       # recompute stale and outdated archives
//	archiver -config archives.yaml -mode tasks         # run the due purge tasks once
//	archiver -config archives.yaml -mode daemon        # run the due purge tasks until interrupted
//	archiver -mode invalidate -sites 1,2 -dates 2024-03-15 -period day
//	archiver -mode estimate                            # count the rows a purge would delete
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
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	archives "github.com/jdziat/archive-lifecycle"
	"github.com/jdziat/archive-lifecycle/pkg/config"
	"github.com/jdziat/archive-lifecycle/pkg/lock"
	"github.com/jdziat/archive-lifecycle/pkg/scheduler"
	"github.com/jdziat/archive-lifecycle/pkg/storage"
)

// errFailures makes the process exit non-zero after a run with failures.
var errFailures = errors.New("run finished with failures")

type flags struct {
	config  string
	mode    string
	sites   string
	dates   string
	period  string
	segment string
	cascade bool
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "path to the YAML config file")
	flag.StringVar(&f.mode, "mode", "archive", "archive, tasks, daemon, invalidate or estimate")
	flag.StringVar(&f.sites, "sites", "", "invalidate: comma separated site ids")
	flag.StringVar(&f.dates, "dates", "", "invalidate: comma separated dates, or start,end for a range")
	flag.StringVar(&f.period, "period", "day", "invalidate: day, week, month, year or range")
	flag.StringVar(&f.segment, "segment", "", "invalidate: segment definition, empty for every segment")
	flag.BoolVar(&f.cascade, "cascade", false, "invalidate: also invalidate the contained periods")
	flag.Parse()

	cfg, err := config.Load(f.config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "archiver:", err)
		os.Exit(2)
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, f); err != nil {
		if !errors.Is(err, errFailures) {
			logger.Error("archiver: fatal", "error", err)
		}
		os.Exit(1)
	}
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, f flags) error {
	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.PoolOptions()...)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []archives.Option{archives.WithLogger(logger), archives.WithMetrics(reg)}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		opts = append(opts, archives.WithLocker(lock.NewRedisLocker(client, cfg.Redis.Prefix)))
	}

	sys, err := archives.New(ctx, db, cfg, opts...)
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(logger, cfg.Metrics.Listen, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	switch f.mode {
	case "archive":
		return runArchive(ctx, logger, sys)
	case "tasks":
		reports, err := sys.RunScheduledTasks(ctx)
		if err != nil {
			return err
		}
		return logTasks(logger, reports)
	case "daemon":
		if err := sys.Runner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case "invalidate":
		return runInvalidate(ctx, sys, f)
	case "estimate":
		return runEstimate(ctx, sys)
	}
	return fmt.Errorf("unknown mode %q", f.mode)
}

func serveMetrics(logger *slog.Logger, addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

func runArchive(ctx context.Context, logger *slog.Logger, sys *archives.System) error {
	report, err := sys.RunCronArchive(ctx)
	if err != nil {
		return err
	}
	for _, res := range report.Results {
		if res.Err != nil {
			logger.Error("unit failed", "site", res.Unit.IDSite, "period", res.Unit.PeriodKey, "segment", res.Unit.Segment, "error", res.Err)
		}
	}
	for _, err := range report.Errors {
		logger.Error("site failed", "error", err)
	}
	if report.Failed() {
		return errFailures
	}
	return nil
}

func logTasks(logger *slog.Logger, reports []scheduler.TaskRunReport) error {
	failed := false
	for _, r := range reports {
		switch r.State {
		case scheduler.StateFailed:
			failed = true
			logger.Error("task failed", "task", r.Name, "error", r.Err)
		case scheduler.StateSucceeded:
			logger.Info("task done", "task", r.Name, "took", r.Duration, "next_run", humanize.Time(r.NextRun))
		}
	}
	if failed {
		return errFailures
	}
	return nil
}

func runInvalidate(ctx context.Context, sys *archives.System, f flags) error {
	ids, err := parseSites(f.sites)
	if err != nil {
		return err
	}
	lines, err := sys.InvalidateArchivedReports(ctx, ids, f.dates, f.period, f.segment, f.cascade)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func parseSites(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: site id %q", archives.ErrInvalidArgument, part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: -sites is required", archives.ErrInvalidArgument)
	}
	return ids, nil
}

func runEstimate(ctx context.Context, sys *archives.System) error {
	est, err := sys.GetPurgeEstimate(ctx, nil)
	if err != nil {
		return err
	}
	tables := make([]string, 0, len(est))
	for table := range est {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		fmt.Printf("%-40s %s\n", table, humanize.Comma(est[table]))
	}
	return nil
}
