package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carbontrail/internal/backend"
	"carbontrail/internal/config"
	"carbontrail/internal/history"
	appLog "carbontrail/internal/log"
	"carbontrail/internal/report"
	"carbontrail/internal/scheduler"
	"carbontrail/internal/web"
)

const version = "0.1.0"

const shutdownTimeout = 10 * time.Second

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	user       string
	month      string
	year       string
	verbose    bool
}

func main() {
	flags := parseFlags()
	if err := run(flags); err != nil {
		appLog.Error("carbontrail failed", err, "config_path", flags.configPath)
		_ = appLog.Sync()
		os.Exit(1)
	}
}

// run wires the application and blocks until it is done. Deferred
// cleanup always runs before main decides the exit code.
func run(flags flagConfig) error {
	defer appLog.Sync()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	level := appLog.ParseLevel(conf.LogLevel)
	if flags.verbose {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)

	appLog.Info("carbontrail starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"week_start", conf.WeekStart,
		"refresh", conf.RefreshCron,
		"backend", conf.Backend.BaseURL,
		"report_cache_ttl", conf.ReportCacheTTL().String(),
		"redis", conf.Redis.Addr != "",
		"prewarm_users", len(conf.PrewarmUsers),
		"once", flags.once,
	)

	client, err := backend.New(backend.Options{
		BaseURL:            conf.Backend.BaseURL,
		Token:              conf.Backend.Token,
		ParticipationsPath: conf.Backend.ParticipationsPath,
		CacheDir:           conf.Backend.CacheDir,
		Timeout:            conf.BackendTimeout(),
	})
	if err != nil {
		return err
	}

	cache, closeCache := newReportCache(conf)
	defer closeCache()

	svc := report.NewService(client, cache, report.Options{
		Location:       conf.Location(),
		WeekStart:      conf.WeekStartDay(),
		MaxOccurrences: conf.Report.MaxOccurrences,
		CacheTTL:       conf.ReportCacheTTL(),
	})

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.once {
		if err := runOnce(ctx, svc, flags); err != nil {
			return fmt.Errorf("report for user %q: %w", flags.user, err)
		}
		return nil
	}

	if err := serve(ctx, conf, svc); err != nil {
		return err
	}
	appLog.Info("carbontrail exiting")
	return nil
}

// runOnce builds a single report and prints it as JSON to stdout.
func runOnce(ctx context.Context, svc *report.Service, flags flagConfig) error {
	if flags.user == "" {
		return errors.New("-once requires -user")
	}
	filter, err := history.ParseFilter(flags.month, flags.year)
	if err != nil {
		return err
	}
	rep, err := svc.Refresh(ctx, flags.user, filter)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// serve runs the HTTP API and the prewarm scheduler until ctx is done.
func serve(ctx context.Context, conf *config.Config, svc *report.Service) error {
	sched, err := scheduler.New(conf.RefreshCron, conf.Location(), svc, conf.PrewarmUsers)
	if err != nil {
		return err
	}
	if len(conf.PrewarmUsers) > 0 {
		go sched.RefreshAll(ctx)
		sched.Start()
	}

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, svc).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", conf.Listen, err)
		}
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sched.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// newReportCache picks Redis when configured and reachable, otherwise an
// in-process cache.
func newReportCache(conf *config.Config) (report.Cache, func()) {
	if conf.Redis.Addr == "" {
		return report.NewMemoryCache(), func() {}
	}

	rc := report.NewRedisCache(report.RedisOptions{
		Addr:      conf.Redis.Addr,
		Password:  conf.Redis.Password,
		DB:        conf.Redis.DB,
		KeyPrefix: conf.Redis.KeyPrefix,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rc.Ping(ctx); err != nil {
		appLog.Error("redis unreachable; using in-memory report cache", err, "addr", conf.Redis.Addr)
		_ = rc.Close()
		return report.NewMemoryCache(), func() {}
	}
	appLog.Info("redis report cache enabled", "addr", conf.Redis.Addr)
	return rc, func() { _ = rc.Close() }
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/carbontrail/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Build one report, print it as JSON and exit")
	flag.StringVar(&cfg.user, "user", "", "User id for -once")
	flag.StringVar(&cfg.month, "month", "", "Month filter (1-12) for -once")
	flag.StringVar(&cfg.year, "year", "", "Year filter (YYYY) for -once")
	flag.BoolVar(&cfg.verbose, "v", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
