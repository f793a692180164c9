// logvault receives log lines over syslog UDP and HTTP and stores them in a
// tamper-evident hash-chained ledger with retention, verification and
// repair.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/setevik/logvault/internal/api"
	"github.com/setevik/logvault/internal/chain"
	"github.com/setevik/logvault/internal/config"
	"github.com/setevik/logvault/internal/dedup"
	"github.com/setevik/logvault/internal/ingest"
	"github.com/setevik/logvault/internal/lock"
	"github.com/setevik/logvault/internal/metrics"
	"github.com/setevik/logvault/internal/retention"
	"github.com/setevik/logvault/internal/store"
	"github.com/setevik/logvault/internal/syslog"
)

var version = "dev"

// shutdownGrace bounds how long the HTTP server drains on shutdown.
const shutdownGrace = 10 * time.Second

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "verify":
			runVerify(os.Args[2:])
			return
		case "backfill":
			runBackfill(os.Args[2:])
			return
		case "prune":
			runPrune(os.Args[2:])
			return
		case "archive":
			runArchive(os.Args[2:])
			return
		case "import":
			runImport(os.Args[2:])
			return
		case "query":
			runQuery(os.Args[2:])
			return
		case "status":
			runStatus(os.Args[2:])
			return
		case "sources":
			runSources(os.Args[2:])
			return
		case "version":
			fmt.Println("logvault", version)
			return
		}
	}

	// Default: run daemon.
	runDaemon(os.Args[1:])
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("logvault", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Parse(args)

	if *showVersion {
		fmt.Println("logvault", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Log.Level)

	slog.Info("logvault starting",
		"version", version,
		"instance", cfg.Instance.ID,
		"driver", cfg.DriverName(),
		"lock", cfg.LockBackend(),
	)

	if err := run(cfg); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	db, closeLock, err := openStore(cfg, m)
	if err != nil {
		return err
	}
	defer closeLock()
	defer db.Close()

	slog.Info("event ledger opened", "driver", db.Driver(), "dsn", redactDSN(cfg))

	sources := ingest.NewRegistry(db, cfg.Syslog.SourcesRefresh.Duration)
	svc := ingest.NewService(dedup.New(db, time.Now, m), sources)
	pruner := newPruner(cfg, db, m)

	srv := api.New(api.Deps{
		Ingest:        svc,
		Store:         db,
		Verifier:      chain.NewVerifier(db, cfg.Chain.BackfillBatch),
		Repairer:      chain.NewRepairer(db, cfg.Chain.BackfillBatch),
		Pruner:        pruner,
		Sources:       sources,
		Metrics:       m,
		Gatherer:      reg,
		ArchivePrefix: cfg.Archive.Prefix,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sources.Run(gctx)
		return nil
	})
	g.Go(func() error {
		pruner.Run(gctx)
		return nil
	})

	if cfg.Syslog.Enabled {
		listener := syslog.NewListener(syslog.Config{
			Host:          cfg.Syslog.Host,
			Port:          cfg.Syslog.Port,
			FallbackPort:  cfg.Syslog.FallbackPort,
			ParsePriority: cfg.Syslog.ParsePriority,
			SubmitTimeout: cfg.Syslog.SubmitTimeout.Duration,
			RatePerSource: cfg.Syslog.RatePerSource,
			Burst:         cfg.Syslog.Burst,
		}, svc, sources, m)
		supervisor := syslog.NewSupervisor(listener, 0)
		g.Go(func() error {
			return supervisor.Run(gctx)
		})
	}

	if cfg.HTTP.Listen != "" {
		g.Go(func() error {
			if err := srv.Serve(gctx, cfg.HTTP.Listen, shutdownGrace); err != nil {
				return fmt.Errorf("http api: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		notifySystemd(gctx)
		return nil
	})

	slog.Info("ingestion started",
		"syslog", cfg.Syslog.Enabled,
		"http", cfg.HTTP.Listen,
		"retention_days", cfg.Retention.RetentionDays,
		"max_count", cfg.Retention.MaxCount,
	)

	err = g.Wait()
	slog.Info("logvault stopped")
	return err
}

func newPruner(cfg *config.Config, db *store.DB, m *metrics.Metrics) *retention.Pruner {
	p := retention.New(db, m)
	p.RetentionDays = cfg.Retention.RetentionDays
	p.MaxCount = cfg.Retention.MaxCount
	p.Interval = cfg.Retention.Interval.Duration
	p.InitialDelay = cfg.Retention.InitialDelay.Duration
	return p
}

// openStore opens the ledger with the configured chain lock. The returned
// func releases resources owned by the lock backend.
func openStore(cfg *config.Config, m *metrics.Metrics) (*store.DB, func(), error) {
	opts := []store.Option{
		store.WithLockTimeout(cfg.Chain.LockTimeout.Duration),
		store.WithAdvisoryKey(cfg.Chain.AdvisoryKey),
		store.WithMetrics(m),
	}
	closeLock := func() {}

	switch cfg.LockBackend() {
	case "mutex":
		opts = append(opts, store.WithLocker(lock.NewMutex("chain", cfg.Chain.LockTimeout.Duration)))
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Chain.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Chain.RedisAddr, err)
		}
		opts = append(opts, store.WithLocker(lock.NewRedis(client, cfg.Chain.RedisKey, cfg.Chain.LockTimeout.Duration, 0)))
		closeLock = func() { client.Close() }
		slog.Info("using redis chain lock", "addr", cfg.Chain.RedisAddr, "key", cfg.Chain.RedisKey)
	}
	// "auto" and "advisory" use the store default for the driver.

	db, err := store.Open(cfg.DriverName(), cfg.DSN(), opts...)
	if err != nil {
		closeLock()
		return nil, nil, fmt.Errorf("opening event ledger: %w", err)
	}
	return db, closeLock, nil
}

// redactDSN hides credentials in a postgres DSN for logging.
func redactDSN(cfg *config.Config) string {
	dsn := cfg.DSN()
	if cfg.DriverName() != store.DriverPostgres {
		return dsn
	}
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme < at {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	return "(postgres)"
}

// --- sd_notify support ---

// notifySystemd reports readiness, pings the watchdog at half its interval
// and reports stopping once ctx is done. Outside systemd it only waits.
func notifySystemd(ctx context.Context) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		slog.Debug("sd_notify ready failed", "error", err)
	}

	var tick <-chan time.Time
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		slog.Warn("invalid systemd watchdog settings", "error", err)
	}
	if interval > 0 {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		tick = ticker.C
		slog.Info("systemd watchdog enabled", "interval", interval)
	}

	for {
		select {
		case <-tick:
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		case <-ctx.Done():
			slog.Info("shutting down")
			daemon.SdNotify(false, daemon.SdNotifyStopping)
			return
		}
	}
}

// --- utilities ---

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// parseDuration extends time.ParseDuration with support for "d" (days) suffix.
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		s = strings.TrimSuffix(s, "d")
		var days int
		if _, err := fmt.Sscanf(s, "%d", &days); err != nil {
			return 0, fmt.Errorf("invalid days format: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// loadCLI loads config for a one-shot subcommand and opens the ledger with
// quiet logging.
func loadCLI(configPath string) (*config.Config, *store.DB, func()) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	setupLogging("error")

	db, closeLock, err := openStore(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return cfg, db, func() {
		db.Close()
		closeLock()
	}
}

func exitOn(err error, what string) {
	if err == nil {
		return
	}
	if errors.Is(err, lock.ErrTimeout) {
		fmt.Fprintf(os.Stderr, "%s: chain lock busy, is another writer running? (%v)\n", what, err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	}
	os.Exit(1)
}
