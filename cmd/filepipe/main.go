// Command filepipe runs the file-processing pipeline services.
//
// Subcommands:
//
//	serve      — job processor + notification consumer + outbox relay (default for small deployments)
//	processor  — job processor and outbox relay only (competing-consumer scale-out)
//	notifier   — notification consumer only
//	migrate    — run pending database migrations and exit
//	reconcile  — report (and optionally publish) unpublished outbox events
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that time.Format
	// with named zones works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chaladak/file-processing-app/internal/broker"
	"github.com/chaladak/file-processing-app/internal/config"
	"github.com/chaladak/file-processing-app/internal/notify"
	"github.com/chaladak/file-processing-app/internal/objectstore"
	"github.com/chaladak/file-processing-app/internal/ops"
	"github.com/chaladak/file-processing-app/internal/outbox"
	"github.com/chaladak/file-processing-app/internal/processor"
	"github.com/chaladak/file-processing-app/internal/store"
	"github.com/chaladak/file-processing-app/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "filepipe",
		Short: "filepipe — queue-driven file processing pipeline",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		processorCmd(),
		notifierCmd(),
		migrateCmd(),
		reconcileCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run both pipeline stages and the outbox relay in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStages(cmd.Context(), true, true)
		},
	}
}

func processorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "processor",
		Short: "Run the job processor and outbox relay (competing consumer)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStages(cmd.Context(), true, false)
		},
	}
}

func notifierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notifier",
		Short: "Run the notification consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStages(cmd.Context(), false, true)
		},
	}
}

// runStages wires the selected consumers plus the ops endpoint and blocks
// until SIGTERM/SIGINT or a stage failure.
func runStages(parent context.Context, withProcessor, withNotifier bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	st := store.New(db)

	mgr, err := broker.Dial(ctx, cfg.BrokerURL, cfg.BrokerConnectAttempts, cfg.BrokerConnectBackoff)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer mgr.Close() //nolint:errcheck

	g, gctx := errgroup.WithContext(ctx)

	if withProcessor {
		var source processor.SourceChecker
		if cfg.S3Endpoint != "" {
			osc, err := objectstore.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
			if err != nil {
				return err
			}
			source = osc
		}

		proc := processor.New(mgr, st, processor.SimulatedStep{Delay: cfg.ProcessingDelay}, source, processor.Config{
			Queue:           cfg.WorkQueue,
			PersistAttempts: cfg.PersistAttempts,
			PersistBackoff:  cfg.PersistBackoff,
		})
		g.Go(func() error { return proc.Run(gctx) })

		relay := outbox.New(st, mgr, cfg.EventQueue, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		g.Go(func() error { return relay.Run(gctx) })
	}

	if withNotifier {
		sink, err := buildSink(cfg)
		if err != nil {
			return err
		}
		consumer := notify.New(mgr, st, sink, notify.Config{
			Queue:      cfg.EventQueue,
			StrictSink: cfg.SinkStrict,
		})
		g.Go(func() error { return consumer.Run(gctx) })
	}

	// Ops endpoint: liveness always, readiness gated on DB and broker.
	srv := &http.Server{ //nolint:exhaustruct
		Addr: cfg.ListenAddr,
		Handler: ops.NewRouter(map[string]ops.Pinger{
			"database": ops.PingFunc(db.Ping),
			"broker":   ops.PingFunc(mgr.Ping),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		slog.Info("ops endpoint started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("pipeline stopped")
	return err
}

// buildSink selects the notification sink from config.
func buildSink(cfg *config.Config) (notify.Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return notify.LogSink{}, nil
	case "webhook":
		if cfg.WebhookURL == "" || cfg.WebhookSecret == "" {
			return nil, errors.New("webhook sink requires NOTIFY_WEBHOOK_URL and NOTIFY_WEBHOOK_SECRET")
		}
		return notify.NewWebhookSink(notify.BuildSafeClient(), cfg.WebhookURL, cfg.WebhookSecret), nil
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── reconcile ─────────────────────────────────────────────────────────────────

func reconcileCmd() *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Report unpublished outbox events; with --publish, publish them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd.Context(), publish)
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "publish pending events instead of only reporting them")
	return cmd
}

// runReconcile surfaces the write/publish gap after a crash: any event row
// without published_at was committed with its job record but never reached
// the event queue.
func runReconcile(ctx context.Context, publish bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	st := store.New(db)

	n, err := st.UnpublishedCount(ctx)
	if err != nil {
		return err
	}
	slog.Info("outbox reconcile", "unpublished_events", n)
	if n == 0 || !publish {
		return nil
	}

	mgr, err := broker.Dial(ctx, cfg.BrokerURL, cfg.BrokerConnectAttempts, cfg.BrokerConnectBackoff)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer mgr.Close() //nolint:errcheck

	relay := outbox.New(st, mgr, cfg.EventQueue, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	published, err := relay.RunOnce(ctx)
	slog.Info("outbox reconcile published", "count", published)
	return err
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}
	return db, nil
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
