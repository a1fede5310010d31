package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/opensoc/analysis-engine/internal/app/engine"
	"github.com/opensoc/analysis-engine/internal/config"
	"github.com/opensoc/analysis-engine/internal/domain/analysis"
	"github.com/opensoc/analysis-engine/internal/infra/classifier"
	notifykafka "github.com/opensoc/analysis-engine/internal/infra/notify/kafka"
	"github.com/opensoc/analysis-engine/internal/infra/source"
	alertStore "github.com/opensoc/analysis-engine/internal/infra/storage/alerts/postgres"
	analysisStore "github.com/opensoc/analysis-engine/internal/infra/storage/analysis/postgres"
	"github.com/opensoc/analysis-engine/pkg/common"
	"github.com/opensoc/analysis-engine/pkg/common/logger"
	"github.com/opensoc/analysis-engine/pkg/common/otel"
)

const serviceType = "analysis-engine"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("ANALYSIS-ENGINE-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(os.Getenv("OPENSOC_CONFIG_DIR"))
	if err != nil {
		log.Error(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	prob := 1.0
	if raw := os.Getenv("OTEL_SAMPLING_RATIO"); raw != "" {
		prob, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			log.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
			os.Exit(1)
		}
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      svcName,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(serviceType)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "error shutting down health server", "error", err)
		}
	}()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := os.Getenv("POSTGRES_USER")
		password := os.Getenv("POSTGRES_PASSWORD")
		host := os.Getenv("POSTGRES_HOST")
		dbname := os.Getenv("POSTGRES_DB")

		if user == "" {
			user = "postgres"
		}
		if password == "" {
			password = "postgres"
		}
		if host == "" {
			host = "postgres"
		}
		if dbname == "" {
			dbname = "opensoc"
		}

		dsn = fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
			user, password, host, dbname)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "migrations applied, starting engine")

	mp := otel.GetMeterProvider()
	metrics, err := engine.NewEngineMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create metrics", "error", err)
		os.Exit(1)
	}

	var notifier analysis.LifecycleNotifier = notifykafka.NoopNotifier{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaNotifier, err := notifykafka.NewLifecycleNotifier(notifykafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		}, log, tracer)
		if err != nil {
			log.Error(ctx, "failed to create kafka notifier", "error", err)
			os.Exit(1)
		}
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	}

	jobRepo := analysisStore.NewJobStore(pool, tracer)
	alerts := alertStore.NewAlertStore(pool, tracer)
	lineSource := source.NewFilesystemSource(cfg.LogDir, log)

	classifierClient := classifier.NewHTTPClassifier(classifier.Config{
		Endpoint:          cfg.Classifier.Endpoint,
		Timeout:           cfg.Classifier.Timeout,
		RequestsPerSecond: cfg.Classifier.RequestsPerSecond,
		Burst:             cfg.Classifier.Burst,
	}, log, tracer)

	threshold := analysis.ParseSeverity(cfg.AlertThreshold)
	processor := engine.NewBatchProcessor(classifierClient, alerts, threshold, metrics, log, tracer)
	controller := engine.NewJobController(hostname, jobRepo, lineSource, processor, notifier, metrics, log, tracer,
		engine.WithRetryPolicy(cfg.MaxBatchAttempts, nil),
	)
	scheduler := engine.NewScheduler(hostname, jobRepo, controller, notifier, metrics, log, tracer,
		engine.WithWorkers(cfg.Workers),
		engine.WithQueueCapacity(cfg.QueueCapacity),
	)

	log.Info(ctx, "engine initialized", "workers", cfg.Workers, "log_dir", cfg.LogDir)
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		errCh <- scheduler.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "received shutdown signal", "signal", sig)
		ready.Store(false)
		cancel()

		drain := time.NewTimer(30 * time.Second)
		defer drain.Stop()
		select {
		case err := <-errCh:
			if err != nil {
				log.Error(ctx, "scheduler stopped with error", "error", err)
			}
		case <-drain.C:
			log.Warn(context.Background(), "shutdown drain timed out")
		}

	case err := <-errCh:
		log.Error(ctx, "scheduler error", "error", err)
		os.Exit(1)
	}
}

// runMigrations uses golang-migrate to apply all up migrations from "db/migrations".
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
