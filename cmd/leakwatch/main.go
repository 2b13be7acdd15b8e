// Command leakwatch runs the public-feed leak harvesting pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/leakwatch/leakwatch/internal/config"
	"github.com/leakwatch/leakwatch/internal/consumer"
	"github.com/leakwatch/leakwatch/internal/persistence/csvout"
	"github.com/leakwatch/leakwatch/internal/persistence/migrations"
	"github.com/leakwatch/leakwatch/internal/persistence/postgres"
	"github.com/leakwatch/leakwatch/internal/queue"
	"github.com/leakwatch/leakwatch/internal/rules"
	"github.com/leakwatch/leakwatch/internal/schema"
	"github.com/leakwatch/leakwatch/internal/source"
	"github.com/leakwatch/leakwatch/internal/telemetry"
)

const (
	rawQueueKey       = "leakwatch:raw"
	processedQueueKey = "leakwatch:processed"

	storeConnectMaxElapsed   = 2 * time.Minute
	drainTimeout             = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := parseFlags()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.Postgres == nil {
		return fmt.Errorf("configuration %s: a postgres section is required", cfgPath)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryProvider, err := initTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}

	pool, err := connectStore(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Postgres.Migrate() {
		if err := migrations.Apply(ctx, cfg.Postgres.DSN(), logger); err != nil {
			return err
		}
	}

	raw, processed, broker := buildQueues(cfg, logger)
	if broker != nil {
		defer func() {
			_ = broker.Close()
		}()
	}

	engine, err := rules.NewEngine(cfg.YaraRulesPaths, cfg.YaraExternalVars, logger)
	if err != nil {
		return err
	}
	matcher := consumer.NewMatcher(engine, raw, processed, logger)

	var sinkOpts []consumer.SinkOption
	if cfg.CSVExport != nil {
		exporter, err := csvout.Open(cfg.CSVExport.Path)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := exporter.Close(); cerr != nil {
				logger.Warn("closing results file", zap.Error(cerr))
			}
		}()
		sinkOpts = append(sinkOpts, consumer.WithExporter(exporter))
		logger.Info("csv export enabled", zap.String("path", cfg.CSVExport.Path))
	}
	sink := consumer.NewSink(postgres.NewEventStore(pool), processed, logger, sinkOpts...)

	scheduler, err := source.NewScheduler(cfg.Sources, cfg.GlobalScrapeInterval, source.Deps{
		Log:   logger,
		Raw:   raw,
		Cache: postgres.NewIndexCache(pool),
	})
	if err != nil {
		return err
	}

	sourceCtx, cancelSources := context.WithCancel(context.Background())
	defer cancelSources()
	sinkCtx, cancelSink := context.WithCancel(context.Background())
	defer cancelSink()

	var lifecycle conc.WaitGroup
	matcherDone := make(chan struct{})
	lifecycle.Go(func() { scheduler.Run(sourceCtx) })
	lifecycle.Go(func() {
		if err := matcher.Process(context.Background()); err != nil {
			logger.Error("matcher terminated", zap.Error(err))
		}
		close(matcherDone)
	})
	lifecycle.Go(func() { sink.Run(sinkCtx) })

	logger.Info("pipeline started",
		zap.Int("sources", len(cfg.Sources)),
		zap.Int("rules", engine.RuleCount()),
		zap.Int("raw_queue_capacity", raw.Cap()))

	<-ctx.Done()
	// Restore default signal handling so a second signal aborts immediately.
	stop()
	logger.Info("shutdown signal received")

	shutdown(logger, shutdownDeps{
		cancelSources: cancelSources,
		cancelSink:    cancelSink,
		matcher:       matcher,
		matcherDone:   matcherDone,
		processed:     processed,
		lifecycle:     &lifecycle,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

type shutdownDeps struct {
	cancelSources context.CancelFunc
	cancelSink    context.CancelFunc
	matcher       *consumer.Matcher
	matcherDone   <-chan struct{}
	processed     queue.Queue[*schema.ProcessedEvent]
	lifecycle     *conc.WaitGroup
}

// shutdown stops the pipeline in dependency order: producers first, then a
// draining matcher stop, then the sink once the processed queue settles.
func shutdown(logger *zap.Logger, deps shutdownDeps) {
	deps.cancelSources()
	deps.matcher.Stop()

	select {
	case <-deps.matcherDone:
	case <-time.After(drainTimeout):
		logger.Warn("matcher drain timed out, discarding queued items")
		deps.matcher.StopNow()
	}

	joinCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := deps.processed.Join(joinCtx); err != nil {
		logger.Warn("processed queue did not settle", zap.Error(err))
	}
	deps.cancelSink()

	done := make(chan struct{})
	go func() {
		deps.lifecycle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(lifecycleShutdownTimeout):
		logger.Warn("lifecycle goroutines did not stop in time")
	}
}

func parseFlags() string {
	path := flag.String("config", config.DefaultPath, "Path to the YAML configuration file")
	flag.StringVar(path, "c", config.DefaultPath, "Shorthand for --config")
	flag.Parse()
	return *path
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func initTelemetry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = cfg.Telemetry != nil && cfg.Telemetry.Endpoint != ""
	if telemetryCfg.Enabled {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.Endpoint
		telemetryCfg.OTLPInsecure = cfg.Telemetry.Insecure
	}
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry enabled", zap.String("endpoint", telemetryCfg.OTLPEndpoint))
	} else {
		logger.Debug("telemetry disabled")
	}
	return provider, nil
}

// connectStore builds the process-wide pgx pool, retrying with exponential
// backoff so the pipeline survives a store that is still coming up.
func connectStore(ctx context.Context, cfg *config.PostgresConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	operation := func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.New(ctx, cfg.DSN())
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			logger.Warn("store not reachable yet", zap.Error(err))
			return nil, err
		}
		return pool, nil
	}
	pool, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(storeConnectMaxElapsed))
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}
	logger.Info("store connected", zap.String("database", cfg.Database))
	return pool, nil
}

// buildQueues selects the queue variant: broker-backed when redis is
// configured, in-process otherwise. Only the raw queue is bounded.
func buildQueues(cfg *config.Config, logger *zap.Logger) (queue.Queue[schema.Event], queue.Queue[*schema.ProcessedEvent], *redis.Client) {
	if cfg.Redis == nil {
		return queue.NewMemory[schema.Event](cfg.ProcessingQueueSize),
			queue.NewMemory[*schema.ProcessedEvent](0),
			nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	logger.Info("broker-backed queues selected", zap.String("addr", cfg.Redis.Addr()))
	raw := queue.NewRedis[schema.Event](client, rawQueueKey, queue.Codec[schema.Event]{
		Marshal:   schema.EncodeEvent,
		Unmarshal: schema.DecodeEvent,
	})
	processed := queue.NewRedis[*schema.ProcessedEvent](client, processedQueueKey, queue.Codec[*schema.ProcessedEvent]{
		Marshal:   schema.EncodeProcessed,
		Unmarshal: schema.DecodeProcessed,
	})
	return raw, processed, client
}
