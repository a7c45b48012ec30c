package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"corvus/api"
	"corvus/config"
	"corvus/core"
	"corvus/detect"
	"corvus/ingest"
	"corvus/storage"
)

// App wires the correlation engine together: stream and batch correlators
// feed a shared alert channel, the dedup stage filters it and the
// aggregator folds what remains into persisted groups.
type App struct {
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
	Config *config.Config

	ClickHouse   *storage.ClickHouse
	AlertStorage *storage.ClickHouseAlertStorage
	RuleStorage  *storage.ClickHouseRuleStorage
	Bus          *ingest.EventBus

	RuleSet    *detect.RuleSet
	Stream     *detect.StreamCorrelator
	Batch      *detect.BatchCorrelator
	DedupStage *detect.DedupStage
	Aggregator *detect.Aggregator
	APIServer  *api.Server

	// RawAlertCh carries persisted alerts from both correlators into the
	// dedup stage. Closed during shutdown after both producers stop.
	RawAlertCh chan *core.RawAlert
	// AggCh carries changed alerts from dedup into the aggregator. Owned
	// and closed by the dedup stage.
	AggCh chan *core.RawAlert

	ready      atomic.Bool
	runCancel  context.CancelFunc
	consumerWg sync.WaitGroup
	pipelineWg sync.WaitGroup
}

// NewApp initializes every component. Both backing stores are hard
// dependencies: an unreachable ClickHouse or Redis fails startup.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Corvus correlation engine starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	clickhouse, err := storage.NewClickHouse(cfg, sugar)
	if err != nil {
		return nil, fmt.Errorf("clickhouse unavailable: %w", err)
	}
	app.ClickHouse = clickhouse

	if err := clickhouse.CreateTablesIfNotExist(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	app.AlertStorage = storage.NewClickHouseAlertStorage(clickhouse, sugar)
	app.RuleStorage = storage.NewClickHouseRuleStorage(clickhouse, sugar)

	client := ingest.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
	app.Bus = ingest.NewEventBus(client, cfg.Redis.Stream, cfg.Redis.Group, cfg.Redis.Consumer,
		cfg.Redis.BatchSize, cfg.Redis.BlockTimeout, sugar)
	if err := app.Bus.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis unavailable: %w", err)
	}
	if err := app.Bus.EnsureGroup(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure consumer group: %w", err)
	}
	sugar.Infow("Connected to Redis", "stream", cfg.Redis.Stream, "group", cfg.Redis.Group)

	app.RuleSet = detect.NewRuleSet(app.RuleStorage, sugar)
	if err := app.RuleSet.Reload(ctx); err != nil {
		// Not fatal: the store is reachable, so the reload ticker will
		// recover; until then the engine runs with no rules.
		sugar.Errorw("Initial rule load failed, starting with empty snapshot", "error", err)
	}

	app.RawAlertCh = make(chan *core.RawAlert, 1024)
	app.AggCh = make(chan *core.RawAlert, 1024)

	tracker := detect.NewEntityWindowTracker(cfg.Stream.MaxWindows, cfg.Stream.WindowIdleTTL, cfg.Stream.MaxEvidence)
	app.Stream = detect.NewStreamCorrelator(app.Bus, app.RuleSet, tracker, app.AlertStorage, app.RawAlertCh,
		detect.StreamConfig{
			Partitions:        cfg.Stream.Partitions,
			Cooldown:          cfg.Stream.Cooldown,
			CooldownCacheSize: cfg.Stream.CooldownCacheSize,
			RateLimit:         cfg.Stream.RateLimit,
		}, sugar)

	app.Batch = detect.NewBatchCorrelator(app.RuleSet, app.AlertStorage, app.RawAlertCh,
		detect.BatchConfig{
			Tick:        cfg.Batch.Tick,
			ExecTimeout: cfg.Batch.ExecTimeout,
		}, sugar)

	dedup := core.NewDeduplicator(app.AlertStorage, cfg.Dedup.CacheSize, cfg.Dedup.CacheTTL, cfg.Dedup.WriteTimeout, sugar)
	app.DedupStage = detect.NewDedupStage(dedup, app.AggCh, sugar)

	app.Aggregator = detect.NewAggregator(app.RuleSet, app.AlertStorage,
		detect.AggregatorConfig{
			Shards:        cfg.Aggregator.Shards,
			FlushInterval: cfg.Aggregator.FlushInterval,
			Retention:     cfg.Aggregator.Retention,
		}, sugar)

	app.APIServer = api.NewServer(cfg.API.Addr, app.ready.Load, sugar)

	return app, nil
}

// Start launches all pipeline stages and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.RuleSet.Run(runCtx, a.Config.Rules.ReloadInterval, &a.consumerWg)

	a.consumerWg.Add(1)
	go func() {
		defer a.consumerWg.Done()
		a.Stream.Run(runCtx)
	}()

	a.consumerWg.Add(1)
	go func() {
		defer a.consumerWg.Done()
		a.Batch.Run(runCtx)
	}()

	// The pipeline stages outlive runCtx: they stop by channel close so
	// everything in flight drains before the final flush.
	pipeCtx := context.Background()

	a.pipelineWg.Add(1)
	go func() {
		defer a.pipelineWg.Done()
		a.DedupStage.Run(pipeCtx, a.RawAlertCh)
	}()

	a.pipelineWg.Add(1)
	go func() {
		defer a.pipelineWg.Done()
		a.Aggregator.Run(pipeCtx, a.AggCh)
	}()

	a.APIServer.Start()
	a.ready.Store(true)
	a.Sugar.Info("Corvus correlation engine started")
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops the engine in dependency order: producers first, then the
// channel-driven pipeline drains through its final flush, then the HTTP
// server and connections.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")
	a.ready.Store(false)

	// Phase 1 - stop alert producers.
	a.Sugar.Info("Phase 1: Stopping correlators...")
	if a.runCancel != nil {
		a.runCancel()
	}
	waitTimeout(&a.consumerWg, 30*time.Second, a.Sugar, "correlators")

	// Phase 2 - close the alert channel so dedup and aggregator drain.
	a.Sugar.Info("Phase 2: Draining alert pipeline...")
	close(a.RawAlertCh)
	waitTimeout(&a.pipelineWg, 30*time.Second, a.Sugar, "alert pipeline")

	// Phase 3 - stop the HTTP server.
	a.Sugar.Info("Phase 3: Stopping HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.APIServer.Stop(ctx); err != nil {
		a.Sugar.Errorw("Failed to stop HTTP server", "error", err)
	}

	// Phase 4 - close connections.
	a.Sugar.Info("Phase 4: Closing connections...")
	if err := a.Bus.Close(); err != nil {
		a.Sugar.Errorw("Failed to close Redis connection", "error", err)
	}
	if err := a.ClickHouse.Close(); err != nil {
		a.Sugar.Errorw("Failed to close ClickHouse connection", "error", err)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration, sugar *zap.SugaredLogger, what string) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		sugar.Infof("Stopped %s", what)
	case <-time.After(timeout):
		sugar.Warnf("Timed out waiting for %s to stop", what)
	}
}
