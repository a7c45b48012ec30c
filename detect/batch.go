package detect

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"corvus/core"
	"corvus/metrics"
	"corvus/util/goroutine"
)

// BatchExecutor runs a rendered meta-query against the alert store.
type BatchExecutor interface {
	ExecBatchQuery(ctx context.Context, query string) error
	// FetchRawAlerts returns raw alerts emitted by a rule since the given
	// time, so meta-alerts written by the query flow back into the
	// dedup and aggregation pipeline.
	FetchRawAlerts(ctx context.Context, ruleID string, since time.Time) ([]*core.RawAlert, error)
}

// BatchConfig tunes the batch scheduler.
type BatchConfig struct {
	// Tick is the scheduler resolution. Every tick, rules whose interval
	// has elapsed since their last completed run are executed.
	Tick time.Duration
	// ExecTimeout bounds a single meta-query execution.
	ExecTimeout time.Duration
}

// BatchCorrelator periodically executes enabled batch rules. Each rule runs
// at most once concurrently: if an execution is still in flight when the
// rule comes due again, the new run is skipped and the rule retries on a
// later tick. A failed run is not retried early either; failure shows up in
// logs and metrics and the schedule moves on.
type BatchCorrelator struct {
	rules    *RuleSet
	executor BatchExecutor
	out      chan<- *core.RawAlert
	cfg      BatchConfig
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	lastRun  map[string]time.Time
	inFlight map[string]*sync.Mutex

	runWg sync.WaitGroup
}

func NewBatchCorrelator(rules *RuleSet, executor BatchExecutor, out chan<- *core.RawAlert, cfg BatchConfig, logger *zap.SugaredLogger) *BatchCorrelator {
	if cfg.Tick <= 0 {
		cfg.Tick = 10 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 2 * time.Minute
	}
	return &BatchCorrelator{
		rules:    rules,
		executor: executor,
		out:      out,
		cfg:      cfg,
		logger:   logger,
		lastRun:  make(map[string]time.Time),
		inFlight: make(map[string]*sync.Mutex),
	}
}

// Run drives the scheduler until the context is cancelled, then waits for
// in-flight executions to finish.
func (bc *BatchCorrelator) Run(ctx context.Context) {
	defer goroutine.Recover("batch-correlator", bc.logger)

	ticker := time.NewTicker(bc.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			bc.runWg.Wait()
			bc.logger.Info("Batch correlator stopped")
			return
		case <-ticker.C:
			bc.tick(ctx)
		}
	}
}

// tick launches every due rule. Executions run concurrently across rules
// but never concurrently within one rule.
func (bc *BatchCorrelator) tick(ctx context.Context) {
	snap := bc.rules.Snapshot()
	now := time.Now()

	for i := range snap.BatchRules {
		rule := snap.BatchRules[i]

		bc.mu.Lock()
		last, ran := bc.lastRun[rule.ID]
		guard, ok := bc.inFlight[rule.ID]
		if !ok {
			guard = &sync.Mutex{}
			bc.inFlight[rule.ID] = guard
		}
		bc.mu.Unlock()

		if ran && now.Sub(last) < rule.Interval {
			continue
		}
		if !guard.TryLock() {
			metrics.BatchRuleSkips.WithLabelValues(rule.ID).Inc()
			bc.logger.Warnw("Batch rule still running, skipping scheduled run",
				"rule_id", rule.ID,
				"interval", rule.Interval)
			continue
		}

		bc.runWg.Add(1)
		go func(rule core.BatchRule, started time.Time) {
			defer bc.runWg.Done()
			defer guard.Unlock()
			defer goroutine.Recover("batch-rule", bc.logger)
			bc.execute(ctx, rule, started)
		}(rule, now)
	}
}

// execute renders and runs one rule, records the attempt in the schedule
// and, on success, feeds any newly written meta-alerts downstream.
func (bc *BatchCorrelator) execute(ctx context.Context, rule core.BatchRule, started time.Time) {
	// The attempt counts against the schedule whether or not it succeeds;
	// a failing rule retries on its next interval, not on the next tick.
	bc.mu.Lock()
	bc.lastRun[rule.ID] = started
	bc.mu.Unlock()

	query := rule.RenderSQL()
	execCtx, cancel := context.WithTimeout(ctx, bc.cfg.ExecTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.BatchRuleDuration.WithLabelValues(rule.ID))
	err := bc.executor.ExecBatchQuery(execCtx, query)
	timer.ObserveDuration()
	if err != nil {
		metrics.BatchRuleRuns.WithLabelValues(rule.ID, "error").Inc()
		bc.logger.Errorw("Batch rule execution failed",
			"rule_id", rule.ID,
			"rule_name", rule.Name,
			"error", err)
		return
	}
	metrics.BatchRuleRuns.WithLabelValues(rule.ID, "success").Inc()
	bc.logger.Infow("Batch rule executed",
		"rule_id", rule.ID,
		"rule_name", rule.Name,
		"duration", time.Since(started))

	bc.forwardMetaAlerts(ctx, rule, started)
}

// forwardMetaAlerts pulls alerts the meta-query wrote and pushes them into
// the pipeline. Re-fetching overlapping rows is harmless: dedup absorbs
// repeats by identity key.
func (bc *BatchCorrelator) forwardMetaAlerts(ctx context.Context, rule core.BatchRule, since time.Time) {
	fetchCtx, cancel := context.WithTimeout(ctx, bc.cfg.ExecTimeout)
	defer cancel()

	alerts, err := bc.executor.FetchRawAlerts(fetchCtx, rule.ID, since.Add(-time.Minute))
	if err != nil {
		bc.logger.Errorw("Failed to fetch meta-alerts after batch run",
			"rule_id", rule.ID,
			"error", err)
		return
	}
	for _, a := range alerts {
		metrics.AlertsGenerated.WithLabelValues(string(a.Severity), a.Source).Inc()
		select {
		case bc.out <- a:
		case <-ctx.Done():
			return
		}
	}
	if len(alerts) > 0 {
		bc.logger.Infow("Meta-alerts forwarded", "rule_id", rule.ID, "count", len(alerts))
	}
}
