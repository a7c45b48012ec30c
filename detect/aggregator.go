package detect

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"corvus/core"
	"corvus/metrics"
	"corvus/util/goroutine"
)

// GroupStore persists aggregated alert group rows.
type GroupStore interface {
	UpsertAlertGroups(ctx context.Context, rows []core.AlertGroupRow) error
}

// AggregatorConfig tunes the alert aggregator.
type AggregatorConfig struct {
	// Shards is the number of group-map partitions. A group key always
	// routes to the same shard, so each group has a single writer.
	Shards int
	// FlushInterval is how often dirty groups are written out.
	FlushInterval time.Duration
	// FlushTimeout bounds one flush write.
	FlushTimeout time.Duration
	// Retention bounds how long a flushed group stays in memory after its
	// last alert. Groups past it are dropped; the store keeps the final
	// version.
	Retention time.Duration
}

// groupedAlert carries an alert together with the group key resolved at
// ingest. The key is computed once so routing and absorbing can never
// disagree across a rule reload.
type groupedAlert struct {
	alert *core.RawAlert
	key   core.GroupKey
}

// aggShard owns a slice of the group key space.
type aggShard struct {
	in     chan groupedAlert
	groups map[string]*core.AggregatedAlertGroup
	dirty  map[string]struct{}
}

// Aggregator folds deduplicated alerts into aggregated groups and flushes
// changed groups to the store on an interval. Absorbing is idempotent, so
// redelivered alerts never inflate counts.
type Aggregator struct {
	rules  *RuleSet
	store  GroupStore
	cfg    AggregatorConfig
	logger *zap.SugaredLogger

	shards []*aggShard
	wg     sync.WaitGroup
}

func NewAggregator(rules *RuleSet, store GroupStore, cfg AggregatorConfig, logger *zap.SugaredLogger) *Aggregator {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	agg := &Aggregator{
		rules:  rules,
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
	agg.shards = make([]*aggShard, cfg.Shards)
	for i := range agg.shards {
		agg.shards[i] = &aggShard{
			in:     make(chan groupedAlert, 128),
			groups: make(map[string]*core.AggregatedAlertGroup),
			dirty:  make(map[string]struct{}),
		}
	}
	return agg
}

// Run consumes alerts from in until it closes, then performs a final flush
// of every dirty group and returns.
func (ag *Aggregator) Run(ctx context.Context, in <-chan *core.RawAlert) {
	defer goroutine.Recover("aggregator", ag.logger)

	for i, shard := range ag.shards {
		ag.wg.Add(1)
		go ag.shardWorker(ctx, i, shard)
	}

	for alert := range in {
		key := ag.groupKeyFor(alert)
		shard := ag.shards[ag.shardFor(key)]
		shard.in <- groupedAlert{alert: alert, key: key}
	}
	for _, shard := range ag.shards {
		close(shard.in)
	}
	ag.wg.Wait()
	ag.logger.Info("Aggregator stopped")
}

// shardFor routes a group key to its owning shard.
func (ag *Aggregator) shardFor(key core.GroupKey) int {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(len(ag.shards)))
}

// groupKeyFor resolves the alert's group key from its rule's declared
// group-by fields, falling back to (rule_id, entity_key).
func (ag *Aggregator) groupKeyFor(alert *core.RawAlert) core.GroupKey {
	groupBy := core.DefaultGroupBy
	if rule, ok := ag.rules.Snapshot().StreamRule(alert.RuleID); ok && len(rule.GroupBy) > 0 {
		groupBy = rule.GroupBy
	}
	return core.BuildGroupKey(groupBy, alert)
}

// shardWorker absorbs alerts into this shard's groups and flushes dirty
// groups on an interval. The shard map is only ever touched here.
func (ag *Aggregator) shardWorker(ctx context.Context, id int, shard *aggShard) {
	defer ag.wg.Done()
	defer goroutine.Recover("aggregator-shard", ag.logger)

	ticker := time.NewTicker(ag.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ga, ok := <-shard.in:
			if !ok {
				ag.flushShard(ctx, shard)
				return
			}
			ag.absorb(shard, ga)
		case <-ticker.C:
			ag.flushShard(ctx, shard)
			ag.evictStale(shard)
		}
	}
}

func (ag *Aggregator) absorb(shard *aggShard, ga groupedAlert) {
	key := ga.key.String()
	group, ok := shard.groups[key]
	if !ok {
		group = core.NewAlertGroup(ga.key)
		shard.groups[key] = group
		metrics.AggregatorGroups.Inc()
	}
	if group.Absorb(ga.alert) {
		shard.dirty[key] = struct{}{}
		metrics.AggregatorAbsorbs.Inc()
	}
}

// evictStale drops flushed groups whose last alert is older than the
// retention horizon. A late arrival for an evicted key starts a fresh
// group; the store resolves versions by update timestamp.
func (ag *Aggregator) evictStale(shard *aggShard) {
	cutoff := time.Now().UTC().Add(-ag.cfg.Retention)
	for key, group := range shard.groups {
		if _, dirty := shard.dirty[key]; dirty {
			continue
		}
		if group.TsLast.Before(cutoff) {
			delete(shard.groups, key)
			metrics.AggregatorGroups.Dec()
		}
	}
}

// flushShard writes every dirty group in one batch. On failure the dirty
// set is kept so the next flush retries; group state itself is intact
// because absorbing and flushing never race.
func (ag *Aggregator) flushShard(ctx context.Context, shard *aggShard) {
	if len(shard.dirty) == 0 {
		return
	}
	rows := make([]core.AlertGroupRow, 0, len(shard.dirty))
	for key := range shard.dirty {
		rows = append(rows, shard.groups[key].Row())
	}

	// Flush must also run during shutdown, after ctx is cancelled.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ag.cfg.FlushTimeout)
	defer cancel()
	if err := ag.store.UpsertAlertGroups(flushCtx, rows); err != nil {
		metrics.AggregatorFlushErrors.Inc()
		ag.logger.Errorw("Failed to flush alert groups, will retry",
			"groups", len(rows),
			"error", err)
		return
	}
	metrics.AggregatorFlushes.Inc()
	ag.logger.Debugw("Alert groups flushed", "groups", len(rows))
	shard.dirty = make(map[string]struct{})
}
