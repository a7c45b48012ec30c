package detect

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"corvus/core"
	"corvus/ingest"
	"corvus/metrics"
	"corvus/util/goroutine"
)

// AlertWriter is the durable append sink for raw alerts.
type AlertWriter interface {
	InsertRawAlerts(ctx context.Context, alerts []*core.RawAlert) error
}

// StreamConfig tunes the stream correlator.
type StreamConfig struct {
	// Partitions is the number of window workers. Events for the same
	// (rule, entity) always route to the same worker, so window state has
	// a single writer and needs no locking within a partition.
	Partitions int
	// Cooldown suppresses re-alerting for a (rule, entity) until it has
	// elapsed since the last alert. Zero means repeated firing: a
	// sustained burst re-fires on every event past the threshold.
	Cooldown time.Duration
	// CooldownCacheSize caps the per-partition cooldown entries. An
	// evicted entry only means the pair may re-fire early.
	CooldownCacheSize int
	// RateLimit bounds consumed events per second. Zero means unlimited.
	RateLimit int
	// WriteTimeout bounds each alert persist attempt.
	WriteTimeout time.Duration
}

// observeJob carries one (rule, entity, event) observation to its partition.
type observeJob struct {
	rule   *CompiledStreamRule
	entity string
	event  *core.Event
	result *batchResult
	wg     *sync.WaitGroup
}

// batchResult collects alerts raised while processing one bus batch.
type batchResult struct {
	mu     sync.Mutex
	alerts []*core.RawAlert
}

func (r *batchResult) add(a *core.RawAlert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

// streamPartition owns the window state for its share of the key space.
type streamPartition struct {
	jobs chan observeJob
	// lastAlert holds cooldown state, single-writer. Size-capped and
	// TTL-expired so idle pairs never accumulate. Nil when cooldown is
	// disabled.
	lastAlert *expirable.LRU[string, time.Time]
}

// StreamCorrelator consumes the filtered-event stream, evaluates enabled
// stream rules against each event and raises threshold alerts. Messages are
// acknowledged only after alerts have been durably written; a persist
// failure holds the consumer offset so no detection is silently lost.
type StreamCorrelator struct {
	bus     *ingest.EventBus
	rules   *RuleSet
	tracker *EntityWindowTracker
	writer  AlertWriter
	out     chan<- *core.RawAlert
	cfg     StreamConfig
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	partitions []*streamPartition
	workerWg   sync.WaitGroup
}

// NewStreamCorrelator wires the correlator. Raised alerts are persisted via
// writer and then forwarded on out for deduplication and aggregation.
func NewStreamCorrelator(bus *ingest.EventBus, rules *RuleSet, tracker *EntityWindowTracker, writer AlertWriter, out chan<- *core.RawAlert, cfg StreamConfig, logger *zap.SugaredLogger) *StreamCorrelator {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 4
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.CooldownCacheSize <= 0 {
		cfg.CooldownCacheSize = 16384
	}
	sc := &StreamCorrelator{
		bus:     bus,
		rules:   rules,
		tracker: tracker,
		writer:  writer,
		out:     out,
		cfg:     cfg,
		logger:  logger,
	}
	if cfg.RateLimit > 0 {
		sc.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}
	sc.partitions = make([]*streamPartition, cfg.Partitions)
	for i := range sc.partitions {
		p := &streamPartition{jobs: make(chan observeJob, 256)}
		if cfg.Cooldown > 0 {
			p.lastAlert = expirable.NewLRU[string, time.Time](cfg.CooldownCacheSize, nil, cfg.Cooldown)
		}
		sc.partitions[i] = p
	}
	return sc
}

// Run consumes the bus until the context is cancelled, then drains its
// partition workers and returns. In-flight observations finish; unacked
// messages are redelivered to the next incarnation.
func (sc *StreamCorrelator) Run(ctx context.Context) {
	defer goroutine.Recover("stream-correlator", sc.logger)

	for i, p := range sc.partitions {
		sc.workerWg.Add(1)
		go sc.partitionWorker(i, p)
	}
	defer func() {
		for _, p := range sc.partitions {
			close(p.jobs)
		}
		sc.workerWg.Wait()
		sc.logger.Info("Stream correlator stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := sc.bus.ReadBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sc.logger.Errorw("Bus read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(events) == 0 {
			continue
		}

		if sc.limiter != nil {
			if err := sc.limiter.WaitN(ctx, len(events)); err != nil {
				return
			}
		}

		sc.processBatch(ctx, events)
	}
}

// processBatch evaluates one batch of events, persists any alerts, forwards
// them downstream and acknowledges the batch. On persist failure the batch
// is left unacknowledged for redelivery.
func (sc *StreamCorrelator) processBatch(ctx context.Context, events []*core.Event) {
	snap := sc.rules.Snapshot()
	result := &batchResult{}
	var jobWg sync.WaitGroup
	ackIDs := make([]string, 0, len(events))

	for _, ev := range events {
		ackIDs = append(ackIDs, ev.StreamID)
		timer := prometheus.NewTimer(metrics.EventProcessingDuration)
		for i := range snap.StreamRules {
			rule := &snap.StreamRules[i]
			if !rule.Predicate.Eval(ev) {
				continue
			}
			entity, ok := ev.Field(rule.EntityField)
			if !ok || entity == "" {
				// Isolated to this rule/event pair; other rules proceed.
				metrics.RuleEvalErrors.WithLabelValues(rule.ID).Inc()
				sc.logger.Debugw("Entity field missing on matching event",
					"rule_id", rule.ID,
					"entity_field", rule.EntityField,
					"event_id", ev.EventID)
				continue
			}
			jobWg.Add(1)
			p := sc.partitions[sc.partitionFor(rule.ID, entity)]
			p.jobs <- observeJob{rule: rule, entity: entity, event: ev, result: result, wg: &jobWg}
		}
		timer.ObserveDuration()
	}
	jobWg.Wait()

	if len(result.alerts) > 0 {
		writeCtx, cancel := context.WithTimeout(ctx, sc.cfg.WriteTimeout)
		err := sc.writer.InsertRawAlerts(writeCtx, result.alerts)
		cancel()
		if err != nil {
			metrics.AlertPersistFailures.Inc()
			sc.logger.Errorw("Failed to persist alerts, holding offsets for redelivery",
				"alerts", len(result.alerts),
				"error", err)
			return
		}
		for _, a := range result.alerts {
			metrics.AlertsGenerated.WithLabelValues(string(a.Severity), a.Source).Inc()
			select {
			case sc.out <- a:
			case <-ctx.Done():
				return
			}
		}
	}

	if err := sc.bus.Ack(ctx, ackIDs...); err != nil {
		// Alerts are already durable; redelivery converges via dedup.
		sc.logger.Errorw("Failed to ack batch", "messages", len(ackIDs), "error", err)
	}
}

// partitionWorker applies observations for its share of the key space.
func (sc *StreamCorrelator) partitionWorker(id int, p *streamPartition) {
	defer sc.workerWg.Done()
	defer goroutine.Recover("stream-partition", sc.logger)

	sc.logger.Debugw("Partition worker started", "partition", id)
	for job := range p.jobs {
		sc.observe(p, job)
		job.wg.Done()
	}
}

// observe updates the entity window and raises an alert when the threshold
// is reached. Crossing the threshold does not reset the window: subsequent
// events keep extending it until it ages out naturally.
func (sc *StreamCorrelator) observe(p *streamPartition, job observeJob) {
	rule := job.rule
	obs := sc.tracker.Observe(rule.ID, job.entity, rule.Window, job.event.Timestamp, eventSample(job.event))
	if obs.Hits < rule.Threshold {
		return
	}

	if p.lastAlert != nil {
		key := rule.ID + "\x00" + job.entity
		if last, ok := p.lastAlert.Get(key); ok && job.event.Timestamp.Sub(last) < sc.cfg.Cooldown {
			return
		}
		p.lastAlert.Add(key, job.event.Timestamp)
	}

	alert := core.NewStreamAlert(&rule.StreamRule, job.entity, obs.Hits, obs.WindowStart, obs.WindowEnd, obs.Samples)
	job.result.add(alert)
	sc.logger.Infow("Threshold alert raised",
		"rule_id", rule.ID,
		"entity_key", job.entity,
		"hits", obs.Hits,
		"window_start", obs.WindowStart,
		"window_end", obs.WindowEnd)
}

// partitionFor routes a (rule, entity) pair to its owning partition.
func (sc *StreamCorrelator) partitionFor(ruleID, entity string) int {
	h := fnv.New32a()
	h.Write([]byte(ruleID))
	h.Write([]byte{0})
	h.Write([]byte(entity))
	return int(h.Sum32() % uint32(len(sc.partitions)))
}

// maxSampleBytes bounds one serialized evidence sample.
const maxSampleBytes = 1024

// eventSample serializes a bounded evidence sample of the triggering event.
// An event whose fields push the sample past the cap keeps only the
// envelope, so the stored sample is always complete JSON.
func eventSample(ev *core.Event) string {
	data, err := json.Marshal(map[string]interface{}{
		"event_id": ev.EventID,
		"ts":       ev.Timestamp.Format(time.RFC3339),
		"fields":   ev.Fields,
	})
	if err != nil {
		return ""
	}
	if len(data) <= maxSampleBytes {
		return string(data)
	}
	data, err = json.Marshal(map[string]interface{}{
		"event_id": ev.EventID,
		"ts":       ev.Timestamp.Format(time.RFC3339),
	})
	if err != nil {
		return ""
	}
	return string(data)
}
