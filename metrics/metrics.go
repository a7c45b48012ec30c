package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "corvus_events_consumed_total",
			Help: "Total number of events consumed from the bus",
		},
	)

	EventDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "corvus_event_decode_errors_total",
			Help: "Total number of bus messages that failed to decode",
		},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corvus_alerts_generated_total",
			Help: "Total number of raw alerts generated",
		},
		[]string{"severity", "source"},
	)

	AlertPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "corvus_alert_persist_failures_total",
			Help: "Total number of failed raw alert writes",
		},
	)

	RuleEvalErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corvus_rule_eval_errors_total",
			Help: "Total number of per-event rule evaluation errors",
		},
		[]string{"rule_id"},
	)

	RuleCompileErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corvus_rule_compile_errors_total",
			Help: "Total number of rules disabled at load time due to bad definitions",
		},
		[]string{"type"},
	)

	RuleReloadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "corvus_rule_reload_failures_total",
			Help: "Total number of failed rule snapshot reloads",
		},
	)

	StreamRulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corvus_stream_rules_loaded",
			Help: "Number of enabled stream rules in the active snapshot",
		},
	)

	BatchRulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corvus_batch_rules_loaded",
			Help: "Number of enabled batch rules in the active snapshot",
		},
	)

	EntityWindows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corvus_entity_windows",
			Help: "Number of live per-entity windows in the tracker",
		},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corvus_event_processing_duration_seconds",
			Help:    "Time taken to evaluate one event against the rule snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchRuleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corvus_batch_rule_runs_total",
			Help: "Total number of batch rule executions by outcome",
		},
		[]string{"rule_id", "outcome"},
	)

	BatchRuleSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corvus_batch_rule_skips_total",
			Help: "Total number of batch rule ticks skipped because the previous run was still in flight",
		},
		[]string{"rule_id"},
	)

	BatchRuleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corvus_batch_rule_duration_seconds",
			Help:    "Batch rule execution duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"rule_id"},
	)

	DedupNewAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "corvus_dedup_new_alerts_total",
			Help: "Total number of logical alerts first seen by the deduplicator",
		},
	)

	DedupMerges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "corvus_dedup_merges_total",
			Help: "Total number of raw alerts merged into an existing logical record",
		},
	)

	AggregatorAbsorbs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "corvus_aggregator_absorbs_total",
			Help: "Total number of alerts absorbed into aggregate groups",
		},
	)

	AggregatorGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corvus_aggregator_groups",
			Help: "Number of active aggregate groups held in memory",
		},
	)

	AggregatorFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "corvus_aggregator_flushes_total",
			Help: "Total number of aggregate group flushes to the store",
		},
	)

	AggregatorFlushErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "corvus_aggregator_flush_errors_total",
			Help: "Total number of failed aggregate group flushes",
		},
	)
)
