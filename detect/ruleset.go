package detect

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"corvus/core"
	"corvus/metrics"
	"corvus/util/goroutine"
)

// RuleReader loads enabled rule definitions from the persistent store.
type RuleReader interface {
	ListEnabledStreamRules(ctx context.Context) ([]core.StreamRule, error)
	ListEnabledBatchRules(ctx context.Context) ([]core.BatchRule, error)
}

// CompiledStreamRule pairs a stream rule with its compiled predicate.
type CompiledStreamRule struct {
	core.StreamRule
	Predicate Expr
}

// RuleSnapshot is an immutable view of all enabled rules. In-flight
// evaluations keep the snapshot they started with; a reload swaps the
// active pointer without touching live rule objects.
type RuleSnapshot struct {
	StreamRules []CompiledStreamRule
	BatchRules  []core.BatchRule
	LoadedAt    time.Time

	byID map[string]*CompiledStreamRule
}

// StreamRule looks up a compiled stream rule by ID.
func (s *RuleSnapshot) StreamRule(id string) (*CompiledStreamRule, bool) {
	rule, ok := s.byID[id]
	return rule, ok
}

var emptySnapshot = &RuleSnapshot{}

// RuleSet owns the active rule snapshot and its reload cycle.
type RuleSet struct {
	reader RuleReader
	snap   atomic.Pointer[RuleSnapshot]
	logger *zap.SugaredLogger
}

// NewRuleSet creates a rule set with an empty snapshot. Call Reload before
// serving traffic; a failed reload keeps the previous snapshot active.
func NewRuleSet(reader RuleReader, logger *zap.SugaredLogger) *RuleSet {
	rs := &RuleSet{reader: reader, logger: logger}
	rs.snap.Store(emptySnapshot)
	return rs
}

// Snapshot returns the active rule snapshot. Never nil.
func (rs *RuleSet) Snapshot() *RuleSnapshot {
	return rs.snap.Load()
}

// Reload re-reads persisted rule definitions, compiles predicates and
// atomically swaps the snapshot. Rules with invalid definitions or
// unparseable predicates are disabled and reported, never silently ignored.
// A load failure leaves the previous snapshot active.
func (rs *RuleSet) Reload(ctx context.Context) error {
	streamRules, err := rs.reader.ListEnabledStreamRules(ctx)
	if err != nil {
		metrics.RuleReloadFailures.Inc()
		return fmt.Errorf("load stream rules: %w", err)
	}
	batchRules, err := rs.reader.ListEnabledBatchRules(ctx)
	if err != nil {
		metrics.RuleReloadFailures.Inc()
		return fmt.Errorf("load batch rules: %w", err)
	}

	compiled := make([]CompiledStreamRule, 0, len(streamRules))
	for i := range streamRules {
		rule := streamRules[i]
		if err := rule.Validate(); err != nil {
			metrics.RuleCompileErrors.WithLabelValues("stream").Inc()
			rs.logger.Errorw("Disabling stream rule with invalid definition",
				"rule_id", rule.ID,
				"error", err)
			continue
		}
		pred, err := Compile(rule.Expr)
		if err != nil {
			metrics.RuleCompileErrors.WithLabelValues("stream").Inc()
			rs.logger.Errorw("Disabling stream rule with unparseable predicate",
				"rule_id", rule.ID,
				"expr", rule.Expr,
				"error", err)
			continue
		}
		compiled = append(compiled, CompiledStreamRule{StreamRule: rule, Predicate: pred})
	}

	validBatch := make([]core.BatchRule, 0, len(batchRules))
	for i := range batchRules {
		rule := batchRules[i]
		if err := rule.Validate(); err != nil {
			metrics.RuleCompileErrors.WithLabelValues("batch").Inc()
			rs.logger.Errorw("Disabling batch rule with invalid definition",
				"rule_id", rule.ID,
				"error", err)
			continue
		}
		validBatch = append(validBatch, rule)
	}

	byID := make(map[string]*CompiledStreamRule, len(compiled))
	for i := range compiled {
		byID[compiled[i].ID] = &compiled[i]
	}
	rs.snap.Store(&RuleSnapshot{
		StreamRules: compiled,
		BatchRules:  validBatch,
		LoadedAt:    time.Now().UTC(),
		byID:        byID,
	})
	metrics.StreamRulesLoaded.Set(float64(len(compiled)))
	metrics.BatchRulesLoaded.Set(float64(len(validBatch)))

	rs.logger.Infow("Rule snapshot reloaded",
		"stream_rules", len(compiled),
		"batch_rules", len(validBatch),
		"stream_rules_rejected", len(streamRules)-len(compiled),
		"batch_rules_rejected", len(batchRules)-len(validBatch))
	return nil
}

// Run reloads the snapshot periodically until the context is cancelled.
// Reload failures are logged and retried on the next tick; the engine keeps
// serving from the last good snapshot.
func (rs *RuleSet) Run(ctx context.Context, interval time.Duration, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer goroutine.Recover("rule-reload", rs.logger)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := rs.Reload(ctx); err != nil {
					rs.logger.Errorw("Rule reload failed, keeping previous snapshot", "error", err)
				}
			}
		}
	}()
}
