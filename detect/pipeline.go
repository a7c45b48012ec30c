package detect

import (
	"context"

	"go.uber.org/zap"

	"corvus/core"
	"corvus/util/goroutine"
)

// DedupStage sits between the correlators and the aggregator: every raw
// alert passes through the deduplicator, and only alerts that produced a
// store write are forwarded for aggregation.
type DedupStage struct {
	dedup  *core.Deduplicator
	out    chan<- *core.RawAlert
	logger *zap.SugaredLogger
}

func NewDedupStage(dedup *core.Deduplicator, out chan<- *core.RawAlert, logger *zap.SugaredLogger) *DedupStage {
	return &DedupStage{dedup: dedup, out: out, logger: logger}
}

// Run consumes raw alerts from in until it closes, then closes out so the
// aggregator drains and performs its final flush.
func (ds *DedupStage) Run(ctx context.Context, in <-chan *core.RawAlert) {
	defer goroutine.Recover("dedup-stage", ds.logger)
	defer close(ds.out)

	for alert := range in {
		merged, changed, err := ds.dedup.Process(ctx, alert)
		if err != nil {
			// The alert is already durable in the raw table; the next
			// occurrence of this identity retries the dedup write.
			ds.logger.Errorw("Dedup write failed",
				"rule_id", alert.RuleID,
				"entity_key", alert.EntityKey,
				"error", err)
			continue
		}
		if !changed {
			continue
		}
		select {
		case ds.out <- merged:
		case <-ctx.Done():
			// Drain the rest without forwarding so senders never block.
			for range in {
			}
			return
		}
	}
	ds.logger.Info("Dedup stage stopped")
}
