package core

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"corvus/metrics"
)

// DedupSink persists the deduplicated projection, replace-by-key.
type DedupSink interface {
	UpsertDedupAlert(ctx context.Context, alert *RawAlert) error
}

// MergeAlerts merges two raw alerts that share a dedup key. The record with
// the newest UpdatedAt wins on mutable fields (status, context); the earliest
// CreatedAt is preserved. The function is pure and commutative up to the
// last-write-wins tiebreak, so redelivery in any order converges.
func MergeAlerts(existing, incoming *RawAlert) *RawAlert {
	winner, loser := incoming, existing
	if existing.UpdatedAt.After(incoming.UpdatedAt) {
		winner, loser = existing, incoming
	}
	merged := *winner
	if loser.CreatedAt.Before(merged.CreatedAt) {
		merged.CreatedAt = loser.CreatedAt
	}
	return &merged
}

// Deduplicator collapses redelivered raw alerts into one logical record per
// dedup key and maintains the persisted deduplicated view. The in-memory key
// cache is bounded and idle entries expire; the store's replace-by-key
// semantics remain authoritative when the cache has forgotten a key.
type Deduplicator struct {
	sink         DedupSink
	cache        *expirable.LRU[string, *RawAlert]
	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

// NewDeduplicator creates a deduplicator backed by the given sink. Every
// sink write is bounded by writeTimeout.
func NewDeduplicator(sink DedupSink, cacheSize int, cacheTTL, writeTimeout time.Duration, logger *zap.SugaredLogger) *Deduplicator {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Deduplicator{
		sink:         sink,
		cache:        expirable.NewLRU[string, *RawAlert](cacheSize, nil, cacheTTL),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

func (d *Deduplicator) upsert(ctx context.Context, alert *RawAlert) error {
	writeCtx, cancel := context.WithTimeout(ctx, d.writeTimeout)
	defer cancel()
	return d.sink.UpsertDedupAlert(writeCtx, alert)
}

// Process runs one raw alert through deduplication. It returns the merged
// logical record and whether it changed relative to what was already known;
// unchanged redeliveries produce no store write and no downstream work.
func (d *Deduplicator) Process(ctx context.Context, incoming *RawAlert) (*RawAlert, bool, error) {
	key := incoming.Key().String()

	existing, known := d.cache.Get(key)
	if !known {
		merged := *incoming
		d.cache.Add(key, &merged)
		if err := d.upsert(ctx, &merged); err != nil {
			return nil, false, fmt.Errorf("upsert dedup alert %s: %w", key, err)
		}
		metrics.DedupNewAlerts.Inc()
		return &merged, true, nil
	}

	merged := MergeAlerts(existing, incoming)
	changed := merged.Status != existing.Status || !merged.UpdatedAt.Equal(existing.UpdatedAt)
	d.cache.Add(key, merged)

	if !changed {
		metrics.DedupMerges.Inc()
		d.logger.Debugw("Dropped duplicate alert delivery",
			"dedup_key", key,
			"alert_id", incoming.AlertID)
		return merged, false, nil
	}

	if err := d.upsert(ctx, merged); err != nil {
		return nil, false, fmt.Errorf("upsert dedup alert %s: %w", key, err)
	}
	metrics.DedupMerges.Inc()
	return merged, true, nil
}
