package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"corvus/core"
)

// ClickHouseRuleStorage reads and writes correlation rule definitions.
// Rule tables are ReplacingMergeTree keyed by rule_id, so rewriting a rule
// with a newer updated_at is an update; reads use FINAL to see it.
type ClickHouseRuleStorage struct {
	clickhouse *ClickHouse
	logger     *zap.SugaredLogger
}

func NewClickHouseRuleStorage(clickhouse *ClickHouse, logger *zap.SugaredLogger) *ClickHouseRuleStorage {
	return &ClickHouseRuleStorage{clickhouse: clickhouse, logger: logger}
}

// ListEnabledStreamRules returns all enabled stream rule definitions.
func (crs *ClickHouseRuleStorage) ListEnabledStreamRules(ctx context.Context) ([]core.StreamRule, error) {
	rows, err := crs.clickhouse.Conn.Query(ctx, `
		SELECT rule_id, name, description, severity, window_s, threshold,
		       expr, entity_field, group_by, updated_at
		FROM corr_rules_stream FINAL
		WHERE enabled = 1
		ORDER BY rule_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stream rules: %w", err)
	}
	defer rows.Close()

	var rules []core.StreamRule
	for rows.Next() {
		var (
			r        core.StreamRule
			severity string
			windowS  uint32
			thresh   uint32
		)
		err := rows.Scan(
			&r.ID, &r.Name, &r.Description, &severity, &windowS,
			&thresh, &r.Expr, &r.EntityField, &r.GroupBy, &r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream rule: %w", err)
		}
		r.Enabled = true
		r.Severity = core.Severity(severity)
		r.Window = time.Duration(windowS) * time.Second
		r.Threshold = int(thresh)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ListEnabledBatchRules returns all enabled batch rule definitions.
func (crs *ClickHouseRuleStorage) ListEnabledBatchRules(ctx context.Context) ([]core.BatchRule, error) {
	rows, err := crs.clickhouse.Conn.Query(ctx, `
		SELECT rule_id, name, description, interval_s, lookback_s,
		       sql_template, updated_at
		FROM corr_rules_batch FINAL
		WHERE enabled = 1
		ORDER BY rule_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch rules: %w", err)
	}
	defer rows.Close()

	var rules []core.BatchRule
	for rows.Next() {
		var (
			r         core.BatchRule
			intervalS uint32
			lookbackS uint32
		)
		err := rows.Scan(
			&r.ID, &r.Name, &r.Description, &intervalS, &lookbackS,
			&r.SQLTemplate, &r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch rule: %w", err)
		}
		r.Enabled = true
		r.Interval = time.Duration(intervalS) * time.Second
		r.Lookback = time.Duration(lookbackS) * time.Second
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// InsertStreamRule writes or updates one stream rule definition.
func (crs *ClickHouseRuleStorage) InsertStreamRule(ctx context.Context, rule *core.StreamRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid stream rule %s: %w", rule.ID, err)
	}
	batch, err := crs.clickhouse.Conn.PrepareBatch(ctx, `
		INSERT INTO corr_rules_stream (
			rule_id, name, description, enabled, severity, window_s,
			threshold, expr, entity_field, group_by, updated_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare stream rule insert: %w", err)
	}
	enabled := uint8(0)
	if rule.Enabled {
		enabled = 1
	}
	err = batch.Append(
		rule.ID,
		rule.Name,
		rule.Description,
		enabled,
		string(rule.Severity),
		uint32(rule.Window/time.Second),
		uint32(rule.Threshold),
		rule.Expr,
		rule.EntityField,
		rule.GroupBy,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append stream rule: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert stream rule: %w", err)
	}
	crs.logger.Infow("Stream rule saved", "rule_id", rule.ID, "name", rule.Name)
	return nil
}

// InsertBatchRule writes or updates one batch rule definition.
func (crs *ClickHouseRuleStorage) InsertBatchRule(ctx context.Context, rule *core.BatchRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid batch rule %s: %w", rule.ID, err)
	}
	batch, err := crs.clickhouse.Conn.PrepareBatch(ctx, `
		INSERT INTO corr_rules_batch (
			rule_id, name, description, enabled, interval_s, lookback_s,
			sql_template, updated_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch rule insert: %w", err)
	}
	enabled := uint8(0)
	if rule.Enabled {
		enabled = 1
	}
	err = batch.Append(
		rule.ID,
		rule.Name,
		rule.Description,
		enabled,
		uint32(rule.Interval/time.Second),
		uint32(rule.Lookback/time.Second),
		rule.SQLTemplate,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append batch rule: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert batch rule: %w", err)
	}
	crs.logger.Infow("Batch rule saved", "rule_id", rule.ID, "name", rule.Name)
	return nil
}
