package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"corvus/core"
)

// ClickHouseAlertStorage persists raw alerts, deduplicated alerts and
// aggregated alert groups.
type ClickHouseAlertStorage struct {
	clickhouse *ClickHouse
	logger     *zap.SugaredLogger
}

func NewClickHouseAlertStorage(clickhouse *ClickHouse, logger *zap.SugaredLogger) *ClickHouseAlertStorage {
	return &ClickHouseAlertStorage{clickhouse: clickhouse, logger: logger}
}

// InsertRawAlerts appends a batch of alerts to the raw table. The raw table
// is append-only; redelivered duplicates are acceptable there and collapse
// downstream in the dedup table.
func (cas *ClickHouseAlertStorage) InsertRawAlerts(ctx context.Context, alerts []*core.RawAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	batch, err := cas.clickhouse.Conn.PrepareBatch(ctx, `
		INSERT INTO alerts_raw (
			alert_id, rule_id, rule_name, severity, ts_first, ts_last,
			window_s, entity_key, hits, source, context, status,
			created_at, updated_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare raw alert batch: %w", err)
	}
	for _, a := range alerts {
		if err := batch.Append(alertColumns(a)...); err != nil {
			return fmt.Errorf("failed to append raw alert %s: %w", a.AlertID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send raw alert batch: %w", err)
	}
	return nil
}

// UpsertDedupAlert writes the merged alert into the dedup table. The table
// keeps the newest updated_at per identity key, so rewriting the same key
// is a last-write-wins upsert.
func (cas *ClickHouseAlertStorage) UpsertDedupAlert(ctx context.Context, alert *core.RawAlert) error {
	batch, err := cas.clickhouse.Conn.PrepareBatch(ctx, `
		INSERT INTO alerts_dedup (
			alert_id, rule_id, rule_name, severity, ts_first, ts_last,
			window_s, entity_key, hits, source, context, status,
			created_at, updated_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare dedup upsert: %w", err)
	}
	if err := batch.Append(alertColumns(alert)...); err != nil {
		return fmt.Errorf("failed to append dedup alert: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send dedup upsert: %w", err)
	}
	return nil
}

func alertColumns(a *core.RawAlert) []interface{} {
	contextJSON := "{}"
	if len(a.Context) > 0 {
		if data, err := json.Marshal(a.Context); err == nil {
			contextJSON = string(data)
		}
	}
	return []interface{}{
		a.AlertID,
		a.RuleID,
		a.RuleName,
		string(a.Severity),
		a.TsFirst,
		a.TsLast,
		uint32(a.Window / time.Second),
		a.EntityKey,
		uint32(a.Hits),
		a.Source,
		contextJSON,
		string(a.Status),
		a.CreatedAt,
		a.UpdatedAt,
	}
}

// UpsertAlertGroups writes a batch of aggregated group versions. Each row
// carries a fresh version id; the newest updated_at per (rule_id, group_key)
// wins at merge time.
func (cas *ClickHouseAlertStorage) UpsertAlertGroups(ctx context.Context, rows []core.AlertGroupRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := cas.clickhouse.Conn.PrepareBatch(ctx, `
		INSERT INTO alerts_agg (
			version_id, rule_id, rule_name, group_key, severity,
			ts_first, ts_last, count_alerts, unique_entities,
			sample_alerts, status, updated_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare group batch: %w", err)
	}
	for i := range rows {
		r := &rows[i]
		err := batch.Append(
			r.VersionID,
			r.RuleID,
			r.RuleName,
			r.GroupKey,
			string(r.Severity),
			r.TsFirst,
			r.TsLast,
			uint64(r.CountAlerts),
			uint64(r.UniqueEntities),
			r.Samples,
			string(r.Status),
			r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append group %s: %w", r.GroupKey, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send group batch: %w", err)
	}
	return nil
}

// ExecBatchQuery runs a rendered batch-rule meta-query as-is. Templates are
// operator-authored SQL, typically INSERT ... SELECT over alerts_raw.
func (cas *ClickHouseAlertStorage) ExecBatchQuery(ctx context.Context, query string) error {
	if err := cas.clickhouse.Conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("batch query failed: %w", err)
	}
	return nil
}

// FetchRawAlerts returns alerts a rule wrote to the raw table since the
// given time, newest last.
func (cas *ClickHouseAlertStorage) FetchRawAlerts(ctx context.Context, ruleID string, since time.Time) ([]*core.RawAlert, error) {
	rows, err := cas.clickhouse.Conn.Query(ctx, `
		SELECT alert_id, rule_id, rule_name, severity, ts_first, ts_last,
		       window_s, entity_key, hits, source, context, status,
		       created_at, updated_at
		FROM alerts_raw
		WHERE rule_id = ? AND created_at >= ?
		ORDER BY created_at
	`, ruleID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*core.RawAlert
	for rows.Next() {
		var (
			a           core.RawAlert
			severity    string
			status      string
			windowS     uint32
			hits        uint32
			contextJSON string
		)
		err := rows.Scan(
			&a.AlertID, &a.RuleID, &a.RuleName, &severity,
			&a.TsFirst, &a.TsLast, &windowS, &a.EntityKey,
			&hits, &a.Source, &contextJSON, &status,
			&a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan raw alert: %w", err)
		}
		a.Severity = core.Severity(severity)
		a.Status = core.AlertStatus(status)
		a.Window = time.Duration(windowS) * time.Second
		a.Hits = int(hits)
		if contextJSON != "" && contextJSON != "{}" {
			if err := json.Unmarshal([]byte(contextJSON), &a.Context); err != nil {
				cas.logger.Warnw("Ignoring malformed alert context",
					"alert_id", a.AlertID,
					"error", err)
			}
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}
