package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MaxGroupSamples caps the evidence samples retained per aggregated group.
const MaxGroupSamples = 3

// AggregatedAlertGroup folds deduplicated alerts sharing a grouping key into
// one operator-facing record. Absorb is a commutative, idempotent fold over
// the member set: re-absorbing a member with an unchanged status is a no-op.
type AggregatedAlertGroup struct {
	GroupKey       GroupKey      `json:"group_key"`
	RuleID         string        `json:"rule_id"`
	RuleName       string        `json:"rule_name"`
	Severity       Severity      `json:"severity_agg"`
	TsFirst        time.Time     `json:"ts_first"`
	TsLast         time.Time     `json:"ts_last"`
	CountAlerts    int           `json:"count_alerts"`
	UniqueEntities int           `json:"unique_entities"`
	Samples        []string      `json:"samples"`
	Status         AlertStatus   `json:"status"`
	UpdatedAt      time.Time     `json:"updated_at"`

	// memberStatus tracks the last-known status per absorbed dedup key so
	// the fold stays idempotent and the group status can flip both ways.
	memberStatus map[string]AlertStatus
	entities     map[string]struct{}
}

// NewAlertGroup creates an empty group for the key.
func NewAlertGroup(key GroupKey) *AggregatedAlertGroup {
	return &AggregatedAlertGroup{
		GroupKey:     key,
		RuleID:       key.RuleID,
		Status:       AlertStatusClosed,
		memberStatus: make(map[string]AlertStatus),
		entities:     make(map[string]struct{}),
	}
}

// Absorb folds one deduplicated alert into the group and reports whether the
// group changed. The same alert absorbed twice leaves counts, entities and
// samples untouched; a member whose status changed updates the group status.
func (g *AggregatedAlertGroup) Absorb(alert *RawAlert) bool {
	key := alert.Key().String()

	prev, seen := g.memberStatus[key]
	if seen && prev == alert.Status {
		return false
	}

	if !seen {
		g.CountAlerts++
		if _, ok := g.entities[alert.EntityKey]; !ok {
			g.entities[alert.EntityKey] = struct{}{}
			g.UniqueEntities++
		}
		if len(g.Samples) < MaxGroupSamples {
			if sample := alertSample(alert); sample != "" {
				g.Samples = append(g.Samples, sample)
			}
		}
		if g.CountAlerts == 1 || alert.TsFirst.Before(g.TsFirst) {
			g.TsFirst = alert.TsFirst
		}
		if alert.TsLast.After(g.TsLast) {
			g.TsLast = alert.TsLast
		}
		g.RuleName = alert.RuleName
	}

	g.memberStatus[key] = alert.Status
	g.Severity = MaxSeverity(g.Severity, alert.Severity)
	g.Status = g.deriveStatus()
	g.UpdatedAt = time.Now().UTC()
	return true
}

// deriveStatus returns open iff at least one member alert is open.
func (g *AggregatedAlertGroup) deriveStatus() AlertStatus {
	for _, st := range g.memberStatus {
		if st == AlertStatusOpen {
			return AlertStatusOpen
		}
	}
	return AlertStatusClosed
}

// alertSample serializes the alert context as a bounded evidence sample.
func alertSample(alert *RawAlert) string {
	if len(alert.Context) == 0 {
		return ""
	}
	data, err := json.Marshal(alert.Context)
	if err != nil {
		return ""
	}
	return string(data)
}

// AlertGroupRow is the persisted form of a group. The store keeps the
// latest version by update timestamp; older versions are superseded,
// never re-read.
type AlertGroupRow struct {
	VersionID      string
	RuleID         string
	RuleName       string
	GroupKey       string
	Severity       Severity
	TsFirst        time.Time
	TsLast         time.Time
	CountAlerts    int
	UniqueEntities int
	Samples        []string
	Status         AlertStatus
	UpdatedAt      time.Time
}

// Row converts the in-memory group into its persisted form.
func (g *AggregatedAlertGroup) Row() AlertGroupRow {
	samples := make([]string, len(g.Samples))
	copy(samples, g.Samples)
	return AlertGroupRow{
		VersionID:      uuid.New().String(),
		RuleID:         g.RuleID,
		RuleName:       g.RuleName,
		GroupKey:       g.GroupKey.String(),
		Severity:       g.Severity,
		TsFirst:        g.TsFirst,
		TsLast:         g.TsLast,
		CountAlerts:    g.CountAlerts,
		UniqueEntities: g.UniqueEntities,
		Samples:        samples,
		Status:         g.Status,
		UpdatedAt:      g.UpdatedAt,
	}
}
