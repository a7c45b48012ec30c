package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertStatusOpen   AlertStatus = "open"
	AlertStatusAck    AlertStatus = "ack"
	AlertStatusClosed AlertStatus = "closed"
)

// validTransitions defines the allowed status transitions.
var validTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusOpen:   {AlertStatusAck, AlertStatusClosed},
	AlertStatusAck:    {AlertStatusClosed},
	AlertStatusClosed: {},
}

// Valid reports whether the status is a known lifecycle state.
func (s AlertStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransitionTo reports whether the transition from s to next is allowed.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Alert source subsystems.
const (
	AlertSourceStream = "stream"
	AlertSourceBatch  = "batch"
)

// RawAlert is a single detection produced by either correlator. Immutable
// after creation except for status transitions; the alert id is regenerated
// per physical write and is intentionally absent from the dedup key.
type RawAlert struct {
	AlertID   string                 `json:"alert_id"`
	RuleID    string                 `json:"rule_id"`
	RuleName  string                 `json:"rule_name"`
	Severity  Severity               `json:"severity"`
	TsFirst   time.Time              `json:"ts_first"`
	TsLast    time.Time              `json:"ts_last"`
	Window    time.Duration          `json:"window"`
	EntityKey string                 `json:"entity_key"`
	Hits      int                    `json:"hits"`
	Source    string                 `json:"source"` // "stream" or "batch"
	Context   map[string]interface{} `json:"context,omitempty"`
	Status    AlertStatus            `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// NewStreamAlert builds an open raw alert for a threshold crossing.
func NewStreamAlert(rule *StreamRule, entityKey string, hits int, first, last time.Time, samples []string) *RawAlert {
	now := time.Now().UTC()
	ctx := map[string]interface{}{
		"rule_id":     rule.ID,
		"entity_key":  entityKey,
		"description": rule.Description,
	}
	if len(samples) > 0 {
		ctx["samples"] = samples
	}
	return &RawAlert{
		AlertID:   uuid.New().String(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Severity:  rule.Severity,
		TsFirst:   first,
		TsLast:    last,
		Window:    rule.Window,
		EntityKey: entityKey,
		Hits:      hits,
		Source:    AlertSourceStream,
		Context:   ctx,
		Status:    AlertStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DedupKey identifies a logical detection. Two raw alerts with equal keys
// are the same alert regardless of alert id or how often they were written.
type DedupKey struct {
	RuleID    string
	EntityKey string
	TsFirst   int64 // unix milliseconds
	TsLast    int64 // unix milliseconds
}

// Key returns the dedup key for the alert.
func (a *RawAlert) Key() DedupKey {
	return DedupKey{
		RuleID:    a.RuleID,
		EntityKey: a.EntityKey,
		TsFirst:   a.TsFirst.UnixMilli(),
		TsLast:    a.TsLast.UnixMilli(),
	}
}

// String renders the key in a stable form usable as a map key or log field.
func (k DedupKey) String() string {
	return fmt.Sprintf("%s|%s|%d|%d", k.RuleID, k.EntityKey, k.TsFirst, k.TsLast)
}
