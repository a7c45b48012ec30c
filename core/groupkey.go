package core

import (
	"fmt"
	"strings"
)

// DefaultGroupBy is the fallback grouping when a rule specifies no field
// list: one group per rule and entity.
var DefaultGroupBy = []string{"rule_id", "entity_key"}

// GroupKey identifies an aggregated alert group. Key is a deterministic
// serialization of the grouping fields in their declared order, so equal
// logical groupings always compare equal regardless of map iteration order.
type GroupKey struct {
	RuleID string
	Key    string
}

// String renders the key for maps, logs and storage.
func (g GroupKey) String() string {
	return g.RuleID + "|" + g.Key
}

// BuildGroupKey derives the grouping key for an alert. A rule-specified
// field list is authoritative; nil or empty falls back to DefaultGroupBy.
// Unknown fields resolve to the empty string rather than failing, keeping
// the serialization stable across alerts with sparse context.
func BuildGroupKey(groupBy []string, alert *RawAlert) GroupKey {
	fields := groupBy
	if len(fields) == 0 {
		fields = DefaultGroupBy
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+"="+groupFieldValue(f, alert))
	}
	return GroupKey{RuleID: alert.RuleID, Key: strings.Join(parts, ",")}
}

// groupFieldValue resolves a grouping field against the alert's fixed
// attributes first, then its context payload.
func groupFieldValue(field string, alert *RawAlert) string {
	switch field {
	case "rule_id":
		return alert.RuleID
	case "rule_name":
		return alert.RuleName
	case "entity_key":
		return alert.EntityKey
	case "severity":
		return string(alert.Severity)
	case "source":
		return alert.Source
	}
	if v, ok := alert.Context[field]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
