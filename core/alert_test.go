package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRule() *StreamRule {
	return &StreamRule{
		ID:          "r1",
		Name:        "brute force",
		Description: "repeated auth failures",
		Enabled:     true,
		Severity:    SeverityHigh,
		Window:      30 * time.Second,
		Threshold:   5,
		Expr:        "event_type == 'auth_fail'",
		EntityField: "src_ip",
	}
}

func TestNewStreamAlert(t *testing.T) {
	first := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	last := first.Add(29 * time.Second)

	alert := NewStreamAlert(testRule(), "10.0.0.1", 5, first, last, []string{"s1"})

	assert.NotEmpty(t, alert.AlertID)
	assert.Equal(t, "r1", alert.RuleID)
	assert.Equal(t, SeverityHigh, alert.Severity)
	assert.Equal(t, "10.0.0.1", alert.EntityKey)
	assert.Equal(t, 5, alert.Hits)
	assert.Equal(t, AlertSourceStream, alert.Source)
	assert.Equal(t, AlertStatusOpen, alert.Status)
	assert.Equal(t, first, alert.TsFirst)
	assert.Equal(t, last, alert.TsLast)
	assert.Equal(t, []string{"s1"}, alert.Context["samples"])
}

// Two writes of the same detection get distinct alert ids but identical
// dedup keys; the key is what identifies the logical alert.
func TestRawAlert_DedupKeyExcludesAlertID(t *testing.T) {
	first := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	last := first.Add(29 * time.Second)

	a := NewStreamAlert(testRule(), "10.0.0.1", 5, first, last, nil)
	b := NewStreamAlert(testRule(), "10.0.0.1", 5, first, last, nil)

	assert.NotEqual(t, a.AlertID, b.AlertID)
	assert.Equal(t, a.Key(), b.Key())
}

func TestRawAlert_DedupKeyDistinguishesWindows(t *testing.T) {
	first := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	a := NewStreamAlert(testRule(), "10.0.0.1", 5, first, first.Add(29*time.Second), nil)
	b := NewStreamAlert(testRule(), "10.0.0.1", 6, first, first.Add(31*time.Second), nil)
	c := NewStreamAlert(testRule(), "10.0.0.2", 5, first, first.Add(29*time.Second), nil)

	assert.NotEqual(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestDedupKey_StringIsStable(t *testing.T) {
	first := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	alert := NewStreamAlert(testRule(), "10.0.0.1", 5, first, first.Add(29*time.Second), nil)

	key := alert.Key().String()
	assert.Equal(t, "r1|10.0.0.1|1768046400000|1768046429000", key)
}

func TestAlertStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to AlertStatus
		allowed  bool
	}{
		{AlertStatusOpen, AlertStatusAck, true},
		{AlertStatusOpen, AlertStatusClosed, true},
		{AlertStatusAck, AlertStatusClosed, true},
		{AlertStatusAck, AlertStatusOpen, false},
		{AlertStatusClosed, AlertStatusOpen, false},
		{AlertStatusClosed, AlertStatusAck, false},
		{AlertStatusOpen, AlertStatusOpen, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestAlertStatus_Valid(t *testing.T) {
	assert.True(t, AlertStatusOpen.Valid())
	assert.True(t, AlertStatusAck.Valid())
	assert.True(t, AlertStatusClosed.Valid())
	assert.False(t, AlertStatus("resolved").Valid())
}

func TestSeverity_Order(t *testing.T) {
	require.True(t, SeverityLow.Rank() < SeverityMedium.Rank())
	require.True(t, SeverityMedium.Rank() < SeverityHigh.Rank())
	require.True(t, SeverityHigh.Rank() < SeverityCritical.Rank())

	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityLow, SeverityCritical))
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityHigh, SeverityMedium))
	assert.Equal(t, SeverityLow, MaxSeverity(SeverityLow, SeverityLow))
	// Unknown severities never win over a known one.
	assert.Equal(t, SeverityLow, MaxSeverity(Severity(""), SeverityLow))
}
