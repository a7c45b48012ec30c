package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRule_Validate(t *testing.T) {
	rule := testRule()
	require.NoError(t, rule.Validate())

	tests := []struct {
		name   string
		mutate func(*StreamRule)
	}{
		{"missing id", func(r *StreamRule) { r.ID = "" }},
		{"missing name", func(r *StreamRule) { r.Name = "" }},
		{"unknown severity", func(r *StreamRule) { r.Severity = "urgent" }},
		{"zero window", func(r *StreamRule) { r.Window = 0 }},
		{"zero threshold", func(r *StreamRule) { r.Threshold = 0 }},
		{"missing expr", func(r *StreamRule) { r.Expr = "" }},
		{"missing entity field", func(r *StreamRule) { r.EntityField = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := *testRule()
			tt.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}

func testBatchRule() *BatchRule {
	return &BatchRule{
		ID:       "b1",
		Name:     "noisy entities",
		Enabled:  true,
		Interval: 5 * time.Minute,
		Lookback: time.Hour,
		SQLTemplate: "INSERT INTO alerts_raw SELECT * FROM alerts_raw " +
			"WHERE ts_first > now() - INTERVAL {WINDOW_S} SECOND",
	}
}

func TestBatchRule_Validate(t *testing.T) {
	require.NoError(t, testBatchRule().Validate())

	noPlaceholder := *testBatchRule()
	noPlaceholder.SQLTemplate = "SELECT 1"
	assert.Error(t, noPlaceholder.Validate())

	zeroInterval := *testBatchRule()
	zeroInterval.Interval = 0
	assert.Error(t, zeroInterval.Validate())
}

func TestBatchRule_RenderSQL(t *testing.T) {
	rule := testBatchRule()
	rule.Lookback = 90 * time.Minute

	rendered := rule.RenderSQL()
	assert.Contains(t, rendered, "INTERVAL 5400 SECOND")
	assert.False(t, strings.Contains(rendered, WindowPlaceholder))
}

func TestBatchRule_RenderSQLReplacesEveryOccurrence(t *testing.T) {
	rule := testBatchRule()
	rule.SQLTemplate = "SELECT {WINDOW_S}, {WINDOW_S}"
	rule.Lookback = time.Minute

	assert.Equal(t, "SELECT 60, 60", rule.RenderSQL())
}
