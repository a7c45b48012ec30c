package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRuleYAML = `
stream_rules:
  - id: brute-force-ssh
    name: SSH brute force
    severity: high
    window_s: 30
    threshold: 5
    expr: "event_type == 'auth_fail'"
    entity_field: src_ip
batch_rules:
  - id: noisy-entities
    name: Entities with many alerts
    interval_s: 300
    lookback_s: 3600
    sql: "INSERT INTO alerts_raw SELECT * FROM alerts_raw WHERE ts_first > now() - INTERVAL {WINDOW_S} SECOND"
`

func writeRuleFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRuleFile_Valid(t *testing.T) {
	rf, err := loadRuleFile(writeRuleFile(t, validRuleYAML))
	require.NoError(t, err)
	require.Len(t, rf.StreamRules, 1)
	require.Len(t, rf.BatchRules, 1)

	rule := rf.StreamRules[0].toRule()
	assert.Equal(t, "brute-force-ssh", rule.ID)
	assert.True(t, rule.Enabled, "enabled should default to true")
	assert.Equal(t, 5, rule.Threshold)

	assert.Equal(t, 0, validateRules(rf))
}

func TestLoadRuleFile_Errors(t *testing.T) {
	_, err := loadRuleFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadRuleFile(writeRuleFile(t, "stream_rules: ["))
	assert.Error(t, err)

	_, err = loadRuleFile(writeRuleFile(t, "unrelated: doc"))
	assert.Error(t, err, "a file with no rules is rejected")
}

func TestValidateRules_CountsProblems(t *testing.T) {
	broken := `
stream_rules:
  - id: bad-expr
    name: broken predicate
    severity: high
    window_s: 30
    threshold: 5
    expr: "event_type == == 'x'"
    entity_field: src_ip
  - id: bad-severity
    name: unknown severity
    severity: urgent
    window_s: 30
    threshold: 5
    expr: "event_type == 'x'"
    entity_field: src_ip
batch_rules:
  - id: no-placeholder
    name: missing window token
    interval_s: 300
    lookback_s: 3600
    sql: "SELECT 1"
`
	rf, err := loadRuleFile(writeRuleFile(t, broken))
	require.NoError(t, err)
	assert.Equal(t, 3, validateRules(rf))
}

func TestStreamRuleSpec_ExplicitDisable(t *testing.T) {
	yaml := `
stream_rules:
  - id: r1
    name: disabled rule
    enabled: false
    severity: low
    window_s: 60
    threshold: 2
    expr: "a == 'b'"
    entity_field: src_ip
`
	rf, err := loadRuleFile(writeRuleFile(t, yaml))
	require.NoError(t, err)
	assert.False(t, rf.StreamRules[0].toRule().Enabled)
}
