package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corvus/core"
)

func testEvent(fields map[string]string) *core.Event {
	return &core.Event{
		EventID:   "ev-1",
		Timestamp: time.Now(),
		Fields:    fields,
	}
}

func TestCompile_Comparisons(t *testing.T) {
	tests := []struct {
		name   string
		expr   string
		fields map[string]string
		want   bool
	}{
		{"string equality match", "event_type == 'auth_fail'", map[string]string{"event_type": "auth_fail"}, true},
		{"string equality mismatch", "event_type == 'auth_fail'", map[string]string{"event_type": "auth_ok"}, false},
		{"string inequality", "event_type != 'auth_ok'", map[string]string{"event_type": "auth_fail"}, true},
		{"numeric greater than", "bytes > 1000", map[string]string{"bytes": "2048"}, true},
		{"numeric greater than false", "bytes > 1000", map[string]string{"bytes": "512"}, false},
		{"numeric less or equal", "severity_num <= 3", map[string]string{"severity_num": "3"}, true},
		{"numeric field with non-numeric value", "bytes > 1000", map[string]string{"bytes": "lots"}, false},
		{"dotted field name", "net.src_port == '22'", map[string]string{"net.src_port": "22"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, pred.Eval(testEvent(tt.fields)))
		})
	}
}

func TestCompile_BooleanOperators(t *testing.T) {
	pred, err := Compile("event_type == 'auth_fail' and (src_ip == '10.0.0.1' or src_ip == '10.0.0.2')")
	require.NoError(t, err)

	assert.True(t, pred.Eval(testEvent(map[string]string{"event_type": "auth_fail", "src_ip": "10.0.0.1"})))
	assert.True(t, pred.Eval(testEvent(map[string]string{"event_type": "auth_fail", "src_ip": "10.0.0.2"})))
	assert.False(t, pred.Eval(testEvent(map[string]string{"event_type": "auth_fail", "src_ip": "10.0.0.3"})))
	assert.False(t, pred.Eval(testEvent(map[string]string{"event_type": "auth_ok", "src_ip": "10.0.0.1"})))
}

func TestCompile_AndBindsTighterThanOr(t *testing.T) {
	// a or b and c must parse as a or (b and c).
	pred, err := Compile("a == '1' or b == '1' and c == '1'")
	require.NoError(t, err)

	assert.True(t, pred.Eval(testEvent(map[string]string{"a": "1", "b": "0", "c": "0"})))
	assert.False(t, pred.Eval(testEvent(map[string]string{"a": "0", "b": "1", "c": "0"})))
	assert.True(t, pred.Eval(testEvent(map[string]string{"a": "0", "b": "1", "c": "1"})))
}

func TestCompile_SetMembership(t *testing.T) {
	pred, err := Compile("event_type in ('auth_fail', 'auth_lockout')")
	require.NoError(t, err)

	assert.True(t, pred.Eval(testEvent(map[string]string{"event_type": "auth_fail"})))
	assert.True(t, pred.Eval(testEvent(map[string]string{"event_type": "auth_lockout"})))
	assert.False(t, pred.Eval(testEvent(map[string]string{"event_type": "auth_ok"})))
}

// A predicate referencing a field the event does not carry never matches,
// regardless of operator.
func TestCompile_AbsentFieldNeverMatches(t *testing.T) {
	exprs := []string{
		"missing == 'x'",
		"missing != 'x'",
		"missing > 1",
		"missing in ('a', 'b')",
	}
	ev := testEvent(map[string]string{"present": "x"})
	for _, expr := range exprs {
		pred, err := Compile(expr)
		require.NoError(t, err, expr)
		assert.False(t, pred.Eval(ev), "expr %q matched an event without the field", expr)
	}
}

func TestCompile_SyntaxErrors(t *testing.T) {
	bad := []string{
		"",
		"event_type ==",
		"== 'x'",
		"event_type = 'x'",
		"event_type == 'unterminated",
		"(event_type == 'x'",
		"event_type in ()",
		"event_type in 'x'",
		"bytes > 'notnum'",
		"event_type == 'x' and",
		"event_type == 'x' garbage",
	}
	for _, expr := range bad {
		_, err := Compile(expr)
		assert.Error(t, err, "expected compile error for %q", expr)
	}
}
