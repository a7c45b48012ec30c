package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent_RFC3339Timestamp(t *testing.T) {
	ev, err := DecodeEvent("1700000000-0", map[string]interface{}{
		"event_type": "auth_fail",
		"ts":         "2026-01-10T12:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.Equal(t, "1700000000-0", ev.StreamID)
}

func TestDecodeEvent_UnixSecondsTimestamp(t *testing.T) {
	ev, err := DecodeEvent("1-0", map[string]interface{}{
		"event_type": "auth_fail",
		"ts":         "1768046400",
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC), ev.Timestamp)

	fractional, err := DecodeEvent("2-0", map[string]interface{}{
		"ts": "1768046400.5",
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 10, 12, 0, 0, 500000000, time.UTC), fractional.Timestamp)
}

// A missing or malformed timestamp falls back to arrival time instead of
// rejecting the event.
func TestDecodeEvent_MalformedTimestampFallsBack(t *testing.T) {
	before := time.Now().UTC()
	ev, err := DecodeEvent("1-0", map[string]interface{}{
		"event_type": "auth_fail",
		"ts":         "not-a-time",
	})
	require.NoError(t, err)
	assert.False(t, ev.Timestamp.Before(before))

	ev, err = DecodeEvent("2-0", map[string]interface{}{"event_type": "auth_fail"})
	require.NoError(t, err)
	assert.False(t, ev.Timestamp.Before(before))
}

func TestDecodeEvent_EventID(t *testing.T) {
	ev, err := DecodeEvent("1-0", map[string]interface{}{
		"event_id":   "upstream-id",
		"event_type": "x",
	})
	require.NoError(t, err)
	assert.Equal(t, "upstream-id", ev.EventID)

	// Without an upstream id, the decoder assigns one.
	ev, err = DecodeEvent("2-0", map[string]interface{}{"event_type": "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.EventID)
}

func TestDecodeEvent_EmptyMessageRejected(t *testing.T) {
	_, err := DecodeEvent("1-0", map[string]interface{}{})
	assert.Error(t, err)
}

func TestDecodeEvent_NonStringValuesStringified(t *testing.T) {
	ev, err := DecodeEvent("1-0", map[string]interface{}{
		"event_type": "x",
		"count":      42,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", ev.Fields["count"])
}
