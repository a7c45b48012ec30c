package ingest

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"corvus/core"
)

// Field names with engine-level meaning in bus messages.
const (
	fieldTimestamp = "ts"
	fieldEventID   = "event_id"
)

// DecodeEvent converts a raw stream message into a normalized event. All
// values are carried as strings; the timestamp field accepts RFC3339 or unix
// seconds (integer or fractional) and falls back to arrival time when absent
// or malformed, matching the upstream normalizer's contract.
func DecodeEvent(streamID string, values map[string]interface{}) (*core.Event, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("message %s has no fields", streamID)
	}

	fields := make(map[string]string, len(values))
	for k, v := range values {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprintf("%v", v)
		}
		fields[k] = s
	}

	ev := &core.Event{
		StreamID:  streamID,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	if raw, ok := fields[fieldTimestamp]; ok {
		if ts, err := parseTimestamp(raw); err == nil {
			ev.Timestamp = ts
		}
	}

	if id, ok := fields[fieldEventID]; ok && id != "" {
		ev.EventID = id
	} else {
		ev.EventID = uuid.New().String()
	}
	return ev, nil
}

// parseTimestamp accepts RFC3339 or unix seconds.
func parseTimestamp(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
		sec := int64(secs)
		nsec := int64((secs - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
