package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) (*EventBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0, 4)
	bus := NewEventBus(client, "siem:filtered", "corvus", "worker-1", 10, 50*time.Millisecond, zap.NewNop().Sugar())
	return bus, mr
}

func TestEventBus_EnsureGroupIsIdempotent(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.EnsureGroup(ctx))
	// Creating the same group again reports BUSYGROUP, which is fine.
	require.NoError(t, bus.EnsureGroup(ctx))
}

func TestEventBus_PublishReadAck(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()
	require.NoError(t, bus.EnsureGroup(ctx))

	_, err := bus.Publish(ctx, map[string]string{
		"event_type": "auth_fail",
		"src_ip":     "10.0.0.1",
		"ts":         "2026-01-10T12:00:00Z",
	})
	require.NoError(t, err)

	events, err := bus.ReadBatch(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "auth_fail", ev.Fields["event_type"])
	assert.Equal(t, "10.0.0.1", ev.Fields["src_ip"])
	assert.Equal(t, time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.NotEmpty(t, ev.StreamID)

	require.NoError(t, bus.Ack(ctx, ev.StreamID))

	// Acked messages are not redelivered as new.
	events, err = bus.ReadBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventBus_ReadBatchEmptyStream(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()
	require.NoError(t, bus.EnsureGroup(ctx))

	events, err := bus.ReadBatch(ctx)
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestEventBus_AckWithNoIDs(t *testing.T) {
	bus, _ := newTestBus(t)
	assert.NoError(t, bus.Ack(context.Background()))
}

func TestEventBus_BatchSizeRespected(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()
	require.NoError(t, bus.EnsureGroup(ctx))

	for i := 0; i < 25; i++ {
		_, err := bus.Publish(ctx, map[string]string{"event_type": "x"})
		require.NoError(t, err)
	}

	events, err := bus.ReadBatch(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 10)
}
