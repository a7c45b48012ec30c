package detect

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestTracker() *EntityWindowTracker {
	return NewEntityWindowTracker(1000, time.Hour, 3)
}

func TestEntityWindowTracker_AccumulatesHitsWithinWindow(t *testing.T) {
	tracker := newTestTracker()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	window := 30 * time.Second

	offsets := []int{0, 5, 10, 20, 29}
	var obs Observation
	for _, off := range offsets {
		obs = tracker.Observe("r1", "10.0.0.1", window, base.Add(time.Duration(off)*time.Second), "")
	}

	assert.Equal(t, 5, obs.Hits)
	assert.Equal(t, base, obs.WindowStart)
	assert.Equal(t, base.Add(29*time.Second), obs.WindowEnd)
}

func TestEntityWindowTracker_OldEntriesAgeOut(t *testing.T) {
	tracker := newTestTracker()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	window := 30 * time.Second

	for _, off := range []int{0, 5, 10, 20, 29} {
		tracker.Observe("r1", "10.0.0.1", window, base.Add(time.Duration(off)*time.Second), "")
	}

	// An event a full window later keeps only itself.
	obs := tracker.Observe("r1", "10.0.0.1", window, base.Add(60*time.Second), "")
	assert.Equal(t, 1, obs.Hits)
	assert.Equal(t, base.Add(60*time.Second), obs.WindowStart)
	assert.Equal(t, base.Add(60*time.Second), obs.WindowEnd)
}

func TestEntityWindowTracker_PartialTrim(t *testing.T) {
	tracker := newTestTracker()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	window := 30 * time.Second

	for _, off := range []int{0, 5, 10, 20, 29} {
		tracker.Observe("r1", "10.0.0.1", window, base.Add(time.Duration(off)*time.Second), "")
	}

	// t=35 drops t=0 and t=5 (older than 35-30) but keeps the rest.
	obs := tracker.Observe("r1", "10.0.0.1", window, base.Add(35*time.Second), "")
	assert.Equal(t, 4, obs.Hits)
	assert.Equal(t, base.Add(10*time.Second), obs.WindowStart)
}

// Events arriving out of order land in timestamp position, so a late event
// within the window still counts.
func TestEntityWindowTracker_OutOfOrderEvents(t *testing.T) {
	tracker := newTestTracker()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	window := 30 * time.Second

	tracker.Observe("r1", "e", window, base.Add(10*time.Second), "")
	tracker.Observe("r1", "e", window, base.Add(20*time.Second), "")
	obs := tracker.Observe("r1", "e", window, base.Add(15*time.Second), "")

	assert.Equal(t, 3, obs.Hits)
	assert.Equal(t, base.Add(10*time.Second), obs.WindowStart)
	assert.Equal(t, base.Add(20*time.Second), obs.WindowEnd)
}

// A late event older than the newest-minus-window is trimmed immediately
// and never inflates the count.
func TestEntityWindowTracker_LateEventBeyondWindowIgnored(t *testing.T) {
	tracker := newTestTracker()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	window := 30 * time.Second

	tracker.Observe("r1", "e", window, base.Add(60*time.Second), "")
	obs := tracker.Observe("r1", "e", window, base, "")

	assert.Equal(t, 1, obs.Hits)
	assert.Equal(t, base.Add(60*time.Second), obs.WindowStart)
}

func TestEntityWindowTracker_EntitiesAreIndependent(t *testing.T) {
	tracker := newTestTracker()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	for i := 0; i < 4; i++ {
		tracker.Observe("r1", "10.0.0.1", window, base.Add(time.Duration(i)*time.Second), "")
	}
	obs := tracker.Observe("r1", "10.0.0.2", window, base, "")
	assert.Equal(t, 1, obs.Hits)

	// Same entity under a different rule is also independent.
	obs = tracker.Observe("r2", "10.0.0.1", window, base, "")
	assert.Equal(t, 1, obs.Hits)
	assert.Equal(t, 3, tracker.Len())
}

func TestEntityWindowTracker_SamplesBoundedAndReset(t *testing.T) {
	tracker := newTestTracker()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	window := 30 * time.Second

	var obs Observation
	for i := 0; i < 5; i++ {
		obs = tracker.Observe("r1", "e", window, base.Add(time.Duration(i)*time.Second), fmt.Sprintf("s%d", i))
	}
	assert.Equal(t, []string{"s0", "s1", "s2"}, obs.Samples)

	// Window restart drops the old evidence.
	obs = tracker.Observe("r1", "e", window, base.Add(5*time.Minute), "fresh")
	assert.Equal(t, []string{"fresh"}, obs.Samples)
}

func TestEntityWindowTracker_ArenaEvictsPastCap(t *testing.T) {
	tracker := NewEntityWindowTracker(10, time.Hour, 3)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 25; i++ {
		tracker.Observe("r1", fmt.Sprintf("entity-%d", i), time.Minute, base, "")
	}
	assert.LessOrEqual(t, tracker.Len(), 10)
}

func TestEntityWindowTracker_Purge(t *testing.T) {
	tracker := newTestTracker()
	tracker.Observe("r1", "e", time.Minute, time.Now(), "")
	tracker.Purge()
	assert.Equal(t, 0, tracker.Len())
}
