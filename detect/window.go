package detect

import (
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"corvus/metrics"
)

// Observation is the result of recording one event in an entity window.
type Observation struct {
	Hits        int
	WindowStart time.Time
	WindowEnd   time.Time
	Samples     []string
}

// entityWindow holds the timestamps retained for one (rule, entity) pair,
// ordered by event timestamp, plus bounded evidence samples.
type entityWindow struct {
	entries []time.Time
	samples []string
}

// EntityWindowTracker maintains per-rule, per-entity sliding windows. The
// window arena is a size-capped LRU whose entries expire after an idle TTL,
// so an entity that stops sending events consumes no unbounded memory: the
// cache evicts on next access and via its periodic sweep.
//
// A given (rule, entity) key must only be observed from the partition worker
// that owns it; the tracker serializes map structure internally but relies
// on single-writer routing for the window contents themselves.
type EntityWindowTracker struct {
	windows    *expirable.LRU[string, *entityWindow]
	maxSamples int
}

// maxWindowEntries bounds timestamps retained per window so a single hot
// entity cannot exhaust memory inside one window span.
const maxWindowEntries = 10000

// NewEntityWindowTracker creates a tracker holding at most maxWindows live
// windows, evicting windows idle for longer than idleTTL, and retaining at
// most maxSamples evidence samples per window.
func NewEntityWindowTracker(maxWindows int, idleTTL time.Duration, maxSamples int) *EntityWindowTracker {
	return &EntityWindowTracker{
		windows:    expirable.NewLRU[string, *entityWindow](maxWindows, nil, idleTTL),
		maxSamples: maxSamples,
	}
}

// Observe records an event timestamp in the window for (ruleID, entityKey),
// drops entries older than the newest retained timestamp minus the window,
// and returns the resulting hit count and window bounds. Entries are ordered
// by event timestamp, not arrival order, so late events within skew land in
// their correct position before trimming.
func (t *EntityWindowTracker) Observe(ruleID, entityKey string, window time.Duration, ts time.Time, sample string) Observation {
	key := ruleID + "\x00" + entityKey

	w, ok := t.windows.Get(key)
	if !ok {
		w = &entityWindow{}
		t.windows.Add(key, w)
	}

	// Sorted insert by event timestamp.
	idx := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].After(ts)
	})
	w.entries = append(w.entries, time.Time{})
	copy(w.entries[idx+1:], w.entries[idx:])
	w.entries[idx] = ts

	// Trim against the newest retained timestamp.
	latest := w.entries[len(w.entries)-1]
	cutoff := latest.Add(-window)
	keep := sort.Search(len(w.entries), func(i int) bool {
		return !w.entries[i].Before(cutoff)
	})
	w.entries = w.entries[keep:]

	if len(w.entries) > maxWindowEntries {
		w.entries = w.entries[len(w.entries)-maxWindowEntries:]
	}

	// A window that collapsed down to the new event restarts its evidence.
	if len(w.entries) == 1 {
		w.samples = w.samples[:0]
	}
	if sample != "" && len(w.samples) < t.maxSamples {
		w.samples = append(w.samples, sample)
	}

	metrics.EntityWindows.Set(float64(t.windows.Len()))

	samples := make([]string, len(w.samples))
	copy(samples, w.samples)
	return Observation{
		Hits:        len(w.entries),
		WindowStart: w.entries[0],
		WindowEnd:   w.entries[len(w.entries)-1],
		Samples:     samples,
	}
}

// Len returns the number of live windows.
func (t *EntityWindowTracker) Len() int {
	return t.windows.Len()
}

// Purge drops all window state.
func (t *EntityWindowTracker) Purge() {
	t.windows.Purge()
	metrics.EntityWindows.Set(0)
}
