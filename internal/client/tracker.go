package client

import (
	"sort"
	"sync"
)

// Tracker records the highest sequence seen per conversation.
//
// Thread-safety: Tracker is safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewTracker creates a tracker seeded with known sequences.
func NewTracker(seen map[string]int64) *Tracker {
	t := &Tracker{last: make(map[string]int64, len(seen))}
	for id, seq := range seen {
		t.last[id] = seq
	}
	return t
}

// Observe records seq for convID. fresh is false for a sequence at or
// below the last seen one. gap is true when sequences were skipped; the
// last seen sequence then stays put so the missing range can be refetched.
func (t *Tracker) Observe(convID string, seq int64) (fresh, gap bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last := t.last[convID]
	if seq <= last {
		return false, false
	}
	if seq > last+1 {
		return false, true
	}
	t.last[convID] = seq
	return true, false
}

// Since returns the last sequence seen in convID, or 0.
func (t *Tracker) Since(convID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last[convID]
}

// Track makes convID known without moving its sequence.
func (t *Tracker) Track(convID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.last[convID]; !ok {
		t.last[convID] = 0
	}
}

// Conversations returns every tracked conversation ID in ascending order.
func (t *Tracker) Conversations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.last))
	for id := range t.last {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot copies the tracked sequences.
func (t *Tracker) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.last))
	for id, seq := range t.last {
		out[id] = seq
	}
	return out
}
