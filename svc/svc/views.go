package svc

import "sync"

// ViewCounter holds live view counts between flushes. Counts are
// absolute display values, not deltas: the first Record for an id seeds
// the counter from the durable value, later ones increment in place.
type ViewCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewViewCounter() *ViewCounter {
	return &ViewCounter{counts: make(map[string]int64)}
}

// Record bumps the live count for a paste and returns the value to
// display. durable is the count last persisted to the metadata store.
func (v *ViewCounter) Record(id string, durable int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n, ok := v.counts[id]; ok {
		v.counts[id] = n + 1
		return n + 1
	}
	v.counts[id] = durable + 1
	return durable + 1
}

func (v *ViewCounter) Snapshot() map[string]int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]int64, len(v.counts))
	for id, n := range v.counts {
		out[id] = n
	}
	return out
}

// Reset drops every pending count. Called after a flush wrote the
// snapshot; views recorded between snapshot and reset are lost, which
// under-counts by at most one flush window.
func (v *ViewCounter) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.counts = make(map[string]int64)
}

func (v *ViewCounter) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.counts)
}
