package recognition

import (
	"sort"
	"sync"
	"time"
)

// EvictReason says why an entry left the registry.
type EvictReason string

const (
	EvictEnded    EvictReason = "ended"    // the tracker reported the track as gone
	EvictCapacity EvictReason = "capacity" // oldest entry dropped to make room
	EvictStale    EvictReason = "stale"    // no recognition attempt within the TTL
)

// Entry is what the registry keeps per track. AttemptedAt is the last time the
// matcher was consulted for the track, which can be later than
// State.RefreshedAt when an unknown result was rejected by Merge.
type Entry struct {
	State       MatchState
	AttemptedAt time.Time
}

// TrackSnapshot is a read-only copy of one entry.
type TrackSnapshot struct {
	TrackID     uint64     `json:"track_id"`
	State       MatchState `json:"state"`
	AttemptedAt time.Time  `json:"attempted_at"`
	DisplayText string     `json:"display_text"`
}

// Registry owns the cached MatchState of every live track.
//
// All methods are safe for concurrent use; the lock is held only for the map
// operation itself, never across a matcher call.
type Registry struct {
	mu         sync.Mutex
	entries    map[uint64]Entry
	maxEntries int

	// OnEvict, if set, is called after an entry is removed. It runs outside the lock.
	OnEvict func(trackID uint64, reason EvictReason)
}

// NewRegistry creates a registry holding at most maxEntries tracks. Zero
// means unbounded; the tracker's end-of-track signal is then the only way
// entries leave.
func NewRegistry(maxEntries int) *Registry {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &Registry{
		entries:    make(map[uint64]Entry),
		maxEntries: maxEntries,
	}
}

// Get returns the cached state for a track.
func (r *Registry) Get(trackID uint64) (MatchState, bool) {
	e, ok := r.Lookup(trackID)
	return e.State, ok
}

// Lookup returns the full entry for a track.
func (r *Registry) Lookup(trackID uint64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[trackID]
	return e, ok
}

// Upsert stores state for the track, replacing whatever was there.
func (r *Registry) Upsert(trackID uint64, state MatchState, attemptedAt time.Time) {
	var evicted []uint64

	r.mu.Lock()
	if _, exists := r.entries[trackID]; !exists && r.maxEntries > 0 {
		for len(r.entries) >= r.maxEntries {
			oldest := r.oldestLocked()
			delete(r.entries, oldest)
			evicted = append(evicted, oldest)
		}
	}
	r.entries[trackID] = Entry{State: state, AttemptedAt: attemptedAt}
	r.mu.Unlock()

	r.notify(evicted, EvictCapacity)
}

// Remove evicts a track. It returns false if the track was not cached.
func (r *Registry) Remove(trackID uint64) bool {
	r.mu.Lock()
	_, ok := r.entries[trackID]
	delete(r.entries, trackID)
	r.mu.Unlock()

	if ok {
		r.notify([]uint64{trackID}, EvictEnded)
	}
	return ok
}

// EvictStale removes every track whose last recognition attempt is older than
// ttl and returns how many were removed.
func (r *Registry) EvictStale(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	var evicted []uint64

	r.mu.Lock()
	for id, e := range r.entries {
		if now.Sub(e.AttemptedAt) > ttl {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()

	r.notify(evicted, EvictStale)
	return len(evicted)
}

// Len returns the number of cached tracks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot copies every entry, ordered by track id.
func (r *Registry) Snapshot() []TrackSnapshot {
	r.mu.Lock()
	out := make([]TrackSnapshot, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, TrackSnapshot{
			TrackID:     id,
			State:       e.State,
			AttemptedAt: e.AttemptedAt,
			DisplayText: e.State.DisplayText(),
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// oldestLocked picks the entry with the oldest attempt. Ties go to the lower id
// so eviction is deterministic.
func (r *Registry) oldestLocked() uint64 {
	var (
		oldestID uint64
		oldestAt time.Time
		first    = true
	)
	for id, e := range r.entries {
		if first || e.AttemptedAt.Before(oldestAt) || (e.AttemptedAt.Equal(oldestAt) && id < oldestID) {
			oldestID, oldestAt, first = id, e.AttemptedAt, false
		}
	}
	return oldestID
}

func (r *Registry) notify(ids []uint64, reason EvictReason) {
	if r.OnEvict == nil {
		return
	}
	for _, id := range ids {
		r.OnEvict(id, reason)
	}
}
