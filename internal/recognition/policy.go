package recognition

import "time"

// ShouldRefresh reports whether a track last attempted at last is due for a
// new recognition attempt. The interval is shared by every track.
func ShouldRefresh(now, last time.Time, interval time.Duration) bool {
	return now.Sub(last) >= interval
}

// Merge combines a fresh matcher result with the cached state of the track.
//
// A fresh known result, or any result for a track with no history, replaces the
// state and stamps it with now. A fresh unknown never overwrites a cached
// state: previous is returned untouched, timestamp included.
func Merge(previous *MatchState, fresh MatchResult, now time.Time) MatchState {
	if !fresh.IsUnknown() || previous == nil {
		return MatchState{
			Name:        fresh.Name,
			Score:       ClampScore(fresh.Score),
			RefreshedAt: now,
		}
	}
	return *previous
}
