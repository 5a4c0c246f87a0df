// Package recognition decides, per tracked object and per frame, whether to run
// the expensive face matcher or reuse the cached outcome for that track.
package recognition

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// UnknownName is the sentinel name for "no confident match".
const UnknownName = "unknown"

// MatchResult is a fresh answer from the face matcher for one image region.
type MatchResult struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Unknown is the result used whenever the matcher fails or finds nobody.
func Unknown() MatchResult {
	return MatchResult{Name: UnknownName, Score: 0}
}

// IsUnknown reports whether the result carries the unknown sentinel.
func (r MatchResult) IsUnknown() bool { return IsUnknown(r.Name) }

// MatchState is the cached recognition outcome for one track.
type MatchState struct {
	Name        string    `json:"name"`
	Score       float64   `json:"score"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// IsUnknown reports whether the cached state carries the unknown sentinel.
func (s MatchState) IsUnknown() bool { return IsUnknown(s.Name) }

// DisplayText is the label rendered next to the detection.
func (s MatchState) DisplayText() string {
	if s.IsUnknown() {
		return s.Name
	}
	return fmt.Sprintf("%s (%.2f)", s.Name, s.Score)
}

// IsUnknown is case-insensitive: "Unknown", "UNKNOWN" and "unknown" all match.
func IsUnknown(name string) bool {
	return strings.EqualFold(name, UnknownName)
}

// ClampScore forces a matcher score into [0, 1].
func ClampScore(score float64) float64 {
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
