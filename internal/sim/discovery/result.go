// Package discovery turns movement into recorded discoveries: it checks a
// region once globally and once per player, advances the counters and hands
// first discoveries to the border and reward engines on the primary loop.
package discovery

import "chunkfrontier.ai/internal/sim/region"

type Stage int

const (
	StageReceived Stage = iota
	StageValidatedRegion
	StageGlobalCheckComplete
	StagePlayerCheckComplete
	StageCountersUpdated
	StageRewardsDispatched
	StageDone
)

var stageNames = [...]string{
	"RECEIVED",
	"VALIDATED_REGION",
	"GLOBAL_CHECK_COMPLETE",
	"PLAYER_CHECK_COMPLETE",
	"COUNTERS_UPDATED",
	"REWARDS_DISPATCHED",
	"DONE",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "UNKNOWN"
	}
	return stageNames[s]
}

// Result describes one discovery attempt. Stage is the last stage reached;
// a completed attempt always ends at StageDone.
type Result struct {
	Player        string     `json:"player"`
	Region        region.Key `json:"region"`
	Stage         Stage      `json:"stage"`
	Valid         bool       `json:"valid"`
	GlobalFirst   bool       `json:"global_first"`
	PersonalFirst bool       `json:"personal_first"`
	TotalAfter    int        `json:"total_after"`
	WorldTotal    int        `json:"world_total"`
	GlobalTotal   int        `json:"global_total"`
	BorderSize    float64    `json:"border_size,omitempty"`
	// Ambiguous is set when the counter write may or may not have applied;
	// TotalAfter is then a re-read and no rewards were granted.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// Rewardable reports whether the attempt should reach the reward engine.
func (r Result) Rewardable() bool {
	return r.Valid && r.PersonalFirst && !r.Ambiguous
}
