// Package terrain provides the seeded floor predicate used when no host game
// supplies real block data.
package terrain

import (
	"chunkfrontier.ai/internal/sim/mathx"
	"chunkfrontier.ai/internal/sim/region"
)

// BedrockFloor reports a region valid when its lowest layer is solid bedrock.
// Without a real block store, solidity is derived from a per-world hash stream:
// a region floor is solid with probability DensityPermille/1000.
type BedrockFloor struct {
	Seed            int64
	DensityPermille int
	// AlwaysValid lists worlds whose floor is solid everywhere (flat or test worlds).
	AlwaysValid map[string]bool
}

func ClampPermille(v int) int {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}

func (b BedrockFloor) Valid(k region.Key) bool {
	if b.AlwaysValid[k.World] {
		return true
	}
	density := ClampPermille(b.DensityPermille)
	if density == 0 {
		return false
	}
	if density == 1000 {
		return true
	}
	h := mathx.Hash2(mathx.SeedFor(b.Seed, k.World), k.X, k.Z)
	return int(h%1000) < density
}
