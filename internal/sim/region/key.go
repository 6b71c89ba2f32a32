// Package region defines the discrete grid cells players discover and the
// memoized validity oracle that decides which cells count.
package region

import (
	"fmt"
	"strings"

	apperrors "chunkfrontier.ai/internal/errors"
	"chunkfrontier.ai/internal/sim/mathx"
)

// Size is the edge length of a region in blocks.
const Size = 16

// Key identifies one region: a world plus the region's grid coordinates.
type Key struct {
	World string `json:"world"`
	X     int    `json:"x"`
	Z     int    `json:"z"`
}

// FromBlock maps block coordinates to the region containing them.
func FromBlock(world string, bx, bz int) Key {
	return Key{
		World: world,
		X:     mathx.FloorDiv(bx, Size),
		Z:     mathx.FloorDiv(bz, Size),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%d", k.World, k.X, k.Z)
}

// MinBlock returns the block coordinates of the region's north-west corner.
func (k Key) MinBlock() (int, int) {
	return k.X * Size, k.Z * Size
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.World) == "" {
		return apperrors.New(apperrors.CodeValidation, "region world must not be empty")
	}
	return nil
}
