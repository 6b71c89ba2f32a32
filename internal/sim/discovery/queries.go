package discovery

import (
	"context"

	"chunkfrontier.ai/internal/persistence/progressdb"
	"chunkfrontier.ai/internal/sim/region"
)

const MaxTopLimit = 50

// ClampLimit bounds list sizes to [1, MaxTopLimit].
func ClampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxTopLimit {
		return MaxTopLimit
	}
	return n
}

// The read helpers below log store failures and return zero values.

func (e *Engine) PlayerTotal(ctx context.Context, playerID string) int {
	n, err := e.store.GetTotal(ctx, playerID)
	if err != nil {
		e.logger.Printf("player total player=%s: %v", playerID, err)
		return 0
	}
	return n
}

func (e *Engine) PlayerWorldTotal(ctx context.Context, playerID, world string) int {
	n, err := e.store.GetTotalInWorld(ctx, playerID, world)
	if err != nil {
		e.logger.Printf("player world total player=%s world=%s: %v", playerID, world, err)
		return 0
	}
	return n
}

func (e *Engine) GlobalTotal(ctx context.Context) int {
	n, err := e.store.GetGlobalTotal(ctx)
	if err != nil {
		e.logger.Printf("global total: %v", err)
		return 0
	}
	return n
}

func (e *Engine) GlobalWorldTotal(ctx context.Context, world string) int {
	n, err := e.store.GetGlobalTotalInWorld(ctx, world)
	if err != nil {
		e.logger.Printf("global world total world=%s: %v", world, err)
		return 0
	}
	return n
}

func (e *Engine) FirstDiscoveries(ctx context.Context, playerID string) int {
	n, err := e.store.CountFirstDiscoveries(ctx, playerID)
	if err != nil {
		e.logger.Printf("first discoveries player=%s: %v", playerID, err)
		return 0
	}
	return n
}

func (e *Engine) TopPlayers(ctx context.Context, limit int) []progressdb.PlayerProgress {
	top, err := e.store.GetTopPlayers(ctx, ClampLimit(limit))
	if err != nil {
		e.logger.Printf("top players: %v", err)
		return []progressdb.PlayerProgress{}
	}
	return top
}

func (e *Engine) RecentDiscoveries(ctx context.Context, limit int) []progressdb.GlobalRegion {
	recent, err := e.store.RecentDiscoveries(ctx, ClampLimit(limit))
	if err != nil {
		e.logger.Printf("recent discoveries: %v", err)
		return []progressdb.GlobalRegion{}
	}
	if recent == nil {
		recent = []progressdb.GlobalRegion{}
	}
	return recent
}

func (e *Engine) IsDiscovered(ctx context.Context, playerID string, k region.Key) bool {
	ok, err := e.store.HasPlayerDiscovered(ctx, playerID, k)
	if err != nil {
		e.logger.Printf("is discovered player=%s region=%s: %v", playerID, k, err)
		return false
	}
	return ok
}
