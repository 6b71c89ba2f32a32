package border

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"

	apperrors "chunkfrontier.ai/internal/errors"
	"chunkfrontier.ai/internal/persistence/progressdb"
)

// Store is the persistence the controller needs.
type Store interface {
	LoadBorder(ctx context.Context, world string) (progressdb.BorderState, bool, error)
	LoadBorders(ctx context.Context) (map[string]progressdb.BorderState, error)
	SaveBorder(ctx context.Context, b progressdb.BorderState) error
	InitBorderIfAbsent(ctx context.Context, world string, size float64) (bool, error)
	DeleteBorder(ctx context.Context, world string) error
}

// Controller applies border sizes. Apply, ApplyAndPersist and
// RestoreOnStartup touch the live boundary and belong on the primary loop.
// It trusts the counts it is given: a smaller size replaces a larger one.
type Controller struct {
	logger   *log.Logger
	store    Store
	boundary Boundary
	worlds   atomic.Pointer[[]string]
	resolver atomic.Pointer[Resolver]

	mu      sync.Mutex
	writers map[string]*rowWriter

	applied atomic.Uint64
	failed  atomic.Uint64
}

// rowWriter holds the newest unsaved row for one world. Only one Flush drains
// it at a time, so rows reach the store in the order Apply staged them.
type rowWriter struct {
	pending  *progressdb.BorderState
	draining bool
}

func NewController(resolver *Resolver, worlds []string, store Store, boundary Boundary, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if boundary == nil {
		boundary = NewMemory()
	}
	c := &Controller{
		logger:   logger,
		store:    store,
		boundary: boundary,
		writers:  map[string]*rowWriter{},
	}
	c.resolver.Store(resolver)
	c.setWorlds(worlds)
	return c
}

func (c *Controller) Settings(world string) Settings { return c.resolver.Load().For(world) }

// Reload swaps border settings. Live sizes are left alone until the next
// discovery in each world.
func (c *Controller) Reload(resolver *Resolver, worlds []string) {
	c.resolver.Store(resolver)
	if worlds != nil {
		c.setWorlds(worlds)
	}
}

func (c *Controller) setWorlds(worlds []string) {
	cp := append([]string(nil), worlds...)
	c.worlds.Store(&cp)
}

// ComputeNewSize is pure: initial + inWorldTotal * expansion for world.
func (c *Controller) ComputeNewSize(world string, inWorldTotal int) float64 {
	return c.Settings(world).Size(inWorldTotal)
}

// ApplyAndPersist sets the live border and overwrites the world's row.
func (c *Controller) ApplyAndPersist(ctx context.Context, world string, newSize float64, inWorldTotal int) (float64, error) {
	if inWorldTotal < 0 {
		return 0, apperrors.New(apperrors.CodeValidation, "in-world total must be >= 0")
	}
	c.Apply(world, newSize, inWorldTotal)
	return newSize, c.Flush(ctx, world)
}

// Apply sets the live border and stages the row for the next Flush. A staged
// row that was not yet written is replaced.
func (c *Controller) Apply(world string, newSize float64, inWorldTotal int) {
	c.boundary.SetSize(world, newSize)
	c.mu.Lock()
	w := c.writers[world]
	if w == nil {
		w = &rowWriter{}
		c.writers[world] = w
	}
	w.pending = &progressdb.BorderState{World: world, Size: newSize, TotalDiscoveredInWorld: inWorldTotal}
	c.mu.Unlock()
}

// SetLive changes only the live boundary, for worlds whose row already holds
// size.
func (c *Controller) SetLive(world string, size float64) {
	c.boundary.SetSize(world, size)
}

// Flush writes the staged row for world. If another Flush is already draining
// the world it returns at once and that drain writes the row. Safe to call
// from worker goroutines; no lock is held across the store call.
func (c *Controller) Flush(ctx context.Context, world string) error {
	c.mu.Lock()
	w := c.writers[world]
	if w == nil || w.draining {
		c.mu.Unlock()
		return nil
	}
	w.draining = true
	for w.pending != nil {
		row := *w.pending
		w.pending = nil
		c.mu.Unlock()

		err := c.store.SaveBorder(ctx, row)

		c.mu.Lock()
		if err != nil {
			if w.pending == nil {
				w.pending = &row
			}
			w.draining = false
			c.mu.Unlock()
			c.failed.Add(1)
			c.logger.Printf("persist border world=%s size=%.1f: %v", world, row.Size, err)
			return err
		}
		c.applied.Add(1)
	}
	w.draining = false
	c.mu.Unlock()
	return nil
}

// Pending reports whether world has a row staged but not yet written.
func (c *Controller) Pending(world string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.writers[world]
	return w != nil && w.pending != nil
}

// RestoreOnStartup applies saved sizes to every configured world, writing the
// initial size for worlds seen for the first time. If the store cannot be read
// all worlds fall back to their configured initial size.
func (c *Controller) RestoreOnStartup(ctx context.Context) error {
	saved, err := c.store.LoadBorders(ctx)
	if err != nil {
		c.logger.Printf("load borders failed, using configured initial sizes: %v", err)
		for _, w := range c.Worlds() {
			c.boundary.SetSize(w, c.Settings(w).InitialSize)
		}
		return err
	}
	for _, w := range c.Worlds() {
		if b, ok := saved[w]; ok {
			c.boundary.SetSize(w, b.Size)
			c.logger.Printf("restored border world=%s size=%.1f discovered=%d", w, b.Size, b.TotalDiscoveredInWorld)
			continue
		}
		size := c.Settings(w).InitialSize
		c.boundary.SetSize(w, size)
		if _, err := c.store.InitBorderIfAbsent(ctx, w, size); err != nil {
			c.logger.Printf("init border world=%s: %v", w, err)
			continue
		}
		c.logger.Printf("initialized border world=%s size=%.1f", w, size)
	}
	return nil
}

// CurrentSize returns the persisted size, or the configured initial size when
// the world has no row or the store fails.
func (c *Controller) CurrentSize(ctx context.Context, world string) float64 {
	b, ok, err := c.store.LoadBorder(ctx, world)
	if err != nil {
		c.logger.Printf("load border world=%s: %v", world, err)
	}
	if err != nil || !ok {
		return c.Settings(world).InitialSize
	}
	return b.Size
}

// LiveSize returns the size currently applied to the world boundary.
func (c *Controller) LiveSize(world string) (float64, bool) {
	return c.boundary.Size(world)
}

// Reset deletes the world's row and re-initializes it at the configured
// initial size.
func (c *Controller) Reset(ctx context.Context, world string) (float64, error) {
	c.mu.Lock()
	if w := c.writers[world]; w != nil {
		w.pending = nil
	}
	c.mu.Unlock()
	if err := c.store.DeleteBorder(ctx, world); err != nil {
		return 0, err
	}
	size := c.Settings(world).InitialSize
	c.boundary.SetSize(world, size)
	if _, err := c.store.InitBorderIfAbsent(ctx, world, size); err != nil {
		return size, err
	}
	c.logger.Printf("reset border world=%s size=%.1f", world, size)
	return size, nil
}

func (c *Controller) Worlds() []string { return append([]string(nil), (*c.worlds.Load())...) }

func (c *Controller) Counters() (applied, failed uint64) {
	return c.applied.Load(), c.failed.Load()
}
