package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	plog "chunkfrontier.ai/internal/persistence/log"
	"chunkfrontier.ai/internal/persistence/offsite"
	"chunkfrontier.ai/internal/persistence/progressdb"
	"chunkfrontier.ai/internal/sim/border"
	"chunkfrontier.ai/internal/sim/discovery"
	"chunkfrontier.ai/internal/sim/region"
	"chunkfrontier.ai/internal/sim/rewards"
	"chunkfrontier.ai/internal/sim/runtime"
	"chunkfrontier.ai/internal/sim/session"
	"chunkfrontier.ai/internal/sim/terrain"
	"chunkfrontier.ai/internal/sim/tuning"
	"chunkfrontier.ai/internal/transport/ws"
)

// app owns every long-lived component of the server.
type app struct {
	logger *log.Logger
	tune   atomic.Pointer[tuning.Tuning]

	store   *progressdb.Store
	oracle  *region.Oracle
	hub     *session.Hub
	loop    *runtime.Loop
	pool    *runtime.Pool
	rewards *rewards.Engine
	border  *border.Controller
	engine  *discovery.Engine
	journal *plog.DiscoveryLogger
	mirror  *offsite.Mirror
	ws      *ws.Server

	reloads        atomic.Uint64
	reloadFailures atomic.Uint64
}

func newApp(ctx context.Context, tune tuning.Tuning, logger *log.Logger) (*app, error) {
	store, err := openStore(ctx, tune.Storage, logger)
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger, store: store}
	a.tune.Store(&tune)

	a.oracle = region.NewOracle(terrain.BedrockFloor{
		Seed:            tune.Terrain.Seed,
		DensityPermille: tune.Terrain.DensityPermille,
		AlwaysValid:     tune.AlwaysValidWorlds(),
	}, tune.Cache.Capacity)
	a.hub = session.NewHub(tune.InventorySlots, prefixed(logger, "hub"))
	a.loop = runtime.NewLoop(1024, prefixed(logger, "loop"))
	a.pool = runtime.NewPool(tune.Pipeline.Workers, tune.Pipeline.TaskTimeout(), prefixed(logger, "pool"))

	a.border = border.NewController(border.NewResolver(tune), tune.WorldIDs(), store, a.hub, prefixed(logger, "border"))
	if err := a.border.RestoreOnStartup(ctx); err != nil {
		logger.Printf("border restore degraded: %v", err)
	}

	a.rewards = rewards.NewEngine(rewards.RulesFromTuning(tune), rewards.Deps{
		Deliverer:  a.hub,
		Messenger:  a.hub,
		Celebrator: a.hub,
		Roster:     a.hub,
	}, prefixed(logger, "rewards"))
	if total, err := store.GetGlobalTotal(ctx); err != nil {
		logger.Printf("global total unavailable, milestone baseline=0: %v", err)
	} else {
		a.rewards.SetBaseline(total)
		logger.Printf("global milestone baseline=%d", total)
	}

	cfg := discovery.Config{
		Store:    store,
		Oracle:   a.oracle,
		Rewards:  a.rewards,
		Border:   a.border,
		Notifier: a.hub,
		Pool:     a.pool,
		Primary:  a.loop,
		Logger:   prefixed(logger, "discovery"),
	}
	if dir := strings.TrimSpace(tune.Storage.JournalDir); dir != "" {
		a.journal = plog.NewDiscoveryLogger(dir)
		cfg.Journal = a.journal
		a.mirror = openMirror(logger)
		if a.mirror != nil {
			a.journal.OnSealed(a.mirror.Enqueue)
		}
	}
	a.engine = discovery.New(cfg)

	a.ws = ws.NewServer(ws.Config{
		Hub:            a.hub,
		Engine:         a.engine,
		Worlds:         wsWorlds(tune),
		MovesPerSecond: tune.RateLimits.MovesPerSecond,
		MovesBurst:     tune.RateLimits.MovesBurst,
		Logger:         prefixed(logger, "ws"),
	})
	return a, nil
}

func prefixed(l *log.Logger, component string) *log.Logger {
	return log.New(l.Writer(), "["+component+"] ", l.Flags())
}

func wsWorlds(t tuning.Tuning) []ws.World {
	out := make([]ws.World, 0, len(t.Worlds))
	for _, w := range t.Worlds {
		out = append(out, ws.World{ID: w.ID, Type: t.WorldType(w.ID)})
	}
	return out
}

// Start runs the primary loop until ctx is done.
func (a *app) Start(ctx context.Context) {
	go a.loop.Run(ctx)
}

func (a *app) Tuning() tuning.Tuning { return *a.tune.Load() }

// Reload swaps in next. Storage, pipeline and terrain settings only change on
// restart.
func (a *app) Reload(ctx context.Context, next tuning.Tuning) error {
	prev := a.Tuning()
	if prev.Storage != next.Storage || prev.Pipeline != next.Pipeline || prev.Terrain != next.Terrain {
		a.logger.Printf("reload: storage/pipeline/terrain changes take effect after restart")
		next.Storage, next.Pipeline, next.Terrain = prev.Storage, prev.Pipeline, prev.Terrain
	}

	resolver := border.NewResolver(next)
	added := map[string]float64{}
	for _, w := range next.WorldIDs() {
		if _, ok := a.border.LiveSize(w); ok {
			continue
		}
		size := resolver.For(w).InitialSize
		if _, err := a.store.InitBorderIfAbsent(ctx, w, size); err != nil {
			a.logger.Printf("reload: init border world=%s: %v", w, err)
		}
		if b, ok, err := a.store.LoadBorder(ctx, w); err == nil && ok {
			size = b.Size
		}
		added[w] = size
	}

	// Live state is only mutated on the primary loop.
	err := a.loop.Call(ctx, func() {
		a.rewards.Reload(rewards.RulesFromTuning(next))
		a.border.Reload(resolver, next.WorldIDs())
		for w, size := range added {
			a.border.SetLive(w, size)
		}
	})
	if err != nil {
		a.reloadFailures.Add(1)
		return fmt.Errorf("reload on primary loop: %w", err)
	}
	a.oracle.Clear()
	a.ws.SetWorlds(wsWorlds(next))
	a.ws.SetRateLimit(next.RateLimits.MovesPerSecond, next.RateLimits.MovesBurst)
	a.tune.Store(&next)
	a.reloads.Add(1)
	a.logger.Printf("reloaded tuning worlds=%d personal_milestones=%d global_milestones=%d",
		len(next.Worlds), len(next.Milestones.Personal), len(next.Milestones.Global))
	return nil
}

// ReloadFromFile loads path and applies it. On error the running snapshot is
// kept.
func (a *app) ReloadFromFile(ctx context.Context, path string) error {
	next, err := tuning.Load(path)
	if err == nil {
		err = next.ApplyEnv()
	}
	if err != nil {
		a.reloadFailures.Add(1)
		a.logger.Printf("reload rejected, keeping current tuning: %v", err)
		return err
	}
	return a.Reload(ctx, next)
}

// Close drains outstanding work then releases the store. The loop goes first:
// its dispatches still hand border writes to the pool.
func (a *app) Close() {
	select {
	case <-a.loop.Stopped():
	case <-time.After(5 * time.Second):
		a.logger.Printf("primary loop did not stop in time")
	}
	a.pool.Close()
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Printf("close journal: %v", err)
		}
	}
	a.mirror.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Printf("close store: %v", err)
	}
}

// openMirror returns nil unless CF_OFFSITE_* names a complete bucket.
func openMirror(logger *log.Logger) *offsite.Mirror {
	s, err := offsite.SettingsFromEnv()
	if err != nil {
		logger.Printf("offsite mirror disabled: %v", err)
		return nil
	}
	if !s.Enabled() {
		return nil
	}
	client, err := offsite.NewClient(s)
	if err != nil {
		logger.Printf("offsite mirror disabled: %v", err)
		return nil
	}
	logger.Printf("offsite mirror bucket=%s prefix=%s workers=%d", s.Bucket, s.Prefix, s.Workers)
	return offsite.NewMirror(client, s, prefixed(logger, "offsite"))
}

func openStore(ctx context.Context, cfg tuning.StorageConfig, logger *log.Logger) (*progressdb.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "sqlite":
		logger.Printf("store backend=sqlite path=%s", cfg.SQLitePath)
		return progressdb.OpenSQLite(cfg.SQLitePath)
	case "postgres":
		logger.Printf("store backend=postgres")
		return progressdb.OpenPostgres(ctx, progressdb.PostgresConfig{
			DSN:             cfg.PostgresDSN,
			MaxOpenConns:    cfg.PostgresMaxConns,
			MaxIdleConns:    cfg.PostgresMaxConns,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  5 * time.Second,
			ApplicationName: "chunkfrontier-server",
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
