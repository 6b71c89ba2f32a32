package discovery

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "chunkfrontier.ai/internal/errors"
	plog "chunkfrontier.ai/internal/persistence/log"
	"chunkfrontier.ai/internal/persistence/progressdb"
	"chunkfrontier.ai/internal/sim/region"
	"chunkfrontier.ai/internal/sim/rewards"
	"chunkfrontier.ai/internal/sim/runtime"
)

// Store is the persistence the engine drives.
type Store interface {
	RecordGlobalIfAbsent(ctx context.Context, k region.Key, playerID string) (bool, error)
	RecordPlayerAndIncrement(ctx context.Context, playerID string, k region.Key) (bool, progressdb.PlayerProgress, error)
	GetTotal(ctx context.Context, playerID string) (int, error)
	GetTotalInWorld(ctx context.Context, playerID, world string) (int, error)
	GetGlobalTotal(ctx context.Context) (int, error)
	GetGlobalTotalInWorld(ctx context.Context, world string) (int, error)
	CountFirstDiscoveries(ctx context.Context, playerID string) (int, error)
	GetTopPlayers(ctx context.Context, limit int) ([]progressdb.PlayerProgress, error)
	RecentDiscoveries(ctx context.Context, limit int) ([]progressdb.GlobalRegion, error)
	HasPlayerDiscovered(ctx context.Context, playerID string, k region.Key) (bool, error)
}

type Oracle interface {
	IsValidRegion(k region.Key) bool
}

type Rewarder interface {
	GrantDiscoveryReward(ctx context.Context, playerID string, globalFirst, personalFirst bool, totalAfter int) error
	CheckGlobalMilestone(ctx context.Context, globalTotal int) ([]int, error)
}

type Border interface {
	ComputeNewSize(world string, inWorldTotal int) float64
	Apply(world string, newSize float64, inWorldTotal int)
	Flush(ctx context.Context, world string) error
}

type Journal interface {
	WriteDiscovery(e plog.DiscoveryEntry) error
}

type Notifier interface {
	Send(ctx context.Context, playerID string, m rewards.Message) error
}

type Config struct {
	Store    Store
	Oracle   Oracle
	Rewards  Rewarder
	Border   Border
	Notifier Notifier
	Journal  Journal // optional

	Pool    *runtime.Pool
	Primary runtime.Executor

	Logger *log.Logger
	Tracer trace.Tracer
}

type Stats struct {
	Attempts       uint64 `json:"attempts"`
	Invalid        uint64 `json:"invalid"`
	Repeats        uint64 `json:"repeats"`
	PersonalFirsts uint64 `json:"personal_firsts"`
	GlobalFirsts   uint64 `json:"global_firsts"`
	Ambiguous      uint64 `json:"ambiguous"`
	Failures       uint64 `json:"failures"`
}

type Engine struct {
	store    Store
	oracle   Oracle
	rewards  Rewarder
	border   Border
	notifier Notifier
	journal  Journal
	pool     *runtime.Pool
	primary  runtime.Executor
	logger   *log.Logger
	tracer   trace.Tracer
	tracker  *Tracker

	attempts       atomic.Uint64
	invalid        atomic.Uint64
	repeats        atomic.Uint64
	personalFirsts atomic.Uint64
	globalFirsts   atomic.Uint64
	ambiguous      atomic.Uint64
	failures       atomic.Uint64
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Primary == nil {
		cfg.Primary = runtime.Inline{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("chunkfrontier.ai/internal/sim/discovery")
	}
	return &Engine{
		store:    cfg.Store,
		oracle:   cfg.Oracle,
		rewards:  cfg.Rewards,
		border:   cfg.Border,
		notifier: cfg.Notifier,
		journal:  cfg.Journal,
		pool:     cfg.Pool,
		primary:  cfg.Primary,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		tracker:  NewTracker(),
	}
}

func (e *Engine) Tracker() *Tracker { return e.tracker }

func (e *Engine) Stats() Stats {
	return Stats{
		Attempts:       e.attempts.Load(),
		Invalid:        e.invalid.Load(),
		Repeats:        e.repeats.Load(),
		PersonalFirsts: e.personalFirsts.Load(),
		GlobalFirsts:   e.globalFirsts.Load(),
		Ambiguous:      e.ambiguous.Load(),
		Failures:       e.failures.Load(),
	}
}

// OnMove is the movement entry point. It returns ok=false when the player is
// still inside the region they were last seen in.
func (e *Engine) OnMove(ctx context.Context, playerID, world string, blockX, blockZ int) (*runtime.Task[Result], bool) {
	k := region.FromBlock(world, blockX, blockZ)
	if !e.tracker.Moved(playerID, k) {
		return nil, false
	}
	return e.HandleDiscovery(ctx, playerID, k), true
}

// HandleDiscovery records (player, region) and, on a personal first, applies
// the border and grants rewards on the primary executor. The returned task
// completes after that dispatch. Failed attempts are abandoned and the player
// is told; the next entry into the region tries again.
func (e *Engine) HandleDiscovery(ctx context.Context, playerID string, k region.Key) *runtime.Task[Result] {
	e.attempts.Add(1)
	res := Result{Player: playerID, Region: k, Stage: StageReceived}
	if strings.TrimSpace(playerID) == "" {
		return runtime.Failed[Result](apperrors.New(apperrors.CodeValidation, "player id must not be empty"))
	}
	if err := k.Validate(); err != nil {
		return runtime.Failed[Result](err)
	}
	if !e.oracle.IsValidRegion(k) {
		e.invalid.Add(1)
		res.Stage = StageDone
		return runtime.Completed(res)
	}

	out := runtime.NewTask[Result]()
	work := runtime.Go(ctx, e.pool, func(ctx context.Context) (Result, error) {
		return e.Process(ctx, playerID, k)
	})
	work.Then(e.primary, func(r Result) {
		defer func() {
			if p := recover(); p != nil {
				err := apperrors.New(apperrors.CodeUnknown, fmt.Sprintf("dispatch panicked: %v", p))
				e.failures.Add(1)
				e.logger.Printf("discovery dispatch player=%s region=%s: %v", playerID, k, err)
				out.Resolve(r, err)
			}
		}()
		out.Resolve(e.dispatch(ctx, r), nil)
	}, func(err error) {
		e.failed(ctx, playerID, k, err)
		out.Resolve(Result{Player: playerID, Region: k, Valid: true}, err)
	})
	return out
}

// Process runs the persistence half of an attempt synchronously: the global
// insert-if-absent, the player insert with its increment in one transaction,
// and on a personal first the counter reads.
func (e *Engine) Process(ctx context.Context, playerID string, k region.Key) (res Result, err error) {
	ctx, span := e.tracer.Start(ctx, "discovery.process", trace.WithAttributes(
		attribute.String("player", playerID),
		attribute.String("world", k.World),
		attribute.Int("region.x", k.X),
		attribute.Int("region.z", k.Z),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("stage", res.Stage.String()),
			attribute.Bool("global_first", res.GlobalFirst),
			attribute.Bool("personal_first", res.PersonalFirst),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	res = Result{Player: playerID, Region: k, Stage: StageValidatedRegion, Valid: true}

	res.GlobalFirst, err = e.store.RecordGlobalIfAbsent(ctx, k, playerID)
	if err != nil {
		return res, err
	}
	res.Stage = StageGlobalCheckComplete

	first, prog, err := e.store.RecordPlayerAndIncrement(ctx, playerID, k)
	if err != nil {
		if !progressdb.IsAmbiguous(err) {
			return res, err
		}
		// The commit may have landed; report what the store now says and
		// leave rewards alone. It is never retried.
		total, rerr := e.store.GetTotal(context.WithoutCancel(ctx), playerID)
		if rerr != nil {
			return res, err
		}
		e.ambiguous.Add(1)
		e.logger.Printf("ambiguous increment player=%s region=%s total=%d: %v", playerID, k, total, err)
		res.PersonalFirst = true
		res.TotalAfter = total
		res.Ambiguous = true
		res.Stage = StageDone
		return res, nil
	}
	res.PersonalFirst = first
	res.Stage = StagePlayerCheckComplete
	if !res.PersonalFirst {
		e.repeats.Add(1)
		res.Stage = StageDone
		return res, nil
	}
	res.TotalAfter = prog.TotalDiscovered

	res.WorldTotal, err = e.store.GetTotalInWorld(ctx, playerID, k.World)
	if err != nil {
		return res, err
	}
	if res.GlobalFirst {
		gt, gerr := e.store.GetGlobalTotal(ctx)
		if gerr != nil {
			e.logger.Printf("global total unavailable, skipping global milestones: %v", gerr)
		} else {
			res.GlobalTotal = gt
		}
	}
	res.Stage = StageCountersUpdated

	e.personalFirsts.Add(1)
	if res.GlobalFirst {
		e.globalFirsts.Add(1)
	}
	e.writeJournal(res)
	return res, nil
}

func (e *Engine) writeJournal(r Result) {
	if e.journal == nil {
		return
	}
	err := e.journal.WriteDiscovery(plog.DiscoveryEntry{
		At:          time.Now().UTC(),
		PlayerID:    r.Player,
		World:       r.Region.World,
		RegionX:     r.Region.X,
		RegionZ:     r.Region.Z,
		GlobalFirst: r.GlobalFirst,
		TotalAfter:  r.TotalAfter,
		WorldTotal:  r.WorldTotal,
		GlobalTotal: r.GlobalTotal,
		Ambiguous:   r.Ambiguous,
	})
	if err != nil {
		e.logger.Printf("journal write failed: %v", err)
	}
}

// dispatch runs on the primary executor.
func (e *Engine) dispatch(ctx context.Context, r Result) Result {
	if !r.Rewardable() {
		r.Stage = StageDone
		return r
	}
	world := r.Region.World

	size := e.border.ComputeNewSize(world, r.WorldTotal)
	e.border.Apply(world, size, r.WorldTotal)
	r.BorderSize = size
	flush := runtime.Go(context.WithoutCancel(ctx), e.pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.border.Flush(ctx, world)
	})
	flush.Then(nil, nil, func(err error) {
		e.logger.Printf("border persist failed world=%s size=%.1f: %v", world, size, err)
	})

	if err := e.rewards.GrantDiscoveryReward(ctx, r.Player, r.GlobalFirst, r.PersonalFirst, r.TotalAfter); err != nil {
		e.logger.Printf("reward delivery player=%s: %v", r.Player, err)
	}
	if r.GlobalFirst && r.GlobalTotal > 0 {
		if _, err := e.rewards.CheckGlobalMilestone(ctx, r.GlobalTotal); err != nil {
			e.logger.Printf("global milestone delivery: %v", err)
		}
	}
	r.Stage = StageRewardsDispatched

	e.logger.Printf("discovery player=%s region=%s global_first=%t total=%d world_total=%d border=%.1f",
		r.Player, r.Region, r.GlobalFirst, r.TotalAfter, r.WorldTotal, r.BorderSize)
	r.Stage = StageDone
	return r
}

func (e *Engine) failed(ctx context.Context, playerID string, k region.Key, err error) {
	e.failures.Add(1)
	e.logger.Printf("discovery failed player=%s region=%s code=%s: %v", playerID, k, apperrors.CodeOf(err), err)
	if e.notifier == nil {
		return
	}
	msg := rewards.Message{
		Key:    rewards.KeyDiscoveryFailed,
		Player: playerID,
		Text:   "Could not record your discovery. Please tell an administrator.",
	}
	if nerr := e.notifier.Send(ctx, playerID, msg); nerr != nil {
		e.logger.Printf("notify failure player=%s: %v", playerID, nerr)
	}
}

// Forget drops the player's last-seen region, typically on disconnect.
func (e *Engine) Forget(playerID string) { e.tracker.Forget(playerID) }
