package rewards

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	apperrors "chunkfrontier.ai/internal/errors"
)

const (
	KeyWorldFirst                 = "reward.world_first"
	KeyPersonalFirst              = "reward.personal_first"
	KeyMilestonePersonal          = "milestone.personal"
	KeyMilestonePersonalBroadcast = "milestone.personal.broadcast"
	KeyMilestoneGlobal            = "milestone.global"
	KeyDiscoveryFailed            = "discovery.failed"
)

// Message is a player-facing notice. Player is the subject of the notice,
// which for broadcasts is not the recipient.
type Message struct {
	Key    string `json:"key"`
	Player string `json:"player,omitempty"`
	Count  int    `json:"count,omitempty"`
	Text   string `json:"text"`
}

type Deliverer interface {
	Deliver(ctx context.Context, playerID string, b Bundle, reason string) error
}

type Messenger interface {
	Send(ctx context.Context, playerID string, m Message) error
	Broadcast(ctx context.Context, m Message) error
}

type Celebrator interface {
	Celebrate(ctx context.Context, playerID string, reason string) error
}

type Roster interface {
	Online() []string
}

type Deps struct {
	Deliverer  Deliverer
	Messenger  Messenger
	Celebrator Celebrator
	Roster     Roster
}

type Stats struct {
	Granted          uint64 `json:"granted"`
	DeliveryFailures uint64 `json:"delivery_failures"`
	PersonalFired    uint64 `json:"personal_milestones"`
	GlobalFired      uint64 `json:"global_milestones"`
	Baseline         int64  `json:"global_baseline"`
}

// Engine must be driven from the primary loop for delivery, but milestone
// bookkeeping is safe for concurrent use.
type Engine struct {
	logger *log.Logger
	deps   Deps

	rules    atomic.Pointer[Rules]
	triggers atomic.Pointer[sync.Map]
	baseline atomic.Int64

	granted       atomic.Uint64
	failures      atomic.Uint64
	personalFired atomic.Uint64
	globalFired   atomic.Uint64
}

func NewEngine(rules Rules, deps Deps, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	e := &Engine{logger: logger, deps: deps}
	e.Reload(rules)
	return e
}

func (e *Engine) Rules() Rules { return *e.rules.Load() }

// Reload swaps the reward table and forgets which global milestones fired.
func (e *Engine) Reload(r Rules) {
	r.Personal = sortedRules(r.Personal)
	r.Global = sortedRules(r.Global)
	e.rules.Store(&r)
	e.triggers.Store(&sync.Map{})
}

// ResetGlobalHistory forgets fired global milestones without touching rules.
func (e *Engine) ResetGlobalHistory() {
	e.triggers.Store(&sync.Map{})
}

// SetBaseline marks every global milestone at or below n as already reached.
func (e *Engine) SetBaseline(n int) {
	e.baseline.Store(int64(n))
}

func (e *Engine) Stats() Stats {
	return Stats{
		Granted:          e.granted.Load(),
		DeliveryFailures: e.failures.Load(),
		PersonalFired:    e.personalFired.Load(),
		GlobalFired:      e.globalFired.Load(),
		Baseline:         e.baseline.Load(),
	}
}

func sortedRules(in []Rule) []Rule {
	out := append([]Rule(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Threshold < out[j].Threshold })
	return out
}

// GrantDiscoveryReward pays out a discovery. A world first earns the world-first
// bundle and a broadcast; a personal first earns the personal bundle and a
// private notice. Personal milestones are checked afterwards.
func (e *Engine) GrantDiscoveryReward(ctx context.Context, playerID string, globalFirst, personalFirst bool, totalAfter int) error {
	if !personalFirst && !globalFirst {
		return nil
	}
	if totalAfter < 0 {
		return apperrors.New(apperrors.CodeValidation, "total must be >= 0")
	}
	r := e.rules.Load()
	var errs []error
	if globalFirst {
		errs = append(errs, e.deliver(ctx, playerID, r.WorldFirst, KeyWorldFirst))
		errs = append(errs, e.broadcast(ctx, Message{
			Key:    KeyWorldFirst,
			Player: playerID,
			Count:  totalAfter,
			Text:   fmt.Sprintf("%s is the first to explore a new region!", playerID),
		}))
	} else {
		errs = append(errs, e.deliver(ctx, playerID, r.PersonalFirst, KeyPersonalFirst))
		errs = append(errs, e.send(ctx, playerID, Message{
			Key:    KeyPersonalFirst,
			Player: playerID,
			Count:  totalAfter,
			Text:   fmt.Sprintf("New region discovered (%d total)", totalAfter),
		}))
	}
	if personalFirst {
		if _, err := e.CheckPersonalMilestone(ctx, playerID, totalAfter); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckPersonalMilestone fires the rule whose threshold equals total exactly.
func (e *Engine) CheckPersonalMilestone(ctx context.Context, playerID string, total int) (bool, error) {
	if total < 0 {
		return false, apperrors.New(apperrors.CodeValidation, "total must be >= 0")
	}
	r := e.rules.Load()
	idx := sort.Search(len(r.Personal), func(i int) bool { return r.Personal[i].Threshold >= total })
	if idx >= len(r.Personal) || r.Personal[idx].Threshold != total {
		return false, nil
	}
	rule := r.Personal[idx]
	e.personalFired.Add(1)

	var errs []error
	errs = append(errs, e.deliver(ctx, playerID, rule.Reward, KeyMilestonePersonal))
	if rule.SendMessage {
		text := rule.Message
		if text == "" {
			text = fmt.Sprintf("Milestone reached: %d regions explored", rule.Threshold)
		}
		if rule.Broadcast {
			errs = append(errs, e.broadcast(ctx, Message{Key: KeyMilestonePersonalBroadcast, Player: playerID, Count: total, Text: text}))
		} else {
			errs = append(errs, e.send(ctx, playerID, Message{Key: KeyMilestonePersonal, Player: playerID, Count: total, Text: text}))
		}
	}
	if rule.PlayEffects {
		errs = append(errs, e.celebrate(ctx, playerID, KeyMilestonePersonal))
	}
	return true, errors.Join(errs...)
}

// CheckGlobalMilestone fires, at most once each, every global rule whose
// threshold lies in (baseline, globalTotal]. Rewards go to every online player.
func (e *Engine) CheckGlobalMilestone(ctx context.Context, globalTotal int) ([]int, error) {
	r := e.rules.Load()
	set := e.triggers.Load()
	base := int(e.baseline.Load())

	var (
		fired []int
		errs  []error
	)
	for _, rule := range r.Global {
		if rule.Threshold > globalTotal {
			break
		}
		if rule.Threshold <= base {
			continue
		}
		if _, loaded := set.LoadOrStore(rule.Threshold, struct{}{}); loaded {
			continue
		}
		e.globalFired.Add(1)
		fired = append(fired, rule.Threshold)
		errs = append(errs, e.fireGlobal(ctx, rule, globalTotal))
	}
	return fired, errors.Join(errs...)
}

func (e *Engine) fireGlobal(ctx context.Context, rule Rule, globalTotal int) error {
	var online []string
	if e.deps.Roster != nil {
		online = e.deps.Roster.Online()
	}
	text := rule.Message
	if text == "" {
		text = fmt.Sprintf("The server has explored %d regions", rule.Threshold)
	}
	msg := Message{Key: KeyMilestoneGlobal, Count: globalTotal, Text: text}

	var errs []error
	if rule.SendMessage && rule.Broadcast {
		errs = append(errs, e.broadcast(ctx, msg))
	}
	for _, p := range online {
		errs = append(errs, e.deliver(ctx, p, rule.Reward, KeyMilestoneGlobal))
		if rule.SendMessage && !rule.Broadcast {
			errs = append(errs, e.send(ctx, p, msg))
		}
		if rule.PlayEffects {
			errs = append(errs, e.celebrate(ctx, p, KeyMilestoneGlobal))
		}
	}
	e.logger.Printf("global milestone threshold=%d total=%d recipients=%d", rule.Threshold, globalTotal, len(online))
	return errors.Join(errs...)
}

func (e *Engine) deliver(ctx context.Context, playerID string, b Bundle, reason string) error {
	if b.Empty() || e.deps.Deliverer == nil {
		return nil
	}
	if err := e.deps.Deliverer.Deliver(ctx, playerID, b, reason); err != nil {
		return e.deliveryFailed("deliver", playerID, reason, err)
	}
	e.granted.Add(1)
	return nil
}

func (e *Engine) send(ctx context.Context, playerID string, m Message) error {
	if e.deps.Messenger == nil {
		return nil
	}
	if err := e.deps.Messenger.Send(ctx, playerID, m); err != nil {
		return e.deliveryFailed("send", playerID, m.Key, err)
	}
	return nil
}

func (e *Engine) broadcast(ctx context.Context, m Message) error {
	if e.deps.Messenger == nil {
		return nil
	}
	if err := e.deps.Messenger.Broadcast(ctx, m); err != nil {
		return e.deliveryFailed("broadcast", "", m.Key, err)
	}
	return nil
}

func (e *Engine) celebrate(ctx context.Context, playerID, reason string) error {
	if e.deps.Celebrator == nil {
		return nil
	}
	if err := e.deps.Celebrator.Celebrate(ctx, playerID, reason); err != nil {
		return e.deliveryFailed("celebrate", playerID, reason, err)
	}
	return nil
}

func (e *Engine) deliveryFailed(op, playerID, reason string, err error) error {
	e.failures.Add(1)
	e.logger.Printf("%s failed player=%s reason=%s: %v", op, playerID, reason, err)
	return apperrors.WrapWithMetadata(apperrors.CodeDelivery, op, map[string]string{
		"player": playerID,
		"reason": reason,
	}, err)
}
