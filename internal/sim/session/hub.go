// Package session tracks connected players and acts as the game side of the
// reward pipeline: it holds inventories and effects, fans out notices and
// keeps the live world borders.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	apperrors "chunkfrontier.ai/internal/errors"
	"chunkfrontier.ai/internal/protocol"
	"chunkfrontier.ai/internal/sim/border"
	"chunkfrontier.ai/internal/sim/rewards"
)

var (
	ErrAlreadyOnline = errors.New("player already online")
	ErrOffline       = errors.New("player offline")
	ErrQueueFull     = errors.New("outbound queue full")
)

type Player struct {
	ID        string
	SessionID string

	out        chan []byte
	world      string
	inv        *Inventory
	experience int
	effects    map[string]rewards.Effect
}

// PlayerView is a copy of a player's state for reads outside the hub.
type PlayerView struct {
	ID         string           `json:"id"`
	SessionID  string           `json:"session_id"`
	World      string           `json:"world"`
	Experience int              `json:"experience"`
	Items      []rewards.Item   `json:"items"`
	Effects    []rewards.Effect `json:"effects,omitempty"`
	FreeSlots  int              `json:"free_slots"`
}

type Hub struct {
	logger *log.Logger
	slots  int
	border *border.Memory

	mu      sync.RWMutex
	players map[string]*Player

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewHub(inventorySlots int, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{
		logger:  logger,
		slots:   inventorySlots,
		border:  border.NewMemory(),
		players: map[string]*Player{},
	}
}

// Join registers a connected player whose outbound frames go to out.
func (h *Hub) Join(playerID, sessionID, world string, out chan []byte) (*Player, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.players[playerID]; ok {
		return nil, ErrAlreadyOnline
	}
	p := &Player{
		ID:        playerID,
		SessionID: sessionID,
		out:       out,
		world:     world,
		inv:       NewInventory(h.slots),
		effects:   map[string]rewards.Effect{},
	}
	h.players[playerID] = p
	return p, nil
}

// Leave removes the player if sessionID still owns the slot.
func (h *Hub) Leave(playerID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.players[playerID]; ok && p.SessionID == sessionID {
		delete(h.players, playerID)
	}
}

func (h *Hub) SetWorld(playerID, world string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.players[playerID]; ok {
		p.world = world
	}
}

func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.players))
	for id := range h.players {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.players)
}

func (h *Hub) Player(playerID string) (PlayerView, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.players[playerID]
	if !ok {
		return PlayerView{}, false
	}
	v := PlayerView{
		ID:         p.ID,
		SessionID:  p.SessionID,
		World:      p.world,
		Experience: p.experience,
		Items:      p.inv.Items(),
		FreeSlots:  p.inv.FreeSlots(),
	}
	for _, e := range p.effects {
		v.Effects = append(v.Effects, e)
	}
	sort.Slice(v.Effects, func(i, j int) bool { return v.Effects[i].Type < v.Effects[j].Type })
	return v, true
}

// Deliver grants b to an online player. Items that do not fit are dropped at
// the player's feet and listed in the REWARD frame.
func (h *Hub) Deliver(_ context.Context, playerID string, b rewards.Bundle, reason string) error {
	h.mu.Lock()
	p, ok := h.players[playerID]
	if !ok {
		h.mu.Unlock()
		return apperrors.WithMetadata(apperrors.CodeDelivery, ErrOffline.Error(), map[string]string{"player": playerID})
	}
	msg := protocol.RewardMsg{
		Type:            protocol.TypeReward,
		ProtocolVersion: protocol.Version,
		Reason:          reason,
		Experience:      b.Experience,
	}
	for _, it := range b.Items {
		over := p.inv.Add(it)
		if kept := it.Count - over; kept > 0 {
			msg.Items = append(msg.Items, protocol.ItemStack{Item: it.ID, Count: kept})
		}
		if over > 0 {
			msg.Dropped = append(msg.Dropped, protocol.ItemStack{Item: it.ID, Count: over})
		}
	}
	p.experience += b.Experience
	for _, e := range b.Effects {
		if applyEffect(p.effects, e) {
			msg.Effects = append(msg.Effects, protocol.EffectInfo{Type: e.Type, DurationTicks: e.DurationTicks, Amplifier: e.Amplifier})
		}
	}
	out := p.out
	h.mu.Unlock()

	if len(msg.Dropped) > 0 {
		h.logger.Printf("inventory full player=%s reason=%s dropped=%d stacks", playerID, reason, len(msg.Dropped))
	}
	return h.enqueue(playerID, out, msg)
}

// applyEffect keeps the stronger of an active effect and e: higher amplifier
// wins, then longer duration.
func applyEffect(active map[string]rewards.Effect, e rewards.Effect) bool {
	cur, ok := active[e.Type]
	if ok && (cur.Amplifier > e.Amplifier || (cur.Amplifier == e.Amplifier && cur.DurationTicks >= e.DurationTicks)) {
		return false
	}
	active[e.Type] = e
	return true
}

func (h *Hub) Send(_ context.Context, playerID string, m rewards.Message) error {
	h.mu.RLock()
	p, ok := h.players[playerID]
	var out chan []byte
	if ok {
		out = p.out
	}
	h.mu.RUnlock()
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeDelivery, ErrOffline.Error(), map[string]string{"player": playerID})
	}
	return h.enqueue(playerID, out, notice(m, false))
}

// Broadcast sends m to every online player. Slow receivers miss the frame.
func (h *Hub) Broadcast(_ context.Context, m rewards.Message) error {
	b, err := json.Marshal(notice(m, true))
	if err != nil {
		return err
	}
	h.fanout(b, func(*Player) bool { return true })
	return nil
}

func (h *Hub) Celebrate(_ context.Context, playerID, reason string) error {
	h.mu.RLock()
	p, ok := h.players[playerID]
	var out chan []byte
	if ok {
		out = p.out
	}
	h.mu.RUnlock()
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeDelivery, ErrOffline.Error(), map[string]string{"player": playerID})
	}
	return h.enqueue(playerID, out, protocol.EffectMsg{Type: protocol.TypeEffect, ProtocolVersion: protocol.Version, Reason: reason})
}

// SetSize updates the live border and tells everyone in that world.
func (h *Hub) SetSize(world string, size float64) {
	h.border.SetSize(world, size)
	b, err := json.Marshal(protocol.BorderMsg{Type: protocol.TypeBorder, ProtocolVersion: protocol.Version, World: world, Size: size})
	if err != nil {
		return
	}
	h.fanout(b, func(p *Player) bool { return p.world == world })
}

func (h *Hub) Size(world string) (float64, bool) { return h.border.Size(world) }

func (h *Hub) Borders() map[string]float64 { return h.border.Snapshot() }

func (h *Hub) Counters() (sent, dropped uint64) { return h.sent.Load(), h.dropped.Load() }

func notice(m rewards.Message, broadcast bool) protocol.NoticeMsg {
	return protocol.NoticeMsg{
		Type:            protocol.TypeNotice,
		ProtocolVersion: protocol.Version,
		Key:             m.Key,
		Player:          m.Player,
		Count:           m.Count,
		Text:            m.Text,
		Broadcast:       broadcast,
	}
}

func (h *Hub) fanout(b []byte, match func(*Player) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.players {
		if !match(p) {
			continue
		}
		select {
		case p.out <- b:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) enqueue(playerID string, out chan []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case out <- b:
		h.sent.Add(1)
		return nil
	default:
		h.dropped.Add(1)
		return apperrors.WrapWithMetadata(apperrors.CodeDelivery, "enqueue", map[string]string{"player": playerID}, ErrQueueFull)
	}
}
