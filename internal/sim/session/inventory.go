package session

import (
	"sort"

	"chunkfrontier.ai/internal/sim/rewards"
)

const StackSize = 64

// Inventory is a slot-limited item store. Each item id fills
// ceil(count/StackSize) slots.
type Inventory struct {
	slots int
	items map[string]int
}

func NewInventory(slots int) *Inventory {
	if slots <= 0 {
		slots = 36
	}
	return &Inventory{slots: slots, items: map[string]int{}}
}

func slotsFor(count int) int {
	if count <= 0 {
		return 0
	}
	return (count + StackSize - 1) / StackSize
}

func (inv *Inventory) usedSlots() int {
	n := 0
	for _, c := range inv.items {
		n += slotsFor(c)
	}
	return n
}

// Add stores as much of it as fits and returns the overflow count.
func (inv *Inventory) Add(it rewards.Item) (overflow int) {
	if it.Count <= 0 || it.ID == "" {
		return 0
	}
	have := inv.items[it.ID]
	free := inv.slots - inv.usedSlots() + slotsFor(have)
	capacity := free*StackSize - have
	if capacity < 0 {
		capacity = 0
	}
	fit := it.Count
	if fit > capacity {
		fit = capacity
	}
	if fit > 0 {
		inv.items[it.ID] = have + fit
	}
	return it.Count - fit
}

func (inv *Inventory) Count(id string) int { return inv.items[id] }

func (inv *Inventory) FreeSlots() int { return inv.slots - inv.usedSlots() }

func (inv *Inventory) Items() []rewards.Item {
	out := make([]rewards.Item, 0, len(inv.items))
	for id, c := range inv.items {
		out = append(out, rewards.Item{ID: id, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
