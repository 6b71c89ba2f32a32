// Package rewards grants discovery rewards and fires personal and server-wide
// milestones.
package rewards

import "chunkfrontier.ai/internal/sim/tuning"

type Item struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

type Effect struct {
	Type          string `json:"type"`
	DurationTicks int    `json:"duration_ticks"`
	Amplifier     int    `json:"amplifier"`
}

type Bundle struct {
	Items      []Item   `json:"items,omitempty"`
	Experience int      `json:"experience,omitempty"`
	Effects    []Effect `json:"effects,omitempty"`
}

func (b Bundle) Empty() bool {
	return len(b.Items) == 0 && b.Experience == 0 && len(b.Effects) == 0
}

func BundleFromSpec(s tuning.BundleSpec) Bundle {
	b := Bundle{Experience: s.Experience}
	for _, it := range s.Items {
		b.Items = append(b.Items, Item{ID: it.ID, Count: it.Count})
	}
	for _, e := range s.Effects {
		b.Effects = append(b.Effects, Effect{Type: e.Type, DurationTicks: e.DurationTicks, Amplifier: e.Amplifier})
	}
	return b
}

// Rule is one milestone: reaching Threshold grants Reward.
type Rule struct {
	Threshold   int
	Reward      Bundle
	Message     string
	SendMessage bool
	Broadcast   bool
	PlayEffects bool
}

// Rules is an immutable reward table. Milestones are sorted by threshold.
type Rules struct {
	WorldFirst    Bundle
	PersonalFirst Bundle
	Personal      []Rule
	Global        []Rule
}

func RulesFromTuning(t tuning.Tuning) Rules {
	r := Rules{
		WorldFirst:    BundleFromSpec(tuning.DefaultWorldFirst()),
		PersonalFirst: BundleFromSpec(tuning.DefaultPersonalFirst()),
	}
	if t.Rewards.WorldFirst != nil {
		r.WorldFirst = BundleFromSpec(*t.Rewards.WorldFirst)
	}
	if t.Rewards.PersonalFirst != nil {
		r.PersonalFirst = BundleFromSpec(*t.Rewards.PersonalFirst)
	}
	r.Personal = rulesFromSpecs(t.Milestones.Personal)
	r.Global = rulesFromSpecs(t.Milestones.Global)
	return r
}

func rulesFromSpecs(specs []tuning.MilestoneSpec) []Rule {
	out := make([]Rule, 0, len(specs))
	for _, s := range specs {
		out = append(out, Rule{
			Threshold:   s.Threshold,
			Reward:      BundleFromSpec(s.Reward),
			Message:     s.Message,
			SendMessage: s.SendsMessage(),
			Broadcast:   s.Broadcast,
			PlayEffects: s.PlayEffects,
		})
	}
	return out
}
