package rewards

import (
	"context"
	"errors"
	"sync"
	"testing"

	apperrors "chunkfrontier.ai/internal/errors"
	"chunkfrontier.ai/internal/sim/tuning"
)

type delivery struct {
	player string
	bundle Bundle
	reason string
}

type sent struct {
	to  string // empty for broadcasts
	msg Message
}

type fakeWorld struct {
	mu         sync.Mutex
	online     []string
	deliveries []delivery
	messages   []sent
	celebrated []string
	failFor    map[string]bool
}

func (f *fakeWorld) Deliver(_ context.Context, p string, b Bundle, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[p] {
		return errors.New("inventory unavailable")
	}
	f.deliveries = append(f.deliveries, delivery{player: p, bundle: b, reason: reason})
	return nil
}

func (f *fakeWorld) Send(_ context.Context, p string, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sent{to: p, msg: m})
	return nil
}

func (f *fakeWorld) Broadcast(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sent{msg: m})
	return nil
}

func (f *fakeWorld) Celebrate(_ context.Context, p, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.celebrated = append(f.celebrated, p)
	return nil
}

func (f *fakeWorld) Online() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.online...)
}

func newTestEngine(rules Rules, w *fakeWorld) *Engine {
	return NewEngine(rules, Deps{Deliverer: w, Messenger: w, Celebrator: w, Roster: w}, nil)
}

func testRules() Rules {
	return Rules{
		WorldFirst:    Bundle{Items: []Item{{ID: "DIAMOND", Count: 1}}, Experience: 100},
		PersonalFirst: Bundle{Items: []Item{{ID: "BREAD", Count: 5}}, Experience: 10},
		Personal: []Rule{
			{Threshold: 50, Reward: Bundle{Experience: 200}, SendMessage: true, Broadcast: true, PlayEffects: true},
			{Threshold: 10, Reward: Bundle{Items: []Item{{ID: "IRON_INGOT", Count: 8}}}, Message: "ten", SendMessage: true},
		},
		Global: []Rule{
			{Threshold: 20, Reward: Bundle{Experience: 5}, SendMessage: true, Broadcast: true},
			{Threshold: 10, Reward: Bundle{Experience: 1}, SendMessage: true, Broadcast: true, PlayEffects: true},
		},
	}
}

func TestGrantDiscoveryReward_WorldFirstBroadcasts(t *testing.T) {
	w := &fakeWorld{}
	e := newTestEngine(testRules(), w)
	if err := e.GrantDiscoveryReward(context.Background(), "alice", true, true, 1); err != nil {
		t.Fatalf("GrantDiscoveryReward: %v", err)
	}
	if len(w.deliveries) != 1 || w.deliveries[0].bundle.Items[0].ID != "DIAMOND" {
		t.Fatalf("expected world-first bundle, got %+v", w.deliveries)
	}
	if len(w.messages) != 1 || w.messages[0].to != "" || w.messages[0].msg.Key != KeyWorldFirst {
		t.Fatalf("expected world-first broadcast, got %+v", w.messages)
	}
}

func TestGrantDiscoveryReward_PersonalFirstIsPrivate(t *testing.T) {
	w := &fakeWorld{}
	e := newTestEngine(testRules(), w)
	if err := e.GrantDiscoveryReward(context.Background(), "bob", false, true, 3); err != nil {
		t.Fatalf("GrantDiscoveryReward: %v", err)
	}
	if len(w.deliveries) != 1 || w.deliveries[0].bundle.Items[0].ID != "BREAD" {
		t.Fatalf("expected personal-first bundle, got %+v", w.deliveries)
	}
	if len(w.messages) != 1 || w.messages[0].to != "bob" || w.messages[0].msg.Key != KeyPersonalFirst || w.messages[0].msg.Count != 3 {
		t.Fatalf("expected private notice, got %+v", w.messages)
	}
}

func TestGrantDiscoveryReward_NotFirstDoesNothing(t *testing.T) {
	w := &fakeWorld{}
	e := newTestEngine(testRules(), w)
	if err := e.GrantDiscoveryReward(context.Background(), "bob", false, false, 10); err != nil {
		t.Fatalf("GrantDiscoveryReward: %v", err)
	}
	if len(w.deliveries) != 0 || len(w.messages) != 0 {
		t.Fatalf("expected no side effects, got %+v %+v", w.deliveries, w.messages)
	}
}

func TestPersonalMilestone_ExactThresholdPrivateOnce(t *testing.T) {
	w := &fakeWorld{}
	e := newTestEngine(testRules(), w)
	ctx := context.Background()

	for total := 1; total <= 12; total++ {
		if err := e.GrantDiscoveryReward(ctx, "carol", false, true, total); err != nil {
			t.Fatalf("GrantDiscoveryReward(%d): %v", total, err)
		}
	}
	var milestone []sent
	for _, m := range w.messages {
		if m.msg.Key == KeyMilestonePersonal || m.msg.Key == KeyMilestonePersonalBroadcast {
			milestone = append(milestone, m)
		}
	}
	if len(milestone) != 1 {
		t.Fatalf("expected one milestone notice, got %+v", milestone)
	}
	if milestone[0].to != "carol" || milestone[0].msg.Key != KeyMilestonePersonal || milestone[0].msg.Text != "ten" {
		t.Fatalf("milestone 10 should be private: %+v", milestone[0])
	}
	if len(w.celebrated) != 0 {
		t.Fatalf("milestone 10 has no effects, got %v", w.celebrated)
	}
	iron := 0
	for _, d := range w.deliveries {
		if d.reason == KeyMilestonePersonal {
			iron++
		}
	}
	if iron != 1 {
		t.Fatalf("expected one milestone delivery, got %d", iron)
	}
}

func TestPersonalMilestone_BroadcastAndEffects(t *testing.T) {
	w := &fakeWorld{}
	e := newTestEngine(testRules(), w)
	fired, err := e.CheckPersonalMilestone(context.Background(), "dan", 50)
	if err != nil || !fired {
		t.Fatalf("CheckPersonalMilestone: fired=%v err=%v", fired, err)
	}
	if len(w.messages) != 1 || w.messages[0].to != "" || w.messages[0].msg.Key != KeyMilestonePersonalBroadcast {
		t.Fatalf("expected broadcast, got %+v", w.messages)
	}
	if len(w.celebrated) != 1 || w.celebrated[0] != "dan" {
		t.Fatalf("expected celebration for dan, got %v", w.celebrated)
	}
	if _, err := e.CheckPersonalMilestone(context.Background(), "dan", -1); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPersonalMilestone_SendMessageDisabled(t *testing.T) {
	w := &fakeWorld{}
	r := testRules()
	r.Personal = []Rule{{Threshold: 3, Reward: Bundle{Experience: 1}}}
	e := newTestEngine(r, w)
	if fired, _ := e.CheckPersonalMilestone(context.Background(), "eve", 3); !fired {
		t.Fatalf("expected milestone to fire")
	}
	if len(w.messages) != 0 || len(w.deliveries) != 1 {
		t.Fatalf("expected silent grant, got messages=%+v deliveries=%+v", w.messages, w.deliveries)
	}
}

func TestGlobalMilestone_FiresOnceUnderConcurrency(t *testing.T) {
	w := &fakeWorld{online: []string{"a", "b", "c"}}
	e := newTestEngine(testRules(), w)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(total int) {
			defer wg.Done()
			if _, err := e.CheckGlobalMilestone(context.Background(), total); err != nil {
				t.Errorf("CheckGlobalMilestone: %v", err)
			}
		}(10 + i%3)
	}
	wg.Wait()

	broadcasts := 0
	for _, m := range w.messages {
		if m.msg.Key == KeyMilestoneGlobal {
			broadcasts++
		}
	}
	if broadcasts != 1 {
		t.Fatalf("expected one broadcast, got %d", broadcasts)
	}
	if len(w.deliveries) != 3 || len(w.celebrated) != 3 {
		t.Fatalf("expected one grant per online player, got deliveries=%d celebrated=%d", len(w.deliveries), len(w.celebrated))
	}
}

func TestGlobalMilestone_CrossingFiresSkippedThresholds(t *testing.T) {
	w := &fakeWorld{online: []string{"a"}}
	e := newTestEngine(testRules(), w)
	fired, err := e.CheckGlobalMilestone(context.Background(), 25)
	if err != nil {
		t.Fatalf("CheckGlobalMilestone: %v", err)
	}
	if len(fired) != 2 || fired[0] != 10 || fired[1] != 20 {
		t.Fatalf("expected [10 20], got %v", fired)
	}
	if again, _ := e.CheckGlobalMilestone(context.Background(), 26); len(again) != 0 {
		t.Fatalf("milestones must not refire, got %v", again)
	}
}

func TestGlobalMilestone_BaselineAndReload(t *testing.T) {
	w := &fakeWorld{online: []string{"a"}}
	e := newTestEngine(testRules(), w)
	e.SetBaseline(15)
	fired, _ := e.CheckGlobalMilestone(context.Background(), 21)
	if len(fired) != 1 || fired[0] != 20 {
		t.Fatalf("baseline should suppress 10, got %v", fired)
	}

	e.Reload(testRules())
	fired, _ = e.CheckGlobalMilestone(context.Background(), 21)
	if len(fired) != 1 || fired[0] != 20 {
		t.Fatalf("reload should clear the trigger set, got %v", fired)
	}
	e.ResetGlobalHistory()
	if fired, _ = e.CheckGlobalMilestone(context.Background(), 21); len(fired) != 1 {
		t.Fatalf("reset should clear the trigger set, got %v", fired)
	}
	if e.Stats().Baseline != 15 {
		t.Fatalf("reload must keep the baseline, got %d", e.Stats().Baseline)
	}
}

func TestGlobalMilestone_DeliveryFailureIsolated(t *testing.T) {
	w := &fakeWorld{online: []string{"a", "broken", "c"}, failFor: map[string]bool{"broken": true}}
	e := newTestEngine(testRules(), w)
	_, err := e.CheckGlobalMilestone(context.Background(), 10)
	if !apperrors.IsCode(err, apperrors.CodeDelivery) {
		t.Fatalf("expected delivery error, got %v", err)
	}
	if len(w.deliveries) != 2 {
		t.Fatalf("other players should still be rewarded, got %+v", w.deliveries)
	}
	if e.Stats().DeliveryFailures != 1 {
		t.Fatalf("expected one failure, got %+v", e.Stats())
	}
}

func TestRulesFromTuning_Defaults(t *testing.T) {
	cfg := tuning.Defaults()
	r := RulesFromTuning(cfg)
	if r.WorldFirst.Items[0].ID != "DIAMOND" || r.WorldFirst.Experience != 100 {
		t.Fatalf("unexpected world-first default: %+v", r.WorldFirst)
	}
	if r.PersonalFirst.Items[0].Count != 5 || r.PersonalFirst.Experience != 10 {
		t.Fatalf("unexpected personal-first default: %+v", r.PersonalFirst)
	}
	if len(r.Personal) == 0 || !r.Personal[0].SendMessage {
		t.Fatalf("personal rules should default to sending messages: %+v", r.Personal)
	}
}
