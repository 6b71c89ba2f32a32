package border

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	apperrors "chunkfrontier.ai/internal/errors"
	"chunkfrontier.ai/internal/persistence/progressdb"
	"chunkfrontier.ai/internal/sim/tuning"
)

func f64(v float64) *float64 { return &v }

func testTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.Border = tuning.BorderConfig{
		InitialSize:       100,
		ExpansionPerChunk: 2,
		Worlds: map[string]tuning.BorderOverride{
			"beta": {ExpansionPerChunk: f64(5)},
		},
		WorldTypes: map[string]tuning.BorderOverride{
			"the_end": {InitialSize: f64(300)},
			"nether":  {InitialSize: f64(50), ExpansionPerChunk: f64(1)},
		},
	}
	t.Worlds = []tuning.WorldSpec{
		{ID: "alpha", Type: tuning.WorldNormal},
		{ID: "beta", Type: tuning.WorldNether},
		{ID: "hell", Type: tuning.WorldNether},
		{ID: "void", Type: tuning.WorldEnd},
	}
	t.Normalize()
	return t
}

func openStore(t *testing.T, path string) *progressdb.Store {
	t.Helper()
	s, err := progressdb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	return s
}

func TestResolver_Priority(t *testing.T) {
	r := NewResolver(testTuning())
	cases := map[string]Settings{
		"alpha":   {InitialSize: 100, ExpansionPerChunk: 2},
		"beta":    {InitialSize: 100, ExpansionPerChunk: 5}, // world override beats type, inherits default initial
		"hell":    {InitialSize: 50, ExpansionPerChunk: 1},
		"void":    {InitialSize: 300, ExpansionPerChunk: 2},
		"unknown": {InitialSize: 100, ExpansionPerChunk: 2},
	}
	for world, want := range cases {
		if got := r.For(world); got != want {
			t.Fatalf("%s: got %+v want %+v", world, got, want)
		}
	}
}

func TestComputeNewSize_Linear(t *testing.T) {
	c := NewController(NewResolver(testTuning()), nil, nil, nil, nil)
	if got := c.ComputeNewSize("alpha", 3); got != 106 {
		t.Fatalf("ComputeNewSize(alpha,3)=%v want 106", got)
	}
	prev := -1.0
	for n := 0; n < 500; n++ {
		got := c.ComputeNewSize("beta", n)
		if got < prev {
			t.Fatalf("size decreased at n=%d: %v < %v", n, got, prev)
		}
		prev = got
	}
	big := Settings{InitialSize: tuning.MaxBorderSize, ExpansionPerChunk: 1000}
	if got := big.Size(10); got != tuning.MaxBorderSize+10_000 {
		t.Fatalf("Size(10)=%v want %v", got, tuning.MaxBorderSize+10_000)
	}
	if got := c.ComputeNewSize("alpha", -4); got != 100 {
		t.Fatalf("negative count: got %v want 100", got)
	}
}

func TestApplyAndPersist_ScenarioThreeDiscoveries(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "p.db"))
	defer store.Close()
	mem := NewMemory()
	c := NewController(NewResolver(testTuning()), []string{"alpha"}, store, mem, nil)
	ctx := context.Background()

	for n := 1; n <= 3; n++ {
		if _, err := c.ApplyAndPersist(ctx, "alpha", c.ComputeNewSize("alpha", n), n); err != nil {
			t.Fatalf("ApplyAndPersist: %v", err)
		}
	}
	if live, _ := mem.Size("alpha"); live != 106 {
		t.Fatalf("live size %v want 106", live)
	}
	b, ok, err := store.LoadBorder(ctx, "alpha")
	if err != nil || !ok || b.Size != 106 || b.TotalDiscoveredInWorld != 3 {
		t.Fatalf("persisted %+v ok=%v err=%v", b, ok, err)
	}
	if got := c.CurrentSize(ctx, "alpha"); got != 106 {
		t.Fatalf("CurrentSize=%v", got)
	}
}

func TestApplyAndPersist_SmallerSizeOverwrites(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "p.db"))
	defer store.Close()
	mem := NewMemory()
	c := NewController(NewResolver(testTuning()), []string{"alpha"}, store, mem, nil)
	ctx := context.Background()

	if _, err := c.ApplyAndPersist(ctx, "alpha", 120, 10); err != nil {
		t.Fatalf("ApplyAndPersist: %v", err)
	}
	got, err := c.ApplyAndPersist(ctx, "alpha", 104, 2)
	if err != nil || got != 104 {
		t.Fatalf("ApplyAndPersist: got=%v err=%v", got, err)
	}
	if live, _ := mem.Size("alpha"); live != 104 {
		t.Fatalf("live size %v want 104", live)
	}
	b, ok, err := store.LoadBorder(ctx, "alpha")
	if err != nil || !ok || b.Size != 104 || b.TotalDiscoveredInWorld != 2 {
		t.Fatalf("persisted %+v ok=%v err=%v", b, ok, err)
	}
}

func TestApplyAndPersist_RejectsNegativeTotal(t *testing.T) {
	c := NewController(NewResolver(testTuning()), nil, brokenStore{}, nil, nil)
	if _, err := c.ApplyAndPersist(context.Background(), "alpha", 100, -1); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReload_LowerExpansionShrinksOnNextDiscovery(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "p.db"))
	defer store.Close()
	mem := NewMemory()
	c := NewController(NewResolver(testTuning()), []string{"alpha"}, store, mem, nil)
	ctx := context.Background()

	if _, err := c.ApplyAndPersist(ctx, "alpha", c.ComputeNewSize("alpha", 10), 10); err != nil {
		t.Fatalf("ApplyAndPersist: %v", err)
	}
	if live, _ := mem.Size("alpha"); live != 120 {
		t.Fatalf("live size %v want 120", live)
	}

	lowered := testTuning()
	lowered.Border.ExpansionPerChunk = 1
	c.Reload(NewResolver(lowered), nil)
	if live, _ := mem.Size("alpha"); live != 120 {
		t.Fatalf("reload must not touch live size, got %v", live)
	}

	size := c.ComputeNewSize("alpha", 11)
	if size != 111 {
		t.Fatalf("ComputeNewSize after reload=%v want 111", size)
	}
	if _, err := c.ApplyAndPersist(ctx, "alpha", size, 11); err != nil {
		t.Fatalf("ApplyAndPersist: %v", err)
	}
	if live, _ := mem.Size("alpha"); live != 111 {
		t.Fatalf("live size %v want 111", live)
	}
	if got := c.CurrentSize(ctx, "alpha"); got != 111 {
		t.Fatalf("persisted size %v want 111", got)
	}
}

// gatedStore blocks the first SaveBorder until release is closed.
type gatedStore struct {
	*progressdb.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) SaveBorder(ctx context.Context, b progressdb.BorderState) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Store.SaveBorder(ctx, b)
}

func TestFlush_RowsLandInApplyOrder(t *testing.T) {
	db := openStore(t, filepath.Join(t.TempDir(), "p.db"))
	defer db.Close()
	store := &gatedStore{Store: db, entered: make(chan struct{}), release: make(chan struct{})}
	mem := NewMemory()
	c := NewController(NewResolver(testTuning()), []string{"alpha"}, store, mem, nil)
	ctx := context.Background()

	c.Apply("alpha", 102, 1)
	done := make(chan error, 1)
	go func() { done <- c.Flush(ctx, "alpha") }()
	<-store.entered

	// A later discovery stages a smaller row while the first write is in flight.
	c.Apply("alpha", 101, 2)
	if err := c.Flush(ctx, "alpha"); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if !c.Pending("alpha") {
		t.Fatalf("row should stay staged for the running drain")
	}
	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("first Flush: %v", err)
	}

	b, ok, err := db.LoadBorder(ctx, "alpha")
	if err != nil || !ok || b.Size != 101 || b.TotalDiscoveredInWorld != 2 {
		t.Fatalf("persisted %+v ok=%v err=%v", b, ok, err)
	}
	if live, _ := mem.Size("alpha"); live != 101 {
		t.Fatalf("live size %v want 101", live)
	}
	if c.Pending("alpha") {
		t.Fatalf("nothing should remain staged")
	}
	if applied, failed := c.Counters(); applied != 2 || failed != 0 {
		t.Fatalf("counters applied=%d failed=%d", applied, failed)
	}
}

// failingSave fails SaveBorder while down is set.
type failingSave struct {
	*progressdb.Store
	down bool
}

func (f *failingSave) SaveBorder(ctx context.Context, b progressdb.BorderState) error {
	if f.down {
		return errors.New("disk full")
	}
	return f.Store.SaveBorder(ctx, b)
}

func TestFlush_FailedWriteStaysStagedForRetry(t *testing.T) {
	db := openStore(t, filepath.Join(t.TempDir(), "p.db"))
	defer db.Close()
	store := &failingSave{Store: db, down: true}
	c := NewController(NewResolver(testTuning()), []string{"alpha"}, store, NewMemory(), nil)
	ctx := context.Background()

	if _, err := c.ApplyAndPersist(ctx, "alpha", 104, 2); err == nil {
		t.Fatalf("expected write error")
	}
	if !c.Pending("alpha") {
		t.Fatalf("failed row should stay staged")
	}
	store.down = false
	if err := c.Flush(ctx, "alpha"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := c.CurrentSize(ctx, "alpha"); got != 104 {
		t.Fatalf("persisted size %v want 104", got)
	}
	if applied, failed := c.Counters(); applied != 1 || failed != 1 {
		t.Fatalf("counters applied=%d failed=%d", applied, failed)
	}
}

func TestRestoreOnStartup_RecoversAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.db")
	ctx := context.Background()
	worlds := []string{"alpha", "hell"}

	store := openStore(t, path)
	c := NewController(NewResolver(testTuning()), worlds, store, NewMemory(), nil)
	if _, err := c.ApplyAndPersist(ctx, "alpha", 500.0, 42); err != nil {
		t.Fatalf("ApplyAndPersist: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store = openStore(t, path)
	defer store.Close()
	mem := NewMemory()
	c = NewController(NewResolver(testTuning()), worlds, store, mem, nil)
	if err := c.RestoreOnStartup(ctx); err != nil {
		t.Fatalf("RestoreOnStartup: %v", err)
	}
	if live, _ := mem.Size("alpha"); live != 500.0 {
		t.Fatalf("alpha restored to %v want 500", live)
	}
	if live, _ := mem.Size("hell"); live != 50 {
		t.Fatalf("hell initialized to %v want 50", live)
	}
	b, ok, _ := store.LoadBorder(ctx, "hell")
	if !ok || b.Size != 50 {
		t.Fatalf("first row for hell not written: %+v ok=%v", b, ok)
	}
}

type brokenStore struct{ Store }

func (brokenStore) LoadBorders(context.Context) (map[string]progressdb.BorderState, error) {
	return nil, errors.New("disk gone")
}

func (brokenStore) LoadBorder(context.Context, string) (progressdb.BorderState, bool, error) {
	return progressdb.BorderState{}, false, errors.New("disk gone")
}

func TestRestoreOnStartup_FallsBackToInitialSizes(t *testing.T) {
	mem := NewMemory()
	c := NewController(NewResolver(testTuning()), []string{"alpha", "void"}, brokenStore{}, mem, nil)
	if err := c.RestoreOnStartup(context.Background()); err == nil {
		t.Fatalf("expected store error to surface")
	}
	if live, _ := mem.Size("alpha"); live != 100 {
		t.Fatalf("alpha fallback %v want 100", live)
	}
	if live, _ := mem.Size("void"); live != 300 {
		t.Fatalf("void fallback %v want 300", live)
	}
	if got := c.CurrentSize(context.Background(), "void"); got != 300 {
		t.Fatalf("CurrentSize fallback %v want 300", got)
	}
}

func TestReset_ReinitializesWorld(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "p.db"))
	defer store.Close()
	mem := NewMemory()
	c := NewController(NewResolver(testTuning()), []string{"alpha"}, store, mem, nil)
	ctx := context.Background()
	if _, err := c.ApplyAndPersist(ctx, "alpha", 180, 40); err != nil {
		t.Fatalf("ApplyAndPersist: %v", err)
	}
	size, err := c.Reset(ctx, "alpha")
	if err != nil || size != 100 {
		t.Fatalf("Reset: size=%v err=%v", size, err)
	}
	b, ok, _ := store.LoadBorder(ctx, "alpha")
	if !ok || b.Size != 100 || b.TotalDiscoveredInWorld != 0 {
		t.Fatalf("row after reset: %+v ok=%v", b, ok)
	}
}

func TestReload_SwapsSettings(t *testing.T) {
	c := NewController(NewResolver(testTuning()), []string{"alpha"}, nil, nil, nil)
	next := testTuning()
	next.Border.ExpansionPerChunk = 10
	c.Reload(NewResolver(next), nil)
	if got := c.ComputeNewSize("alpha", 1); got != 110 {
		t.Fatalf("after reload got %v want 110", got)
	}
	if len(c.Worlds()) != 1 {
		t.Fatalf("nil worlds should keep current list")
	}
}
