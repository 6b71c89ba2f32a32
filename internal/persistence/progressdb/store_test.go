package progressdb

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "chunkfrontier.ai/internal/errors"
	"chunkfrontier.ai/internal/sim/region"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "progress.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordGlobalIfAbsent_OnlyFirstWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	k := region.Key{World: "world", X: 3, Z: -2}

	first, err := s.RecordGlobalIfAbsent(ctx, k, "alice")
	if err != nil || !first {
		t.Fatalf("first insert: first=%v err=%v", first, err)
	}
	again, err := s.RecordGlobalIfAbsent(ctx, k, "bob")
	if err != nil || again {
		t.Fatalf("second insert: first=%v err=%v", again, err)
	}
	recent, err := s.RecentDiscoveries(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDiscoveries: %v", err)
	}
	if len(recent) != 1 || recent[0].DiscoveredBy != "alice" || recent[0].Region != k {
		t.Fatalf("recent mismatch: %+v", recent)
	}
	if recent[0].DiscoveredAt.IsZero() {
		t.Fatalf("expected discovered_at to round-trip")
	}
}

func TestStore_RecordGlobalIfAbsent_ConcurrentExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	k := region.Key{World: "world", X: 7, Z: 7}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.RecordGlobalIfAbsent(ctx, k, fmt.Sprintf("p%d", i))
			if err != nil {
				t.Errorf("RecordGlobalIfAbsent: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	total, err := s.GetGlobalTotal(ctx)
	if err != nil || total != 1 {
		t.Fatalf("global total: %d err=%v", total, err)
	}
}

func TestStore_PlayerCounterMatchesRegions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := region.Key{World: "world", X: i % 20, Z: 0}
			first, err := s.RecordPlayerIfAbsent(ctx, "alice", k)
			if err != nil {
				t.Errorf("RecordPlayerIfAbsent: %v", err)
				return
			}
			if !first {
				return
			}
			if _, err := s.IncrementAndGetTotal(ctx, "alice"); err != nil {
				t.Errorf("IncrementAndGetTotal: %v", err)
			}
		}(i)
	}
	wg.Wait()

	total, err := s.GetTotal(ctx, "alice")
	if err != nil {
		t.Fatalf("GetTotal: %v", err)
	}
	inWorld, err := s.GetTotalInWorld(ctx, "alice", "world")
	if err != nil {
		t.Fatalf("GetTotalInWorld: %v", err)
	}
	if total != 20 || inWorld != 20 {
		t.Fatalf("expected 20/20, got total=%d inWorld=%d", total, inWorld)
	}
}

func TestStore_IncrementAndGetTotal_Sequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		p, err := s.IncrementAndGetTotal(ctx, "bob")
		if err != nil {
			t.Fatalf("IncrementAndGetTotal: %v", err)
		}
		if p.TotalDiscovered != want || p.PlayerID != "bob" {
			t.Fatalf("expected %d, got %+v", want, p)
		}
	}
	if n, _ := s.GetTotal(ctx, "nobody"); n != 0 {
		t.Fatalf("unknown player should report 0, got %d", n)
	}
}

func TestStore_RecountTotalRepairsDrift(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for x := 0; x < 3; x++ {
		if _, err := s.RecordPlayerIfAbsent(ctx, "carol", region.Key{World: "world", X: x}); err != nil {
			t.Fatalf("RecordPlayerIfAbsent: %v", err)
		}
	}
	// One increment landed, two were lost.
	if _, err := s.IncrementAndGetTotal(ctx, "carol"); err != nil {
		t.Fatalf("IncrementAndGetTotal: %v", err)
	}
	n, err := s.RecountTotal(ctx, "carol")
	if err != nil || n != 3 {
		t.Fatalf("RecountTotal: n=%d err=%v", n, err)
	}
	if got, _ := s.GetTotal(ctx, "carol"); got != 3 {
		t.Fatalf("expected repaired total 3, got %d", got)
	}
}

func TestStore_TopPlayersOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	bump := func(id string, n int) {
		for i := 0; i < n; i++ {
			if _, err := s.IncrementAndGetTotal(ctx, id); err != nil {
				t.Fatalf("IncrementAndGetTotal: %v", err)
			}
		}
	}
	bump("zed", 5)
	bump("amy", 5)
	bump("bob", 9)
	bump("cat", 1)

	top, err := s.GetTopPlayers(ctx, 3)
	if err != nil {
		t.Fatalf("GetTopPlayers: %v", err)
	}
	want := []string{"bob", "amy", "zed"}
	if len(top) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(top))
	}
	for i, id := range want {
		if top[i].PlayerID != id {
			t.Fatalf("rank %d: want %s got %s (%+v)", i, id, top[i].PlayerID, top)
		}
	}
	if _, err := s.GetTopPlayers(ctx, 0); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("expected validation error for limit 0, got %v", err)
	}
}

func TestStore_HasDiscoveredAndFirstCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	k := region.Key{World: "world_nether", X: -1, Z: -1}

	if ok, _ := s.HasAnyoneDiscovered(ctx, k); ok {
		t.Fatalf("unexpected discovery before insert")
	}
	if _, err := s.RecordGlobalIfAbsent(ctx, k, "dan"); err != nil {
		t.Fatalf("RecordGlobalIfAbsent: %v", err)
	}
	if _, err := s.RecordPlayerIfAbsent(ctx, "dan", k); err != nil {
		t.Fatalf("RecordPlayerIfAbsent: %v", err)
	}
	if ok, _ := s.HasAnyoneDiscovered(ctx, k); !ok {
		t.Fatalf("expected global discovery")
	}
	if ok, _ := s.HasPlayerDiscovered(ctx, "dan", k); !ok {
		t.Fatalf("expected player discovery")
	}
	if ok, _ := s.HasPlayerDiscovered(ctx, "eve", k); ok {
		t.Fatalf("eve never discovered %s", k)
	}
	if n, _ := s.CountFirstDiscoveries(ctx, "dan"); n != 1 {
		t.Fatalf("expected 1 first discovery, got %d", n)
	}
	if n, _ := s.GetGlobalTotalInWorld(ctx, "world_nether"); n != 1 {
		t.Fatalf("expected 1 nether region, got %d", n)
	}
	if n, _ := s.GetGlobalTotalInWorld(ctx, "world"); n != 0 {
		t.Fatalf("expected 0 overworld regions, got %d", n)
	}
}

func TestStore_RecentDiscoveriesNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	step := 0
	s.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
	for x := 0; x < 4; x++ {
		if _, err := s.RecordGlobalIfAbsent(ctx, region.Key{World: "world", X: x}, "p"); err != nil {
			t.Fatalf("RecordGlobalIfAbsent: %v", err)
		}
	}
	recent, err := s.RecentDiscoveries(ctx, 2)
	if err != nil {
		t.Fatalf("RecentDiscoveries: %v", err)
	}
	if len(recent) != 2 || recent[0].Region.X != 3 || recent[1].Region.X != 2 {
		t.Fatalf("unexpected order: %+v", recent)
	}
	if !recent[0].DiscoveredAt.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("timestamp mismatch: %v", recent[0].DiscoveredAt)
	}
}

func TestStore_BorderRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LoadBorder(ctx, "world"); err != nil || ok {
		t.Fatalf("LoadBorder before init: ok=%v err=%v", ok, err)
	}
	created, err := s.InitBorderIfAbsent(ctx, "world", 100)
	if err != nil || !created {
		t.Fatalf("InitBorderIfAbsent: created=%v err=%v", created, err)
	}
	created, err = s.InitBorderIfAbsent(ctx, "world", 999)
	if err != nil || created {
		t.Fatalf("second init should be a no-op: created=%v err=%v", created, err)
	}
	if err := s.SaveBorder(ctx, BorderState{World: "world", Size: 106, TotalDiscoveredInWorld: 3}); err != nil {
		t.Fatalf("SaveBorder: %v", err)
	}
	b, ok, err := s.LoadBorder(ctx, "world")
	if err != nil || !ok {
		t.Fatalf("LoadBorder: ok=%v err=%v", ok, err)
	}
	if b.Size != 106 || b.TotalDiscoveredInWorld != 3 {
		t.Fatalf("border mismatch: %+v", b)
	}
	all, err := s.LoadBorders(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("LoadBorders: %v err=%v", all, err)
	}
	if err := s.DeleteBorder(ctx, "world"); err != nil {
		t.Fatalf("DeleteBorder: %v", err)
	}
	if _, ok, _ := s.LoadBorder(ctx, "world"); ok {
		t.Fatalf("border should be gone")
	}
	if err := s.SaveBorder(ctx, BorderState{}); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStore_SaveBorderOverwritesSmallerSize(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveBorder(ctx, BorderState{World: "world", Size: 120, TotalDiscoveredInWorld: 10}); err != nil {
		t.Fatalf("SaveBorder: %v", err)
	}
	if err := s.SaveBorder(ctx, BorderState{World: "world", Size: 104, TotalDiscoveredInWorld: 2}); err != nil {
		t.Fatalf("SaveBorder: %v", err)
	}
	b, ok, err := s.LoadBorder(ctx, "world")
	if err != nil || !ok || b.Size != 104 || b.TotalDiscoveredInWorld != 2 {
		t.Fatalf("row=%+v ok=%v err=%v want 104/2", b, ok, err)
	}
}

func countPlayerRegions(t *testing.T, s *Store, player string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM player_regions WHERE player_id = ?`, player).Scan(&n); err != nil {
		t.Fatalf("count player_regions: %v", err)
	}
	return n
}

func TestStore_RecordPlayerAndIncrement(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	k := region.Key{World: "world", X: 4, Z: 4}

	first, prog, err := s.RecordPlayerAndIncrement(ctx, "alice", k)
	if err != nil || !first || prog.TotalDiscovered != 1 {
		t.Fatalf("first=%v total=%d err=%v", first, prog.TotalDiscovered, err)
	}
	first, prog, err = s.RecordPlayerAndIncrement(ctx, "alice", k)
	if err != nil || first || prog.TotalDiscovered != 0 {
		t.Fatalf("repeat: first=%v total=%d err=%v", first, prog.TotalDiscovered, err)
	}
	if total, _ := s.GetTotal(ctx, "alice"); total != 1 {
		t.Fatalf("total=%d want=1", total)
	}
}

func TestStore_RecordPlayerAndIncrement_FailedIncrementLeavesNoRegionRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	k := region.Key{World: "world", X: 7, Z: -1}

	if _, err := s.db.Exec(`CREATE TRIGGER players_down BEFORE INSERT ON players BEGIN SELECT RAISE(ABORT, 'players unavailable'); END;`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	_, _, err := s.RecordPlayerAndIncrement(ctx, "alice", k)
	if !apperrors.IsCode(err, apperrors.CodePersistence) || IsAmbiguous(err) {
		t.Fatalf("err=%v want definite persistence error", err)
	}
	if n := countPlayerRegions(t, s, "alice"); n != 0 {
		t.Fatalf("player_regions=%d want=0 after rolled back increment", n)
	}

	if _, err := s.db.Exec(`DROP TRIGGER players_down;`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	first, prog, err := s.RecordPlayerAndIncrement(ctx, "alice", k)
	if err != nil || !first || prog.TotalDiscovered != 1 {
		t.Fatalf("retry: first=%v total=%d err=%v", first, prog.TotalDiscovered, err)
	}
	if n := countPlayerRegions(t, s, "alice"); n != 1 {
		t.Fatalf("player_regions=%d want=1", n)
	}
}

func TestOpen_ErrorsAreTyped(t *testing.T) {
	if _, err := OpenSQLite(""); !apperrors.IsCode(err, apperrors.CodeConfiguration) {
		t.Fatalf("empty path err=%v want configuration", err)
	}
	dir := t.TempDir()
	// A directory where the database file should be cannot be opened as one.
	_, err := OpenSQLite(dir)
	if !apperrors.IsCode(err, apperrors.CodePersistence) {
		t.Fatalf("open dir err=%v want persistence", err)
	}
	if _, err := OpenPostgres(context.Background(), PostgresConfig{DSN: "   "}); !apperrors.IsCode(err, apperrors.CodeConfiguration) {
		t.Fatalf("empty dsn err=%v want configuration", err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if _, err := s.IncrementAndGetTotal(ctx, "alice"); err != nil {
		t.Fatalf("IncrementAndGetTotal: %v", err)
	}
	if err := s.SaveBorder(ctx, BorderState{World: "world", Size: 500}); err != nil {
		t.Fatalf("SaveBorder: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	var size float64
	if err := db.QueryRow(`SELECT border_size FROM world_borders WHERE world_name='world'`).Scan(&size); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if size != 500 {
		t.Fatalf("expected 500, got %v", size)
	}
}

func TestStore_ValidationAndAmbiguity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordGlobalIfAbsent(ctx, region.Key{}, "p"); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("expected validation error for empty world, got %v", err)
	}
	if _, err := s.IncrementAndGetTotal(ctx, " "); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("expected validation error for blank player, got %v", err)
	}

	amb := s.fail("increment player total", context.DeadlineExceeded, nil)
	if !apperrors.IsCode(amb, apperrors.CodePersistence) || !IsAmbiguous(amb) {
		t.Fatalf("deadline should be an ambiguous persistence error: %v", amb)
	}
	if IsAmbiguous(s.fail("get total", sql.ErrConnDone, nil)) {
		t.Fatalf("closed connection is a definite failure for sqlite")
	}
	if IsAmbiguous(fmt.Errorf("plain")) {
		t.Fatalf("plain errors are never ambiguous")
	}
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar(`SELECT 1 FROM t WHERE a = ? AND b = ?`)
	if got != `SELECT 1 FROM t WHERE a = $1 AND b = $2` {
		t.Fatalf("rebind: %s", got)
	}
}
