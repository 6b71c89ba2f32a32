// Package progressdb is the durable store for exploration progress: per-player
// totals, the global and per-player discovered-region sets and per-world border
// state. All uniqueness guarantees come from the database's own constraints.
package progressdb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	apperrors "chunkfrontier.ai/internal/errors"
	"chunkfrontier.ai/internal/sim/region"
)

// Fixed-width so lexical order on TEXT columns matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type PlayerProgress struct {
	PlayerID        string    `json:"player_id"`
	TotalDiscovered int       `json:"total_discovered"`
	LastUpdate      time.Time `json:"last_update"`
}

type GlobalRegion struct {
	Region       region.Key `json:"region"`
	DiscoveredBy string     `json:"discovered_by"`
	DiscoveredAt time.Time  `json:"discovered_at"`
}

type BorderState struct {
	World                  string    `json:"world"`
	Size                   float64   `json:"size"`
	TotalDiscoveredInWorld int       `json:"total_discovered_in_world"`
	LastUpdate             time.Time `json:"last_update"`
}

type dialect struct {
	name      string
	rebind    func(q string) string
	timeArg   func(t time.Time) any
	ambiguous func(err error) bool
}

// Store implements every persistence primitive over database/sql. The same
// statements serve SQLite and PostgreSQL; only placeholders and timestamp
// encoding differ.
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time

	once sync.Once
}

func (s *Store) Backend() string { return s.dialect.name }

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.fail("ping", err, nil)
	}
	return nil
}

func (s *Store) q(query string) string { return s.dialect.rebind(query) }

func (s *Store) stamp() (time.Time, any) {
	t := s.now().UTC()
	return t, s.dialect.timeArg(t)
}

// fail wraps a driver error as a PERSISTENCE error. Writes whose outcome is
// unknown are tagged so callers can re-read instead of re-applying.
func (s *Store) fail(op string, err error, md map[string]string) error {
	if md == nil {
		md = map[string]string{}
	}
	md["op"] = op
	md["backend"] = s.dialect.name
	if s.dialect.ambiguous != nil && s.dialect.ambiguous(err) {
		md["ambiguous"] = "true"
	}
	return apperrors.WrapWithMetadata(apperrors.CodePersistence, op, md, err)
}

// definite wraps a failure that is known not to have been applied, such as any
// error inside a transaction that is then rolled back.
func (s *Store) definite(op string, err error, md map[string]string) error {
	if md == nil {
		md = map[string]string{}
	}
	md["op"] = op
	md["backend"] = s.dialect.name
	return apperrors.WrapWithMetadata(apperrors.CodePersistence, op, md, err)
}

// IsAmbiguous reports whether a failed write may still have been applied.
func IsAmbiguous(err error) bool {
	var e *apperrors.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == apperrors.CodePersistence && e.Metadata["ambiguous"] == "true"
}

func contextAmbiguous(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func requirePlayer(playerID string) error {
	if strings.TrimSpace(playerID) == "" {
		return apperrors.New(apperrors.CodeValidation, "player id must not be empty")
	}
	return nil
}

func regionMeta(k region.Key) map[string]string {
	return map[string]string{"region": k.String()}
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		if p, err := time.Parse(timeLayout, t); err == nil {
			return p
		}
		if p, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return p.UTC()
		}
	case []byte:
		return parseTime(string(t))
	}
	return time.Time{}
}

// RecordGlobalIfAbsent inserts the server-wide discovery row for k. It returns
// true iff this call created the row.
func (s *Store) RecordGlobalIfAbsent(ctx context.Context, k region.Key, playerID string) (bool, error) {
	if err := k.Validate(); err != nil {
		return false, err
	}
	if err := requirePlayer(playerID); err != nil {
		return false, err
	}
	_, at := s.stamp()
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO global_regions(world,region_x,region_z,discovered_by,discovered_at) VALUES(?,?,?,?,?) ON CONFLICT DO NOTHING`),
		k.World, k.X, k.Z, playerID, at)
	if err != nil {
		return false, s.fail("record global region", err, regionMeta(k))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("record global region", err, regionMeta(k))
	}
	return n > 0, nil
}

// RecordPlayerIfAbsent inserts the (player, region) row. It returns true iff
// the player had never discovered k before.
func (s *Store) RecordPlayerIfAbsent(ctx context.Context, playerID string, k region.Key) (bool, error) {
	if err := k.Validate(); err != nil {
		return false, err
	}
	if err := requirePlayer(playerID); err != nil {
		return false, err
	}
	_, at := s.stamp()
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO player_regions(player_id,world,region_x,region_z,discovered_at) VALUES(?,?,?,?,?) ON CONFLICT DO NOTHING`),
		playerID, k.World, k.X, k.Z, at)
	if err != nil {
		return false, s.fail("record player region", err, regionMeta(k))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("record player region", err, regionMeta(k))
	}
	return n > 0, nil
}

// IncrementAndGetTotal creates the player row if needed, adds one and returns
// the post-increment total in a single statement.
func (s *Store) IncrementAndGetTotal(ctx context.Context, playerID string) (PlayerProgress, error) {
	if err := requirePlayer(playerID); err != nil {
		return PlayerProgress{}, err
	}
	now, at := s.stamp()
	var total int
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO players(player_id,total_discovered,last_update) VALUES(?,1,?)
		 ON CONFLICT(player_id) DO UPDATE SET total_discovered = players.total_discovered + 1, last_update = excluded.last_update
		 RETURNING total_discovered`),
		playerID, at).Scan(&total)
	if err != nil {
		return PlayerProgress{}, s.fail("increment player total", err, map[string]string{"player": playerID})
	}
	return PlayerProgress{PlayerID: playerID, TotalDiscovered: total, LastUpdate: now}, nil
}

// RecordPlayerAndIncrement inserts the (player, region) row and, when it is
// new, adds one to the player's total in the same transaction. A failure before
// commit leaves neither row changed, so the next visit is again a personal
// first. Only a failed commit is reported as ambiguous.
func (s *Store) RecordPlayerAndIncrement(ctx context.Context, playerID string, k region.Key) (bool, PlayerProgress, error) {
	if err := k.Validate(); err != nil {
		return false, PlayerProgress{}, err
	}
	if err := requirePlayer(playerID); err != nil {
		return false, PlayerProgress{}, err
	}
	const op = "record player region and increment"
	md := regionMeta(k)
	md["player"] = playerID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, PlayerProgress{}, s.definite(op, err, md)
	}
	defer func() { _ = tx.Rollback() }()

	now, at := s.stamp()
	res, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO player_regions(player_id,world,region_x,region_z,discovered_at) VALUES(?,?,?,?,?) ON CONFLICT DO NOTHING`),
		playerID, k.World, k.X, k.Z, at)
	if err != nil {
		return false, PlayerProgress{}, s.definite(op, err, md)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, PlayerProgress{}, s.definite(op, err, md)
	}
	if n == 0 {
		return false, PlayerProgress{}, nil
	}

	var total int
	err = tx.QueryRowContext(ctx, s.q(
		`INSERT INTO players(player_id,total_discovered,last_update) VALUES(?,1,?)
		 ON CONFLICT(player_id) DO UPDATE SET total_discovered = players.total_discovered + 1, last_update = excluded.last_update
		 RETURNING total_discovered`),
		playerID, at).Scan(&total)
	if err != nil {
		return false, PlayerProgress{}, s.definite(op, err, md)
	}
	if err := tx.Commit(); err != nil {
		md["ambiguous"] = "true"
		md["op"] = op
		md["backend"] = s.dialect.name
		return false, PlayerProgress{}, apperrors.WrapWithMetadata(apperrors.CodePersistence, op, md, err)
	}
	return true, PlayerProgress{PlayerID: playerID, TotalDiscovered: total, LastUpdate: now}, nil
}

// RecountTotal resets a player's counter to the number of regions they own.
// It repairs drift after an ambiguous increment and must not race live discoveries.
func (s *Store) RecountTotal(ctx context.Context, playerID string) (int, error) {
	if err := requirePlayer(playerID); err != nil {
		return 0, err
	}
	_, at := s.stamp()
	var total int
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO players(player_id,total_discovered,last_update)
		 VALUES(?, (SELECT COUNT(*) FROM player_regions WHERE player_id = ?), ?)
		 ON CONFLICT(player_id) DO UPDATE SET total_discovered = excluded.total_discovered, last_update = excluded.last_update
		 RETURNING total_discovered`),
		playerID, playerID, at).Scan(&total)
	if err != nil {
		return 0, s.fail("recount player total", err, map[string]string{"player": playerID})
	}
	return total, nil
}

func (s *Store) GetTotal(ctx context.Context, playerID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT total_discovered FROM players WHERE player_id = ?`), playerID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, s.fail("get player total", err, map[string]string{"player": playerID})
	}
	return total, nil
}

func (s *Store) count(ctx context.Context, op, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&n); err != nil {
		return 0, s.fail(op, err, nil)
	}
	return n, nil
}

func (s *Store) GetTotalInWorld(ctx context.Context, playerID, world string) (int, error) {
	return s.count(ctx, "get player world total",
		`SELECT COUNT(*) FROM player_regions WHERE player_id = ? AND world = ?`, playerID, world)
}

func (s *Store) GetGlobalTotal(ctx context.Context) (int, error) {
	return s.count(ctx, "get global total", `SELECT COUNT(*) FROM global_regions`)
}

func (s *Store) GetGlobalTotalInWorld(ctx context.Context, world string) (int, error) {
	return s.count(ctx, "get global world total", `SELECT COUNT(*) FROM global_regions WHERE world = ?`, world)
}

// CountFirstDiscoveries returns how many regions playerID discovered before anyone else.
func (s *Store) CountFirstDiscoveries(ctx context.Context, playerID string) (int, error) {
	return s.count(ctx, "count first discoveries",
		`SELECT COUNT(*) FROM global_regions WHERE discovered_by = ?`, playerID)
}

// GetTopPlayers returns players by descending total; ties order by player id.
func (s *Store) GetTopPlayers(ctx context.Context, limit int) ([]PlayerProgress, error) {
	if limit <= 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "limit must be > 0")
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT player_id,total_discovered,last_update FROM players ORDER BY total_discovered DESC, player_id ASC LIMIT ?`), limit)
	if err != nil {
		return nil, s.fail("get top players", err, nil)
	}
	defer rows.Close()

	out := make([]PlayerProgress, 0, limit)
	for rows.Next() {
		var (
			p  PlayerProgress
			ts any
		)
		if err := rows.Scan(&p.PlayerID, &p.TotalDiscovered, &ts); err != nil {
			return nil, s.fail("get top players", err, nil)
		}
		p.LastUpdate = parseTime(ts)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("get top players", err, nil)
	}
	return out, nil
}

func (s *Store) exists(ctx context.Context, op, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.fail(op, err, nil)
	}
	return true, nil
}

func (s *Store) HasPlayerDiscovered(ctx context.Context, playerID string, k region.Key) (bool, error) {
	return s.exists(ctx, "has player discovered",
		`SELECT 1 FROM player_regions WHERE player_id = ? AND world = ? AND region_x = ? AND region_z = ? LIMIT 1`,
		playerID, k.World, k.X, k.Z)
}

func (s *Store) HasAnyoneDiscovered(ctx context.Context, k region.Key) (bool, error) {
	return s.exists(ctx, "has anyone discovered",
		`SELECT 1 FROM global_regions WHERE world = ? AND region_x = ? AND region_z = ? LIMIT 1`,
		k.World, k.X, k.Z)
}

// RecentDiscoveries returns the newest server-wide first discoveries.
func (s *Store) RecentDiscoveries(ctx context.Context, limit int) ([]GlobalRegion, error) {
	if limit <= 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "limit must be > 0")
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT world,region_x,region_z,discovered_by,discovered_at FROM global_regions
		 ORDER BY discovered_at DESC, world ASC, region_x ASC, region_z ASC LIMIT ?`), limit)
	if err != nil {
		return nil, s.fail("recent discoveries", err, nil)
	}
	defer rows.Close()

	var out []GlobalRegion
	for rows.Next() {
		var (
			g  GlobalRegion
			ts any
		)
		if err := rows.Scan(&g.Region.World, &g.Region.X, &g.Region.Z, &g.DiscoveredBy, &ts); err != nil {
			return nil, s.fail("recent discoveries", err, nil)
		}
		g.DiscoveredAt = parseTime(ts)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("recent discoveries", err, nil)
	}
	return out, nil
}

// LoadBorder returns the persisted border row for world; ok is false when the
// world has never been initialized.
func (s *Store) LoadBorder(ctx context.Context, world string) (BorderState, bool, error) {
	var (
		b  = BorderState{World: world}
		ts any
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT border_size,total_discovered_in_world,last_update FROM world_borders WHERE world_name = ?`), world).
		Scan(&b.Size, &b.TotalDiscoveredInWorld, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return BorderState{}, false, nil
	}
	if err != nil {
		return BorderState{}, false, s.fail("load border", err, map[string]string{"world": world})
	}
	b.LastUpdate = parseTime(ts)
	return b, true, nil
}

func (s *Store) LoadBorders(ctx context.Context) (map[string]BorderState, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT world_name,border_size,total_discovered_in_world,last_update FROM world_borders ORDER BY world_name`))
	if err != nil {
		return nil, s.fail("load borders", err, nil)
	}
	defer rows.Close()

	out := map[string]BorderState{}
	for rows.Next() {
		var (
			b  BorderState
			ts any
		)
		if err := rows.Scan(&b.World, &b.Size, &b.TotalDiscoveredInWorld, &ts); err != nil {
			return nil, s.fail("load borders", err, nil)
		}
		b.LastUpdate = parseTime(ts)
		out[b.World] = b
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("load borders", err, nil)
	}
	return out, nil
}

// SaveBorder overwrites the border row for b.World.
func (s *Store) SaveBorder(ctx context.Context, b BorderState) error {
	if strings.TrimSpace(b.World) == "" {
		return apperrors.New(apperrors.CodeValidation, "border world must not be empty")
	}
	if b.TotalDiscoveredInWorld < 0 {
		return apperrors.New(apperrors.CodeValidation, "border discovery count must be >= 0")
	}
	_, at := s.stamp()
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO world_borders(world_name,border_size,total_discovered_in_world,last_update) VALUES(?,?,?,?)
		 ON CONFLICT(world_name) DO UPDATE SET border_size = excluded.border_size,
		   total_discovered_in_world = excluded.total_discovered_in_world, last_update = excluded.last_update`),
		b.World, b.Size, b.TotalDiscoveredInWorld, at)
	if err != nil {
		return s.fail("save border", err, map[string]string{"world": b.World})
	}
	return nil
}

// InitBorderIfAbsent writes the first border row for world. It returns true iff
// the row was created by this call.
func (s *Store) InitBorderIfAbsent(ctx context.Context, world string, size float64) (bool, error) {
	if strings.TrimSpace(world) == "" {
		return false, apperrors.New(apperrors.CodeValidation, "border world must not be empty")
	}
	_, at := s.stamp()
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO world_borders(world_name,border_size,total_discovered_in_world,last_update) VALUES(?,?,0,?) ON CONFLICT DO NOTHING`),
		world, size, at)
	if err != nil {
		return false, s.fail("init border", err, map[string]string{"world": world})
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("init border", err, map[string]string{"world": world})
	}
	return n > 0, nil
}

func (s *Store) DeleteBorder(ctx context.Context, world string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM world_borders WHERE world_name = ?`), world); err != nil {
		return s.fail("delete border", err, map[string]string{"world": world})
	}
	return nil
}
