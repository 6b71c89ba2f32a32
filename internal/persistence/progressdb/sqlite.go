package progressdb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	apperrors "chunkfrontier.ai/internal/errors"
)

// openFailed wraps an error raised while opening or migrating a backend.
func openFailed(backend, op string, err error) error {
	return apperrors.WrapWithMetadata(apperrors.CodePersistence, op,
		map[string]string{"op": op, "backend": backend}, err)
}

func OpenSQLite(path string) (*Store, error) {
	if path == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "empty sqlite path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, openFailed("sqlite", "create data dir", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, openFailed("sqlite", "open", err)
	}
	// One connection serializes writers; the busy timeout covers other processes
	// (the admin CLI) touching the same file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, openFailed("sqlite", "pragmas", err)
	}
	if err := initSchema(db, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, openFailed("sqlite", "schema", err)
	}

	return &Store{
		db: db,
		dialect: dialect{
			name:      "sqlite",
			rebind:    func(q string) string { return q },
			timeArg:   func(t time.Time) any { return t.UTC().Format(timeLayout) },
			ambiguous: contextAmbiguous,
		},
		now: time.Now,
	}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS players (
		player_id TEXT PRIMARY KEY,
		total_discovered INTEGER NOT NULL DEFAULT 0 CHECK (total_discovered >= 0),
		last_update TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_players_total ON players(total_discovered);`,
	`CREATE TABLE IF NOT EXISTS global_regions (
		world TEXT NOT NULL,
		region_x INTEGER NOT NULL,
		region_z INTEGER NOT NULL,
		discovered_by TEXT NOT NULL,
		discovered_at TEXT NOT NULL,
		PRIMARY KEY (world, region_x, region_z)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_global_regions_discovered_at ON global_regions(discovered_at);`,
	`CREATE INDEX IF NOT EXISTS idx_global_regions_discovered_by ON global_regions(discovered_by);`,
	`CREATE TABLE IF NOT EXISTS player_regions (
		player_id TEXT NOT NULL,
		world TEXT NOT NULL,
		region_x INTEGER NOT NULL,
		region_z INTEGER NOT NULL,
		discovered_at TEXT NOT NULL,
		PRIMARY KEY (player_id, world, region_x, region_z)
	);`,
	`CREATE TABLE IF NOT EXISTS world_borders (
		world_name TEXT PRIMARY KEY,
		border_size REAL NOT NULL,
		total_discovered_in_world INTEGER NOT NULL DEFAULT 0,
		last_update TEXT NOT NULL
	);`,
}

func initSchema(db *sql.DB, stmts []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
