package progressdb

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	apperrors "chunkfrontier.ai/internal/errors"
)

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

// OpenPostgres connects to a shared PostgreSQL store and creates the schema if missing.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "empty postgres dsn")
	}
	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "parse postgres dsn", err)
	}
	if cfg.ConnectTimeout > 0 {
		connCfg.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if connCfg.RuntimeParams == nil {
			connCfg.RuntimeParams = map[string]string{}
		}
		connCfg.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	db := stdlib.OpenDB(*connCfg)
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 16
	}
	db.SetMaxOpenConns(maxOpen)
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, openFailed("postgres", "ping", err)
	}
	if err := initSchema(db, postgresSchema); err != nil {
		_ = db.Close()
		return nil, openFailed("postgres", "schema", err)
	}

	return &Store{
		db: db,
		dialect: dialect{
			name:      "postgres",
			rebind:    rebindDollar,
			timeArg:   func(t time.Time) any { return t.UTC() },
			ambiguous: postgresAmbiguous,
		},
		now: time.Now,
	}, nil
}

// rebindDollar rewrites ? placeholders as $1..$n. Statements in this package
// never contain a literal question mark.
func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// postgresAmbiguous reports whether a statement may have reached the server
// and committed before the error surfaced. Server-side rejections and errors
// raised before anything was sent are definite failures.
func postgresAmbiguous(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	return !pgconn.SafeToRetry(err)
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS players (
		player_id TEXT PRIMARY KEY,
		total_discovered BIGINT NOT NULL DEFAULT 0 CHECK (total_discovered >= 0),
		last_update TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_players_total ON players(total_discovered);`,
	`CREATE TABLE IF NOT EXISTS global_regions (
		world TEXT NOT NULL,
		region_x BIGINT NOT NULL,
		region_z BIGINT NOT NULL,
		discovered_by TEXT NOT NULL,
		discovered_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (world, region_x, region_z)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_global_regions_discovered_at ON global_regions(discovered_at);`,
	`CREATE INDEX IF NOT EXISTS idx_global_regions_discovered_by ON global_regions(discovered_by);`,
	`CREATE TABLE IF NOT EXISTS player_regions (
		player_id TEXT NOT NULL,
		world TEXT NOT NULL,
		region_x BIGINT NOT NULL,
		region_z BIGINT NOT NULL,
		discovered_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (player_id, world, region_x, region_z)
	);`,
	`CREATE TABLE IF NOT EXISTS world_borders (
		world_name TEXT PRIMARY KEY,
		border_size DOUBLE PRECISION NOT NULL,
		total_discovered_in_world BIGINT NOT NULL DEFAULT 0,
		last_update TIMESTAMPTZ NOT NULL
	);`,
}
