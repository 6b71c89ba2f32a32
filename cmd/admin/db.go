package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	plog "chunkfrontier.ai/internal/persistence/log"
	"chunkfrontier.ai/internal/persistence/progressdb"
	"chunkfrontier.ai/internal/sim/tuning"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	tuningPath := fs.String("tuning", "./configs/tuning.yaml", "tuning.yaml providing storage settings")
	sqlitePath := fs.String("sqlite", "", "sqlite db path (overrides tuning)")
	backend := fs.String("backend", "", "sqlite|postgres (overrides tuning)")
	dsn := fs.String("dsn", "", "postgres dsn (overrides tuning)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "top"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	cfg, err := storageConfig(*tuningPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tuning:", err)
		os.Exit(1)
	}
	if v := strings.TrimSpace(*backend); v != "" {
		cfg.Backend = v
	}
	if v := strings.TrimSpace(*sqlitePath); v != "" {
		cfg.Backend, cfg.SQLitePath = "sqlite", v
	}
	if v := strings.TrimSpace(*dsn); v != "" {
		cfg.PostgresDSN = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := runDB(ctx, store, q, fs.Args(), *limit, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

// storageConfig reads storage settings from path, falling back to defaults
// when the file is missing. CF_* overrides apply either way.
func storageConfig(path string) (tuning.StorageConfig, error) {
	t, err := tuning.Load(path)
	if err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return tuning.StorageConfig{}, err
		}
		t = tuning.Defaults()
	}
	if err := t.ApplyEnv(); err != nil {
		return tuning.StorageConfig{}, err
	}
	return t.Storage, nil
}

func openStore(ctx context.Context, cfg tuning.StorageConfig) (*progressdb.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "sqlite":
		return progressdb.OpenSQLite(cfg.SQLitePath)
	case "postgres":
		return progressdb.OpenPostgres(ctx, progressdb.PostgresConfig{
			DSN:             cfg.PostgresDSN,
			MaxOpenConns:    2,
			ConnectTimeout:  5 * time.Second,
			ApplicationName: "chunkfrontier-admin",
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

func runDB(ctx context.Context, store *progressdb.Store, q string, args []string, limit int, out io.Writer) error {
	if limit <= 0 {
		limit = 20
	}
	arg := func() (string, error) {
		if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
			return "", fmt.Errorf("missing argument")
		}
		return strings.TrimSpace(args[1]), nil
	}
	enc := json.NewEncoder(out)

	switch q {
	case "top":
		rows, err := store.GetTopPlayers(ctx, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "recent":
		rows, err := store.RecentDiscoveries(ctx, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "borders":
		borders, err := store.LoadBorders(ctx)
		if err != nil {
			return err
		}
		for _, w := range sortedKeys(borders) {
			_ = enc.Encode(borders[w])
		}
	case "player":
		id, err := arg()
		if err != nil {
			return err
		}
		total, err := store.GetTotal(ctx, id)
		if err != nil {
			return err
		}
		firsts, err := store.CountFirstDiscoveries(ctx, id)
		if err != nil {
			return err
		}
		_ = enc.Encode(map[string]any{"player_id": id, "total": total, "first_discovered": firsts})
	case "repair":
		id, err := arg()
		if err != nil {
			return err
		}
		before, err := store.GetTotal(ctx, id)
		if err != nil {
			return err
		}
		after, err := store.RecountTotal(ctx, id)
		if err != nil {
			return err
		}
		_ = enc.Encode(map[string]any{"player_id": id, "before": before, "after": after, "changed": before != after})
	case "reset-border":
		world, err := arg()
		if err != nil {
			return err
		}
		if err := store.DeleteBorder(ctx, world); err != nil {
			return err
		}
		// The next server start re-initializes the row at the configured size.
		_ = enc.Encode(map[string]any{"world": world, "deleted": true, "note": "restart the server to apply the initial size"})
	default:
		return fmt.Errorf("unknown query %q", q)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("dir", "./data", "journal directory (storage.journal_dir)")
	player := fs.String("player", "", "player id filter")
	limit := fs.Int("limit", 0, "stop after n entries (0 = all)")
	_ = fs.Parse(args)

	n, err := dumpJournal(*dataDir, strings.TrimSpace(*player), *limit, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "journal:", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d entries\n", n)
}

var errLimit = errors.New("limit reached")

func dumpJournal(dir, player string, limit int, out io.Writer) (int, error) {
	enc := json.NewEncoder(out)
	n := 0
	err := plog.ReadDiscoveries(dir, func(e plog.DiscoveryEntry) error {
		if player != "" && e.PlayerID != player {
			return nil
		}
		if err := enc.Encode(e); err != nil {
			return err
		}
		n++
		if limit > 0 && n >= limit {
			return errLimit
		}
		return nil
	})
	if errors.Is(err, errLimit) {
		err = nil
	}
	return n, err
}
