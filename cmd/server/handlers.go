package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"
	"time"

	"chunkfrontier.ai/internal/sim/border"
	"chunkfrontier.ai/internal/sim/discovery"
	"chunkfrontier.ai/internal/sim/region"
	"chunkfrontier.ai/internal/sim/rewards"
	"chunkfrontier.ai/internal/sim/runtime"
	"chunkfrontier.ai/internal/transport/ws"
)

func buildMux(a *app, tuningPath string, logger *log.Logger, enableAdminHTTP, enablePprofHTTP bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			http.Error(rw, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, a)
	})

	if enableAdminHTTP {
		mux.HandleFunc("/admin/v1/stats", adminGET(func(rw http.ResponseWriter, r *http.Request) {
			writeJSON(rw, http.StatusOK, a.statsSnapshot(r.Context()))
		}))
		mux.HandleFunc("/admin/v1/top", adminGET(func(rw http.ResponseWriter, r *http.Request) {
			limit := queryInt(r, "limit", 10)
			writeJSON(rw, http.StatusOK, map[string]any{
				"limit":   discovery.ClampLimit(limit),
				"players": a.engine.TopPlayers(r.Context(), limit),
			})
		}))
		mux.HandleFunc("/admin/v1/recent", adminGET(func(rw http.ResponseWriter, r *http.Request) {
			limit := queryInt(r, "limit", 10)
			writeJSON(rw, http.StatusOK, map[string]any{
				"limit":       discovery.ClampLimit(limit),
				"discoveries": a.engine.RecentDiscoveries(r.Context(), limit),
			})
		}))
		mux.HandleFunc("/admin/v1/borders", adminGET(func(rw http.ResponseWriter, r *http.Request) {
			writeJSON(rw, http.StatusOK, map[string]any{"borders": a.borderSnapshot(r.Context())})
		}))
		mux.HandleFunc("/admin/v1/player", adminGET(func(rw http.ResponseWriter, r *http.Request) {
			id := r.URL.Query().Get("id")
			if id == "" {
				writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "missing id"})
				return
			}
			writeJSON(rw, http.StatusOK, a.playerSnapshot(r.Context(), id, r.URL.Query().Get("world")))
		}))
		mux.HandleFunc("/admin/v1/reload", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			defer cancel()
			if err := a.ReloadFromFile(ctx, tuningPath); err != nil {
				writeJSON(rw, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "reloads": a.reloads.Load()})
		})
	} else {
		logger.Printf("admin endpoints disabled (CF_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (CF_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", a.ws.Handler())
	return mux
}

// adminGET restricts h to loopback GET requests.
func adminGET(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

type statsSnapshot struct {
	Backend     string             `json:"backend"`
	GlobalTotal int                `json:"global_total"`
	Online      int                `json:"online"`
	Discovery   discovery.Stats    `json:"discovery"`
	Rewards     rewards.Stats      `json:"rewards"`
	Pool        runtime.PoolStats  `json:"pool"`
	Oracle      region.OracleStats `json:"oracle"`
	Transport   ws.Stats           `json:"transport"`
	LoopPending int                `json:"loop_pending"`
	Reloads     uint64             `json:"reloads"`
}

func (a *app) statsSnapshot(ctx context.Context) statsSnapshot {
	return statsSnapshot{
		Backend:     a.store.Backend(),
		GlobalTotal: a.engine.GlobalTotal(ctx),
		Online:      a.hub.OnlineCount(),
		Discovery:   a.engine.Stats(),
		Rewards:     a.rewards.Stats(),
		Pool:        a.pool.Stats(),
		Oracle:      a.oracle.Stats(),
		Transport:   a.ws.Stats(),
		LoopPending: a.loop.Pending(),
		Reloads:     a.reloads.Load(),
	}
}

type borderInfo struct {
	World      string          `json:"world"`
	Type       string          `json:"type"`
	Live       float64         `json:"live"`
	Persisted  float64         `json:"persisted"`
	Discovered int             `json:"discovered"`
	Settings   border.Settings `json:"settings"`
}

func (a *app) borderSnapshot(ctx context.Context) []borderInfo {
	tune := a.Tuning()
	out := []borderInfo{}
	for _, w := range a.border.Worlds() {
		live, _ := a.border.LiveSize(w)
		out = append(out, borderInfo{
			World:      w,
			Type:       tune.WorldType(w),
			Live:       live,
			Persisted:  a.border.CurrentSize(ctx, w),
			Discovered: a.engine.GlobalWorldTotal(ctx, w),
			Settings:   a.border.Settings(w),
		})
	}
	return out
}

func (a *app) playerSnapshot(ctx context.Context, id, world string) map[string]any {
	resp := map[string]any{
		"player_id":        id,
		"total":            a.engine.PlayerTotal(ctx, id),
		"first_discovered": a.engine.FirstDiscoveries(ctx, id),
	}
	if world != "" {
		resp["world"] = world
		resp["world_total"] = a.engine.PlayerWorldTotal(ctx, id, world)
	}
	if v, ok := a.hub.Player(id); ok {
		resp["online"] = v
	}
	return resp
}

// writeMetrics emits the Prometheus text exposition format.
func writeMetrics(rw http.ResponseWriter, a *app) {
	ds := a.engine.Stats()
	fmt.Fprintf(rw, "# HELP chunkfrontier_discovery_attempts_total Discovery attempts by outcome.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_discovery_attempts_total counter\n")
	fmt.Fprintf(rw, "chunkfrontier_discovery_attempts_total{outcome=%q} %d\n", "all", ds.Attempts)
	fmt.Fprintf(rw, "chunkfrontier_discovery_attempts_total{outcome=%q} %d\n", "invalid", ds.Invalid)
	fmt.Fprintf(rw, "chunkfrontier_discovery_attempts_total{outcome=%q} %d\n", "repeat", ds.Repeats)
	fmt.Fprintf(rw, "chunkfrontier_discovery_attempts_total{outcome=%q} %d\n", "personal_first", ds.PersonalFirsts)
	fmt.Fprintf(rw, "chunkfrontier_discovery_attempts_total{outcome=%q} %d\n", "global_first", ds.GlobalFirsts)
	fmt.Fprintf(rw, "chunkfrontier_discovery_attempts_total{outcome=%q} %d\n", "ambiguous", ds.Ambiguous)
	fmt.Fprintf(rw, "chunkfrontier_discovery_attempts_total{outcome=%q} %d\n", "failed", ds.Failures)

	fmt.Fprintf(rw, "# HELP chunkfrontier_players_online Connected players.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_players_online gauge\n")
	fmt.Fprintf(rw, "chunkfrontier_players_online %d\n", a.hub.OnlineCount())

	sizes := a.hub.Borders()
	worlds := make([]string, 0, len(sizes))
	for w := range sizes {
		worlds = append(worlds, w)
	}
	sort.Strings(worlds)
	fmt.Fprintf(rw, "# HELP chunkfrontier_border_size Live world border size.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_border_size gauge\n")
	for _, w := range worlds {
		fmt.Fprintf(rw, "chunkfrontier_border_size{world=%q} %.1f\n", w, sizes[w])
	}
	applied, failed := a.border.Counters()
	fmt.Fprintf(rw, "# HELP chunkfrontier_border_writes_total Border persistence writes by result.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_border_writes_total counter\n")
	fmt.Fprintf(rw, "chunkfrontier_border_writes_total{result=%q} %d\n", "ok", applied)
	fmt.Fprintf(rw, "chunkfrontier_border_writes_total{result=%q} %d\n", "error", failed)

	rs := a.rewards.Stats()
	fmt.Fprintf(rw, "# HELP chunkfrontier_rewards_granted_total Reward bundles delivered.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_rewards_granted_total counter\n")
	fmt.Fprintf(rw, "chunkfrontier_rewards_granted_total %d\n", rs.Granted)
	fmt.Fprintf(rw, "# HELP chunkfrontier_rewards_delivery_failures_total Failed deliveries and notices.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_rewards_delivery_failures_total counter\n")
	fmt.Fprintf(rw, "chunkfrontier_rewards_delivery_failures_total %d\n", rs.DeliveryFailures)
	fmt.Fprintf(rw, "# HELP chunkfrontier_milestones_fired_total Milestones fired by scope.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_milestones_fired_total counter\n")
	fmt.Fprintf(rw, "chunkfrontier_milestones_fired_total{scope=%q} %d\n", "personal", rs.PersonalFired)
	fmt.Fprintf(rw, "chunkfrontier_milestones_fired_total{scope=%q} %d\n", "global", rs.GlobalFired)

	cs := a.oracle.Stats()
	fmt.Fprintf(rw, "# HELP chunkfrontier_oracle_cache_size Memoized region validity entries.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_oracle_cache_size gauge\n")
	fmt.Fprintf(rw, "chunkfrontier_oracle_cache_size %d\n", cs.Size)
	fmt.Fprintf(rw, "# HELP chunkfrontier_oracle_lookups_total Region validity lookups by cache result.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_oracle_lookups_total counter\n")
	fmt.Fprintf(rw, "chunkfrontier_oracle_lookups_total{result=%q} %d\n", "hit", cs.Hits)
	fmt.Fprintf(rw, "chunkfrontier_oracle_lookups_total{result=%q} %d\n", "miss", cs.Misses)

	ps := a.pool.Stats()
	fmt.Fprintf(rw, "# HELP chunkfrontier_pool_in_flight Worker tasks running.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_pool_in_flight gauge\n")
	fmt.Fprintf(rw, "chunkfrontier_pool_in_flight %d\n", ps.InFlight)
	fmt.Fprintf(rw, "# HELP chunkfrontier_pool_tasks_total Worker tasks by result.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_pool_tasks_total counter\n")
	fmt.Fprintf(rw, "chunkfrontier_pool_tasks_total{result=%q} %d\n", "ok", ps.Completed)
	fmt.Fprintf(rw, "chunkfrontier_pool_tasks_total{result=%q} %d\n", "failed", ps.Failed)
	fmt.Fprintf(rw, "chunkfrontier_pool_tasks_total{result=%q} %d\n", "timeout", ps.TimedOut)

	fmt.Fprintf(rw, "# HELP chunkfrontier_loop_queue_depth Primary loop backlog.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_loop_queue_depth gauge\n")
	fmt.Fprintf(rw, "chunkfrontier_loop_queue_depth %d\n", a.loop.Pending())
	fmt.Fprintf(rw, "# HELP chunkfrontier_loop_panics_total Recovered panics on the primary loop.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_loop_panics_total counter\n")
	fmt.Fprintf(rw, "chunkfrontier_loop_panics_total %d\n", a.loop.Panics())

	ts := a.ws.Stats()
	sent, dropped := a.hub.Counters()
	fmt.Fprintf(rw, "# HELP chunkfrontier_ws_events_total Websocket events by kind.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_ws_events_total counter\n")
	fmt.Fprintf(rw, "chunkfrontier_ws_events_total{kind=%q} %d\n", "connection", ts.Connections)
	fmt.Fprintf(rw, "chunkfrontier_ws_events_total{kind=%q} %d\n", "move", ts.Moves)
	fmt.Fprintf(rw, "chunkfrontier_ws_events_total{kind=%q} %d\n", "rate_limited", ts.RateLimited)
	fmt.Fprintf(rw, "chunkfrontier_ws_events_total{kind=%q} %d\n", "rejected", ts.Rejected)
	fmt.Fprintf(rw, "chunkfrontier_ws_events_total{kind=%q} %d\n", "frame_sent", sent)
	fmt.Fprintf(rw, "chunkfrontier_ws_events_total{kind=%q} %d\n", "frame_dropped", dropped)

	if a.mirror != nil {
		ms := a.mirror.Stats()
		fmt.Fprintf(rw, "# HELP chunkfrontier_offsite_queue_depth Sealed journal files waiting for upload.\n")
		fmt.Fprintf(rw, "# TYPE chunkfrontier_offsite_queue_depth gauge\n")
		fmt.Fprintf(rw, "chunkfrontier_offsite_queue_depth %d\n", ms.Queued)
		fmt.Fprintf(rw, "# HELP chunkfrontier_offsite_uploads_total Journal uploads by result.\n")
		fmt.Fprintf(rw, "# TYPE chunkfrontier_offsite_uploads_total counter\n")
		fmt.Fprintf(rw, "chunkfrontier_offsite_uploads_total{result=%q} %d\n", "ok", ms.Uploaded)
		fmt.Fprintf(rw, "chunkfrontier_offsite_uploads_total{result=%q} %d\n", "failed", ms.Failed)
		fmt.Fprintf(rw, "chunkfrontier_offsite_uploads_total{result=%q} %d\n", "dropped", ms.Dropped)
	}

	fmt.Fprintf(rw, "# HELP chunkfrontier_tuning_reloads_total Tuning reloads by result.\n")
	fmt.Fprintf(rw, "# TYPE chunkfrontier_tuning_reloads_total counter\n")
	fmt.Fprintf(rw, "chunkfrontier_tuning_reloads_total{result=%q} %d\n", "ok", a.reloads.Load())
	fmt.Fprintf(rw, "chunkfrontier_tuning_reloads_total{result=%q} %d\n", "error", a.reloadFailures.Load())
}
