// Package tuning loads the exploration settings: border growth, worlds, reward
// bundles, milestone tables and runtime limits.
package tuning

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	apperrors "chunkfrontier.ai/internal/errors"
)

const (
	MaxBorderSize        = 60_000_000.0
	MaxExpansionPerChunk = 1000.0
)

type Tuning struct {
	Border         BorderConfig     `yaml:"border"`
	Worlds         []WorldSpec      `yaml:"worlds"`
	Rewards        RewardsConfig    `yaml:"rewards"`
	Milestones     MilestonesConfig `yaml:"milestones"`
	Cache          CacheConfig      `yaml:"cache"`
	Pipeline       PipelineConfig   `yaml:"pipeline"`
	RateLimits     RateLimits       `yaml:"rate_limits"`
	Storage        StorageConfig    `yaml:"storage"`
	Terrain        TerrainConfig    `yaml:"terrain"`
	InventorySlots int              `yaml:"inventory_slots" env:"CF_INVENTORY_SLOTS"`
}

type BorderConfig struct {
	InitialSize       float64                   `yaml:"initial_size"`
	ExpansionPerChunk float64                   `yaml:"expansion_per_chunk"`
	Worlds            map[string]BorderOverride `yaml:"worlds,omitempty"`
	WorldTypes        map[string]BorderOverride `yaml:"world_types,omitempty"`
}

// BorderOverride leaves a field nil to inherit it from the global default.
type BorderOverride struct {
	InitialSize       *float64 `yaml:"initial_size,omitempty"`
	ExpansionPerChunk *float64 `yaml:"expansion_per_chunk,omitempty"`
}

type WorldSpec struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"`
	AlwaysValid bool   `yaml:"always_valid"`
}

type RewardsConfig struct {
	WorldFirst    *BundleSpec `yaml:"world_first,omitempty"`
	PersonalFirst *BundleSpec `yaml:"personal_first,omitempty"`
}

type BundleSpec struct {
	Items      []ItemSpec   `yaml:"items,omitempty"`
	Experience int          `yaml:"experience"`
	Effects    []EffectSpec `yaml:"effects,omitempty"`
}

type ItemSpec struct {
	ID    string `yaml:"id"`
	Count int    `yaml:"count"`
}

type EffectSpec struct {
	Type          string `yaml:"type"`
	DurationTicks int    `yaml:"duration_ticks"`
	Amplifier     int    `yaml:"amplifier"`
}

type MilestoneSpec struct {
	Threshold   int        `yaml:"threshold"`
	Reward      BundleSpec `yaml:",inline"`
	Message     string     `yaml:"message,omitempty"`
	SendMessage *bool      `yaml:"send_message,omitempty"`
	Broadcast   bool       `yaml:"broadcast"`
	PlayEffects bool       `yaml:"play_effects"`
}

// SendsMessage defaults to true when send_message is omitted.
func (m MilestoneSpec) SendsMessage() bool {
	return m.SendMessage == nil || *m.SendMessage
}

type MilestonesConfig struct {
	Personal []MilestoneSpec `yaml:"personal"`
	Global   []MilestoneSpec `yaml:"global"`
}

type CacheConfig struct {
	Capacity int `yaml:"capacity" env:"CF_CACHE_CAPACITY"`
}

type PipelineConfig struct {
	Workers       int `yaml:"workers" env:"CF_PIPELINE_WORKERS"`
	TaskTimeoutMs int `yaml:"task_timeout_ms" env:"CF_PIPELINE_TASK_TIMEOUT_MS"`
}

func (p PipelineConfig) TaskTimeout() time.Duration {
	return time.Duration(p.TaskTimeoutMs) * time.Millisecond
}

type RateLimits struct {
	MovesPerSecond float64 `yaml:"moves_per_second" env:"CF_MOVES_PER_SECOND"`
	MovesBurst     int     `yaml:"moves_burst" env:"CF_MOVES_BURST"`
}

type StorageConfig struct {
	Backend          string `yaml:"backend" env:"CF_STORE_BACKEND"`
	SQLitePath       string `yaml:"sqlite_path" env:"CF_SQLITE_PATH"`
	PostgresDSN      string `yaml:"postgres_dsn" env:"CF_POSTGRES_DSN"`
	PostgresMaxConns int    `yaml:"postgres_max_conns" env:"CF_POSTGRES_MAX_CONNS"`
	JournalDir       string `yaml:"journal_dir" env:"CF_JOURNAL_DIR"`
}

type TerrainConfig struct {
	Seed            int64 `yaml:"seed" env:"CF_TERRAIN_SEED"`
	DensityPermille int   `yaml:"density_permille" env:"CF_TERRAIN_DENSITY_PERMILLE"`
}

const (
	WorldNormal = "normal"
	WorldNether = "nether"
	WorldEnd    = "end"
	WorldCustom = "custom"
)

// CanonicalWorldType maps accepted spellings onto the four environment types.
func CanonicalWorldType(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "overworld":
		return WorldNormal, true
	case "nether":
		return WorldNether, true
	case "end", "the_end":
		return WorldEnd, true
	case "custom":
		return WorldCustom, true
	}
	return "", false
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return t, apperrors.Wrap(apperrors.CodeConfiguration, "read tuning", err)
		}
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return t, apperrors.Wrap(apperrors.CodeConfiguration, "tuning.yaml", err)
		}
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, apperrors.Wrap(apperrors.CodeConfiguration, "tuning.yaml", err)
	}
	return t, nil
}

// ApplyEnv overlays deployment settings from CF_* environment variables and
// re-validates. Unset variables leave the loaded values untouched.
func (t *Tuning) ApplyEnv() error {
	if err := parseEnv(t); err != nil {
		return apperrors.Wrap(apperrors.CodeConfiguration, "environment", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeConfiguration, "environment", err)
	}
	return nil
}

func parseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func Defaults() Tuning {
	return Tuning{
		Border: BorderConfig{
			InitialSize:       100,
			ExpansionPerChunk: 2,
		},
		Worlds: []WorldSpec{
			{ID: "world", Type: WorldNormal},
			{ID: "world_nether", Type: WorldNether},
			{ID: "world_the_end", Type: WorldEnd},
		},
		Milestones: MilestonesConfig{
			Personal: []MilestoneSpec{
				{Threshold: 10, Reward: BundleSpec{Items: []ItemSpec{{ID: "IRON_INGOT", Count: 8}}, Experience: 50}, Message: "10 regions explored"},
				{Threshold: 50, Reward: BundleSpec{Items: []ItemSpec{{ID: "GOLD_INGOT", Count: 8}}, Experience: 200}, Message: "50 regions explored", Broadcast: true, PlayEffects: true},
				{Threshold: 100, Reward: BundleSpec{Items: []ItemSpec{{ID: "DIAMOND", Count: 4}}, Experience: 500}, Message: "100 regions explored", Broadcast: true, PlayEffects: true},
			},
			Global: []MilestoneSpec{
				{Threshold: 1000, Reward: BundleSpec{Experience: 100, Effects: []EffectSpec{{Type: "SPEED", DurationTicks: 6000, Amplifier: 0}}}, Message: "The server has explored 1000 regions", Broadcast: true, PlayEffects: true},
			},
		},
		Cache:          CacheConfig{Capacity: 10000},
		Pipeline:       PipelineConfig{Workers: 4, TaskTimeoutMs: 5000},
		RateLimits:     RateLimits{MovesPerSecond: 20, MovesBurst: 40},
		Storage:        StorageConfig{Backend: "sqlite", SQLitePath: "data/progress.db", PostgresMaxConns: 16},
		Terrain:        TerrainConfig{Seed: 1, DensityPermille: 1000},
		InventorySlots: 36,
	}
}

func DefaultWorldFirst() BundleSpec {
	return BundleSpec{Items: []ItemSpec{{ID: "DIAMOND", Count: 1}}, Experience: 100}
}

func DefaultPersonalFirst() BundleSpec {
	return BundleSpec{Items: []ItemSpec{{ID: "BREAD", Count: 5}}, Experience: 10}
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	for i := range t.Worlds {
		t.Worlds[i].ID = strings.TrimSpace(t.Worlds[i].ID)
		if c, ok := CanonicalWorldType(t.Worlds[i].Type); ok {
			t.Worlds[i].Type = c
		} else if strings.TrimSpace(t.Worlds[i].Type) == "" {
			t.Worlds[i].Type = WorldNormal
		}
	}
	if len(t.Border.WorldTypes) > 0 {
		norm := make(map[string]BorderOverride, len(t.Border.WorldTypes))
		for k, v := range t.Border.WorldTypes {
			if c, ok := CanonicalWorldType(k); ok {
				k = c
			}
			norm[k] = v
		}
		t.Border.WorldTypes = norm
	}
	if t.Rewards.WorldFirst == nil {
		b := DefaultWorldFirst()
		t.Rewards.WorldFirst = &b
	}
	if t.Rewards.PersonalFirst == nil {
		b := DefaultPersonalFirst()
		t.Rewards.PersonalFirst = &b
	}
	sortMilestones(t.Milestones.Personal)
	sortMilestones(t.Milestones.Global)

	if t.Cache.Capacity <= 0 {
		t.Cache.Capacity = 10000
	}
	if t.Pipeline.Workers <= 0 {
		t.Pipeline.Workers = 4
	}
	if t.Pipeline.TaskTimeoutMs <= 0 {
		t.Pipeline.TaskTimeoutMs = 5000
	}
	t.Storage.Backend = strings.ToLower(strings.TrimSpace(t.Storage.Backend))
	if t.Storage.Backend == "" {
		t.Storage.Backend = "sqlite"
	}
	if t.InventorySlots <= 0 {
		t.InventorySlots = 36
	}
	if t.Terrain.DensityPermille < 0 {
		t.Terrain.DensityPermille = 0
	}
	if t.Terrain.DensityPermille > 1000 {
		t.Terrain.DensityPermille = 1000
	}
}

func sortMilestones(ms []MilestoneSpec) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Threshold < ms[j].Threshold })
}

func (t Tuning) Validate() error {
	if err := validateBorder("border", t.Border.InitialSize, t.Border.ExpansionPerChunk); err != nil {
		return err
	}
	for name, o := range t.Border.Worlds {
		if err := validateOverride("border.worlds."+name, o); err != nil {
			return err
		}
	}
	for typ, o := range t.Border.WorldTypes {
		if _, ok := CanonicalWorldType(typ); !ok {
			return fmt.Errorf("border.world_types: unknown world type %q", typ)
		}
		if err := validateOverride("border.world_types."+typ, o); err != nil {
			return err
		}
	}

	if len(t.Worlds) == 0 {
		return fmt.Errorf("worlds must not be empty")
	}
	seen := map[string]bool{}
	for _, w := range t.Worlds {
		if w.ID == "" {
			return fmt.Errorf("world id must not be empty")
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate world id: %s", w.ID)
		}
		seen[w.ID] = true
		if _, ok := CanonicalWorldType(w.Type); !ok {
			return fmt.Errorf("world %s: unknown type %q", w.ID, w.Type)
		}
	}

	if t.Rewards.WorldFirst != nil {
		if err := validateBundle("rewards.world_first", *t.Rewards.WorldFirst); err != nil {
			return err
		}
	}
	if t.Rewards.PersonalFirst != nil {
		if err := validateBundle("rewards.personal_first", *t.Rewards.PersonalFirst); err != nil {
			return err
		}
	}
	if err := validateMilestones("milestones.personal", t.Milestones.Personal); err != nil {
		return err
	}
	if err := validateMilestones("milestones.global", t.Milestones.Global); err != nil {
		return err
	}

	if t.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be > 0")
	}
	if t.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if t.Pipeline.TaskTimeoutMs <= 0 {
		return fmt.Errorf("pipeline.task_timeout_ms must be > 0")
	}
	if t.RateLimits.MovesPerSecond <= 0 || t.RateLimits.MovesBurst <= 0 {
		return fmt.Errorf("rate_limits.moves_per_second and moves_burst must be > 0")
	}
	switch t.Storage.Backend {
	case "sqlite":
		if strings.TrimSpace(t.Storage.SQLitePath) == "" {
			return fmt.Errorf("storage.sqlite_path must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(t.Storage.PostgresDSN) == "" {
			return fmt.Errorf("storage.postgres_dsn must not be empty")
		}
	default:
		return fmt.Errorf("storage.backend must be sqlite or postgres, got %q", t.Storage.Backend)
	}
	if t.InventorySlots <= 0 {
		return fmt.Errorf("inventory_slots must be > 0")
	}
	return nil
}

func validateBorder(path string, initial, expansion float64) error {
	if initial < 0 || initial > MaxBorderSize {
		return fmt.Errorf("%s.initial_size must be in [0, %.0f]", path, MaxBorderSize)
	}
	if expansion < 0 || expansion > MaxExpansionPerChunk {
		return fmt.Errorf("%s.expansion_per_chunk must be in [0, %.0f]", path, MaxExpansionPerChunk)
	}
	return nil
}

func validateOverride(path string, o BorderOverride) error {
	if o.InitialSize != nil && (*o.InitialSize < 0 || *o.InitialSize > MaxBorderSize) {
		return fmt.Errorf("%s.initial_size must be in [0, %.0f]", path, MaxBorderSize)
	}
	if o.ExpansionPerChunk != nil && (*o.ExpansionPerChunk < 0 || *o.ExpansionPerChunk > MaxExpansionPerChunk) {
		return fmt.Errorf("%s.expansion_per_chunk must be in [0, %.0f]", path, MaxExpansionPerChunk)
	}
	return nil
}

func validateBundle(path string, b BundleSpec) error {
	if b.Experience < 0 {
		return fmt.Errorf("%s.experience must be >= 0", path)
	}
	for i, it := range b.Items {
		if strings.TrimSpace(it.ID) == "" {
			return fmt.Errorf("%s.items[%d] missing id", path, i)
		}
		if it.Count <= 0 {
			return fmt.Errorf("%s.items[%d] count must be > 0", path, i)
		}
	}
	for i, e := range b.Effects {
		if strings.TrimSpace(e.Type) == "" {
			return fmt.Errorf("%s.effects[%d] missing type", path, i)
		}
		if e.DurationTicks <= 0 || e.Amplifier < 0 {
			return fmt.Errorf("%s.effects[%d] needs duration_ticks > 0 and amplifier >= 0", path, i)
		}
	}
	return nil
}

func validateMilestones(path string, ms []MilestoneSpec) error {
	seen := map[int]bool{}
	for i, m := range ms {
		if m.Threshold <= 0 {
			return fmt.Errorf("%s[%d] threshold must be > 0", path, i)
		}
		if seen[m.Threshold] {
			return fmt.Errorf("%s: duplicate threshold %d", path, m.Threshold)
		}
		seen[m.Threshold] = true
		if err := validateBundle(fmt.Sprintf("%s[%d]", path, i), m.Reward); err != nil {
			return err
		}
	}
	return nil
}

// WorldIDs returns configured world ids in file order.
func (t Tuning) WorldIDs() []string {
	out := make([]string, 0, len(t.Worlds))
	for _, w := range t.Worlds {
		out = append(out, w.ID)
	}
	return out
}

// WorldType returns the configured type of id, or normal for unknown worlds.
func (t Tuning) WorldType(id string) string {
	for _, w := range t.Worlds {
		if w.ID == id {
			return w.Type
		}
	}
	return WorldNormal
}

func (t Tuning) AlwaysValidWorlds() map[string]bool {
	out := map[string]bool{}
	for _, w := range t.Worlds {
		if w.AlwaysValid {
			out[w.ID] = true
		}
	}
	return out
}
