package log

import (
	"encoding/json"
	"path/filepath"
	"time"
)

// DiscoveryEntry is one personal-first discovery as recorded in the journal.
type DiscoveryEntry struct {
	At          time.Time `json:"at"`
	PlayerID    string    `json:"player_id"`
	World       string    `json:"world"`
	RegionX     int       `json:"region_x"`
	RegionZ     int       `json:"region_z"`
	GlobalFirst bool      `json:"global_first"`
	TotalAfter  int       `json:"total_after"`
	WorldTotal  int       `json:"world_total"`
	GlobalTotal int       `json:"global_total,omitempty"`
	Ambiguous   bool      `json:"ambiguous,omitempty"`
}

// DiscoveryLogger appends DiscoveryEntry lines under <dataDir>/discoveries.
type DiscoveryLogger struct{ w *HourlyWriter }

func NewDiscoveryLogger(dataDir string) *DiscoveryLogger {
	return &DiscoveryLogger{w: NewHourlyWriter(DiscoveryDir(dataDir), "discoveries")}
}

// OnSealed registers fn for every journal file that stops receiving writes.
// Call it before the first WriteDiscovery.
func (l *DiscoveryLogger) OnSealed(fn func(path string)) { l.w.OnSeal = fn }

func DiscoveryDir(dataDir string) string { return filepath.Join(dataDir, "discoveries") }

func (l *DiscoveryLogger) WriteDiscovery(e DiscoveryEntry) error { return l.w.Write(e) }
func (l *DiscoveryLogger) Close() error                          { return l.w.Close() }

// ReadDiscoveries replays every journal file under dataDir in order.
func ReadDiscoveries(dataDir string, fn func(DiscoveryEntry) error) error {
	files, err := Files(DiscoveryDir(dataDir), "discoveries")
	if err != nil {
		return err
	}
	for _, path := range files {
		err := ReadJSONL(path, func(line []byte) error {
			var e DiscoveryEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
