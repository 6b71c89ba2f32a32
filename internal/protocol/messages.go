package protocol

// HELLO (client -> server). An empty player_id asks the server to assign one.
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	PlayerID        string            `json:"player_id,omitempty"`
	World           string            `json:"world,omitempty"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	PlayerID        string     `json:"player_id"`
	RegionSize      int        `json:"region_size"`
	CurrentWorld    string     `json:"current_world"`
	Worlds          []WorldRef `json:"worlds"`
	Stats           StatsBody  `json:"stats"`
}

type WorldRef struct {
	WorldID    string  `json:"world_id"`
	WorldType  string  `json:"world_type"`
	BorderSize float64 `json:"border_size"`
}

// MOVE (client -> server): block coordinates.
type MoveMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	World           string `json:"world"`
	X               int    `json:"x"`
	Z               int    `json:"z"`
}

// STATS_REQ (client -> server)
type StatsReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	World           string `json:"world,omitempty"`
	Top             int    `json:"top,omitempty"`
}

// STATS (server -> client)
type StatsMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Stats           StatsBody `json:"stats"`
	Top             []Rank    `json:"top,omitempty"`
}

type StatsBody struct {
	PlayerTotal     int     `json:"player_total"`
	WorldTotal      int     `json:"world_total"`
	GlobalTotal     int     `json:"global_total"`
	FirstDiscovered int     `json:"first_discovered"`
	World           string  `json:"world,omitempty"`
	BorderSize      float64 `json:"border_size,omitempty"`
}

type Rank struct {
	PlayerID        string `json:"player_id"`
	TotalDiscovered int    `json:"total_discovered"`
}

// NOTICE (server -> client): a keyed, human-readable message.
type NoticeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Key             string `json:"key"`
	Player          string `json:"player,omitempty"`
	Count           int    `json:"count,omitempty"`
	Text            string `json:"text"`
	Broadcast       bool   `json:"broadcast,omitempty"`
}

// REWARD (server -> client): what was granted. Dropped lists items that did
// not fit in the inventory and fell at the player's feet.
type RewardMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Reason          string       `json:"reason"`
	Items           []ItemStack  `json:"items,omitempty"`
	Dropped         []ItemStack  `json:"dropped,omitempty"`
	Experience      int          `json:"experience,omitempty"`
	Effects         []EffectInfo `json:"effects,omitempty"`
}

type ItemStack struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

type EffectInfo struct {
	Type          string `json:"type"`
	DurationTicks int    `json:"duration_ticks"`
	Amplifier     int    `json:"amplifier"`
}

// EFFECT (server -> client): celebratory sound/particles.
type EffectMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Reason          string `json:"reason"`
}

// BORDER (server -> client)
type BorderMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	World           string  `json:"world"`
	Size            float64 `json:"size"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
