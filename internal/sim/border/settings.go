// Package border sizes each world's soft boundary from discovery counts and
// keeps the live boundary and the persisted row in step.
package border

import "chunkfrontier.ai/internal/sim/tuning"

type Settings struct {
	InitialSize       float64 `json:"initial_size"`
	ExpansionPerChunk float64 `json:"expansion_per_chunk"`
}

// Size returns initial + n*expansion. Negative counts are treated as zero.
func (s Settings) Size(n int) float64 {
	if n < 0 {
		n = 0
	}
	return s.InitialSize + float64(n)*s.ExpansionPerChunk
}

// Resolver picks settings for a world: a per-world override wins over the
// world's environment type, which wins over the global default. Fields an
// override leaves out come from the global default.
type Resolver struct {
	def       Settings
	worlds    map[string]tuning.BorderOverride
	types     map[string]tuning.BorderOverride
	worldType map[string]string
}

func NewResolver(t tuning.Tuning) *Resolver {
	r := &Resolver{
		def:       Settings{InitialSize: t.Border.InitialSize, ExpansionPerChunk: t.Border.ExpansionPerChunk},
		worlds:    map[string]tuning.BorderOverride{},
		types:     map[string]tuning.BorderOverride{},
		worldType: map[string]string{},
	}
	for k, v := range t.Border.Worlds {
		r.worlds[k] = v
	}
	for k, v := range t.Border.WorldTypes {
		if c, ok := tuning.CanonicalWorldType(k); ok {
			k = c
		}
		r.types[k] = v
	}
	for _, w := range t.Worlds {
		r.worldType[w.ID] = w.Type
	}
	return r
}

func (r *Resolver) Default() Settings { return r.def }

func (r *Resolver) For(world string) Settings {
	if o, ok := r.worlds[world]; ok {
		return r.merge(o)
	}
	typ, ok := r.worldType[world]
	if !ok {
		typ = tuning.WorldNormal
	}
	if o, ok := r.types[typ]; ok {
		return r.merge(o)
	}
	return r.def
}

func (r *Resolver) merge(o tuning.BorderOverride) Settings {
	s := r.def
	if o.InitialSize != nil {
		s.InitialSize = *o.InitialSize
	}
	if o.ExpansionPerChunk != nil {
		s.ExpansionPerChunk = *o.ExpansionPerChunk
	}
	return s
}
