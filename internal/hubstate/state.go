// Package hubstate holds the hub's single authoritative copy of show state
// and turns mutations into coalesced delta broadcasts: callers mutate
// fields and OR a bit into a dirty mask; a periodic coalescer snapshots and
// clears the mask, emitting at most one message per dirty category per tick.
package hubstate

import "sync"

// Global dirty bits.
const (
	DirtyBrightness uint16 = 1 << iota
	DirtySpeed
	DirtyHue
	DirtySaturation
	DirtyPaletteID
	DirtyEffectID
	DirtyIntensity
	DirtyComplexity
	DirtyVariation
	DirtyGlobalAll = DirtyBrightness | DirtySpeed | DirtyHue | DirtySaturation | DirtyPaletteID |
		DirtyEffectID | DirtyIntensity | DirtyComplexity | DirtyVariation
)

// Per-zone dirty bits, one per field of ZoneSettings.
const (
	ZoneDirtyEffectID uint8 = 1 << iota
	ZoneDirtyBrightness
	ZoneDirtySpeed
	ZoneDirtyPaletteID
	ZoneDirtyBlendMode
	ZoneDirtyEnabled
	ZoneDirtyAll = ZoneDirtyEffectID | ZoneDirtyBrightness | ZoneDirtySpeed | ZoneDirtyPaletteID | ZoneDirtyBlendMode | ZoneDirtyEnabled
)

// BlendMode enumerates the zone compositor's supported blend operations:
// replace, additive, screen, multiply, max, min, alpha, subtract.
type BlendMode uint8

const (
	BlendReplace BlendMode = iota
	BlendAdditive
	BlendScreen
	BlendMultiply
	BlendMax
	BlendMin
	BlendAlpha
	BlendSubtract
	blendModeCount
)

// GlobalParams is the authoritative show-wide parameter set.
type GlobalParams struct {
	Brightness float64
	Speed      float64
	Hue        float64
	Saturation float64
	PaletteID  uint8
	EffectID   uint8
	Intensity  float64
	Complexity float64
	Variation  float64
}

// ZoneSettings is the authoritative per-zone parameter set.
type ZoneSettings struct {
	Enabled    bool
	EffectID   uint8
	Brightness float64
	Speed      float64
	PaletteID  uint8
	BlendMode  BlendMode
}

// NumZones is the fixed number of addressable zones.
const NumZones = 5

// Store is the hub's single authoritative copy of show state.
type Store struct {
	mu sync.Mutex

	global      GlobalParams
	globalDirty uint16

	zones      [NumZones]ZoneSettings
	zoneDirty  [NumZones]uint8
}

// New returns a Store with sane startup defaults.
func New() *Store {
	s := &Store{
		global: GlobalParams{
			Brightness: 0.5, Speed: 1.0, Saturation: 1.0, PaletteID: 0, EffectID: 0,
			Intensity: 0.5, Complexity: 0.5, Variation: 0.5,
		},
	}
	for i := range s.zones {
		s.zones[i] = ZoneSettings{Enabled: true, Brightness: 1.0, Speed: 1.0, BlendMode: BlendReplace}
	}
	return s
}

// SetGlobal applies fn to the stored global params in place, under the
// store's lock, and ORs bit into the dirty mask whether or not fn changed
// anything.
func (s *Store) SetGlobal(bit uint16, fn func(*GlobalParams)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.global)
	s.globalDirty |= bit
}

// Global returns a copy of the current global params.
func (s *Store) Global() GlobalParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global
}

// SetZone applies fn in place to the stored zone settings at index zoneID,
// if in range, and ORs bit into that zone's dirty mask. It reports whether
// zoneID was in range.
func (s *Store) SetZone(zoneID int, bit uint8, fn func(*ZoneSettings)) bool {
	if zoneID < 0 || zoneID >= NumZones {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.zones[zoneID])
	s.zoneDirty[zoneID] |= bit
	return true
}

// Zone returns a copy of zone settings at zoneID, and whether it was valid.
func (s *Store) Zone(zoneID int) (ZoneSettings, bool) {
	if zoneID < 0 || zoneID >= NumZones {
		return ZoneSettings{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zones[zoneID], true
}

// Restore overwrites all show state without marking anything dirty, for
// reloading a persisted snapshot at bring-up before any node has joined —
// nothing needs broadcasting, joiners get it via state.snapshot.
func (s *Store) Restore(g GlobalParams, zones [NumZones]ZoneSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = g
	s.zones = zones
}

// Snapshot returns a full, consistent copy of all show state, for use when
// welcoming a newly-joined node.
func (s *Store) Snapshot() (GlobalParams, [NumZones]ZoneSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global, s.zones
}

// DrainDirty atomically snapshots and clears the dirty masks, returning the
// global mask and a per-zone mask array. Calling this twice in a row with
// no mutation in between yields a zero global mask and all-zero zone masks
// on the second call — the coalescer's idempotence property.
func (s *Store) DrainDirty() (globalMask uint16, zoneMasks [NumZones]uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	globalMask = s.globalDirty
	zoneMasks = s.zoneDirty
	s.globalDirty = 0
	for i := range s.zoneDirty {
		s.zoneDirty[i] = 0
	}
	return globalMask, zoneMasks
}
