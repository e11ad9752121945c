package render

import (
	"fmt"

	"lightwaveos/internal/audio"
)

// Effect is the interface every visual effect implements. Render is called
// once per frame and must write only through buf's Set/SetCenterPair, which
// already guard against out-of-range indices.
type Effect interface {
	// Init resets any internal effect state (e.g. phase accumulators).
	Init()
	// Render draws one frame into buf. dtSeconds is the elapsed time since
	// the previous frame.
	Render(buf *Buffer, dtSeconds float64)
	// ParamCount returns how many tunable parameters this effect exposes.
	ParamCount() int
	// GetParameter returns the current value of parameter index i in [0,1].
	GetParameter(i int) float64
	// SetParameter sets parameter index i to value v, clamped to [0,1]. It
	// reports whether i was in range.
	SetParameter(i int, v float64) bool
}

// AudioReactive is implemented by effects that want the current smoothed
// AudioSnapshot before Render runs. The renderer loop calls SetAudio (when
// an effect implements it) once per frame, immediately before Render, so
// audio never reaches an effect through any path but this by-value
// snapshot: raw audio may only modulate amplitude/colour here, never phase
// (phase advances from dtSeconds, slew-limited, independent of this
// snapshot).
type AudioReactive interface {
	SetAudio(snap audio.AudioSnapshot)
}

// GlobalKnobs is the hub's show-wide parameter set, mirrored onto the
// node's render loop. Brightness is always applied by the engine itself as
// a final master-dimmer pass over the rendered buffer (the same Scale used
// for per-zone brightness), and Speed scales the dtSeconds every effect
// receives; the rest are only meaningful to an effect that opts into
// GlobalReactive.
type GlobalKnobs struct {
	Brightness float64
	Speed      float64
	Hue        float64
	Saturation float64
	PaletteID  uint8
	Intensity  float64
	Complexity float64
	Variation  float64
}

// GlobalReactive is implemented by effects that want the current show-wide
// knobs before Render runs, the same opt-in shape as AudioReactive. Most
// built-in effects don't need this — SetParameter already covers
// per-effect tunables — but a palette- or complexity-driven effect can use
// it instead of threading individual values through SetParameter calls.
type GlobalReactive interface {
	SetGlobalParams(knobs GlobalKnobs)
}

// clamp01 bounds v to [0, 1], the contract every effect parameter obeys.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Registry maps effect IDs to their constructors. Effect ID 0 is reserved
// for the mandatory fail-safe effect and is always present.
type Registry struct {
	factories map[uint8]func() Effect
}

// NewRegistry returns an empty registry. Callers should Register the
// fail-safe effect at ID 0 before use; NewDefaultRegistry in the effects
// package does this for them.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[uint8]func() Effect)}
}

// Register binds an effect constructor to id. Re-registering an id
// replaces the previous constructor.
func (r *Registry) Register(id uint8, factory func() Effect) {
	r.factories[id] = factory
}

// New constructs a fresh Effect instance for id, or (nil, false) if id is
// unknown. Callers should fall back to the fail-safe effect (ID 0) on a
// false return, per the crash-isolation contract.
func (r *Registry) New(id uint8) (Effect, bool) {
	factory, ok := r.factories[id]
	if !ok {
		return nil, false
	}
	e := factory()
	e.Init()
	return e, true
}

// Has reports whether id is registered.
func (r *Registry) Has(id uint8) bool {
	_, ok := r.factories[id]
	return ok
}

// IDs returns every registered effect id.
func (r *Registry) IDs() []uint8 {
	ids := make([]uint8, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) String() string {
	return fmt.Sprintf("Registry(%d effects)", len(r.factories))
}
