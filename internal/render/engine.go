package render

import (
	"log/slog"

	"lightwaveos/internal/audio"
	"lightwaveos/internal/hubstate"
)

// FaultReporter is the crash-isolation contract the render loop drives:
// effects.CrashGuard satisfies this without render importing effects (which
// already imports render), keeping the dependency one-directional.
type FaultReporter interface {
	RecordFault() (enteredSafeMode bool)
	RecordStableFrame() (exitedSafeMode bool)
	InSafeMode() bool
}

// Engine is the node's per-frame render pipeline: it owns the LED buffer,
// drives the current global effect (or a fail-safe fallback on fault),
// advances any in-flight transition between global effects, and composites
// per-zone effects on top when zones are enabled.
type Engine struct {
	registry *Registry
	guard    FaultReporter

	buf     *Buffer
	fromBuf *Buffer
	toBuf   *Buffer

	currentID     uint8
	currentEffect Effect
	fromEffect    Effect
	transition    *Transition

	compositor *ZoneCompositor
	zoneEffect [hubstate.NumZones]Effect
	zoneID     [hubstate.NumZones]uint8
	zoneBuf    *Buffer
}

// NewEngine constructs an Engine that starts on the fail-safe effect
// (ID 0). guard may be nil to disable crash-mode tracking (e.g. in tests).
func NewEngine(reg *Registry, guard FaultReporter) *Engine {
	e := &Engine{
		registry:   reg,
		guard:      guard,
		buf:        NewBuffer(),
		fromBuf:    NewBuffer(),
		toBuf:      NewBuffer(),
		compositor: NewZoneCompositor(),
		zoneBuf:    NewBuffer(),
	}
	e.currentEffect, _ = reg.New(0)
	return e
}

// SetEffect starts a transition from the currently-rendered global effect
// to toID. An unregistered toID falls back to the fail-safe effect (ID 0)
// rather than leaving the engine pointed at nothing, per the bounds-safety
// contract on effect ids. Calling SetEffect again mid-transition replaces
// the in-flight transition: the new one starts from the previous target
// effect, and the previous source effect is dropped.
func (e *Engine) SetEffect(toID uint8, kind TransitionKind, durationSeconds float64) {
	if toID == e.currentID && e.transition == nil {
		return
	}
	next, ok := e.registry.New(toID)
	if !ok {
		slog.Warn("unknown effect id, falling back to failsafe", "effect_id", toID)
		toID = 0
		next, _ = e.registry.New(0)
	}
	e.fromEffect = e.currentEffect
	e.currentEffect = next
	e.currentID = toID
	e.transition = NewTransition(kind, durationSeconds)
}

// CurrentEffect returns the effect id the engine is rendering (or
// transitioning toward).
func (e *Engine) CurrentEffect() uint8 { return e.currentID }

// RenderFrame advances the engine by dtSeconds and returns the freshly
// rendered buffer. snap is the current smoothed audio snapshot, passed by
// value to any effect implementing AudioReactive; knobs is the current
// show-wide parameter set, passed to the global effect when it implements
// GlobalReactive (per-zone effects receive zero-valued knobs) and also
// driving the engine's own master-dimmer and speed-scaling behavior. When zonesEnabled, every enabled zone in zones additionally
// renders its own effect and composites onto the global frame using its
// configured blend mode.
func (e *Engine) RenderFrame(dtSeconds float64, snap audio.AudioSnapshot, knobs GlobalKnobs, zonesEnabled bool, zones [hubstate.NumZones]hubstate.ZoneSettings) *Buffer {
	effectDt := dtSeconds * knobs.Speed
	e.renderGlobal(effectDt, snap, knobs)
	if zonesEnabled {
		e.renderZones(effectDt, snap, zones)
	}
	e.applyMasterDimmer(knobs.Brightness)
	return e.buf
}

// applyMasterDimmer scales every pixel by brightness, the same Scale used
// for per-zone brightness in Composite. Zero is a real value — a blackout
// renders every pixel dark. A negative brightness means "no dimmer set"
// and leaves the buffer untouched.
func (e *Engine) applyMasterDimmer(brightness float64) {
	if brightness < 0 {
		return
	}
	for i := 0; i < NumLEDs; i++ {
		e.buf.Set(i, Scale(e.buf.Get(i), brightness))
	}
}

func (e *Engine) renderGlobal(dtSeconds float64, snap audio.AudioSnapshot, knobs GlobalKnobs) {
	if e.inSafeMode() {
		failsafe, _ := e.registry.New(0)
		e.runEffect(failsafe, e.buf, dtSeconds, snap, knobs)
		return
	}

	if e.transition == nil {
		if e.runEffect(e.currentEffect, e.buf, dtSeconds, snap, knobs) {
			e.recoverToFailsafe(e.buf, dtSeconds, snap, knobs)
		}
		return
	}

	fromFaulted := e.fromEffect == nil || e.runEffect(e.fromEffect, e.fromBuf, dtSeconds, snap, knobs)
	toFaulted := e.runEffect(e.currentEffect, e.toBuf, dtSeconds, snap, knobs)
	if fromFaulted {
		e.fromBuf.Clear()
	}
	if toFaulted {
		e.recoverToFailsafe(e.toBuf, dtSeconds, snap, knobs)
	}

	e.transition.Composite(e.buf, e.fromBuf, e.toBuf)
	if e.transition.Advance(dtSeconds) {
		e.transition = nil
		e.fromEffect = nil
	}
}

// SetZoneLayout validates and installs a new zone layout. Like every
// other engine mutation it must be called from the render context; a
// rejected layout leaves the active one untouched.
func (e *Engine) SetZoneLayout(layout []ZoneRange) error {
	return e.compositor.SetLayout(layout)
}

func (e *Engine) renderZones(dtSeconds float64, snap audio.AudioSnapshot, zones [hubstate.NumZones]hubstate.ZoneSettings) {
	for i, zs := range zones {
		if !zs.Enabled || !e.compositor.HasZone(i) {
			continue
		}
		eff := e.zoneEffectFor(i, zs.EffectID)
		e.zoneBuf.Clear()
		if e.runEffect(eff, e.zoneBuf, dtSeconds, snap, GlobalKnobs{}) {
			e.recoverToFailsafe(e.zoneBuf, dtSeconds, snap, GlobalKnobs{})
		}
		e.compositor.Composite(e.buf, e.zoneBuf, i, zs)
	}
}

// zoneEffectFor returns the cached effect instance for zoneID, rebuilding
// it (via Init) whenever the commanded effect id changes.
func (e *Engine) zoneEffectFor(zoneID int, effectID uint8) Effect {
	if e.zoneEffect[zoneID] != nil && e.zoneID[zoneID] == effectID {
		return e.zoneEffect[zoneID]
	}
	eff, ok := e.registry.New(effectID)
	if !ok {
		eff, _ = e.registry.New(0)
		effectID = 0
	}
	e.zoneEffect[zoneID] = eff
	e.zoneID[zoneID] = effectID
	return eff
}

// runEffect renders eff into buf, recovering from a panicking effect (the
// "renderer invariant violation" class of fault in the fail-safe contract)
// rather than letting it take down the render loop. It reports whether a
// fault occurred.
func (e *Engine) runEffect(eff Effect, buf *Buffer, dtSeconds float64, snap audio.AudioSnapshot, knobs GlobalKnobs) (faulted bool) {
	if eff == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("effect render panicked, falling back to failsafe", "panic", r)
			faulted = true
		}
	}()
	if ar, ok := eff.(AudioReactive); ok {
		ar.SetAudio(snap)
	}
	if gr, ok := eff.(GlobalReactive); ok {
		gr.SetGlobalParams(knobs)
	}
	eff.Render(buf, dtSeconds)
	if e.guard != nil {
		e.guard.RecordStableFrame()
	}
	return false
}

func (e *Engine) recoverToFailsafe(buf *Buffer, dtSeconds float64, snap audio.AudioSnapshot, knobs GlobalKnobs) {
	if e.guard != nil {
		e.guard.RecordFault()
	}
	buf.Clear()
	failsafe, _ := e.registry.New(0)
	e.runEffect(failsafe, buf, dtSeconds, snap, knobs)
}

func (e *Engine) inSafeMode() bool {
	return e.guard != nil && e.guard.InSafeMode()
}
