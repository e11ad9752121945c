package effects

import (
	"math"

	"lightwaveos/internal/audio"
	"lightwaveos/internal/render"
)

// PulseID is the built-in centre-origin audio-reactive effect's ID.
const PulseID uint8 = 2

const (
	// phaseSpeedMax bounds how fast Pulse's phase may advance per second,
	// independent of frame rate, so a long frame can never look like a
	// teleport on the next short one.
	phaseSpeedMax = 2.0 // revolutions/sec at full tempo confidence

	// bpmAttack/bpmRelease are asymmetric smoothing coefficients for the
	// commanded speed parameter, mirroring AGC-style attack/release gain
	// smoothing: react fast to speed-ups, ease out of them slower so the
	// visual motion never seems to lurch.
	bpmAttack  = 0.35
	bpmRelease = 0.08
)

// Pulse renders a symmetric expanding/contracting band of light from the
// centre of each strip outward. Its phase advances at a rate derived from
// the speed parameter but is always slew-limited to phaseSpeedMax*dt, so
// successive frames never show a phase jump larger than the no-teleport
// bound regardless of how parameters change between frames.
type Pulse struct {
	phase     float64 // [0,1)
	speed     float64 // [0,1] commanded
	smoothSpd float64 // smoothed speed actually driving phase advance
	hue       float64

	haveAudio bool
	snap      audio.AudioSnapshot
}

// NewPulse constructs a Pulse effect.
func NewPulse() render.Effect { return &Pulse{} }

func (p *Pulse) Init() {
	p.phase = 0
	p.speed = 0.5
	p.smoothSpd = 0.5
	p.hue = 0.6
	p.haveAudio = false
}

// SetAudio records the current frame's smoothed audio snapshot. Per the
// no-raw-phase-modulation contract, this only ever influences amplitude
// (via snap.RMS) and colour (via snap.Chord) in Render — never the phase
// accumulator, which advances purely from smoothSpd and dtSeconds.
func (p *Pulse) SetAudio(snap audio.AudioSnapshot) {
	p.snap = snap
	p.haveAudio = true
}

func (p *Pulse) Render(buf *render.Buffer, dtSeconds float64) {
	if dtSeconds < 0 {
		dtSeconds = 0
	}

	// Smooth the commanded speed asymmetrically: rising speed commands are
	// followed quickly, falling ones eased into, so tempo drops never
	// produce a visible phase snap.
	if p.speed > p.smoothSpd {
		p.smoothSpd += (p.speed - p.smoothSpd) * bpmAttack
	} else {
		p.smoothSpd += (p.speed - p.smoothSpd) * bpmRelease
	}

	maxStep := phaseSpeedMax * dtSeconds
	step := p.smoothSpd * maxStep
	if step > maxStep {
		step = maxStep
	}
	p.phase += step
	for p.phase >= 1 {
		p.phase -= 1
	}

	hue := p.hue
	amplitude := 1.0
	if p.haveAudio {
		// Colour: drift toward the detected chord root when the harmonic
		// estimate is confident, otherwise stay on the commanded hue.
		if p.snap.Chord.Confidence > 0.3 {
			chordHue := float64(p.snap.Chord.RootNote) / 12.0
			hue = hue + wrapSigned(chordHue-hue)*float64(p.snap.Chord.Confidence)*0.5
		}
		// Amplitude: already-smoothed RMS brightens the ring without ever
		// touching ringPos/phase.
		amplitude = 0.5 + 0.5*clamp01(p.snap.RMS*4)
	}
	c := render.Scale(hueToRGB(wrapUnit(hue)), amplitude)

	// Distance of the current pulse ring from centre, in the [0,80) half
	// length shared by both physical strips.
	const halfLen = 80
	ringPos := p.phase * halfLen
	width := 6.0

	buf.Clear()
	for d := 0; d < halfLen; d++ {
		dist := math.Abs(float64(d) - ringPos)
		if dist > width {
			continue
		}
		falloff := 1 - dist/width
		buf.SetCenterPair(d, render.Scale(c, falloff))
	}
}

// wrapUnit folds v into [0,1) via fmod, never a threshold-crossing reset.
func wrapUnit(v float64) float64 {
	v = math.Mod(v, 1)
	if v < 0 {
		v += 1
	}
	return v
}

// wrapSigned returns the shortest signed distance from 0 to d on the unit
// circle, used to bend hue toward a target without ever wrapping the long
// way around.
func wrapSigned(d float64) float64 {
	d = wrapUnit(d)
	if d > 0.5 {
		d -= 1
	}
	return d
}

func (p *Pulse) ParamCount() int { return 2 }

func (p *Pulse) GetParameter(i int) float64 {
	switch i {
	case 0:
		return p.speed
	case 1:
		return p.hue
	default:
		return 0
	}
}

func (p *Pulse) SetParameter(i int, v float64) bool {
	switch i {
	case 0:
		p.speed = clamp01(v)
		return true
	case 1:
		p.hue = clamp01(v)
		return true
	default:
		return false
	}
}
