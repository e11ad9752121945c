package effects

import "lightwaveos/internal/render"

// SolidID is the built-in solid-color effect's ID.
const SolidID uint8 = 1

// Solid fills the whole buffer with a single hue, driven by one parameter
// (hue, [0,1] mapped to the 0..255 wire hue range elsewhere). It exists
// mainly as the simplest possible non-failsafe effect to exercise the
// registry and the zone compositor against.
type Solid struct {
	hue float64
}

// NewSolid constructs a Solid effect.
func NewSolid() render.Effect { return &Solid{} }

func (s *Solid) Init() { s.hue = 0 }

func (s *Solid) Render(buf *render.Buffer, _ float64) {
	c := hueToRGB(s.hue)
	for i := 0; i < render.NumLEDs; i++ {
		buf.Set(i, c)
	}
}

func (s *Solid) ParamCount() int { return 1 }

func (s *Solid) GetParameter(i int) float64 {
	if i != 0 {
		return 0
	}
	return s.hue
}

func (s *Solid) SetParameter(i int, v float64) bool {
	if i != 0 {
		return false
	}
	s.hue = clamp01(v)
	return true
}

// hueToRGB is a minimal HSV(hue,1,1)->RGB conversion, parameterized on
// hue in [0,1].
func hueToRGB(hue float64) render.RGB {
	h := hue * 6
	x := 1 - abs(mod(h, 2)-1)
	var r, g, b float64
	switch {
	case h < 1:
		r, g, b = 1, x, 0
	case h < 2:
		r, g, b = x, 1, 0
	case h < 3:
		r, g, b = 0, 1, x
	case h < 4:
		r, g, b = 0, x, 1
	case h < 5:
		r, g, b = x, 0, 1
	default:
		r, g, b = 1, 0, x
	}
	return render.RGB{R: to255(r), G: to255(g), B: to255(b)}
}

func to255(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v * 255)
}

func mod(a, b float64) float64 {
	m := a
	for m >= b {
		m -= b
	}
	for m < 0 {
		m += b
	}
	return m
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
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
