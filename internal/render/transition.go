package render

import "math"

// TransitionKind enumerates the supported cross-fade shapes between two
// effects. An out-of-range kind falls back to Fade, per the
// bounded-enum-with-fallback contract.
type TransitionKind uint8

const (
	TransitionFade TransitionKind = iota
	TransitionWipeLeft
	TransitionWipeRight
	TransitionEaseInOut
	transitionKindCount
)

// Transition drives a timed cross-fade from one effect's output buffer to
// another's, sampled once per frame via Progress.
type Transition struct {
	Kind     TransitionKind
	Duration float64 // seconds
	elapsed  float64
}

// NewTransition returns a Transition of kind over duration seconds,
// falling back to TransitionFade for an unrecognized kind.
func NewTransition(kind TransitionKind, duration float64) *Transition {
	if kind >= transitionKindCount {
		kind = TransitionFade
	}
	if duration <= 0 {
		duration = 0.001
	}
	return &Transition{Kind: kind, Duration: duration}
}

// Advance moves the transition forward by dtSeconds and reports whether it
// has completed.
func (t *Transition) Advance(dtSeconds float64) (done bool) {
	t.elapsed += dtSeconds
	return t.elapsed >= t.Duration
}

// Progress returns how far through the transition we are, in [0, 1].
func (t *Transition) Progress() float64 {
	p := t.elapsed / t.Duration
	if p > 1 {
		return 1
	}
	if p < 0 {
		return 0
	}
	return p
}

// Composite blends from into to according to the transition's current
// progress and writes the result into out. from/to/out must all be
// distinct buffers.
func (t *Transition) Composite(out, from, to *Buffer) {
	p := t.Progress()
	switch t.Kind {
	case TransitionWipeLeft:
		cut := int(p * float64(NumLEDs))
		for i := 0; i < NumLEDs; i++ {
			if i < cut {
				out.Set(i, to.Get(i))
			} else {
				out.Set(i, from.Get(i))
			}
		}
	case TransitionWipeRight:
		cut := int((1 - p) * float64(NumLEDs))
		for i := 0; i < NumLEDs; i++ {
			if i >= cut {
				out.Set(i, to.Get(i))
			} else {
				out.Set(i, from.Get(i))
			}
		}
	case TransitionEaseInOut:
		eased := easeInOutCubic(p)
		for i := 0; i < NumLEDs; i++ {
			out.Set(i, lerpRGB(from.Get(i), to.Get(i), eased))
		}
	default: // TransitionFade
		for i := 0; i < NumLEDs; i++ {
			out.Set(i, lerpRGB(from.Get(i), to.Get(i), p))
		}
	}
}

func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	f := -2*t + 2
	return 1 - math.Pow(f, 3)/2
}

func lerpRGB(a, b RGB, t float64) RGB {
	return RGB{
		R: lerpChannel(a.R, b.R, t),
		G: lerpChannel(a.G, b.G, t),
		B: lerpChannel(a.B, b.B, t),
	}
}
