// Package effects holds the node's built-in visual effects, including the
// mandatory fail-safe effect every node must be able to fall back to.
package effects

import "lightwaveos/internal/render"

// FailsafeID is the reserved effect ID for the fail-safe effect.
const FailsafeID uint8 = 0

// failsafeBrightness is intentionally dim: the fail-safe effect exists to
// signal "something is wrong" without blinding anyone near the install.
const failsafeBrightness = 20

// Failsafe renders a uniform low-brightness white across every LED. It has
// no tunable parameters and cannot itself fail (no allocations, no
// division, no dependency on external state).
type Failsafe struct{}

// NewFailsafe constructs a Failsafe effect.
func NewFailsafe() render.Effect { return &Failsafe{} }

func (f *Failsafe) Init() {}

func (f *Failsafe) Render(buf *render.Buffer, _ float64) {
	c := render.RGB{R: failsafeBrightness, G: failsafeBrightness, B: failsafeBrightness}
	for i := 0; i < render.NumLEDs; i++ {
		buf.Set(i, c)
	}
}

func (f *Failsafe) ParamCount() int               { return 0 }
func (f *Failsafe) GetParameter(i int) float64     { return 0 }
func (f *Failsafe) SetParameter(i int, v float64) bool { return false }
