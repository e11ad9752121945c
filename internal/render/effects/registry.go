package effects

import "lightwaveos/internal/render"

// NewDefaultRegistry returns a Registry with every built-in effect
// registered, including the mandatory fail-safe effect at ID 0.
func NewDefaultRegistry() *render.Registry {
	r := render.NewRegistry()
	r.Register(FailsafeID, NewFailsafe)
	r.Register(SolidID, NewSolid)
	r.Register(PulseID, NewPulse)
	return r
}
