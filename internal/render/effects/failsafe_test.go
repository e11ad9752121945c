package effects

import (
	"testing"

	"lightwaveos/internal/render"
)

func TestFailsafeFillsUniformLowBrightness(t *testing.T) {
	buf := render.NewBuffer()
	fs := NewFailsafe()
	fs.Init()
	fs.Render(buf, 0.016)

	for i := 0; i < render.NumLEDs; i++ {
		c := buf.Get(i)
		if c.R != failsafeBrightness || c.G != failsafeBrightness || c.B != failsafeBrightness {
			t.Fatalf("pixel %d = %+v, want uniform %d", i, c, failsafeBrightness)
		}
	}
}

func TestFailsafeHasNoParameters(t *testing.T) {
	fs := NewFailsafe()
	if fs.ParamCount() != 0 {
		t.Fatalf("ParamCount() = %d, want 0", fs.ParamCount())
	}
	if fs.SetParameter(0, 1.0) {
		t.Fatal("SetParameter should always report out of range")
	}
}

func TestDefaultRegistryIncludesFailsafeAtZero(t *testing.T) {
	r := NewDefaultRegistry()
	if !r.Has(FailsafeID) {
		t.Fatal("default registry must register the fail-safe effect at ID 0")
	}
	e, ok := r.New(FailsafeID)
	if !ok {
		t.Fatal("New(FailsafeID) should succeed")
	}
	if _, isFailsafe := e.(*Failsafe); !isFailsafe {
		t.Fatalf("New(FailsafeID) = %T, want *Failsafe", e)
	}
}
