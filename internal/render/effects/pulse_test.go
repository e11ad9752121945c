package effects

import (
	"testing"

	"lightwaveos/internal/audio"
	"lightwaveos/internal/render"
)

func TestPulseRenderIsSymmetricWithinAndAcrossStrips(t *testing.T) {
	buf := render.NewBuffer()
	p := NewPulse()
	p.Init()
	p.Render(buf, 0.016)

	for d := 0; d < 80; d++ {
		a := buf.Get(79 - d)
		b := buf.Get(80 + d)
		if a != b {
			t.Fatalf("strip A not symmetric at d=%d: %+v vs %+v", d, a, b)
		}
		c := buf.Get(render.StripLen + 79 - d)
		e := buf.Get(render.StripLen + 80 + d)
		if c != e {
			t.Fatalf("strip B not symmetric at d=%d: %+v vs %+v", d, c, e)
		}
		if a != c {
			t.Fatalf("strips not symmetric with each other at d=%d: %+v vs %+v", d, a, c)
		}
	}
}

func TestPulsePhaseNeverTeleports(t *testing.T) {
	p := &Pulse{}
	p.Init()
	p.SetParameter(0, 1.0) // command max speed from a standing start

	buf := render.NewBuffer()
	prevPhase := p.phase
	for i := 0; i < 200; i++ {
		p.Render(buf, 1.0/60.0)
		delta := p.phase - prevPhase
		if delta < 0 {
			delta += 1
		}
		maxAllowed := phaseSpeedMax*(1.0/60.0) + 1e-9
		if delta > maxAllowed {
			t.Fatalf("frame %d: phase jumped by %v, max allowed %v", i, delta, maxAllowed)
		}
		prevPhase = p.phase
	}
}

func TestPulseAudioModulatesAmplitudeNotPhase(t *testing.T) {
	p := &Pulse{}
	p.Init()
	p.SetParameter(0, 1.0)

	buf := render.NewBuffer()
	p.Render(buf, 1.0/60.0)
	phaseWithoutAudio := p.phase

	p.SetAudio(audio.AudioSnapshot{RMS: 1.0, Chord: audio.Chord{RootNote: 3, Confidence: 0.9}})
	p.Render(buf, 1.0/60.0)

	maxAllowed := phaseSpeedMax*(1.0/60.0) + 1e-9
	if delta := p.phase - phaseWithoutAudio; delta < 0 || delta > maxAllowed {
		t.Fatalf("audio injection changed phase step by %v, want within the same slew bound %v", delta, maxAllowed)
	}
}

func TestPulseParameterBounds(t *testing.T) {
	p := NewPulse()
	if p.ParamCount() != 2 {
		t.Fatalf("ParamCount() = %d, want 2", p.ParamCount())
	}
	if !p.SetParameter(0, 2.0) {
		t.Fatal("SetParameter(0, ...) should be in range")
	}
	if got := p.GetParameter(0); got != 1.0 {
		t.Fatalf("GetParameter(0) = %v, want clamped to 1.0", got)
	}
	if p.SetParameter(5, 0.5) {
		t.Fatal("SetParameter(5, ...) should report out of range")
	}
}
