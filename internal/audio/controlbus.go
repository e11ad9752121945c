package audio

import "math"

// Exponential-follower lambdas (1/seconds), converted to a frame-rate-
// independent blend coefficient via alpha = 1 - exp(-lambda*dt). Attack
// (rising) is always faster than release (falling), generalizing
// agc.go/vad.go's single-scalar asymmetric-coefficient idiom to every
// spectral feature.
const (
	envelopeAttackLambda  = 18.0
	envelopeReleaseLambda = 4.0

	fastAttackLambda  = 40.0
	fastReleaseLambda = 15.0

	heavyAttackLambda  = 3.0
	heavyReleaseLambda = 0.8

	bpmAttackLambda  = 1.5
	bpmReleaseLambda = 0.3

	// beatConvergenceK scales how fast the internal beat-phase accumulator
	// bends toward a detected onset, weighted further by tempo confidence;
	// never a hard reassignment.
	beatConvergenceK = 3.0

	// onsetRefractory is the minimum gap, in seconds, between accepted
	// onsets, so a single transient can't register as two beats.
	onsetRefractory = 0.12
)

// follow advances prev toward target using an asymmetric exponential
// follower, frame-rate independent via alpha = 1-exp(-lambda*dt).
func follow(prev, target, attackLambda, releaseLambda, dt float64) float64 {
	lambda := releaseLambda
	if target > prev {
		lambda = attackLambda
	}
	alpha := 1 - math.Exp(-lambda*dt)
	return prev + (target-prev)*alpha
}

// wrapPhase folds p into [0,1) using fmod, every frame rather than only on
// a threshold crossing.
func wrapPhase(p float64) float64 {
	p = math.Mod(p, 1)
	if p < 0 {
		p += 1
	}
	return p
}

// ControlBus turns successive RawFeatures hops into the smoothed
// AudioSnapshot effects consume. It owns all cross-hop smoothing state so
// individual effects never need their own audio-domain low-pass filters —
// amplitude/colour smoothing and phase-wrap discipline are enforced here,
// once, centrally. It does no slew limiting of effect phase; an effect's
// own phase accumulator (e.g. Pulse) bounds its per-frame step.
type ControlBus struct {
	rms, flux         float64
	fastRMS, fastFlux float64
	bands             [numBands]float64
	heavyBands        [numBands]float64
	chroma            [numChroma]float64
	heavyChroma       [numChroma]float64
	bins64            [numBins]float64

	beatPhase       float64
	bpm             float64
	tempoConfidence float64
	lastOnsetAt     float64 // seconds, monotonic hop-clock
	clock           float64 // seconds, advances by dt each Process call
	prevFlux        float64

	hopSeq uint32
}

// NewControlBus returns a ControlBus with sane startup defaults: a neutral
// 120 BPM guess and zero confidence until onsets are observed.
func NewControlBus() *ControlBus {
	return &ControlBus{bpm: 120}
}

// Process advances the control bus by one hop of dtSeconds (the actual
// elapsed time since the previous hop) and returns the resulting
// AudioSnapshot. raw is this hop's unsmoothed features; flux is the
// spectral flux computed alongside them by Extractor.Extract.
func (b *ControlBus) Process(raw RawFeatures, flux, dtSeconds float64) AudioSnapshot {
	if dtSeconds <= 0 {
		dtSeconds = 1.0 / 86.0 // FrameSize/SampleRate fallback
	}
	b.clock += dtSeconds

	b.rms = follow(b.rms, raw.RMS, envelopeAttackLambda, envelopeReleaseLambda, dtSeconds)
	b.flux = follow(b.flux, flux, envelopeAttackLambda, envelopeReleaseLambda, dtSeconds)
	b.fastRMS = follow(b.fastRMS, raw.RMS, fastAttackLambda, fastReleaseLambda, dtSeconds)
	b.fastFlux = follow(b.fastFlux, flux, fastAttackLambda, fastReleaseLambda, dtSeconds)

	for i := range raw.Bands {
		b.bands[i] = follow(b.bands[i], raw.Bands[i], envelopeAttackLambda, envelopeReleaseLambda, dtSeconds)
		b.heavyBands[i] = follow(b.heavyBands[i], raw.Bands[i], heavyAttackLambda, heavyReleaseLambda, dtSeconds)
	}
	for i := range raw.Chroma {
		b.chroma[i] = follow(b.chroma[i], raw.Chroma[i], envelopeAttackLambda, envelopeReleaseLambda, dtSeconds)
		b.heavyChroma[i] = follow(b.heavyChroma[i], raw.Chroma[i], heavyAttackLambda, heavyReleaseLambda, dtSeconds)
	}
	for i := range raw.Bins64 {
		b.bins64[i] = follow(b.bins64[i], raw.Bins64[i], envelopeAttackLambda, envelopeReleaseLambda, dtSeconds)
	}

	isOnBeat := b.trackBeat(flux, dtSeconds)
	isSnare, isHihat := b.detectPercussion(flux)

	chord := b.detectChord()
	sal := b.saliencies()
	style := classifyStyle(sal)

	b.hopSeq++
	b.prevFlux = flux

	return AudioSnapshot{
		RMS: b.rms, Flux: b.flux,
		FastRMS: b.fastRMS, FastFlux: b.fastFlux,
		Bands: b.bands, HeavyBands: b.heavyBands,
		Chroma: b.chroma, HeavyChroma: b.heavyChroma,
		Bins64:     b.bins64,
		BeatPhase:  b.beatPhase,
		BPM:        b.bpm,
		IsOnBeat:   isOnBeat,
		IsSnareHit: isSnare,
		IsHihatHit: isHihat,
		Chord:      chord,
		Saliencies: sal,
		MusicStyle: style,
		HopSeq:     b.hopSeq,
	}
}

// trackBeat advances the internal beat-phase accumulator at the current
// smoothed tempo, then — on a detected onset — bends (never snaps) the
// phase and tempo estimate toward the observation.
func (b *ControlBus) trackBeat(flux, dtSeconds float64) (isOnBeat bool) {
	b.beatPhase = wrapPhase(b.beatPhase + (b.bpm/60.0)*dtSeconds)

	onsetThreshold := b.flux + 0.35*b.fastFlux + 1e-6
	sinceOnset := b.clock - b.lastOnsetAt
	if flux <= onsetThreshold || sinceOnset < onsetRefractory {
		b.tempoConfidence = follow(b.tempoConfidence, 0, 0.2, 0.6, dtSeconds)
		return false
	}

	if b.lastOnsetAt > 0 && sinceOnset > 0.2 && sinceOnset < 2.0 {
		observedBPM := 60.0 / sinceOnset
		b.bpm = follow(b.bpm, observedBPM, bpmAttackLambda, bpmReleaseLambda, dtSeconds)
	}
	b.lastOnsetAt = b.clock
	b.tempoConfidence = follow(b.tempoConfidence, 1, 0.6, 0.2, dtSeconds)

	// Converge proportionally toward phase 0 (the onset), scaled by
	// confidence: a confident lock nudges harder, a shaky one barely at
	// all, but it is never a hard reassignment.
	target := wrapPhase(-b.beatPhase) // shortest signed distance to 0
	if target > 0.5 {
		target -= 1
	}
	b.beatPhase = wrapPhase(b.beatPhase + target*beatConvergenceK*b.tempoConfidence*dtSeconds)

	return true
}

// detectPercussion flags a snare-ish hit (broadband low-mid transient) or a
// hihat-ish hit (high-band transient) on this hop, using the same onset
// rise logic as trackBeat but scoped to specific bands so the two hit types
// don't double-fire off the same low-end kick energy.
func (b *ControlBus) detectPercussion(flux float64) (snare, hihat bool) {
	if flux <= b.flux+0.5*b.fastFlux {
		return false, false
	}
	// bands[2]=250Hz..bands[3]=500Hz carry snare body; bands[6]=4kHz..
	// bands[7]=8kHz carry hihat/cymbal shimmer.
	midEnergy := b.bands[2] + b.bands[3]
	highEnergy := b.bands[6] + b.bands[7]
	if highEnergy > midEnergy*1.3 {
		return false, true
	}
	if midEnergy > 0 {
		return true, false
	}
	return false, false
}

// detectChord picks the two strongest pitch classes from the heavily
// smoothed chroma vector (colour should ride the stable harmonic bed, not
// the raw per-hop chroma) and classifies the interval between them.
func (b *ControlBus) detectChord() Chord {
	root, rootMag := 0, -1.0
	for i, v := range b.heavyChroma {
		if v > rootMag {
			root, rootMag = i, v
		}
	}
	if rootMag <= 1e-9 {
		return Chord{}
	}

	second, secondMag := -1, -1.0
	for i, v := range b.heavyChroma {
		if i == root {
			continue
		}
		if v > secondMag {
			second, secondMag = i, v
		}
	}

	confidence := float32(0)
	var total float64
	for _, v := range b.heavyChroma {
		total += v
	}
	if total > 0 {
		confidence = float32(rootMag / total)
	}

	chordType := ChordNone
	if second >= 0 {
		interval := (second - root + 12) % 12
		switch interval {
		case 4:
			chordType = ChordMajor
		case 3:
			chordType = ChordMinor
		case 6:
			chordType = ChordDim
		case 8:
			chordType = ChordAug
		}
	}

	return Chord{RootNote: uint8(root), Type: chordType, Confidence: confidence}
}

// saliencies scores how much of each perceptual dimension is present,
// each in [0,1], from already-smoothed state only (never raw per-hop
// values), so a single loud transient can't spike a saliency score.
func (b *ControlBus) saliencies() Saliencies {
	var chromaSum, chromaMax float64
	for _, v := range b.heavyChroma {
		chromaSum += v
		if v > chromaMax {
			chromaMax = v
		}
	}
	harmonic := 0.0
	if chromaSum > 0 {
		harmonic = clamp01(chromaMax / chromaSum * 2) // peaky chroma => tonal
	}

	rhythmic := clamp01(b.tempoConfidence)

	var lowEnergy, highEnergy float64
	for i, v := range b.heavyBands {
		if i < numBands/2 {
			lowEnergy += v
		} else {
			highEnergy += v
		}
	}
	timbral := 0.0
	if total := lowEnergy + highEnergy; total > 0 {
		timbral = clamp01(highEnergy / total)
	}

	dynamic := clamp01((b.fastRMS - b.rms) / (b.rms + 1e-6))

	return Saliencies{Harmonic: harmonic, Rhythmic: rhythmic, Timbral: timbral, Dynamic: dynamic}
}

// classifyStyle is a coarse, best-effort heuristic over already-computed
// saliencies — never a substitute for a real classifier, just enough
// structure for an effect to pick a palette/motion family.
func classifyStyle(s Saliencies) MusicStyle {
	switch {
	case s.Rhythmic > 0.6 && s.Dynamic > 0.4:
		return StylePercussive
	case s.Rhythmic > 0.35:
		return StyleRhythmic
	case s.Harmonic > 0.5 && s.Rhythmic < 0.2:
		return StyleAmbient
	default:
		return StyleUnknown
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
