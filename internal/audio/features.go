package audio

import "math"

const numBands = 8
const numChroma = 12
const numBins = 64

// bandCenters are 8 log-spaced octave-ish band centers spanning bass to
// presence, in Hz.
var bandCenters = [numBands]float64{60, 120, 250, 500, 1000, 2000, 4000, 8000}

// chromaBaseHz is the frequency of pitch class 0 (C) in the reference
// octave used for chroma extraction; classes 1..11 are semitones above it.
const chromaBaseHz = 130.81 // C3

// binMinHz/binMaxHz bound the 64-bin log-spaced spectrum used for bins64.
const binMinHz = 40.0
const binMaxHz = 10000.0

// RawFeatures is one hop's unsmoothed measurement, before the control bus
// applies temporal smoothing.
type RawFeatures struct {
	RMS    float64
	Bands  [numBands]float64
	Chroma [numChroma]float64
	Bins64 [numBins]float64
}

// Extractor turns successive audio frames into RawFeatures using a bank of
// Goertzel filters. It keeps no cross-hop state itself (that lives in
// ControlBus) beyond the previous hop's band energies used to derive
// spectral flux.
type Extractor struct {
	prevRMS    float64
	prevBands  [numBands]float64
	havePrev   bool
}

// NewExtractor returns a ready-to-use Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract computes RawFeatures for one FrameSize hop, plus the spectral
// flux derived from the change in band energy since the previous hop.
func (e *Extractor) Extract(frame []float32) (feat RawFeatures, flux float64) {
	feat.RMS = rms(frame)

	for i, f := range bandCenters {
		feat.Bands[i] = goertzelPower(frame, f)
	}
	for i := 0; i < numChroma; i++ {
		f := chromaBaseHz * math.Pow(2, float64(i)/12)
		// Sum three octaves so the chroma class isn't blind to register.
		feat.Chroma[i] = goertzelPower(frame, f) + goertzelPower(frame, f*2) + goertzelPower(frame, f*4)
	}
	for i := 0; i < numBins; i++ {
		t := float64(i) / float64(numBins-1)
		// Log-spaced bin frequencies across the audible-ish range.
		f := binMinHz * math.Pow(binMaxHz/binMinHz, t)
		feat.Bins64[i] = goertzelPower(frame, f)
	}

	if e.havePrev {
		var sum float64
		for i := range feat.Bands {
			d := feat.Bands[i] - e.prevBands[i]
			if d > 0 { // half-wave rectified flux: only rises count as onsets
				sum += d
			}
		}
		flux = sum
	}
	e.prevRMS = feat.RMS
	e.prevBands = feat.Bands
	e.havePrev = true
	return feat, flux
}

func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
