package audio

import "math"

// goertzelPower returns the magnitude (not power-of-two) of the frequency
// targetHz present in frame, sampled at SampleRate. The Goertzel algorithm
// is a single-bin DFT: cheaper than an FFT when only a handful of fixed
// frequencies (octave bands, chroma classes) are needed per hop, which is
// exactly the node's use case.
func goertzelPower(frame []float32, targetHz float64) float64 {
	n := len(frame)
	if n == 0 {
		return 0
	}
	k := int(0.5 + float64(n)*targetHz/SampleRate)
	omega := 2 * math.Pi * float64(k) / float64(n)
	coeff := 2 * math.Cos(omega)

	var s0, s1, s2 float64
	for _, sample := range frame {
		s0 = float64(sample) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	real := s1 - s2*math.Cos(omega)
	imag := s2 * math.Sin(omega)
	return math.Sqrt(real*real+imag*imag) / float64(n)
}
