// Package audio implements the node's audio-reactive pipeline: a capture
// ring buffer standing in for the hardware I2S DMA buffer, Goertzel-based
// feature extraction, and a control-bus smoother that turns raw features
// into the stable AudioSnapshot effects consume.
package audio

import "sync"

// ringSize is the capture ring's depth in frames. Must be a power of two so
// index wrap is a cheap mask, mirroring jitter.Buffer's ring.
const ringSize = 8
const ringMask = ringSize - 1

// FrameSize is the number of mono float32 samples per hop: a 20ms-at-48kHz
// style convention scaled down for the node's lighter feature-extraction
// cadence (512 samples ~= 11.6ms at 44.1kHz).
const FrameSize = 512

// SampleRate is the fixed capture rate in Hz.
const SampleRate = 44100

// Ring is a fixed-depth, single-producer/single-consumer ring buffer of
// fixed-size audio frames. It stands in for the I2S DMA ring on real
// hardware: Push never blocks (it overwrites the oldest unread frame when
// the ring is full) and Pop never blocks (it returns ok=false when empty),
// so neither capture nor the render loop can stall on the other.
type Ring struct {
	mu       sync.Mutex
	frames   [ringSize][FrameSize]float32
	readIdx  int
	writeIdx int
	count    int
}

// NewRing returns an empty ring buffer.
func NewRing() *Ring {
	return &Ring{}
}

// Push writes frame into the ring, overwriting the oldest frame if full.
// frame must be exactly FrameSize samples; shorter frames are zero-padded,
// longer ones truncated, since a malformed capture frame must never panic
// the audio pipeline.
func (r *Ring) Push(frame []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var slot [FrameSize]float32
	n := copy(slot[:], frame)
	_ = n
	r.frames[r.writeIdx] = slot
	r.writeIdx = (r.writeIdx + 1) & ringMask

	if r.count == ringSize {
		// Overwrote the oldest unread frame; advance read past it.
		r.readIdx = (r.readIdx + 1) & ringMask
	} else {
		r.count++
	}
}

// Pop removes and returns the oldest frame, or ok=false if the ring is
// empty.
func (r *Ring) Pop() (frame [FrameSize]float32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return frame, false
	}
	frame = r.frames[r.readIdx]
	r.readIdx = (r.readIdx + 1) & ringMask
	r.count--
	return frame, true
}

// Len reports how many unread frames are currently buffered.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
