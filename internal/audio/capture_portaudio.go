//go:build portaudio

package audio

import "github.com/gordonklaus/portaudio"

// PortaudioSource captures FrameSize mono float32 samples per Read from a
// real input device. Gated behind the portaudio build tag since the
// hardware driver (and its cgo dependency) is out of scope for a default
// build.
type PortaudioSource struct {
	stream *portaudio.Stream
	buf    []float32
}

// NewPortaudioSource opens the default input device at SampleRate with
// FrameSize frames per buffer.
func NewPortaudioSource() (*PortaudioSource, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	buf := make([]float32, FrameSize)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: 1,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: FrameSize,
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, SampleRate, FrameSize, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	_ = params // retained for documentation of the intended device params
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, err
	}
	return &PortaudioSource{stream: stream, buf: buf}, nil
}

func (p *PortaudioSource) Read(buf []float32) error {
	if err := p.stream.Read(); err != nil {
		return err
	}
	copy(buf, p.buf)
	return nil
}

func (p *PortaudioSource) Close() error {
	err := p.stream.Stop()
	if cerr := p.stream.Close(); err == nil {
		err = cerr
	}
	_ = portaudio.Terminate()
	return err
}
