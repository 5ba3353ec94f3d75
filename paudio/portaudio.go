package paudio

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/d1nch8g/snddelay/pcm"
)

// Direction selects which side of the default device a stream opens
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// Initialize initializes the PortAudio library. Calls nest and must be
// balanced by Terminate.
func Initialize() error {
	return portaudio.Initialize()
}

// Terminate releases the PortAudio library
func Terminate() error {
	return portaudio.Terminate()
}

// Stream is a blocking PortAudio stream that exchanges whole device blocks
// as raw PCM bytes in an arbitrary pcm.Format. Samples cross the C boundary
// as left-justified int32 so every supported bit depth is carried exactly.
type Stream struct {
	dir         Direction
	format      pcm.Format
	stream      *portaudio.Stream
	audioBuffer []int32
	block       []byte
}

// Open opens the default device in the given direction
func Open(dir Direction, format pcm.Format, framesPerBuffer int) (*Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if framesPerBuffer <= 0 {
		return nil, fmt.Errorf("invalid frames per buffer %d", framesPerBuffer)
	}

	s := &Stream{
		dir:         dir,
		format:      format,
		audioBuffer: make([]int32, framesPerBuffer*format.Channels),
		block:       make([]byte, framesPerBuffer*format.FrameSize()),
	}

	in, out := format.Channels, 0
	if dir == Output {
		in, out = 0, format.Channels
	}
	stream, err := portaudio.OpenDefaultStream(in, out, format.SampleRate, framesPerBuffer, s.audioBuffer)
	if err != nil {
		return nil, fmt.Errorf("open default %s stream at %s: %w", dir, format, err)
	}
	s.stream = stream
	return s, nil
}

// BlockSize is the number of bytes moved by one ReadBlock or WriteBlock
func (s *Stream) BlockSize() int {
	return len(s.block)
}

func (s *Stream) Start() error {
	if s.stream == nil {
		return errors.New("stream not opened")
	}
	return s.stream.Start()
}

func (s *Stream) Stop() error {
	if s.stream == nil {
		return nil
	}
	return s.stream.Stop()
}

func (s *Stream) Close() error {
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	return err
}

// ReadBlock blocks until one device block has been captured and returns it
// encoded in the stream format. The returned slice is reused by the next call.
// An input overflow is reported alongside valid data.
func (s *Stream) ReadBlock() ([]byte, error) {
	if s.stream == nil {
		return nil, errors.New("stream not opened")
	}
	err := s.stream.Read()
	if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, err
	}
	encodeSamples(s.block, s.audioBuffer, s.format)
	return s.block, err
}

// WriteBlock blocks until one full device block, given in the stream format,
// has been accepted by the device. Short input is padded with silence.
func (s *Stream) WriteBlock(b []byte) error {
	if s.stream == nil {
		return errors.New("stream not opened")
	}
	n := decodeSamples(s.audioBuffer, b, s.format)
	for i := n; i < len(s.audioBuffer); i++ {
		s.audioBuffer[i] = 0
	}
	err := s.stream.Write()
	if errors.Is(err, portaudio.OutputUnderflowed) {
		return nil
	}
	return err
}

func encodeSamples(dst []byte, samples []int32, f pcm.Format) {
	bs := f.BytesPerSample()
	for i, v := range samples {
		f.PutSample(dst[i*bs:], v)
	}
}

// decodeSamples returns the number of samples filled
func decodeSamples(samples []int32, src []byte, f pcm.Format) int {
	bs := f.BytesPerSample()
	n := len(src) / bs
	if n > len(samples) {
		n = len(samples)
	}
	for i := 0; i < n; i++ {
		samples[i] = f.Sample(src[i*bs:])
	}
	return n
}
