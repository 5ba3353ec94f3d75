package pcm

import (
	"fmt"
	"math"
	"time"
)

// Format describes an interleaved linear PCM layout
type Format struct {
	SampleRate    float64
	BitsPerSample int
	Channels      int
	Signed        bool
	BigEndian     bool
}

// DelayDefault is the capture layout used for delayed feedback: CD rate, 32 bit, mono
func DelayDefault() Format {
	return Format{
		SampleRate:    44100,
		BitsPerSample: 32,
		Channels:      1,
		Signed:        true,
		BigEndian:     true,
	}
}

// NoiseDefault is the playback layout used for noise masking
func NoiseDefault() Format {
	return Format{
		SampleRate:    8000,
		BitsPerSample: 32,
		Channels:      1,
		Signed:        true,
		BigEndian:     true,
	}
}

// Validate checks that the format describes something a device can carry
func (f Format) Validate() error {
	if f.SampleRate <= 0 || math.IsNaN(f.SampleRate) || math.IsInf(f.SampleRate, 0) {
		return fmt.Errorf("invalid sample rate %v", f.SampleRate)
	}
	switch f.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bits per sample %d", f.BitsPerSample)
	}
	if f.Channels < 1 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	return nil
}

func (f Format) BytesPerSample() int {
	return f.BitsPerSample / 8
}

// FrameSize is the size in bytes of one sample for every channel
func (f Format) FrameSize() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) BytesPerSecond() float64 {
	return f.SampleRate * float64(f.FrameSize())
}

// WithSampleRate returns a copy of the format running at another clock
func (f Format) WithSampleRate(rate float64) Format {
	f.SampleRate = rate
	return f
}

// Duration returns how long n bytes last when played at the format's rate
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(float64(n) / bps * float64(time.Second))
}

// Bytes returns the number of whole-frame bytes covering d
func (f Format) Bytes(d time.Duration) int {
	frame := f.FrameSize()
	if frame == 0 || d <= 0 {
		return 0
	}
	frames := int(d.Seconds() * f.SampleRate)
	return frames * frame
}

func (f Format) String() string {
	sign := "unsigned"
	if f.Signed {
		sign = "signed"
	}
	order := "le"
	if f.BigEndian {
		order = "be"
	}
	return fmt.Sprintf("%.0fHz/%dbit/%dch/%s/%s", f.SampleRate, f.BitsPerSample, f.Channels, sign, order)
}
