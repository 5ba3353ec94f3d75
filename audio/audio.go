package audio

import "github.com/d1nch8g/snddelay/pcm"

// Capture defines the interface for blocking audio input devices
type Capture interface {
	// Open prepares the device to deliver PCM in the given format
	Open(format pcm.Format) error

	// Start begins capturing
	Start() error

	// Read fills p with up to len(p) captured bytes and returns how many
	// were written. It blocks for at most about one device buffer of real
	// time. Zero bytes with a nil error means the device had nothing to offer.
	Read(p []byte) (int, error)

	// Stop stops capturing
	Stop() error

	// Close releases the device
	Close() error

	// NativeBufferSize reports the device's internal buffer size in bytes
	NativeBufferSize() int
}
