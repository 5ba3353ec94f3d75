package sound

import "github.com/d1nch8g/snddelay/pcm"

// Playback defines the interface for blocking audio output devices
type Playback interface {
	// Open prepares the device to accept PCM in the given format
	Open(format pcm.Format) error

	// Start begins playback
	Start() error

	// Write hands p to the device, blocking until it has been accepted or
	// the device is closed, and returns the number of bytes taken.
	Write(p []byte) (int, error)

	// Stop stops playback
	Stop() error

	// Close releases the device
	Close() error
}
