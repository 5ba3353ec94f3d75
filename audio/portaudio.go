package audio

import (
	"errors"

	"github.com/d1nch8g/snddelay/paudio"
	"github.com/d1nch8g/snddelay/pcm"
)

type Config struct {
	FramesPerBuffer int
}

func GetDefaultConfig() Config {
	return Config{
		FramesPerBuffer: 4096,
	}
}

// PortaudioCapture reads from the default input device
type PortaudioCapture struct {
	config  Config
	stream  *paudio.Stream
	pending []byte
}

var _ Capture = (*PortaudioCapture)(nil)

func NewPortaudioCapture(config Config) *PortaudioCapture {
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = GetDefaultConfig().FramesPerBuffer
	}
	return &PortaudioCapture{
		config: config,
	}
}

func (c *PortaudioCapture) Open(format pcm.Format) error {
	stream, err := paudio.Open(paudio.Input, format, c.config.FramesPerBuffer)
	if err != nil {
		return err
	}
	c.stream = stream
	return nil
}

func (c *PortaudioCapture) Start() error {
	if c.stream == nil {
		return errors.New("capture not opened")
	}
	return c.stream.Start()
}

// Read serves bytes from the last device block and blocks for a new block
// only when the previous one has been consumed.
func (c *PortaudioCapture) Read(p []byte) (int, error) {
	if c.stream == nil {
		return 0, errors.New("capture not opened")
	}

	var err error
	if len(c.pending) == 0 {
		var block []byte
		block, err = c.stream.ReadBlock()
		if block == nil {
			return 0, err
		}
		c.pending = block
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, err
}

func (c *PortaudioCapture) Stop() error {
	if c.stream == nil {
		return nil
	}
	c.pending = nil
	return c.stream.Stop()
}

func (c *PortaudioCapture) Close() error {
	if c.stream == nil {
		return nil
	}
	err := c.stream.Close()
	c.stream = nil
	return err
}

func (c *PortaudioCapture) NativeBufferSize() int {
	if c.stream == nil {
		return 0
	}
	return c.stream.BlockSize()
}
