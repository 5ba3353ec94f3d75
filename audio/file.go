package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hajimehoshi/go-mp3"

	"github.com/d1nch8g/snddelay/pcm"
)

type FileConfig struct {
	Path            string
	Loop            bool
	FramesPerBuffer int
}

// FileCapture plays the part of a microphone by decoding an MP3 file.
// Reads are paced to the format's sample rate so the file is consumed in
// real time, the way a capture device would deliver it.
type FileCapture struct {
	config FileConfig
	format pcm.Format

	file    *os.File
	decoder *mp3.Decoder
	frame   [4]byte

	started   time.Time
	delivered int
	eof       bool

	now   func() time.Time
	sleep func(time.Duration)
}

var _ Capture = (*FileCapture)(nil)

func NewFileCapture(config FileConfig) *FileCapture {
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = GetDefaultConfig().FramesPerBuffer
	}
	return &FileCapture{
		config: config,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Open decodes the file header. The file's sample rate must equal the
// requested one; no resampling is done.
func (c *FileCapture) Open(format pcm.Format) error {
	if err := format.Validate(); err != nil {
		return err
	}

	f, err := os.Open(c.config.Path)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to decode %s: %w", c.config.Path, err)
	}

	if float64(decoder.SampleRate()) != format.SampleRate {
		f.Close()
		return fmt.Errorf("%s is sampled at %d Hz, capture wants %s", c.config.Path, decoder.SampleRate(), format)
	}

	c.file = f
	c.decoder = decoder
	c.format = format
	c.eof = false
	return nil
}

func (c *FileCapture) Start() error {
	if c.decoder == nil {
		return errors.New("capture file not opened")
	}
	c.started = c.now()
	c.delivered = 0
	return nil
}

func (c *FileCapture) Read(p []byte) (int, error) {
	if c.decoder == nil {
		return 0, errors.New("capture file not opened")
	}
	frameSize := c.format.FrameSize()
	frames := len(p) / frameSize
	if frames == 0 || c.eof {
		return 0, nil
	}

	due := c.started.Add(c.format.Duration(c.delivered + frames*frameSize))
	if wait := due.Sub(c.now()); wait > 0 {
		c.sleep(wait)
	}

	n := 0
	for ; n < frames; n++ {
		if err := c.nextFrame(); err != nil {
			if errors.Is(err, io.EOF) {
				c.eof = true
				break
			}
			c.delivered += n * frameSize
			return n * frameSize, err
		}
		putFrame(p[n*frameSize:], c.frame, c.format)
	}

	c.delivered += n * frameSize
	return n * frameSize, nil
}

func (c *FileCapture) Stop() error {
	return nil
}

func (c *FileCapture) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	c.decoder = nil
	return err
}

func (c *FileCapture) NativeBufferSize() int {
	return c.config.FramesPerBuffer * c.format.FrameSize()
}

// nextFrame decodes one signed 16 bit little endian stereo frame,
// rewinding once at the end of the file when looping.
func (c *FileCapture) nextFrame() error {
	_, err := io.ReadFull(c.decoder, c.frame[:])
	if err == nil {
		return nil
	}
	if err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	if !c.config.Loop {
		return io.EOF
	}
	if _, err := c.decoder.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.ReadFull(c.decoder, c.frame[:]); err != nil {
		return io.EOF
	}
	return nil
}

// putFrame writes one decoded stereo frame into dst using the capture
// layout. Mono mixes both sides; extra channels alternate left and right.
func putFrame(dst []byte, frame [4]byte, f pcm.Format) {
	left := int32(int16(binary.LittleEndian.Uint16(frame[0:2]))) << 16
	right := int32(int16(binary.LittleEndian.Uint16(frame[2:4]))) << 16

	bs := f.BytesPerSample()
	if f.Channels == 1 {
		f.PutSample(dst, left/2+right/2)
		return
	}
	for ch := 0; ch < f.Channels; ch++ {
		v := left
		if ch%2 == 1 {
			v = right
		}
		f.PutSample(dst[ch*bs:], v)
	}
}
