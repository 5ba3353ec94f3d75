package sound

import (
	"errors"

	"github.com/d1nch8g/snddelay/paudio"
	"github.com/d1nch8g/snddelay/pcm"
)

type PlayerConfig struct {
	FramesPerBuffer int
}

func GetDefaultConfig() PlayerConfig {
	return PlayerConfig{
		FramesPerBuffer: 4096,
	}
}

// blockStream is the part of paudio.Stream that playback drives
type blockStream interface {
	BlockSize() int
	Start() error
	WriteBlock(b []byte) error
	Stop() error
	Close() error
}

// PortaudioPlayback writes to the default output device. Bytes are staged
// until a whole device block is available and then written in one call.
// Bytes of a block the device rejects are not reported as written.
type PortaudioPlayback struct {
	config PlayerConfig
	stream blockStream
	staged []byte
	fill   int
}

var _ Playback = (*PortaudioPlayback)(nil)

func NewPortaudioPlayback(config PlayerConfig) *PortaudioPlayback {
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = GetDefaultConfig().FramesPerBuffer
	}
	return &PortaudioPlayback{
		config: config,
	}
}

func (p *PortaudioPlayback) Open(format pcm.Format) error {
	stream, err := paudio.Open(paudio.Output, format, p.config.FramesPerBuffer)
	if err != nil {
		return err
	}
	p.attach(stream)
	return nil
}

func (p *PortaudioPlayback) attach(stream blockStream) {
	p.stream = stream
	p.staged = make([]byte, stream.BlockSize())
	p.fill = 0
}

func (p *PortaudioPlayback) Start() error {
	if p.stream == nil {
		return errors.New("playback not opened")
	}
	return p.stream.Start()
}

func (p *PortaudioPlayback) Write(b []byte) (int, error) {
	if p.stream == nil {
		return 0, errors.New("playback not opened")
	}

	written := 0
	for len(b) > 0 {
		n := copy(p.staged[p.fill:], b)
		p.fill += n
		b = b[n:]

		if p.fill == len(p.staged) {
			p.fill = 0
			if err := p.stream.WriteBlock(p.staged); err != nil {
				return written, err
			}
		}
		written += n
	}
	return written, nil
}

func (p *PortaudioPlayback) Stop() error {
	if p.stream == nil {
		return nil
	}
	p.fill = 0
	return p.stream.Stop()
}

func (p *PortaudioPlayback) Close() error {
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	p.stream = nil
	return err
}
