package sound

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/d1nch8g/snddelay/pcm"
)

// ErrContextInUse is returned when an OtoPlayback is opened at a rate or
// channel count other than the one the process-wide oto context runs at.
var ErrContextInUse = errors.New("sound: oto context already running at another format")

// oto allows a single context per process and offers no way to close it, so
// every OtoPlayback shares it and must agree on its rate and channel count.
var shared struct {
	mu       sync.Mutex
	ctx      *oto.Context
	rate     int
	channels int
}

func otoContext(rate, channels int, buffer time.Duration) (*oto.Context, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.ctx != nil {
		if shared.rate != rate || shared.channels != channels {
			return nil, fmt.Errorf("%w: running at %d Hz/%d ch, requested %d Hz/%d ch",
				ErrContextInUse, shared.rate, shared.channels, rate, channels)
		}
		return shared.ctx, nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, err
	}
	<-ready

	shared.ctx = ctx
	shared.rate = rate
	shared.channels = channels
	return ctx, nil
}

type OtoConfig struct {
	BufferSize time.Duration
}

// OtoPlayback feeds an oto player through a pipe. oto pulls from the pipe
// at the device rate, which gives Write its blocking behaviour. Samples are
// narrowed to signed 16 bit little endian on the way.
//
// The first OtoPlayback opened fixes the sample rate of the whole process.
// Any later Open at another rate, which is what a delay engine built with a
// different pitch asks for, fails with ErrContextInUse. Use the PortAudio
// backend to change pitch without restarting the process.
type OtoPlayback struct {
	config OtoConfig
	format pcm.Format
	reader *io.PipeReader
	writer *io.PipeWriter
	player *oto.Player
	conv   []byte
}

var _ Playback = (*OtoPlayback)(nil)

func NewOtoPlayback(config OtoConfig) *OtoPlayback {
	if config.BufferSize <= 0 {
		config.BufferSize = 100 * time.Millisecond
	}
	return &OtoPlayback{
		config: config,
	}
}

func (p *OtoPlayback) Open(format pcm.Format) error {
	if err := format.Validate(); err != nil {
		return err
	}

	ctx, err := otoContext(int(math.Round(format.SampleRate)), format.Channels, p.config.BufferSize)
	if err != nil {
		return err
	}

	p.format = format
	p.reader, p.writer = io.Pipe()
	p.player = ctx.NewPlayer(p.reader)
	return nil
}

func (p *OtoPlayback) Start() error {
	if p.player == nil {
		return errors.New("playback not opened")
	}
	p.player.Play()
	return nil
}

func (p *OtoPlayback) Write(b []byte) (int, error) {
	if p.player == nil {
		return 0, errors.New("playback not opened")
	}

	frames := len(b) / p.format.FrameSize()
	size := frames * p.format.Channels * 2
	if cap(p.conv) < size {
		p.conv = make([]byte, size)
	}
	conv := p.conv[:size]
	toS16LE(conv, b[:frames*p.format.FrameSize()], p.format)

	n, err := p.writer.Write(conv)
	return n / (2 * p.format.Channels) * p.format.FrameSize(), err
}

func (p *OtoPlayback) Stop() error {
	if p.player == nil {
		return nil
	}
	p.player.Pause()
	return p.player.Err()
}

func (p *OtoPlayback) Close() error {
	if p.player == nil {
		return nil
	}
	p.writer.Close()
	err := p.player.Close()
	p.reader.Close()
	p.player = nil
	return err
}

// toS16LE converts src, laid out as f, into signed 16 bit little endian samples
func toS16LE(dst, src []byte, f pcm.Format) {
	bs := f.BytesPerSample()
	for i := 0; i < len(src)/bs; i++ {
		v := f.Sample(src[i*bs:])
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(v>>16))
	}
}
