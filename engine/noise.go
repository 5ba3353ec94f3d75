package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/cwbudde/algo-dsp/dsp/core"
	"github.com/cwbudde/algo-dsp/dsp/signal"
	"github.com/sirupsen/logrus"

	"github.com/d1nch8g/snddelay/pcm"
	"github.com/d1nch8g/snddelay/ring"
	"github.com/d1nch8g/snddelay/sound"
)

// NoiseKind selects how the noise buffer is regenerated
type NoiseKind string

const (
	// NoiseBytes fills the buffer with uniformly random bytes
	NoiseBytes NoiseKind = "bytes"
	// NoiseWhite fills the buffer with uniform white noise samples
	NoiseWhite NoiseKind = "white"
)

type NoiseConfig struct {
	Format     pcm.Format
	BufferSize int
	Kind       NoiseKind
	// Amplitude of NoiseWhite in [0, 1]
	Amplitude float64
	// Seed of the generator, zero picks one from the clock
	Seed int64
}

func DefaultNoiseConfig() NoiseConfig {
	return NoiseConfig{
		Format:     pcm.NoiseDefault(),
		BufferSize: 10_000,
		Kind:       NoiseBytes,
		Amplitude:  0.5,
	}
}

func (c NoiseConfig) validate() error {
	if err := c.Format.Validate(); err != nil {
		return err
	}
	if c.BufferSize <= 0 || c.BufferSize%c.Format.FrameSize() != 0 {
		return fmt.Errorf("buffer size %d is not a positive multiple of the %d byte frame", c.BufferSize, c.Format.FrameSize())
	}
	switch c.Kind {
	case NoiseBytes:
	case NoiseWhite:
		if c.Amplitude < 0 || c.Amplitude > 1 || math.IsNaN(c.Amplitude) {
			return fmt.Errorf("noise amplitude must be within [0, 1]: %v", c.Amplitude)
		}
	default:
		return fmt.Errorf("unsupported noise kind %q", c.Kind)
	}
	return nil
}

// NoiseEngine floods the playback device with random noise. It never
// captures anything.
type NoiseEngine struct {
	config   NoiseConfig
	playback sound.Playback

	clock Clock
	log   *logrus.Entry
	life  *lifecycle
	stats counters

	// owned by the loop goroutine once started
	buffer  []byte
	cursor  int
	rng     *rand.Rand
	backoff *backoff
	failing bool
}

var _ Runner = (*NoiseEngine)(nil)

func NewNoiseEngine(config NoiseConfig, playback sound.Playback, opts ...Option) (*NoiseEngine, error) {
	o := applyOptions(opts)

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := playback.Open(config.Format); err != nil {
		return nil, fmt.Errorf("%w: playback at %s: %w", ErrDeviceUnavailable, config.Format, err)
	}

	seed := config.Seed
	if seed == 0 {
		seed = o.clock.Now().UnixNano()
	}

	return &NoiseEngine{
		config:   config,
		playback: playback,
		clock:    o.clock,
		log:      o.logger.WithField("engine", "noise"),
		life:     newLifecycle(),
		rng:      rand.New(rand.NewSource(seed)),
		backoff:  newBackoff(config.Format.Duration(config.BufferSize), o.backoff),
	}, nil
}

func (e *NoiseEngine) Start() error {
	if err := e.life.begin(); err != nil {
		return err
	}
	if err := e.playback.Start(); err != nil {
		e.release(false)
		return fmt.Errorf("%w: start playback: %w", ErrDeviceUnavailable, err)
	}

	e.buffer = make([]byte, e.config.BufferSize)
	e.cursor = 0

	e.log.WithFields(logrus.Fields{
		"kind":     e.config.Kind,
		"playback": e.config.Format.String(),
		"buffer":   e.config.BufferSize,
	}).Info("Noise engine started")

	go e.run()
	return nil
}

// Stop releases the device right away when the engine was never started
func (e *NoiseEngine) Stop() error {
	if e.life.halt() {
		return e.release(false)
	}
	return nil
}

func (e *NoiseEngine) IsRunning() bool {
	return e.life.current() == StateRunning
}

func (e *NoiseEngine) Done() <-chan struct{} {
	return e.life.done
}

func (e *NoiseEngine) State() State {
	return e.life.current()
}

func (e *NoiseEngine) Stats() Stats {
	return e.stats.snapshot()
}

func (e *NoiseEngine) run() {
	for e.life.running.Load() {
		e.stats.iterations.Add(1)

		if err := e.fill(); err != nil {
			e.log.WithError(err).Error("Failed to generate noise")
			break
		}

		span := e.buffer[e.cursor:]
		m, err := e.playback.Write(span)
		if err != nil {
			e.stats.deviceErrors.Add(1)
			if !e.failing {
				e.log.WithError(err).WithField("device", "playback").Warn("Audio device error")
			}
		}
		e.failing = err != nil
		if m < 0 {
			m = 0
		}
		if m < len(span) {
			e.stats.starvedWrites.Add(1)
		}
		e.stats.played.Add(uint64(m))
		e.cursor = ring.Advance(e.cursor, m, len(e.buffer))

		if e.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
			e.log.WithFields(logrus.Fields{
				"spk":    m,
				"chunk":  len(span),
				"cursor": e.cursor,
			}).Trace("Chunk")
		}
		e.backoff.wait(e.clock, m == 0)
	}

	e.log.WithField("played", e.stats.played.Load()).Info("Noise engine stopped")
	if err := e.release(true); err != nil {
		e.log.WithError(err).Warn("Failed to release audio device")
	}
}

// fill regenerates the whole buffer
func (e *NoiseEngine) fill() error {
	if e.config.Kind == NoiseBytes {
		_, err := e.rng.Read(e.buffer)
		return err
	}

	f := e.config.Format
	gen := signal.NewGeneratorWithOptions(
		[]core.ProcessorOption{core.WithSampleRate(f.SampleRate)},
		signal.WithSeed(e.rng.Int63()),
	)
	bs := f.BytesPerSample()
	samples, err := gen.WhiteNoise(e.config.Amplitude, len(e.buffer)/bs)
	if err != nil {
		return err
	}
	for i, s := range samples {
		f.PutSample(e.buffer[i*bs:], int32(s*math.MaxInt32))
	}
	return nil
}

func (e *NoiseEngine) release(started bool) error {
	var errs []error
	if started {
		if err := e.playback.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop playback: %w", err))
		}
	}
	if err := e.playback.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close playback: %w", err))
	}
	e.buffer = nil
	e.life.end()
	return errors.Join(errs...)
}
