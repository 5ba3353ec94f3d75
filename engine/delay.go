package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/d1nch8g/snddelay/audio"
	"github.com/d1nch8g/snddelay/pcm"
	"github.com/d1nch8g/snddelay/ring"
	"github.com/d1nch8g/snddelay/sound"
)

// DelayConfig holds the parameters fixed for the life of a DelayEngine
type DelayConfig struct {
	DelayMillis int
	PitchFactor float64
	Format      pcm.Format
	BufferSize  int
}

func DefaultDelayConfig() DelayConfig {
	return DelayConfig{
		DelayMillis: 100,
		PitchFactor: 1.0,
		Format:      pcm.DelayDefault(),
		BufferSize:  1_000_000,
	}
}

func (c DelayConfig) validate() error {
	if c.DelayMillis < 0 {
		return fmt.Errorf("delay must not be negative: %d ms", c.DelayMillis)
	}
	if !(c.PitchFactor > 0) || math.IsInf(c.PitchFactor, 0) {
		return fmt.Errorf("pitch factor must be positive: %v", c.PitchFactor)
	}
	if err := c.Format.Validate(); err != nil {
		return err
	}
	if c.BufferSize <= 0 || c.BufferSize%c.Format.FrameSize() != 0 {
		return fmt.Errorf("buffer size %d is not a positive multiple of the %d byte frame", c.BufferSize, c.Format.FrameSize())
	}
	return nil
}

// chunkSize is a quarter of the capture device buffer, capped at the ring
// capacity and rounded down to whole frames.
func chunkSize(nativeBufferSize, capacity, frameSize int) int {
	chunk := nativeBufferSize / 4
	if chunk > capacity {
		chunk = capacity
	}
	return chunk / frameSize * frameSize
}

// DelayEngine replays captured audio after a fixed delay. Playing back at
// PitchFactor times the capture rate shifts pitch and duration together.
type DelayEngine struct {
	config         DelayConfig
	captureFormat  pcm.Format
	playbackFormat pcm.Format
	chunkSize      int
	delay          time.Duration

	capture  audio.Capture
	playback sound.Playback

	clock Clock
	log   *logrus.Entry
	life  *lifecycle
	stats counters

	// owned by the loop goroutine once started
	ring      *ring.Buffer
	backoff   *backoff
	startedAt time.Time
	captured  int64
	played    int64
	overrun   bool
	underrun  bool

	captureFailing  bool
	playbackFailing bool
}

var _ Runner = (*DelayEngine)(nil)

// NewDelayEngine opens capture at config.Format and playback at the same
// layout clocked PitchFactor times faster. Device failures are reported as
// ErrDeviceUnavailable. A delay that cannot fit in the ring buffer next to
// one chunk is rejected with ErrConfiguration.
func NewDelayEngine(config DelayConfig, capture audio.Capture, playback sound.Playback, opts ...Option) (*DelayEngine, error) {
	o := applyOptions(opts)

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	captureFormat := config.Format
	playbackFormat := captureFormat.WithSampleRate(captureFormat.SampleRate * config.PitchFactor)

	if err := capture.Open(captureFormat); err != nil {
		return nil, fmt.Errorf("%w: capture at %s: %w", ErrDeviceUnavailable, captureFormat, err)
	}
	if err := playback.Open(playbackFormat); err != nil {
		capture.Close()
		return nil, fmt.Errorf("%w: playback at %s: %w", ErrDeviceUnavailable, playbackFormat, err)
	}

	chunk := chunkSize(capture.NativeBufferSize(), config.BufferSize, captureFormat.FrameSize())
	if chunk <= 0 {
		capture.Close()
		playback.Close()
		return nil, fmt.Errorf("%w: capture buffer of %d bytes holds less than four frames", ErrConfiguration, capture.NativeBufferSize())
	}

	delay := time.Duration(config.DelayMillis) * time.Millisecond
	if need := captureFormat.Bytes(delay) + chunk; need > config.BufferSize {
		capture.Close()
		playback.Close()
		return nil, fmt.Errorf("%w: %v delay needs %d bytes of buffer, have %d", ErrConfiguration, delay, need, config.BufferSize)
	}

	return &DelayEngine{
		config:         config,
		captureFormat:  captureFormat,
		playbackFormat: playbackFormat,
		chunkSize:      chunk,
		delay:          delay,
		capture:        capture,
		playback:       playback,
		clock:          o.clock,
		log:            o.logger.WithField("engine", "delay"),
		life:           newLifecycle(),
		backoff:        newBackoff(captureFormat.Duration(chunk), o.backoff),
	}, nil
}

func (e *DelayEngine) CaptureFormat() pcm.Format  { return e.captureFormat }
func (e *DelayEngine) PlaybackFormat() pcm.Format { return e.playbackFormat }

// ChunkSize is the number of bytes moved per device call
func (e *DelayEngine) ChunkSize() int { return e.chunkSize }

func (e *DelayEngine) Start() error {
	if err := e.life.begin(); err != nil {
		return err
	}

	if err := e.capture.Start(); err != nil {
		e.release(false)
		return fmt.Errorf("%w: start capture: %w", ErrDeviceUnavailable, err)
	}
	if err := e.playback.Start(); err != nil {
		e.capture.Stop()
		e.release(false)
		return fmt.Errorf("%w: start playback: %w", ErrDeviceUnavailable, err)
	}

	e.ring = ring.New(e.config.BufferSize)
	e.startedAt = e.clock.Now()

	e.log.WithFields(logrus.Fields{
		"delay":    e.delay,
		"pitch":    e.config.PitchFactor,
		"capture":  e.captureFormat.String(),
		"playback": e.playbackFormat.String(),
		"chunk":    e.chunkSize,
	}).Info("Delay engine started")

	go e.run()
	return nil
}

// Stop releases the devices right away when the engine was never started
func (e *DelayEngine) Stop() error {
	if e.life.halt() {
		return e.release(false)
	}
	return nil
}

func (e *DelayEngine) IsRunning() bool {
	return e.life.current() == StateRunning
}

func (e *DelayEngine) Done() <-chan struct{} {
	return e.life.done
}

func (e *DelayEngine) State() State {
	return e.life.current()
}

func (e *DelayEngine) Stats() Stats {
	return e.stats.snapshot()
}

func (e *DelayEngine) run() {
	gateOpen := false
	for e.life.running.Load() {
		e.stats.iterations.Add(1)

		n, want := e.captureChunk()

		if !gateOpen && e.clock.Now().Sub(e.startedAt) > e.delay {
			gateOpen = true
			e.stats.gateOpen.Store(true)
			e.log.WithField("buffered", e.ring.Lag()).Info("Delay gate opened")
		}

		starved := n < want
		if gateOpen {
			m, room := e.playChunk()
			starved = starved && m < room
		}

		e.trackDrift()
		e.trace(n, gateOpen)
		e.backoff.wait(e.clock, starved)
	}

	e.log.WithFields(logrus.Fields{
		"captured": e.captured,
		"played":   e.played,
	}).Info("Delay engine stopped")
	if err := e.release(true); err != nil {
		e.log.WithError(err).Warn("Failed to release audio devices")
	}
}

// captureChunk reads into the ring at the write cursor without wrapping
func (e *DelayEngine) captureChunk() (int, int) {
	span := e.ring.WriteSpan(e.chunkSize)
	n, err := e.capture.Read(span)
	e.deviceError("capture", err, &e.captureFailing)
	if n < 0 {
		n = 0
	}
	if n < len(span) {
		e.stats.starvedReads.Add(1)
	}

	e.ring.AdvanceWrite(n)
	e.captured += int64(n)
	e.stats.captured.Add(uint64(n))
	return n, len(span)
}

// playChunk writes from the ring at the read cursor without wrapping
func (e *DelayEngine) playChunk() (int, int) {
	span := e.ring.ReadSpan(e.chunkSize)
	m, err := e.playback.Write(span)
	e.deviceError("playback", err, &e.playbackFailing)
	if m < 0 {
		m = 0
	}
	if m < len(span) {
		e.stats.starvedWrites.Add(1)
	}

	e.ring.AdvanceRead(m)
	e.played += int64(m)
	e.stats.played.Add(uint64(m))
	return m, len(span)
}

// deviceError logs the first error of a streak; the loop carries on either way
func (e *DelayEngine) deviceError(side string, err error, failing *bool) {
	if err == nil {
		*failing = false
		return
	}
	e.stats.deviceErrors.Add(1)
	if !*failing {
		e.log.WithError(err).WithField("device", side).Warn("Audio device error")
	}
	*failing = true
}

// trackDrift reports, without correcting, the writer lapping the reader or
// the reader overtaking the writer. Both happen when pitch is not 1.
func (e *DelayEngine) trackDrift() {
	lag := e.captured - e.played
	capacity := int64(e.ring.Capacity())

	switch {
	case lag > capacity && !e.overrun:
		e.overrun = true
		e.stats.overruns.Add(1)
		e.log.WithField("lag", lag).Warn("Ring buffer overrun, unread audio overwritten")
	case lag <= capacity:
		e.overrun = false
	}

	switch {
	case lag < 0 && !e.underrun:
		e.underrun = true
		e.stats.underruns.Add(1)
		e.log.WithField("lag", lag).Warn("Ring buffer underrun, playing stale audio")
	case lag >= 0:
		e.underrun = false
	}
}

func (e *DelayEngine) trace(n int, gateOpen bool) {
	if !e.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	fields := logrus.Fields{
		"mic":    n,
		"chunk":  e.chunkSize,
		"cursor": e.ring.WriteCursor(),
	}
	if gateOpen {
		fields["spk"] = e.ring.ReadCursor()
		fields["lag"] = float64(e.captured-e.played) / e.captureFormat.BytesPerSecond()
	}
	e.log.WithFields(fields).Trace("Chunk")
}

// release stops started devices, closes both and marks the engine stopped
func (e *DelayEngine) release(started bool) error {
	var errs []error
	if started {
		if err := e.capture.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop capture: %w", err))
		}
		if err := e.playback.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop playback: %w", err))
		}
	}
	if err := e.capture.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close capture: %w", err))
	}
	if err := e.playback.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close playback: %w", err))
	}
	e.ring = nil
	e.life.end()
	return errors.Join(errs...)
}
