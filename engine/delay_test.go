package engine

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/d1nch8g/snddelay/pcm"
	"github.com/d1nch8g/snddelay/ring"
)

// newTestDelay builds a DelayEngine over fake devices sharing one fake clock.
// The capture device reports a 16384 byte native buffer, so chunks are 4096 bytes.
func newTestDelay(t *testing.T, config DelayConfig, opts ...Option) (*DelayEngine, *fakeCapture, *fakePlayback, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	capture := &fakeCapture{clock: clock, native: 16384}
	playback := &fakePlayback{clock: clock}

	opts = append([]Option{WithClock(clock), WithLogger(quietLogger())}, opts...)
	e, err := NewDelayEngine(config, capture, playback, opts...)
	if err != nil {
		t.Fatalf("NewDelayEngine() error = %v", err)
	}
	return e, capture, playback, clock
}

func stopAfterReads(e *DelayEngine, capture *fakeCapture, reads int) {
	capture.onRead = func(call int) {
		if call+1 == reads {
			e.Stop()
		}
	}
}

func TestPlaybackRateFollowsPitch(t *testing.T) {
	for _, pitch := range []float64{1.0, 2.0, 0.5, 1.37} {
		config := DefaultDelayConfig()
		config.PitchFactor = pitch

		e, capture, playback, _ := newTestDelay(t, config)

		want := capture.format.SampleRate * pitch
		if math.Abs(playback.format.SampleRate-want) > 1e-9 {
			t.Errorf("pitch %v: playback rate = %v, want %v", pitch, playback.format.SampleRate, want)
		}
		if capture.format.SampleRate != 44100 {
			t.Errorf("pitch %v: capture rate = %v, want 44100", pitch, capture.format.SampleRate)
		}
		if playback.format.FrameSize() != capture.format.FrameSize() || playback.format.BigEndian != capture.format.BigEndian {
			t.Errorf("pitch %v: playback layout %s differs from capture %s", pitch, playback.format, capture.format)
		}
		if e.PlaybackFormat() != playback.format {
			t.Errorf("pitch %v: PlaybackFormat() = %s, device opened at %s", pitch, e.PlaybackFormat(), playback.format)
		}
		e.Stop()
	}
}

func TestPitchTwoHalvesDuration(t *testing.T) {
	config := DefaultDelayConfig()
	config.PitchFactor = 2.0
	e, _, _, _ := newTestDelay(t, config)
	defer e.Stop()

	span := 88200
	captured := e.CaptureFormat().Duration(span)
	played := e.PlaybackFormat().Duration(span)
	if captured != 500*time.Millisecond {
		t.Fatalf("capture duration = %v, want 500ms", captured)
	}
	if played != captured/2 {
		t.Fatalf("playback duration = %v, want %v", played, captured/2)
	}
}

func TestChunkSize(t *testing.T) {
	tests := []struct {
		native, capacity, frame int
		want                    int
	}{
		{16384, 1_000_000, 4, 4096},
		{1000, 1_000_000, 4, 248},
		{16384, 1000, 4, 1000},
		{4000, 1_000_000, 6, 996},
		{12, 1_000_000, 4, 0},
	}
	for _, tt := range tests {
		if got := chunkSize(tt.native, tt.capacity, tt.frame); got != tt.want {
			t.Errorf("chunkSize(%d, %d, %d) = %d, want %d", tt.native, tt.capacity, tt.frame, got, tt.want)
		}
	}

	for native := 16; native < 20000; native += 7 {
		for _, capacity := range []int{96, 4800, 1_000_002} {
			for _, frame := range []int{1, 2, 3, 4, 6, 8} {
				chunk := chunkSize(native, capacity, frame)
				if native/4 >= frame && capacity >= frame && chunk <= 0 {
					t.Fatalf("chunkSize(%d, %d, %d) = %d, want positive", native, capacity, frame, chunk)
				}
				if chunk%frame != 0 || chunk > capacity {
					t.Fatalf("chunkSize(%d, %d, %d) = %d is not frame aligned within capacity", native, capacity, frame, chunk)
				}
			}
		}
	}
}

func TestEngineChunkIsFrameAligned(t *testing.T) {
	config := DefaultDelayConfig()
	config.Format = pcm.Format{SampleRate: 48000, BitsPerSample: 24, Channels: 2, Signed: true}
	config.BufferSize = 600_000

	e, _, _, _ := newTestDelay(t, config)
	defer e.Stop()

	if e.ChunkSize() != 4092 {
		t.Fatalf("ChunkSize() = %d, want 4092", e.ChunkSize())
	}
}

func TestDelayGateAndSteadyState(t *testing.T) {
	config := DefaultDelayConfig()
	config.DelayMillis = 500

	e, capture, playback, clock := newTestDelay(t, config)
	start := clock.Now()
	stopAfterReads(e, capture, 200)

	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, e)

	if len(playback.writes) == 0 {
		t.Fatal("nothing was played")
	}

	delay := 500 * time.Millisecond
	chunk := e.ChunkSize()
	chunkDuration := e.CaptureFormat().Duration(chunk)

	first := playback.writes[0].at.Sub(start)
	if first <= delay {
		t.Fatalf("first playback at %v, want after %v", first, delay)
	}
	if first-chunkDuration > delay {
		t.Fatalf("first playback at %v, more than one iteration after the %v gate", first, delay)
	}

	if capture.calls != 200 {
		t.Fatalf("capture calls = %d, want 200", capture.calls)
	}
	if gated := capture.calls - len(playback.writes); gated != int(delay/chunkDuration) {
		t.Fatalf("iterations before the gate = %d, want %d", gated, int(delay/chunkDuration))
	}

	lag := capture.total - playback.total
	want := e.CaptureFormat().Bytes(delay)
	if diff := lag - want; diff < -chunk || diff > chunk {
		t.Fatalf("steady state lag = %d bytes, want %d ± %d", lag, want, chunk)
	}

	stats := e.Stats()
	if !stats.GateOpen {
		t.Error("stats report the gate closed")
	}
	if stats.BytesCaptured != uint64(capture.total) || stats.BytesPlayed != uint64(playback.total) {
		t.Errorf("stats = %+v, devices moved %d/%d", stats, capture.total, playback.total)
	}
	if stats.Overruns != 0 || stats.Underruns != 0 {
		t.Errorf("unexpected drift reported: %+v", stats)
	}
}

func TestZeroDelayPlaysOnFirstIteration(t *testing.T) {
	config := DefaultDelayConfig()
	config.DelayMillis = 0

	e, capture, playback, _ := newTestDelay(t, config)
	stopAfterReads(e, capture, 3)

	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, e)

	if len(playback.writes) != 3 {
		t.Fatalf("writes = %d, want 3", len(playback.writes))
	}
}

func TestRingWrapKeepsOrder(t *testing.T) {
	config := DefaultDelayConfig()
	config.DelayMillis = 100
	config.BufferSize = 40960

	e, capture, playback, _ := newTestDelay(t, config)
	playback.keep = 1 << 20
	stopAfterReads(e, capture, 100)

	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, e)

	if capture.total <= config.BufferSize*2 {
		t.Fatalf("captured %d bytes, test needs several wraps of %d", capture.total, config.BufferSize)
	}
	if len(playback.data) == 0 {
		t.Fatal("nothing was played")
	}
	want := make([]byte, len(playback.data))
	for i := range want {
		want[i] = byte(i)
	}
	if !bytes.Equal(playback.data, want) {
		t.Fatal("played bytes are not the captured stream in order")
	}
}

func TestCaptureStallRecovers(t *testing.T) {
	config := DefaultDelayConfig()
	config.DelayMillis = 5000

	e, capture, playback, clock := newTestDelay(t, config)

	var cursors []int
	capture.respond = func(call, want int) int {
		if call >= 10 && call < 110 {
			return 0
		}
		return want
	}
	capture.onRead = func(call int) {
		if call >= 10 && call <= 110 {
			cursors = append(cursors, e.ring.WriteCursor())
		}
		if call+1 == 150 {
			e.Stop()
		}
	}

	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, e)

	chunk := e.ChunkSize()
	for i, c := range cursors {
		if c != 10*chunk {
			t.Fatalf("write cursor moved during stall: read %d saw %d, want %d", 10+i, c, 10*chunk)
		}
	}
	if capture.total != 50*chunk {
		t.Fatalf("captured %d bytes, want %d", capture.total, 50*chunk)
	}
	if len(playback.writes) != 0 {
		t.Fatalf("played %d chunks before the gate", len(playback.writes))
	}

	stats := e.Stats()
	if stats.StarvedReads != 100 {
		t.Errorf("starved reads = %d, want 100", stats.StarvedReads)
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 100 {
		t.Fatalf("backoff slept %d times, want 100", len(sleeps))
	}
	chunkDuration := e.CaptureFormat().Duration(chunk)
	if sleeps[0] != chunkDuration/8 {
		t.Errorf("first backoff = %v, want %v", sleeps[0], chunkDuration/8)
	}
	for _, d := range sleeps {
		if d > chunkDuration/2 {
			t.Fatalf("backoff %v exceeds half a chunk (%v)", d, chunkDuration/2)
		}
	}
}

func TestWithoutBackoffSpins(t *testing.T) {
	config := DefaultDelayConfig()
	e, capture, _, clock := newTestDelay(t, config, WithoutBackoff())

	capture.respond = func(call, want int) int { return 0 }
	stopAfterReads(e, capture, 50)

	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, e)

	if n := len(clock.Sleeps()); n != 0 {
		t.Fatalf("slept %d times with backoff disabled", n)
	}
	if capture.total != 0 {
		t.Fatalf("captured %d bytes from a stalled device", capture.total)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	e, capture, playback, _ := newTestDelay(t, DefaultDelayConfig())
	stopAfterReads(e, capture, 5)

	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, e)

	for i := 0; i < 3; i++ {
		if err := e.Stop(); err != nil {
			t.Fatalf("Stop() #%d error = %v", i, err)
		}
	}
	if e.IsRunning() {
		t.Fatal("engine reports running after stop")
	}
	if e.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", e.State())
	}
	if capture.calls != 5 {
		t.Fatalf("loop ran again after stop: %d reads", capture.calls)
	}
	if !capture.stopped || !capture.closed || !playback.stopped || !playback.closed {
		t.Fatal("devices were not stopped and closed")
	}
	if err := e.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() after stop = %v, want ErrClosed", err)
	}
}

func TestStopBeforeStartReleasesDevices(t *testing.T) {
	e, capture, playback, _ := newTestDelay(t, DefaultDelayConfig())

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitDone(t, e)

	if !capture.closed || !playback.closed {
		t.Fatal("devices were not closed")
	}
	if capture.stopped || playback.stopped {
		t.Fatal("devices that never started were stopped")
	}
	if err := e.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() = %v, want ErrClosed", err)
	}
}

func TestStartTwice(t *testing.T) {
	e, _, _, _ := newTestDelay(t, DefaultDelayConfig())

	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() = %v, want ErrAlreadyRunning", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitDone(t, e)
}

func TestStartFailureReleasesDevices(t *testing.T) {
	clock := newFakeClock()
	capture := &fakeCapture{clock: clock, native: 16384}
	playback := &fakePlayback{clock: clock, startErr: errFake}

	e, err := NewDelayEngine(DefaultDelayConfig(), capture, playback, WithClock(clock), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewDelayEngine() error = %v", err)
	}

	err = e.Start()
	if !errors.Is(err, ErrDeviceUnavailable) || !errors.Is(err, errFake) {
		t.Fatalf("Start() = %v, want ErrDeviceUnavailable wrapping the device error", err)
	}
	waitDone(t, e)

	if !capture.stopped || !capture.closed || !playback.closed {
		t.Fatal("devices were not released")
	}
	if capture.calls != 0 {
		t.Fatal("loop ran despite the failed start")
	}
}

func TestDeviceUnavailable(t *testing.T) {
	t.Run("capture", func(t *testing.T) {
		clock := newFakeClock()
		capture := &fakeCapture{clock: clock, native: 16384, openErr: errFake}
		playback := &fakePlayback{clock: clock}

		_, err := NewDelayEngine(DefaultDelayConfig(), capture, playback, WithLogger(quietLogger()))
		if !errors.Is(err, ErrDeviceUnavailable) || !errors.Is(err, errFake) {
			t.Fatalf("error = %v, want ErrDeviceUnavailable", err)
		}
		if playback.opened {
			t.Fatal("playback opened after capture failed")
		}
	})

	t.Run("playback", func(t *testing.T) {
		clock := newFakeClock()
		capture := &fakeCapture{clock: clock, native: 16384}
		playback := &fakePlayback{clock: clock, openErr: errFake}

		_, err := NewDelayEngine(DefaultDelayConfig(), capture, playback, WithLogger(quietLogger()))
		if !errors.Is(err, ErrDeviceUnavailable) {
			t.Fatalf("error = %v, want ErrDeviceUnavailable", err)
		}
		if !capture.closed {
			t.Fatal("capture left open after playback failed")
		}
	})
}

func TestConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*DelayConfig)
		native int
	}{
		{"negative delay", func(c *DelayConfig) { c.DelayMillis = -1 }, 16384},
		{"zero pitch", func(c *DelayConfig) { c.PitchFactor = 0 }, 16384},
		{"negative pitch", func(c *DelayConfig) { c.PitchFactor = -1 }, 16384},
		{"nan pitch", func(c *DelayConfig) { c.PitchFactor = math.NaN() }, 16384},
		{"infinite pitch", func(c *DelayConfig) { c.PitchFactor = math.Inf(1) }, 16384},
		{"invalid format", func(c *DelayConfig) { c.Format.BitsPerSample = 12 }, 16384},
		{"unaligned buffer", func(c *DelayConfig) { c.BufferSize = 1_000_001 }, 16384},
		{"delay longer than buffer", func(c *DelayConfig) { c.DelayMillis = 10_000 }, 16384},
		{"tiny device buffer", func(c *DelayConfig) {}, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultDelayConfig()
			tt.modify(&config)

			clock := newFakeClock()
			capture := &fakeCapture{clock: clock, native: tt.native}
			playback := &fakePlayback{clock: clock}

			_, err := NewDelayEngine(config, capture, playback, WithLogger(quietLogger()))
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("error = %v, want ErrConfiguration", err)
			}
			if capture.opened && !capture.closed {
				t.Fatal("capture left open")
			}
			if playback.opened && !playback.closed {
				t.Fatal("playback left open")
			}
		})
	}
}

func TestDelayAtCapacityLimit(t *testing.T) {
	config := DefaultDelayConfig()
	config.DelayMillis = 1000
	config.BufferSize = 176400 + 4096

	e, _, _, _ := newTestDelay(t, config)
	e.Stop()
}

func TestDriftIsReported(t *testing.T) {
	e, _, _, _ := newTestDelay(t, DefaultDelayConfig())
	defer e.Stop()

	e.ring = ring.New(e.config.BufferSize)

	capacity := int64(e.ring.Capacity())

	e.captured, e.played = capacity+100, 0
	e.trackDrift()
	e.trackDrift()
	if got := e.Stats().Overruns; got != 1 {
		t.Fatalf("overruns = %d, want 1 per episode", got)
	}

	e.captured, e.played = 10, 10
	e.trackDrift()
	e.captured, e.played = capacity*3, capacity
	e.trackDrift()
	if got := e.Stats().Overruns; got != 2 {
		t.Fatalf("overruns = %d, want 2", got)
	}

	e.captured, e.played = 0, 4096
	e.trackDrift()
	if got := e.Stats().Underruns; got != 1 {
		t.Fatalf("underruns = %d, want 1", got)
	}
}
