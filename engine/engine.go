package engine

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrDeviceUnavailable is returned when a capture or playback device
	// cannot be opened or started in the requested format.
	ErrDeviceUnavailable = errors.New("engine: device unavailable")

	// ErrConfiguration is returned for parameters the engine cannot run with
	ErrConfiguration = errors.New("engine: invalid configuration")

	// ErrAlreadyRunning is returned by Start on a running engine
	ErrAlreadyRunning = errors.New("engine: already running")

	// ErrClosed is returned by Start once the engine has released its devices
	ErrClosed = errors.New("engine: closed")
)

// Runner is the lifecycle shared by the engine variants
type Runner interface {
	// Start launches the engine loop on its own goroutine and returns immediately
	Start() error

	// Stop asks the loop to exit after its current iteration. It does not
	// wait; use Done for that. Stopping a stopped engine is a no-op.
	Stop() error

	// IsRunning returns whether the loop has been started and not yet asked to stop
	IsRunning() bool

	// Done is closed once the engine has released its devices
	Done() <-chan struct{}
}

// State of an engine's lifecycle
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// lifecycle holds the only engine state touched by more than one goroutine.
// running is written by Stop on the caller's goroutine and read by the loop.
type lifecycle struct {
	state   atomic.Int32
	running atomic.Bool
	done    chan struct{}
}

func newLifecycle() *lifecycle {
	return &lifecycle{done: make(chan struct{})}
}

func (l *lifecycle) begin() error {
	if l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		l.running.Store(true)
		return nil
	}
	if State(l.state.Load()) == StateStopped {
		return ErrClosed
	}
	return ErrAlreadyRunning
}

// halt clears the running flag of a started engine. It reports true when the
// engine was never started, in which case the caller owns the release.
func (l *lifecycle) halt() bool {
	if l.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		l.running.Store(false)
		return false
	}
	return l.state.CompareAndSwap(int32(StateIdle), int32(StateStopped))
}

func (l *lifecycle) end() {
	l.running.Store(false)
	l.state.Store(int32(StateStopped))
	close(l.done)
}

func (l *lifecycle) current() State {
	return State(l.state.Load())
}

// Stats is a snapshot of an engine's transfer counters
type Stats struct {
	Iterations    uint64
	BytesCaptured uint64
	BytesPlayed   uint64
	StarvedReads  uint64
	StarvedWrites uint64
	DeviceErrors  uint64
	Overruns      uint64
	Underruns     uint64
	GateOpen      bool
}

type counters struct {
	iterations    atomic.Uint64
	captured      atomic.Uint64
	played        atomic.Uint64
	starvedReads  atomic.Uint64
	starvedWrites atomic.Uint64
	deviceErrors  atomic.Uint64
	overruns      atomic.Uint64
	underruns     atomic.Uint64
	gateOpen      atomic.Bool
}

func (c *counters) snapshot() Stats {
	return Stats{
		Iterations:    c.iterations.Load(),
		BytesCaptured: c.captured.Load(),
		BytesPlayed:   c.played.Load(),
		StarvedReads:  c.starvedReads.Load(),
		StarvedWrites: c.starvedWrites.Load(),
		DeviceErrors:  c.deviceErrors.Load(),
		Overruns:      c.overruns.Load(),
		Underruns:     c.underruns.Load(),
		GateOpen:      c.gateOpen.Load(),
	}
}

type options struct {
	logger  *logrus.Logger
	clock   Clock
	backoff bool
}

// Option configures an engine
type Option func(*options)

// WithLogger sets the logger used for lifecycle and diagnostic output
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces the wall clock used for the delay gate and backoff sleeps
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithoutBackoff makes the loop retry starved devices immediately
func WithoutBackoff() Option {
	return func(o *options) {
		o.backoff = false
	}
}

func applyOptions(opts []Option) options {
	o := options{
		logger:  logrus.StandardLogger(),
		clock:   systemClock{},
		backoff: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Clock is the time source of an engine loop
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
