package engine

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/d1nch8g/snddelay/pcm"
)

var errFake = errors.New("fake device failure")

// fakeClock only moves when a device consumes time or the loop sleeps
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

// fakeCapture delivers an incrementing byte pattern and charges the clock
// for the real time the delivered bytes represent.
type fakeCapture struct {
	clock  *fakeClock
	native int

	openErr  error
	startErr error

	// respond decides how many of want bytes call number call delivers
	respond func(call, want int) int
	// onRead runs on the loop goroutine after each call
	onRead func(call int)

	format  pcm.Format
	calls   int
	total   int
	next    byte
	opened  bool
	started bool
	stopped bool
	closed  bool
}

func (c *fakeCapture) Open(format pcm.Format) error {
	if c.openErr != nil {
		return c.openErr
	}
	c.format = format
	c.opened = true
	return nil
}

func (c *fakeCapture) Start() error {
	if c.startErr != nil {
		return c.startErr
	}
	c.started = true
	return nil
}

func (c *fakeCapture) Read(p []byte) (int, error) {
	call := c.calls
	c.calls++

	n := len(p)
	if c.respond != nil {
		n = c.respond(call, len(p))
	}
	for i := 0; i < n; i++ {
		p[i] = c.next
		c.next++
	}
	c.total += n
	c.clock.Advance(c.format.Duration(n))

	if c.onRead != nil {
		c.onRead(call)
	}
	return n, nil
}

func (c *fakeCapture) Stop() error {
	c.stopped = true
	return nil
}

func (c *fakeCapture) Close() error {
	c.closed = true
	return nil
}

func (c *fakeCapture) NativeBufferSize() int {
	return c.native
}

type write struct {
	at time.Time
	n  int
}

type fakePlayback struct {
	clock *fakeClock

	openErr  error
	startErr error

	// accept decides how many of want bytes call number call takes
	accept  func(call, want int) int
	onWrite func(call int)
	// keep records the accepted bytes of the first keep writes
	keep int

	format  pcm.Format
	writes  []write
	lengths []int
	data    []byte
	total   int
	opened  bool
	started bool
	stopped bool
	closed  bool
}

func (p *fakePlayback) Open(format pcm.Format) error {
	if p.openErr != nil {
		return p.openErr
	}
	p.format = format
	p.opened = true
	return nil
}

func (p *fakePlayback) Start() error {
	if p.startErr != nil {
		return p.startErr
	}
	p.started = true
	return nil
}

func (p *fakePlayback) Write(b []byte) (int, error) {
	call := len(p.writes)
	m := len(b)
	if p.accept != nil {
		m = p.accept(call, len(b))
	}
	if call < p.keep {
		p.data = append(p.data, b[:m]...)
	}
	p.writes = append(p.writes, write{at: p.clock.Now(), n: m})
	p.lengths = append(p.lengths, len(b))
	p.total += m

	if p.onWrite != nil {
		p.onWrite(call)
	}
	return m, nil
}

func (p *fakePlayback) Stop() error {
	p.stopped = true
	return nil
}

func (p *fakePlayback) Close() error {
	p.closed = true
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func waitDone(t *testing.T, r Runner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}
