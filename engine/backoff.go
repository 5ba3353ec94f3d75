package engine

import "time"

// backoff paces a loop whose devices have nothing to offer. The wait starts
// at an eighth of one chunk's nominal duration and doubles up to half a chunk.
type backoff struct {
	enabled bool
	min     time.Duration
	max     time.Duration
	cur     time.Duration
}

func newBackoff(chunk time.Duration, enabled bool) *backoff {
	min := chunk / 8
	if min <= 0 {
		min = time.Microsecond
	}
	max := chunk / 2
	if max < min {
		max = min
	}
	return &backoff{enabled: enabled, min: min, max: max}
}

func (b *backoff) next() time.Duration {
	switch {
	case b.cur == 0:
		b.cur = b.min
	case b.cur*2 > b.max:
		b.cur = b.max
	default:
		b.cur *= 2
	}
	return b.cur
}

func (b *backoff) reset() {
	b.cur = 0
}

// wait sleeps on clock when starved and forgets the streak otherwise
func (b *backoff) wait(clock Clock, starved bool) {
	if !starved {
		b.reset()
		return
	}
	if b.enabled {
		clock.Sleep(b.next())
	}
}
