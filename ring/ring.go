package ring

// Advance moves cursor forward by n bytes, wrapping at capacity
func Advance(cursor, n, capacity int) int {
	return (cursor + n) % capacity
}

// Buffer is a fixed byte store with independent write and read cursors.
// It has no notion of full or empty: keeping the writer from lapping the
// reader is the caller's job. A Buffer is owned by a single goroutine.
type Buffer struct {
	storage []byte
	write   int
	read    int
}

// New allocates a buffer of capacity bytes. It panics if capacity is not positive.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Buffer{storage: make([]byte, capacity)}
}

func (b *Buffer) Capacity() int {
	return len(b.storage)
}

func (b *Buffer) WriteCursor() int {
	return b.write
}

func (b *Buffer) ReadCursor() int {
	return b.read
}

// WriteSpan returns up to max bytes of storage starting at the write cursor.
// The span is clipped at the end of the storage; the wrap happens on the next call.
func (b *Buffer) WriteSpan(max int) []byte {
	return b.span(b.write, max)
}

// ReadSpan returns up to max bytes of storage starting at the read cursor,
// clipped at the end of the storage.
func (b *Buffer) ReadSpan(max int) []byte {
	return b.span(b.read, max)
}

func (b *Buffer) AdvanceWrite(n int) {
	b.write = Advance(b.write, n, len(b.storage))
}

func (b *Buffer) AdvanceRead(n int) {
	b.read = Advance(b.read, n, len(b.storage))
}

// Lag is the distance from the read cursor forward to the write cursor.
// It only means "bytes pending" while the writer has not lapped the reader.
func (b *Buffer) Lag() int {
	return (b.write - b.read + len(b.storage)) % len(b.storage)
}

func (b *Buffer) span(cursor, max int) []byte {
	n := len(b.storage) - cursor
	if max < n {
		n = max
	}
	if n < 0 {
		n = 0
	}
	return b.storage[cursor : cursor+n]
}
