// File: buffer/buffer.go
//
// Buffer is a single contiguous byte region with distinct read and write
// cursors and an in-place compaction operation. It is owned by exactly
// one Connection; there is no concurrency and no pooling.
//
// Grounded on original_source's shnet::MessageBuffer (read_pos_/write_pos_
// over a single std::vector<char>, shrink()/prepare() for compaction and
// growth), adapted to return byte-slice views rather than raw pointers.

package buffer

// DefaultCapacity is the capacity a new Buffer starts with.
const DefaultCapacity = 64 * 1024

// Buffer holds readable bytes in [r, w) and writable tail space in
// [w, len(buf)). 0 <= r <= w <= len(buf) always holds.
type Buffer struct {
	buf []byte
	r, w int
}

// New creates a Buffer with DefaultCapacity.
func New() *Buffer {
	return &Buffer{buf: make([]byte, DefaultCapacity)}
}

// NewSize creates a Buffer with the given initial capacity.
func NewSize(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// ReadableSize returns the number of unread bytes.
func (b *Buffer) ReadableSize() int { return b.w - b.r }

// WritableTail returns the tail space available without compaction.
func (b *Buffer) WritableTail() int { return len(b.buf) - b.w }

// FreeAfterCompact returns the space that would be available for
// writing after a compaction, without growing the buffer.
func (b *Buffer) FreeAfterCompact() int { return len(b.buf) - b.ReadableSize() }

// Cap returns the current backing capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Empty reports whether there is no readable data.
func (b *Buffer) Empty() bool { return b.r == b.w }

// Full reports whether the readable span occupies the entire capacity,
// i.e. no compaction or growth could create tail space without growing.
func (b *Buffer) Full() bool { return b.ReadableSize() == len(b.buf) }

// ReadSlice returns a view of the readable span [r, w). The view is
// invalidated by any subsequent mutating call (ReadCommit, WriteCommit,
// Write, Compact, Ensure).
func (b *Buffer) ReadSlice() []byte { return b.buf[b.r:b.w] }

// WriteSlice returns a view of the writable tail [w, cap). The view is
// invalidated by any subsequent mutating call.
func (b *Buffer) WriteSlice() []byte { return b.buf[b.w:] }

// ReadCommit advances the read cursor by n. n must not exceed
// ReadableSize().
func (b *Buffer) ReadCommit(n int) {
	if n < 0 || n > b.ReadableSize() {
		panic("buffer: ReadCommit out of range")
	}
	b.r += n
}

// WriteCommit advances the write cursor by n. n must not exceed
// WritableTail().
func (b *Buffer) WriteCommit(n int) {
	if n < 0 || n > b.WritableTail() {
		panic("buffer: WriteCommit out of range")
	}
	b.w += n
}

// Write ensures room for len(p), copies it into the tail, and commits.
func (b *Buffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	b.Ensure(len(p))
	n := copy(b.buf[b.w:], p)
	b.w += n
}

// Compact moves the readable span [r, w) to the start of the backing
// array and zeroes r, without changing capacity.
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r = 0
	b.w = n
}

// Ensure guarantees at least n bytes of writable tail space, compacting
// first and growing only if compaction alone cannot satisfy the
// request. Growth policy: new capacity = old + max(n, old/2).
func (b *Buffer) Ensure(n int) {
	if b.FreeAfterCompact() < n {
		b.Compact()
		grown := make([]byte, len(b.buf)+max(n, len(b.buf)/2))
		copy(grown, b.buf[:b.w])
		b.buf = grown
		return
	}
	if b.WritableTail() < n {
		b.Compact()
	}
}

// PeekUntil scans the readable span for the first occurrence of delim
// and returns the span up to (excluding) it, without committing. The
// second return is false if delim is not present in the readable span.
func (b *Buffer) PeekUntil(delim byte) ([]byte, bool) {
	span := b.ReadSlice()
	for i, c := range span {
		if c == delim {
			return span[:i], true
		}
	}
	return nil, false
}

// PeekUntilCRLF scans the readable span for the first "\r\n" and
// returns the span up to (excluding) it, without committing. Grounded
// on original_source's getDataUntilCRLF.
func (b *Buffer) PeekUntilCRLF() ([]byte, bool) {
	span := b.ReadSlice()
	for i := 0; i+1 < len(span); i++ {
		if span[i] == '\r' && span[i+1] == '\n' {
			return span[:i], true
		}
	}
	return nil, false
}

// PeekN returns the span of exactly n bytes starting at r, without
// committing. The second return is false if fewer than n bytes are
// readable.
func (b *Buffer) PeekN(n int) ([]byte, bool) {
	if b.ReadableSize() < n {
		return nil, false
	}
	return b.buf[b.r : b.r+n], true
}
