// Package buffer provides the fixed-capacity byte buffer used for all
// per-session I/O. A Buffer never grows; backpressure is expressed by the
// caller disarming interest until the sink drains.
package buffer

// Buffer is a fixed backing array with separate read and write cursors.
// The invariant read <= write <= cap(data) always holds. Data between the
// cursors has been written and not yet consumed. When the buffer is fully
// drained both cursors reset to zero so WriteView returns the whole
// capacity again (linear discipline, no wrap).
type Buffer struct {
	data  []byte
	read  int
	write int
}

// New creates a Buffer with the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// CanRead reports whether unconsumed bytes are available.
func (b *Buffer) CanRead() bool {
	return b.read < b.write
}

// CanWrite reports whether room remains for new bytes.
func (b *Buffer) CanWrite() bool {
	return b.write < len(b.data)
}

// ReadView returns the contiguous unconsumed region. The slice is valid
// until the next call that mutates the buffer.
func (b *Buffer) ReadView() []byte {
	return b.data[b.read:b.write]
}

// WriteView returns the contiguous writable region. It is empty only when
// the buffer is full of unread data.
func (b *Buffer) WriteView() []byte {
	return b.data[b.write:]
}

// AdvanceRead consumes n bytes from the read side. Consuming everything
// resets both cursors to the origin.
func (b *Buffer) AdvanceRead(n int) {
	b.read += n
	if b.read > b.write {
		b.read = b.write
	}
	if b.read == b.write {
		b.read = 0
		b.write = 0
	}
}

// AdvanceWrite records that n bytes were written into WriteView.
func (b *Buffer) AdvanceWrite(n int) {
	b.write += n
	if b.write > len(b.data) {
		b.write = len(b.data)
	}
}

// Compact moves unconsumed bytes to the origin, making the full tail
// available to WriteView again.
func (b *Buffer) Compact() {
	if b.read == 0 {
		return
	}
	n := copy(b.data, b.data[b.read:b.write])
	b.read = 0
	b.write = n
}

// Reset discards all content.
func (b *Buffer) Reset() {
	b.read = 0
	b.write = 0
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return b.write - b.read
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Write appends as much of p as fits and returns the number of bytes
// stored. It compacts first if the tail is exhausted but room exists.
func (b *Buffer) Write(p []byte) int {
	if b.write == len(b.data) && b.read > 0 {
		b.Compact()
	}
	n := copy(b.data[b.write:], p)
	b.write += n
	return n
}

// WriteString is Write for strings.
func (b *Buffer) WriteString(s string) int {
	if b.write == len(b.data) && b.read > 0 {
		b.Compact()
	}
	n := copy(b.data[b.write:], s)
	b.write += n
	return n
}
