package rosserial

import (
	"errors"
	"io"
)

// ErrNoBufferSpace is returned by ReadBuffer.Next when a request exceeds
// the buffer capacity. It signals a garbage length field rather than a
// transport failure; callers recover by resynchronizing on a fresh sync
// sequence instead of tearing the connection down.
var ErrNoBufferSpace = errors.New("read request exceeds buffer capacity")

// DefaultReadBufferSize is the default ReadBuffer capacity in bytes.
const DefaultReadBufferSize = 1023

// ReadBuffer serves exact-length reads over a byte-stream transport,
// hiding partial-read reassembly from the caller. Its capacity bounds
// how much a single request may consume, so a corrupted length field can
// never force an unbounded allocation.
//
// ReadBuffer is not safe for concurrent use; a session drives it from a
// single goroutine.
type ReadBuffer struct {
	r     io.Reader
	buf   []byte
	start int
	end   int
}

// NewReadBuffer creates a ReadBuffer with the given capacity over r.
// A non-positive size selects DefaultReadBufferSize.
func NewReadBuffer(r io.Reader, size int) *ReadBuffer {
	if size <= 0 {
		size = DefaultReadBufferSize
	}
	return &ReadBuffer{r: r, buf: make([]byte, size)}
}

// Capacity returns the fixed buffer capacity.
func (b *ReadBuffer) Capacity() int {
	return len(b.buf)
}

// Buffered returns the number of bytes currently held.
func (b *ReadBuffer) Buffered() int {
	return b.end - b.start
}

// Next returns a view over exactly n contiguous bytes, reading from the
// underlying transport as often as needed. The view is valid only until
// the following Next call; callers copy out anything they keep. Requests
// beyond the buffer capacity fail with ErrNoBufferSpace without consuming
// input. Transport errors are returned as-is.
func (b *ReadBuffer) Next(n int) ([]byte, error) {
	if n > len(b.buf) {
		return nil, ErrNoBufferSpace
	}

	if b.end-b.start < n && len(b.buf)-b.start < n {
		// Compact so the request fits contiguously.
		copy(b.buf, b.buf[b.start:b.end])
		b.end -= b.start
		b.start = 0
	}

	for b.end-b.start < n {
		m, err := b.r.Read(b.buf[b.end:])
		b.end += m
		if b.end-b.start >= n {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	view := b.buf[b.start : b.start+n]
	b.start += n
	if b.start == b.end {
		b.start, b.end = 0, 0
	}
	return view, nil
}
