package buffer

import "fmt"

// ReadBuffer holds bytes received from the socket that the protocol layer has
// not consumed yet. Unconsumed bytes live in buf[start:filled].
type ReadBuffer struct {
	buf    []byte
	start  int
	filled int
}

// Cap returns the buffer capacity.
func (r *ReadBuffer) Cap() int { return len(r.buf) }

// Start returns the offset of the first unconsumed byte.
func (r *ReadBuffer) Start() int { return r.start }

// Filled returns the offset one past the last received byte.
func (r *ReadBuffer) Filled() int { return r.filled }

// Free returns the space available for the next socket read.
func (r *ReadBuffer) Free() int { return len(r.buf) - r.filled }

// Full reports whether no further bytes can be read without consuming first.
func (r *ReadBuffer) Full() bool { return r.filled == len(r.buf) }

// Len returns the number of unconsumed bytes.
func (r *ReadBuffer) Len() int { return r.filled - r.start }

// Unread returns the unconsumed bytes. The slice is only valid until the next mutation.
func (r *ReadBuffer) Unread() []byte { return r.buf[r.start:r.filled] }

// Space returns the writable tail of the buffer.
func (r *ReadBuffer) Space() []byte { return r.buf[r.filled:] }

// Fill records that n bytes were written into Space.
func (r *ReadBuffer) Fill(n int) {
	if n < 0 || r.filled+n > len(r.buf) {
		panic(fmt.Sprintf("buffer: fill %d overflows read buffer (filled %d, cap %d)", n, r.filled, len(r.buf)))
	}
	r.filled += n
}

// Consume marks n unconsumed bytes as processed. When everything has been
// consumed both cursors reset to zero, reclaiming space without copying.
func (r *ReadBuffer) Consume(n int) {
	if n < 0 || r.start+n > r.filled {
		panic(fmt.Sprintf("buffer: consume %d beyond filled (start %d, filled %d)", n, r.start, r.filled))
	}
	r.start += n
	if r.start == r.filled {
		r.start = 0
		r.filled = 0
	}
}

// Grow makes room for one increment of input. Unconsumed bytes move to the
// front first; the buffer only grows, by exactly one increment, when that
// does not free enough space.
func (r *ReadBuffer) Grow(a *Arena, increment int) error {
	if r.Free() >= increment {
		return nil
	}
	if r.start > 0 {
		r.filled = copy(r.buf, r.buf[r.start:r.filled])
		r.start = 0
		if r.Free() >= increment {
			return nil
		}
	}
	nb, err := a.Resize(r.buf, len(r.buf)+increment, r.filled)
	if err != nil {
		return err
	}
	r.buf = nb
	return nil
}

// Release drops the backing array and zeroes the cursors.
func (r *ReadBuffer) Release(a *Arena) {
	if a != nil {
		a.Free(r.buf)
	}
	r.buf = nil
	r.start = 0
	r.filled = 0
}

// WriteBuffer holds encoded bytes waiting for the socket. Pending bytes live
// in buf[send:append].
type WriteBuffer struct {
	buf    []byte
	send   int
	append int
	arena  *Arena
}

// NewWriteBuffer returns a write buffer that grows from arena.
func NewWriteBuffer(a *Arena) *WriteBuffer {
	return &WriteBuffer{arena: a}
}

// Cap returns the buffer capacity.
func (w *WriteBuffer) Cap() int { return len(w.buf) }

// SendOffset returns the offset of the first unsent byte.
func (w *WriteBuffer) SendOffset() int { return w.send }

// AppendOffset returns the offset one past the last encoded byte.
func (w *WriteBuffer) AppendOffset() int { return w.append }

// Len returns the number of bytes waiting to be sent.
func (w *WriteBuffer) Len() int { return w.append - w.send }

// Free returns the space available for encoding.
func (w *WriteBuffer) Free() int { return len(w.buf) - w.append }

// Pending returns the unsent bytes.
func (w *WriteBuffer) Pending() []byte { return w.buf[w.send:w.append] }

// Reserve makes sure at least n bytes of encoding space are available.
func (w *WriteBuffer) Reserve(n int) error {
	if w.Free() >= n {
		return nil
	}
	if w.arena == nil {
		return ErrArenaExhausted
	}
	if w.send > 0 {
		w.append = copy(w.buf, w.buf[w.send:w.append])
		w.send = 0
		if w.Free() >= n {
			return nil
		}
	}
	// Double when the budget allows it, otherwise take exactly what is needed.
	need := w.append + n
	nb, err := w.arena.Resize(w.buf, max(need, 2*len(w.buf)), w.append)
	if err != nil && need < 2*len(w.buf) {
		nb, err = w.arena.Resize(w.buf, need, w.append)
	}
	if err != nil {
		return err
	}
	w.buf = nb
	return nil
}

// Append copies as much of p as fits into the free space and returns the count.
func (w *WriteBuffer) Append(p []byte) int {
	n := copy(w.buf[w.append:], p)
	w.append += n
	return n
}

// Write implements io.Writer, reserving space for all of p.
func (w *WriteBuffer) Write(p []byte) (int, error) {
	if err := w.Reserve(len(p)); err != nil {
		return 0, err
	}
	return w.Append(p), nil
}

// Sent marks n pending bytes as written to the socket. When the buffer is
// drained both offsets reset to zero.
func (w *WriteBuffer) Sent(n int) {
	if n < 0 || w.send+n > w.append {
		panic(fmt.Sprintf("buffer: sent %d beyond append (send %d, append %d)", n, w.send, w.append))
	}
	w.send += n
	if w.send == w.append {
		w.send = 0
		w.append = 0
	}
}

// Release drops the backing array and zeroes the offsets.
func (w *WriteBuffer) Release() {
	if w.arena != nil {
		w.arena.Free(w.buf)
	}
	w.buf = nil
	w.send = 0
	w.append = 0
}
