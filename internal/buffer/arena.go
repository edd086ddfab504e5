// Package buffer provides the per-connection byte buffers and the memory
// arena they are carved from.
package buffer

import (
	"errors"
	"fmt"
	"sync"
)

// ErrArenaExhausted is returned when an allocation would exceed the arena limit
// or the arena has already been released.
var ErrArenaExhausted = errors.New("connection memory arena exhausted")

// blockSize is the size class recycled through blockPool.
const blockSize = 16 << 10

// blockPool recycles default-sized backing arrays between connections.
var blockPool = sync.Pool{New: func() any {
	b := make([]byte, blockSize)
	return &b
}}

// Arena is a per-connection memory budget. Every buffer of a connection is
// allocated from its arena, and releasing the arena ends all allocation.
type Arena struct {
	limit    int
	used     int
	released bool
}

// NewArena creates an arena that hands out at most limit bytes.
func NewArena(limit int) *Arena {
	return &Arena{limit: limit}
}

// Alloc returns a zeroed slice of length n charged against the arena.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if err := a.charge(n, 0); err != nil {
		return nil, err
	}
	return a.block(n), nil
}

// Resize replaces b with a slice of length n holding b[:keep]. Only the
// difference between the two sizes counts against the limit, so a buffer can
// grow to the full budget.
func (a *Arena) Resize(b []byte, n, keep int) ([]byte, error) {
	if keep > len(b) || keep > n {
		panic(fmt.Sprintf("buffer: resize keeps %d of %d into %d", keep, len(b), n))
	}
	if err := a.charge(n, cap(b)); err != nil {
		return nil, err
	}
	nb := a.block(n)
	copy(nb, b[:keep])
	a.recycle(b)
	return nb, nil
}

// charge books n bytes against the arena after returning old bytes to it.
func (a *Arena) charge(n, old int) error {
	if a.released {
		return ErrArenaExhausted
	}
	if n < 0 || a.used-old+n > a.limit {
		return fmt.Errorf("%w: want %d, used %d of %d", ErrArenaExhausted, n, a.used-old, a.limit)
	}
	a.used += n - old
	return nil
}

func (a *Arena) block(n int) []byte {
	if n == blockSize {
		bp := blockPool.Get().(*[]byte)
		b := *bp
		clear(b)
		return b
	}
	return make([]byte, n)
}

func (a *Arena) recycle(b []byte) {
	if cap(b) == blockSize {
		b = b[:blockSize]
		blockPool.Put(&b)
	}
}

// Free returns b's capacity to the arena budget. Default-sized blocks are recycled.
func (a *Arena) Free(b []byte) {
	if b == nil {
		return
	}
	a.used -= cap(b)
	if a.used < 0 {
		a.used = 0
	}
	a.recycle(b)
}

// Used reports the bytes currently charged to the arena.
func (a *Arena) Used() int { return a.used }

// Limit reports the arena budget.
func (a *Arena) Limit() int { return a.limit }

// Released reports whether Release has been called.
func (a *Arena) Released() bool { return a.released }

// Release ends the arena. It is idempotent.
func (a *Arena) Release() {
	a.released = true
	a.used = 0
}
