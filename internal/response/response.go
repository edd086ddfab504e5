// Package response provides the shared, reference-counted response object
// that application callbacks hand to the connection engine.
package response

import (
	"bytes"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/andybalholm/brotli"
)

// Response is an immutable status-independent response: header fields plus a
// fixed body. Ownership is shared; every binder calls IncRef and the matching
// party calls DecRef when it no longer needs the body.
type Response struct {
	header    [][2]string
	body      []byte
	refs      atomic.Int32
	released  atomic.Bool
	onRelease func()
}

// New creates a response with the given body and header fields. Header names
// are lowercased.
func New(body []byte, header ...[2]string) *Response {
	r := &Response{body: body}
	for _, h := range header {
		r.header = append(r.header, [2]string{strings.ToLower(h[0]), h[1]})
	}
	return r
}

// NewString is New for a string body.
func NewString(body string, header ...[2]string) *Response {
	return New([]byte(body), header...)
}

// NewCompressed brotli-encodes body at the given quality (0-11) and marks the
// response with content-encoding: br.
func NewCompressed(body []byte, quality int, header ...[2]string) (*Response, error) {
	var compressed bytes.Buffer
	w := brotli.NewWriterLevel(&compressed, quality)
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("brotli encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("brotli close: %w", err)
	}
	header = append(header, [2]string{"content-encoding", "br"}, [2]string{"vary", "accept-encoding"})
	return New(compressed.Bytes(), header...), nil
}

// OnRelease registers fn to run once when the last reference is dropped.
func (r *Response) OnRelease(fn func()) {
	r.onRelease = fn
}

// TotalSize returns the body size in bytes.
func (r *Response) TotalSize() int64 { return int64(len(r.body)) }

// Header returns the header fields. The slice must not be modified.
func (r *Response) Header() [][2]string { return r.header }

// Get returns the first value of the named header field.
func (r *Response) Get(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, h := range r.header {
		if h[0] == name {
			return h[1], true
		}
	}
	return "", false
}

// Slice returns up to n body bytes starting at off.
func (r *Response) Slice(off int64, n int) []byte {
	if off >= int64(len(r.body)) || n <= 0 {
		return nil
	}
	end := off + int64(n)
	if end > int64(len(r.body)) {
		end = int64(len(r.body))
	}
	return r.body[off:end]
}

// Body returns the whole body.
func (r *Response) Body() []byte { return r.body }

// IncRef records one more owner.
func (r *Response) IncRef() { r.refs.Add(1) }

// DecRef drops one owner and runs the release hook when none remain.
func (r *Response) DecRef() {
	n := r.refs.Add(-1)
	if n < 0 {
		panic("response: reference count below zero")
	}
	if n == 0 && r.released.CompareAndSwap(false, true) && r.onRelease != nil {
		r.onRelease()
	}
}

// Refs returns the current number of owners.
func (r *Response) Refs() int32 { return r.refs.Load() }
