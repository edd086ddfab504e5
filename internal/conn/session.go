package conn

import (
	"errors"

	"github.com/FumingPower3925/h2engine/internal/buffer"
	"github.com/FumingPower3925/h2engine/internal/stream"
)

// ErrBadClientMagic classifies decode errors caused by a connection that did
// not open with the multiplexed protocol preface.
var ErrBadClientMagic = errors.New("bad client connection preface")

// Session is the multiplexed framing engine bound to one connection. It owns
// the stream table and every per-stream decode/encode state.
type Session interface {
	// Feed decodes p and returns how many bytes were consumed. Incomplete
	// trailing input is left unconsumed.
	Feed(p []byte) (int, error)
	// EncodeInto appends pending output to w, bounded by what w can hold.
	EncodeInto(w *buffer.WriteBuffer) error
	// WantsRead reports whether the session still expects input.
	WantsRead() bool
	// WantsWrite reports whether the session has output to encode.
	WantsWrite() bool
	// PrepareShutdown queues a graceful-shutdown frame naming lastStreamID.
	PrepareShutdown(lastStreamID uint32)
	// FlushShutdown encodes the queued shutdown frame into w.
	FlushShutdown(w *buffer.WriteBuffer) error
	// AcceptedMax returns the highest stream id accepted so far.
	AcceptedMax() uint32
	// CurrentStreamID returns the stream being dispatched to the handler.
	CurrentStreamID() uint32
	// Streams returns the session-owned stream table.
	Streams() *stream.Table
	// BuildHeaders encodes the response header block for s.
	BuildHeaders(s *stream.Stream) error
	// Destroy releases every stream record. It is called exactly once.
	Destroy()
}

// SessionFactory creates the session for a connection that negotiated the
// multiplexed protocol.
type SessionFactory func(c *Connection) (Session, error)

// Handler produces responses for decoded streams. It runs on the
// connection's worker and queues its answer with Connection.QueueResponse.
type Handler interface {
	ServeStream(c *Connection, s *stream.Stream)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Connection, s *stream.Stream)

// ServeStream calls f(c, s).
func (f HandlerFunc) ServeStream(c *Connection, s *stream.Stream) {
	f(c, s)
}
