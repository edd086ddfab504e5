// Package stream provides the per-request stream records of a multiplexed
// session and the table that owns them.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/FumingPower3925/h2engine/internal/response"
)

// State represents whether a stream may make progress.
type State int

// Stream processing states.
const (
	StateActive State = iota
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrStreamExists is returned when opening an id that is already live.
	ErrStreamExists = errors.New("stream already open")
	// ErrAlreadyBound is returned when a second response is bound to a stream.
	ErrAlreadyBound = errors.New("response already queued on stream")
	// ErrInformational is returned when a 1xx status is encoded as the
	// final response of a stream.
	ErrInformational = errors.New("informational status cannot be a final response")
)

// Stream is one in-flight request/response exchange.
type Stream struct {
	ID        uint32
	Method    string
	Path      string
	Scheme    string
	Authority string
	Header    [][2]string
	Body      bytes.Buffer

	Response      *response.Response
	Status        int
	WritePosition int64

	State       State
	HeadersSent bool
	EndStream   bool // request fully received
	Done        bool // response fully encoded
	SendWindow  int32
}

// NewStream creates a stream record.
func NewStream(id uint32, method string) *Stream {
	return &Stream{ID: id, Method: method, State: StateActive}
}

// AddHeader appends a request header field.
func (s *Stream) AddHeader(name, value string) {
	s.Header = append(s.Header, [2]string{name, value})
}

// Get returns the first value of a request header field.
func (s *Stream) Get(name string) string {
	for _, h := range s.Header {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

// Bind attaches resp with the given status. The stream takes one reference.
// HEAD requests and statuses that forbid a body are marked fully written.
func (s *Stream) Bind(resp *response.Response, status int) error {
	if s.Response != nil {
		return ErrAlreadyBound
	}
	resp.IncRef()
	s.Response = resp
	s.Status = status
	s.WritePosition = 0
	if !BodyAllowed(s.Method, status) {
		s.WritePosition = resp.TotalSize()
	}
	return nil
}

// BodyAllowed reports whether a response body is sent for method and status.
func BodyAllowed(method string, status int) bool {
	if strings.EqualFold(method, http.MethodHead) {
		return false
	}
	return status >= http.StatusOK &&
		status != http.StatusNoContent &&
		status != http.StatusNotModified
}

// Remaining returns the response body bytes not yet handed to the encoder.
func (s *Stream) Remaining() int64 {
	if s.Response == nil {
		return 0
	}
	return s.Response.TotalSize() - s.WritePosition
}

// Advance records that n body bytes were encoded.
func (s *Stream) Advance(n int) {
	s.WritePosition += int64(n)
	if s.Response != nil && s.WritePosition > s.Response.TotalSize() {
		panic(fmt.Sprintf("stream %d: write position %d past body size %d", s.ID, s.WritePosition, s.Response.TotalSize()))
	}
}

// Suspend stops output for the stream until Resume.
func (s *Stream) Suspend() { s.State = StateSuspended }

// Resume re-enables output for the stream.
func (s *Stream) Resume() { s.State = StateActive }

// release drops the stream's response reference.
func (s *Stream) release() {
	if s.Response != nil {
		s.Response.DecRef()
		s.Response = nil
	}
}

// Table owns the live streams of one session, keyed by id. Records are never
// handed out beyond the lifetime of the table.
type Table struct {
	streams     map[uint32]*Stream
	priority    *PriorityTree
	maxAccepted uint32
	closed      bool
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		streams:  make(map[uint32]*Stream),
		priority: NewPriorityTree(),
	}
}

// Open creates a stream record. The id becomes the highest accepted id if larger.
func (t *Table) Open(id uint32, method string) (*Stream, error) {
	if t.closed {
		return nil, fmt.Errorf("open stream %d: table cleared", id)
	}
	if _, ok := t.streams[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrStreamExists, id)
	}
	s := NewStream(id, method)
	t.streams[id] = s
	if id > t.maxAccepted {
		t.maxAccepted = id
	}
	return s, nil
}

// Get returns the stream with id.
func (t *Table) Get(id uint32) (*Stream, bool) {
	s, ok := t.streams[id]
	return s, ok
}

// Delete removes a stream and drops its response reference.
func (t *Table) Delete(id uint32) {
	s, ok := t.streams[id]
	if !ok {
		return
	}
	delete(t.streams, id)
	t.priority.Remove(id)
	s.release()
}

// Clear removes every stream. The table refuses new streams afterwards.
func (t *Table) Clear() {
	for id, s := range t.streams {
		delete(t.streams, id)
		s.release()
	}
	t.priority = NewPriorityTree()
	t.closed = true
}

// Len returns the number of live streams.
func (t *Table) Len() int { return len(t.streams) }

// MaxAccepted returns the highest stream id ever opened.
func (t *Table) MaxAccepted() uint32 { return t.maxAccepted }

// SetPriority records priority information for a stream.
func (t *Table) SetPriority(id uint32, p Priority) { t.priority.SetPriority(id, p) }

// Pending returns active streams with a bound response whose output is not
// finished, highest priority first, then lowest id.
func (t *Table) Pending() []*Stream {
	var out []*Stream
	for _, s := range t.streams {
		if s.Response != nil && !s.Done && s.State == StateActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := t.priority.Score(out[i].ID), t.priority.Score(out[j].ID)
		if si != sj {
			return si > sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ForEach calls fn for every live stream in unspecified order.
func (t *Table) ForEach(fn func(*Stream)) {
	for _, s := range t.streams {
		fn(s)
	}
}
