// Package conn implements the per-connection state machine: buffered
// non-blocking reads and writes, protocol negotiation, protocol session
// feeding, response queueing and connection teardown.
package conn

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/FumingPower3925/h2engine/internal/buffer"
	"github.com/FumingPower3925/h2engine/internal/response"
	"github.com/FumingPower3925/h2engine/internal/socket"
	"github.com/FumingPower3925/h2engine/internal/stream"
)

const verboseLogging = false

// State is the lifecycle state of a connection.
type State int

// Lifecycle states. Closed is terminal.
const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Version is the protocol negotiated for a connection.
type Version int

// Protocol versions.
const (
	VersionUnknown Version = iota
	VersionSingleStream
	VersionMultiplexed
)

func (v Version) String() string {
	switch v {
	case VersionSingleStream:
		return "HTTP/1.1"
	case VersionMultiplexed:
		return "HTTP/2"
	default:
		return "unknown"
	}
}

// Interest is the readiness the connection wants to be scheduled for next.
type Interest int

// Readiness interests.
const (
	InterestRead Interest = iota
	InterestWrite
)

func (i Interest) String() string {
	if i == InterestWrite {
		return "write"
	}
	return "read"
}

// Termination is the reason a connection closed.
type Termination int

// Termination reasons.
const (
	TerminationCompletedOK Termination = iota
	TerminationWithError
	TerminationClientAbort
)

func (t Termination) String() string {
	switch t {
	case TerminationCompletedOK:
		return "completed"
	case TerminationWithError:
		return "error"
	case TerminationClientAbort:
		return "client_abort"
	default:
		return fmt.Sprintf("Termination(%d)", int(t))
	}
}

// Keepalive is the connection reuse policy.
type Keepalive int

// Keepalive policies.
const (
	KeepaliveUnknown Keepalive = iota
	KeepaliveUse
	KeepaliveClose
)

var (
	ErrUnexpectedDisconnect = errors.New("unexpected disconnect")
	ErrReadFailed           = errors.New("socket read failed")
	ErrWriteFailed          = errors.New("socket write failed")
	ErrDecode               = errors.New("protocol decode failed")
	ErrEncode               = errors.New("protocol encode failed")
	ErrSessionCreate        = errors.New("protocol session creation failed")
	ErrBufferGrow           = errors.New("read buffer growth failed")
	ErrNoSuchStream         = errors.New("no such stream")
	ErrNoSession            = errors.New("no protocol session")
	ErrBuildHeaders         = errors.New("response header block build failed")
	ErrProtocolDisabled     = errors.New("negotiated protocol is disabled")
	ErrClosed               = errors.New("connection closed")
)

// Scheduler is told which readiness the connection waits for next.
type Scheduler interface {
	SetInterest(c *Connection, in Interest)
}

// Observer receives lifecycle notifications. Implementations must not call
// back into the connection.
type Observer interface {
	Negotiated(c *Connection, v Version)
	BytesRead(c *Connection, n int)
	BytesWritten(c *Connection, n int)
	Closed(c *Connection, t Termination, err error)
}

type nopObserver struct{}

func (nopObserver) Negotiated(*Connection, Version)        {}
func (nopObserver) BytesRead(*Connection, int)             {}
func (nopObserver) BytesWritten(*Connection, int)          {}
func (nopObserver) Closed(*Connection, Termination, error) {}

type nopScheduler struct{}

func (nopScheduler) SetInterest(*Connection, Interest) {}

// Options configures a connection.
type Options struct {
	// ReadIncrement is the read buffer growth step.
	ReadIncrement int
	// MemoryLimit caps the bytes the connection arena hands out.
	MemoryLimit int
	// Encrypted marks a connection that runs over TLS.
	Encrypted bool

	Handler        Handler
	SessionFactory SessionFactory
	// SingleStream builds the HTTP/1.x phases. Nil disables HTTP/1.x.
	SingleStream func(c *Connection) Protocol

	Scheduler Scheduler
	Observer  Observer
	Logger    *log.Logger
	// Now overrides the activity clock.
	Now func() time.Time
}

// Connection is one accepted socket and everything it owns. It is driven by
// exactly one worker at a time and does no locking.
type Connection struct {
	id   uint64
	sock socket.Socket
	opts Options

	arena *buffer.Arena
	rb    buffer.ReadBuffer
	wb    *buffer.WriteBuffer

	state        State
	readClosed   bool
	suspended    bool
	lastActivity time.Time
	version      Version
	keepalive    Keepalive
	interest     Interest
	termination  Termination
	closeErr     error
	tlsDone      bool

	proto   Protocol
	session Session

	// Context holds owner data, such as the engine's per-connection span.
	Context any
}

// New creates an active connection over sock.
func New(id uint64, sock socket.Socket, opts Options) *Connection {
	if opts.ReadIncrement <= 0 {
		opts.ReadIncrement = 4096
	}
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = nopScheduler{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	arena := buffer.NewArena(opts.MemoryLimit)
	c := &Connection{
		id:        id,
		sock:      sock,
		opts:      opts,
		arena:     arena,
		wb:        buffer.NewWriteBuffer(arena),
		state:     StateActive,
		keepalive: KeepaliveUnknown,
		interest:  InterestRead,
	}
	c.lastActivity = opts.Now()
	return c
}

// ID returns the connection id.
func (c *Connection) ID() uint64 { return c.id }

// State returns the lifecycle state.
func (c *Connection) State() State { return c.state }

// Version returns the negotiated protocol.
func (c *Connection) Version() Version { return c.version }

// Keepalive returns the reuse policy.
func (c *Connection) Keepalive() Keepalive { return c.keepalive }

// SetKeepalive sets the reuse policy.
func (c *Connection) SetKeepalive(k Keepalive) { c.keepalive = k }

// Interest returns the current readiness interest.
func (c *Connection) Interest() Interest { return c.interest }

// ReadClosed reports whether the peer sent EOF.
func (c *Connection) ReadClosed() bool { return c.readClosed }

// LastActivity returns the last time the connection made progress.
func (c *Connection) LastActivity() time.Time { return c.lastActivity }

// Termination returns the close reason and error once closed.
func (c *Connection) Termination() (Termination, error) { return c.termination, c.closeErr }

// Session returns the protocol session, or nil outside multiplexed mode.
func (c *Connection) Session() Session { return c.session }

// Handler returns the application handler.
func (c *Connection) Handler() Handler { return c.opts.Handler }

// Logger returns the connection logger.
func (c *Connection) Logger() *log.Logger { return c.opts.Logger }

// Arena returns the connection memory arena.
func (c *Connection) Arena() *buffer.Arena { return c.arena }

// ReadIncrement returns the read buffer growth step.
func (c *Connection) ReadIncrement() int { return c.opts.ReadIncrement }

// Input returns the read buffer. It panics once the connection is closed.
func (c *Connection) Input() *buffer.ReadBuffer {
	c.mustBeOpen()
	return &c.rb
}

// Output returns the write buffer. It panics once the connection is closed.
func (c *Connection) Output() *buffer.WriteBuffer {
	c.mustBeOpen()
	return c.wb
}

func (c *Connection) mustBeOpen() {
	if c.state == StateClosed {
		panic(fmt.Sprintf("conn %d: buffer access after close", c.id))
	}
}

// TLSHandshakeComplete records that the secure transport is established.
func (c *Connection) TLSHandshakeComplete() { c.tlsDone = true }

// Touch refreshes the last-activity timestamp.
func (c *Connection) Touch() { c.lastActivity = c.opts.Now() }

// SetInterest records the readiness interest and tells the scheduler.
func (c *Connection) SetInterest(in Interest) {
	c.interest = in
	c.opts.Scheduler.SetInterest(c, in)
}

// Suspend stops reading from the socket until Resume.
func (c *Connection) Suspend() { c.suspended = true }

// Resume re-enables reading and re-enters decode on the next round.
func (c *Connection) Resume() {
	c.suspended = false
	if c.state == StateActive {
		c.SetInterest(InterestRead)
	}
}

// Suspended reports whether reading is suspended.
func (c *Connection) Suspended() bool { return c.suspended }

// Shutdown asks the connection to finish the requests in flight and then
// close. A connection that has not negotiated a protocol closes at once.
func (c *Connection) Shutdown() {
	if c.state != StateActive {
		return
	}
	c.keepalive = KeepaliveClose
	if c.proto == nil {
		c.Close(TerminationCompletedOK, nil)
		return
	}
	if d, ok := c.proto.(Drainer); ok {
		d.Drain(c)
	}
}

// SuspendStream holds output for one stream of the session.
func (c *Connection) SuspendStream(id uint32) error {
	s, err := c.lookupStream(id)
	if err != nil {
		return err
	}
	s.Suspend()
	return nil
}

// ResumeStream re-enables output for a suspended stream.
func (c *Connection) ResumeStream(id uint32) error {
	s, err := c.lookupStream(id)
	if err != nil {
		return err
	}
	s.Resume()
	c.SetInterest(InterestWrite)
	return nil
}

// streamOwner is implemented by protocols that keep stream records outside
// a session.
type streamOwner interface {
	Streams() *stream.Table
}

func (c *Connection) lookupStream(id uint32) (*stream.Stream, error) {
	var table *stream.Table
	switch p := c.proto.(type) {
	case streamOwner:
		table = p.Streams()
	default:
		if c.session == nil {
			return nil, ErrNoSession
		}
		table = c.session.Streams()
	}
	s, ok := table.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchStream, id)
	}
	return s, nil
}

// ReadSocket performs one non-blocking read into the read buffer.
func (c *Connection) ReadSocket() {
	if c.rb.Free() < c.opts.ReadIncrement {
		if err := c.rb.Grow(c.arena, c.opts.ReadIncrement); err != nil {
			c.Close(TerminationWithError, fmt.Errorf("%w: %w", ErrBufferGrow, err))
			return
		}
	}
	if c.rb.Full() {
		return
	}

	n, err := c.sock.Recv(c.rb.Space())
	switch {
	case err == nil && n > 0:
		c.rb.Fill(n)
		c.Touch()
		c.opts.Observer.BytesRead(c, n)
	case err == nil:
		c.readClosed = true
		c.Close(TerminationClientAbort, nil)
	case errors.Is(err, socket.ErrWouldBlock):
	case errors.Is(err, socket.ErrConnReset):
		c.Close(TerminationWithError, ErrUnexpectedDisconnect)
	default:
		c.Close(TerminationWithError, fmt.Errorf("%w: %w", ErrReadFailed, err))
	}
}

// Flush performs one non-blocking write of the pending output. It reports
// whether the caller may continue with the rest of its write phase.
func (c *Connection) Flush() bool {
	if c.wb.Len() == 0 {
		return true
	}
	n, err := c.sock.Send(c.wb.Pending())
	switch {
	case errors.Is(err, socket.ErrWouldBlock):
		c.SetInterest(InterestWrite)
		return false
	case err != nil:
		c.Close(TerminationWithError, fmt.Errorf("%w: %w", ErrWriteFailed, err))
		return false
	}
	c.wb.Sent(n)
	c.opts.Observer.BytesWritten(c, n)
	return true
}

// HandleRead runs the read phase of the active protocol.
func (c *Connection) HandleRead() {
	if c.state == StateClosed || c.suspended {
		return
	}
	if c.proto == nil {
		c.ReadSocket()
		return
	}
	c.proto.HandleRead(c)
}

// HandleIdle runs the decode phase. Before negotiation it sniffs the
// buffered bytes and installs the matching protocol.
func (c *Connection) HandleIdle() bool {
	if c.state != StateActive {
		return false
	}
	if c.proto == nil {
		if !c.negotiate() {
			return c.state == StateActive
		}
	}
	return c.proto.HandleIdle(c)
}

// HandleWrite runs the write phase of the active protocol.
func (c *Connection) HandleWrite() {
	if c.state != StateActive || c.proto == nil {
		return
	}
	c.proto.HandleWrite(c)
}

// Serve runs one read, decode and write round.
func (c *Connection) Serve() {
	c.HandleRead()
	c.HandleIdle()
	c.HandleWrite()
}

// QueueResponse binds resp with status to the stream currently being
// dispatched.
func (c *Connection) QueueResponse(status int, resp *response.Response) error {
	if c.state == StateClosed {
		return ErrClosed
	}
	if c.proto == nil {
		return ErrNoSession
	}
	return c.proto.QueueResponse(c, status, resp)
}

// Close tears the connection down. Only the first call has an effect.
func (c *Connection) Close(t Termination, err error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosing
	c.termination = t
	c.closeErr = err
	if err != nil && t == TerminationWithError {
		c.opts.Logger.Printf("conn %d: closing: %v", c.id, err)
	} else if verboseLogging {
		c.opts.Logger.Printf("conn %d: closing (%s)", c.id, t)
	}

	if c.proto != nil {
		c.proto.Close(c)
	}
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	c.state = StateClosed
	c.rb.Release(c.arena)
	c.wb.Release()
	c.arena.Release()
	c.opts.Observer.Closed(c, t, err)
}
