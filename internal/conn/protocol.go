package conn

import (
	"errors"
	"fmt"

	"github.com/FumingPower3925/h2engine/internal/response"
)

// Protocol is the phase set installed once at negotiation. Multiplexed
// connections use the session-driven phases of this package; single-stream
// connections use the HTTP/1.x phases.
type Protocol interface {
	Version() Version
	HandleRead(c *Connection)
	// HandleIdle decodes buffered input. It returns false on a decode error.
	HandleIdle(c *Connection) bool
	HandleWrite(c *Connection)
	QueueResponse(c *Connection, status int, resp *response.Response) error
	// Close releases protocol state. It runs before the buffers are released.
	Close(c *Connection)
}

// Drainer is implemented by protocols that can stop taking new requests
// while finishing the ones in progress.
type Drainer interface {
	Drain(c *Connection)
}

// gracefulSession is implemented by sessions that can announce a graceful
// shutdown to the peer.
type gracefulSession interface {
	Shutdown() error
}

// multiplexed drives a connection through its protocol session.
type multiplexed struct{}

func (multiplexed) Version() Version { return VersionMultiplexed }

func (multiplexed) HandleRead(c *Connection) {
	if c.session == nil {
		return
	}
	c.ReadSocket()
}

func (multiplexed) HandleIdle(c *Connection) bool {
	if c.session == nil {
		return false
	}
	n, err := c.session.Feed(c.rb.Unread())
	if c.state != StateActive {
		return false
	}
	if err != nil {
		if !errors.Is(err, ErrBadClientMagic) {
			c.opts.Logger.Printf("conn %d: session decode error: %v", c.id, err)
		}
		c.session.PrepareShutdown(c.session.AcceptedMax())
		if ferr := c.session.FlushShutdown(c.wb); ferr == nil {
			c.sendShutdown()
		}
		c.Close(TerminationWithError, fmt.Errorf("%w: %w", ErrDecode, err))
		return false
	}

	c.rb.Consume(n)
	c.Touch()
	c.SetInterest(InterestWrite)
	return true
}

// sendShutdown makes one attempt to put the pending output on the wire.
// Failure does not delay the close that follows.
func (c *Connection) sendShutdown() {
	if c.wb.Len() == 0 {
		return
	}
	n, err := c.sock.Send(c.wb.Pending())
	if err != nil {
		if verboseLogging {
			c.opts.Logger.Printf("conn %d: shutdown frame not sent: %v", c.id, err)
		}
		return
	}
	c.wb.Sent(n)
	c.opts.Observer.BytesWritten(c, n)
}

func (multiplexed) HandleWrite(c *Connection) {
	if c.session == nil {
		return
	}
	if !c.Flush() {
		return
	}
	if err := c.session.EncodeInto(c.wb); err != nil {
		c.Close(TerminationWithError, fmt.Errorf("%w: %w", ErrEncode, err))
		return
	}
	if !c.session.WantsRead() && !c.session.WantsWrite() && c.wb.Len() == 0 {
		c.Close(TerminationCompletedOK, nil)
		return
	}

	in := InterestRead
	if c.wb.Len() > 0 {
		in = InterestWrite
	}
	c.Touch()
	c.SetInterest(in)
}

func (multiplexed) QueueResponse(c *Connection, status int, resp *response.Response) error {
	if c.session == nil {
		return ErrNoSession
	}
	id := c.session.CurrentStreamID()
	s, err := c.lookupStream(id)
	if err != nil {
		return err
	}
	if err := s.Bind(resp, status); err != nil {
		return err
	}
	if err := c.session.BuildHeaders(s); err != nil {
		return fmt.Errorf("%w: stream %d: %w", ErrBuildHeaders, id, err)
	}
	c.SetInterest(InterestWrite)
	return nil
}

// Drain announces the shutdown through the session. Streams already accepted
// run to completion; the write phase closes the connection afterwards.
func (multiplexed) Drain(c *Connection) {
	g, ok := c.session.(gracefulSession)
	if !ok {
		return
	}
	if err := g.Shutdown(); err != nil {
		c.Close(TerminationWithError, fmt.Errorf("%w: %w", ErrEncode, err))
		return
	}
	c.SetInterest(InterestWrite)
}

func (multiplexed) Close(c *Connection) {
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
}
