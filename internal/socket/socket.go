// Package socket defines the non-blocking socket primitive the connection
// engine reads from and writes to.
package socket

import (
	"errors"

	"github.com/panjf2000/gnet/v2"
	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock means the operation could not make progress right now and
	// must be retried on the next readiness signal.
	ErrWouldBlock = errors.New("socket: operation would block")
	// ErrConnReset means the peer reset the connection.
	ErrConnReset = errors.New("socket: connection reset by peer")
)

// Socket is a non-blocking byte transport. Recv returning (0, nil) signals an
// orderly shutdown by the peer.
type Socket interface {
	Recv(p []byte) (int, error)
	Send(p []byte) (int, error)
}

// Classify maps a transport error onto the sentinel set.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrWouldBlock), errors.Is(err, unix.EAGAIN):
		return ErrWouldBlock
	case errors.Is(err, ErrConnReset), errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE):
		return ErrConnReset
	default:
		return err
	}
}

// gnetSocket adapts a gnet connection. gnet has already drained the kernel
// socket into its inbound buffer, so an empty inbound buffer is a would-block.
type gnetSocket struct {
	c gnet.Conn
}

// FromGnet wraps c. It must only be used from c's event loop.
func FromGnet(c gnet.Conn) Socket {
	return &gnetSocket{c: c}
}

func (s *gnetSocket) Recv(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, ErrWouldBlock
	}
	if s.c.InboundBuffered() == 0 {
		return 0, ErrWouldBlock
	}
	n, err := s.c.Read(p)
	if err != nil {
		return n, Classify(err)
	}
	if n == 0 {
		return 0, ErrWouldBlock
	}
	return n, nil
}

func (s *gnetSocket) Send(p []byte) (int, error) {
	n, err := s.c.Write(p)
	if err != nil {
		return n, Classify(err)
	}
	return n, nil
}
