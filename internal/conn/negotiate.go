package conn

import "fmt"

// Preface is the client connection preface of the multiplexed protocol.
const Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// PrefaceMinLen is the shortest preface prefix accepted as a match. It is long
// enough that a single-stream parser never sees part of it as a line.
const PrefaceMinLen = 16

// Sniff classifies the opening bytes of a connection. decided is false while
// fewer than PrefaceMinLen bytes have arrived and they still match the preface.
func Sniff(b []byte) (v Version, decided bool) {
	n := len(b)
	switch {
	case n >= len(Preface):
		n = len(Preface)
	case n >= PrefaceMinLen:
		n = PrefaceMinLen
	}
	if string(b[:n]) != Preface[:n] {
		return VersionSingleStream, true
	}
	if n < PrefaceMinLen {
		return VersionUnknown, false
	}
	return VersionMultiplexed, true
}

// negotiate picks the protocol from the buffered bytes. It reports whether
// a protocol is installed.
func (c *Connection) negotiate() bool {
	v, decided := Sniff(c.rb.Unread())
	if !decided {
		return false
	}
	switch v {
	case VersionMultiplexed:
		c.installMultiplexed()
	default:
		c.installSingleStream()
	}
	return c.state == StateActive && c.proto != nil
}

func (c *Connection) installMultiplexed() {
	if c.opts.Encrypted && !c.tlsDone {
		panic(fmt.Sprintf("conn %d: multiplexed mode before TLS handshake", c.id))
	}
	if c.session != nil {
		panic(fmt.Sprintf("conn %d: protocol session already exists", c.id))
	}
	c.version = VersionMultiplexed
	c.keepalive = KeepaliveUse
	c.proto = multiplexed{}
	c.opts.Observer.Negotiated(c, c.version)

	if c.opts.SessionFactory == nil {
		c.Close(TerminationWithError, fmt.Errorf("%w: %s", ErrProtocolDisabled, c.version))
		return
	}
	s, err := c.opts.SessionFactory(c)
	if err != nil || s == nil {
		c.Close(TerminationWithError, fmt.Errorf("%w: %v", ErrSessionCreate, err))
		return
	}
	c.session = s
	c.SetInterest(InterestWrite)
}

func (c *Connection) installSingleStream() {
	c.version = VersionSingleStream
	c.opts.Observer.Negotiated(c, c.version)
	if c.opts.SingleStream == nil {
		c.Close(TerminationWithError, fmt.Errorf("%w: %s", ErrProtocolDisabled, c.version))
		return
	}
	c.proto = c.opts.SingleStream(c)
}
