package h1

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/FumingPower3925/h2engine/internal/conn"
	"github.com/FumingPower3925/h2engine/internal/date"
	"github.com/FumingPower3925/h2engine/internal/response"
	"github.com/FumingPower3925/h2engine/internal/stream"
)

const verboseLogging = false

// bodyChunk bounds the body bytes copied into the write buffer per write phase.
const bodyChunk = 64 << 10

var (
	errHeadTooLarge = errors.New("request head too large")
	errBodyTooLarge = errors.New("request body too large")
)

var continueLine = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// Config bounds what a single-stream connection accepts.
type Config struct {
	// MaxHeaderBytes caps the request line plus header fields.
	MaxHeaderBytes int
	// MaxBodyBytes caps a request body.
	MaxBodyBytes int64
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxHeaderBytes: 64 << 10,
		MaxBodyBytes:   8 << 20,
	}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.MaxHeaderBytes <= 0 {
		return fmt.Errorf("h1: MaxHeaderBytes must be positive, got %d", c.MaxHeaderBytes)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("h1: MaxBodyBytes must not be negative, got %d", c.MaxBodyBytes)
	}
	return nil
}

// NewFactory returns the builder installed as conn.Options.SingleStream.
func NewFactory(cfg Config) (func(*conn.Connection) conn.Protocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return func(*conn.Connection) conn.Protocol {
		return &Protocol{cfg: cfg, streams: stream.NewTable()}
	}, nil
}

// Protocol serves one request at a time. Pipelined requests stay in the read
// buffer until the response in progress has been encoded; request bodies are
// moved out of it as they arrive.
type Protocol struct {
	cfg     Config
	parser  Parser
	decoder BodyDecoder
	req     Request
	body    bytes.Buffer
	head    []byte
	streams *stream.Table
	next    uint32
	cur     *stream.Stream

	// closing is set once no further request will be read.
	closing   bool
	continued bool
	// inBody is set between a parsed head and the end of its body.
	inBody bool
}

// Version returns conn.VersionSingleStream.
func (p *Protocol) Version() conn.Version { return conn.VersionSingleStream }

// Streams returns the table holding the exchange in progress.
func (p *Protocol) Streams() *stream.Table { return p.streams }

// HandleRead reads from the socket.
func (p *Protocol) HandleRead(c *conn.Connection) {
	c.ReadSocket()
}

// HandleIdle parses the next request and dispatches it. It returns false when
// the input is malformed; the error response is then queued and the
// connection closes after it is written.
func (p *Protocol) HandleIdle(c *conn.Connection) bool {
	if p.cur != nil {
		if p.cur.Response == nil && p.cur.State == stream.StateActive {
			p.dispatch(c, p.cur)
		}
		return true
	}
	if p.closing {
		return true
	}

	in := c.Input()
	if !p.inBody {
		buf := in.Unread()
		if len(buf) == 0 {
			return true
		}
		p.parser.Reset(buf)
		complete, err := p.parser.ParseHead(&p.req)
		if err != nil {
			p.reject(c, http.StatusBadRequest, err)
			return false
		}
		if !complete {
			if len(buf) > p.cfg.MaxHeaderBytes {
				p.reject(c, http.StatusRequestHeaderFieldsTooLarge, errHeadTooLarge)
				return false
			}
			return true
		}
		if p.parser.Pos() > p.cfg.MaxHeaderBytes {
			p.reject(c, http.StatusRequestHeaderFieldsTooLarge, errHeadTooLarge)
			return false
		}
		if p.req.ContentLength > p.cfg.MaxBodyBytes {
			p.reject(c, http.StatusRequestEntityTooLarge, errBodyTooLarge)
			return false
		}
		in.Consume(p.parser.Pos())
		p.inBody = true
		p.body.Reset()
		p.decoder.Reset(&p.req)
	}

	// Body bytes leave the read buffer as soon as they are decoded.
	n, done, err := p.decoder.Decode(in.Unread(), &p.body)
	in.Consume(n)
	if err != nil {
		p.reject(c, http.StatusBadRequest, err)
		return false
	}
	if int64(p.body.Len()) > p.cfg.MaxBodyBytes {
		p.reject(c, http.StatusRequestEntityTooLarge, errBodyTooLarge)
		return false
	}
	if !done {
		if p.req.Expect100 && !p.continued {
			p.continued = true
			if _, err := c.Output().Write(continueLine); err == nil {
				c.SetInterest(conn.InterestWrite)
			}
		}
		return true
	}
	p.inBody = false

	s, err := p.open()
	if err != nil {
		c.Close(conn.TerminationWithError, fmt.Errorf("%w: %w", conn.ErrDecode, err))
		return false
	}
	c.Touch()
	p.continued = false

	if p.req.KeepAlive && c.Keepalive() != conn.KeepaliveClose {
		c.SetKeepalive(conn.KeepaliveUse)
	} else {
		c.SetKeepalive(conn.KeepaliveClose)
		p.closing = true
	}
	p.dispatch(c, s)
	return true
}

func (p *Protocol) open() (*stream.Stream, error) {
	p.next++
	s, err := p.streams.Open(p.next, p.req.Method)
	if err != nil {
		return nil, err
	}
	s.Path = p.req.Path
	s.Scheme = "http"
	s.Authority = p.req.Host
	s.Header = append([][2]string(nil), p.req.Header...)
	s.Body.Write(p.body.Bytes())
	s.EndStream = true
	p.cur = s
	return s, nil
}

func (p *Protocol) dispatch(c *conn.Connection, s *stream.Stream) {
	c.Handler().ServeStream(c, s)
	if c.State() != conn.StateActive || s.Response != nil || s.State == stream.StateSuspended {
		return
	}
	c.Logger().Printf("conn %d: %s %s: handler queued no response", c.ID(), s.Method, s.Path)
	if err := p.QueueResponse(c, http.StatusInternalServerError, response.New(nil)); err != nil {
		c.Close(conn.TerminationWithError, err)
	}
}

// reject answers malformed input and closes the connection once written.
func (p *Protocol) reject(c *conn.Connection, status int, err error) {
	if verboseLogging {
		c.Logger().Printf("conn %d: rejecting request: %v", c.ID(), err)
	}
	c.SetKeepalive(conn.KeepaliveClose)
	p.closing = true
	p.inBody = false
	p.req.Method = ""
	p.body.Reset()
	if _, oerr := p.open(); oerr != nil {
		c.Close(conn.TerminationWithError, fmt.Errorf("%w: %w", conn.ErrDecode, err))
		return
	}
	resp := response.NewString(http.StatusText(status), [2]string{"content-type", "text/plain; charset=utf-8"})
	if qerr := p.QueueResponse(c, status, resp); qerr != nil {
		c.Close(conn.TerminationWithError, fmt.Errorf("%w: %w", conn.ErrDecode, err))
		return
	}
	c.Input().Consume(c.Input().Len())
}

// QueueResponse binds resp to the exchange in progress and encodes the
// status line and header fields.
func (p *Protocol) QueueResponse(c *conn.Connection, status int, resp *response.Response) error {
	s := p.cur
	if s == nil {
		return conn.ErrNoSuchStream
	}
	if err := s.Bind(resp, status); err != nil {
		return err
	}
	if s.Status < http.StatusOK {
		err := fmt.Errorf("%w: status %d: %w", conn.ErrBuildHeaders, s.Status, stream.ErrInformational)
		c.Close(conn.TerminationWithError, err)
		return err
	}
	p.head = p.appendHead(p.head[:0], s, c.Keepalive() != conn.KeepaliveClose)
	if _, err := c.Output().Write(p.head); err != nil {
		return fmt.Errorf("%w: %w", conn.ErrBuildHeaders, err)
	}
	s.HeadersSent = true
	c.SetInterest(conn.InterestWrite)
	return nil
}

func (p *Protocol) appendHead(b []byte, s *stream.Stream, keepAlive bool) []byte {
	text := http.StatusText(s.Status)
	if text == "" {
		text = "status code " + strconv.Itoa(s.Status)
	}
	b = append(b, "HTTP/1.1 "...)
	b = strconv.AppendInt(b, int64(s.Status), 10)
	b = append(b, ' ')
	b = append(b, text...)
	b = append(b, crlf...)

	resp := s.Response
	for _, h := range resp.Header() {
		switch h[0] {
		case "connection", "keep-alive", "transfer-encoding", "proxy-connection", "upgrade":
			continue
		}
		b = appendField(b, h[0], h[1])
	}
	if _, ok := resp.Get("date"); !ok {
		b = append(b, "date: "...)
		b = date.Append(b)
		b = append(b, crlf...)
	}
	if _, ok := resp.Get("content-length"); !ok && s.Status >= http.StatusOK &&
		s.Status != http.StatusNoContent && s.Status != http.StatusNotModified {
		b = append(b, "content-length: "...)
		b = strconv.AppendInt(b, resp.TotalSize(), 10)
		b = append(b, crlf...)
	}
	if keepAlive {
		b = appendField(b, "connection", "keep-alive")
	} else {
		b = appendField(b, "connection", "close")
	}
	return append(b, crlf...)
}

func appendField(b []byte, name, value string) []byte {
	b = append(b, name...)
	b = append(b, ": "...)
	b = append(b, value...)
	return append(b, crlf...)
}

// HandleWrite flushes pending output, copies the next body chunk and closes
// the connection once a final response has been written.
func (p *Protocol) HandleWrite(c *conn.Connection) {
	if !c.Flush() {
		return
	}
	out := c.Output()
	if s := p.cur; s != nil && s.HeadersSent {
		if n := s.Remaining(); n > 0 && out.Len() < bodyChunk {
			if n > bodyChunk {
				n = bodyChunk
			}
			if err := out.Reserve(int(n)); err != nil {
				c.Close(conn.TerminationWithError, fmt.Errorf("%w: %w", conn.ErrEncode, err))
				return
			}
			s.Advance(out.Append(s.Response.Slice(s.WritePosition, int(n))))
		}
		if s.Remaining() == 0 {
			s.Done = true
			p.streams.Delete(s.ID)
			p.cur = nil
		}
	}

	if p.cur == nil && p.closing && out.Len() == 0 {
		c.Close(conn.TerminationCompletedOK, nil)
		return
	}
	in := conn.InterestRead
	if out.Len() > 0 {
		in = conn.InterestWrite
	}
	c.Touch()
	c.SetInterest(in)
}

// Drain stops reading further requests. The connection closes once the
// exchange in progress has been written.
func (p *Protocol) Drain(c *conn.Connection) {
	p.closing = true
	if p.cur == nil && c.Output().Len() == 0 {
		c.Close(conn.TerminationCompletedOK, nil)
	}
}

// Close drops the exchange in progress.
func (p *Protocol) Close(*conn.Connection) {
	p.streams.Clear()
	p.cur = nil
}
