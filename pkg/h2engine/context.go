package h2engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/FumingPower3925/h2engine/internal/response"
	"github.com/FumingPower3925/h2engine/internal/stream"
)

// ErrAlreadyFlushed is returned when a response is written after the context
// handed its response to the connection.
var ErrAlreadyFlushed = errors.New("response already flushed")

type queueFunc func(status int, resp *response.Response) error

// Context is one request and the response being built for it. Handlers run on
// the connection's event loop and must not retain the Context after returning.
type Context struct {
	ctx      context.Context
	stream   *stream.Stream
	protocol string
	queue    queueFunc
	logger   *log.Logger

	status  int
	header  [][2]string
	body    bytes.Buffer
	values  map[string]any
	params  [][2]string
	flushed bool

	// compressLevel is the brotli quality, or -1 to send the body as is.
	compressLevel   int
	compressMinSize int
}

func newContext(ctx context.Context, s *stream.Stream, protocol string, queue queueFunc) *Context {
	return &Context{
		ctx:           ctx,
		stream:        s,
		protocol:      protocol,
		queue:         queue,
		compressLevel: -1,
	}
}

// Context returns the request's context.Context.
func (c *Context) Context() context.Context { return c.ctx }

// StreamID returns the stream the request arrived on. HTTP/1.x requests are
// numbered per connection starting at 1.
func (c *Context) StreamID() uint32 { return c.stream.ID }

func (c *Context) Method() string    { return c.stream.Method }
func (c *Context) Path() string      { return c.stream.Path }
func (c *Context) Scheme() string    { return c.stream.Scheme }
func (c *Context) Authority() string { return c.stream.Authority }

// Protocol returns the connection protocol, "HTTP/1.1" or "HTTP/2".
func (c *Context) Protocol() string { return c.protocol }

// Header returns the first value of the named request header.
func (c *Context) Header(name string) string { return c.stream.Get(strings.ToLower(name)) }

// Headers returns all request header fields with lowercased names.
func (c *Context) Headers() [][2]string { return c.stream.Header }

// Body returns the request body.
func (c *Context) Body() []byte { return c.stream.Body.Bytes() }

// Param returns a path parameter captured by the Router.
func (c *Context) Param(name string) string {
	for _, p := range c.params {
		if p[0] == name {
			return p[1]
		}
	}
	return ""
}

// Set stores a request-scoped value.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any, 4)
	}
	c.values[key] = value
}

// Get returns a value stored with Set.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Status returns the response status, 0 until one is set.
func (c *Context) Status() int { return c.status }

// SetStatus sets the response status code.
func (c *Context) SetStatus(code int) { c.status = code }

// SetHeader sets a response header, replacing earlier values of the same name.
func (c *Context) SetHeader(name, value string) {
	name = strings.ToLower(name)
	for i := range c.header {
		if c.header[i][0] == name {
			c.header[i][1] = value
			return
		}
	}
	c.header = append(c.header, [2]string{name, value})
}

// ResponseHeader returns the first value of the named response header.
func (c *Context) ResponseHeader(name string) string {
	name = strings.ToLower(name)
	for _, h := range c.header {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

// Write appends p to the response body.
func (c *Context) Write(p []byte) (int, error) {
	if c.flushed {
		return 0, ErrAlreadyFlushed
	}
	return c.body.Write(p)
}

// WriteString appends s to the response body.
func (c *Context) WriteString(s string) (int, error) {
	if c.flushed {
		return 0, ErrAlreadyFlushed
	}
	return c.body.WriteString(s)
}

// String writes a formatted text/plain response.
func (c *Context) String(status int, format string, args ...any) error {
	c.reset(status)
	c.SetHeader("content-type", "text/plain; charset=utf-8")
	if len(args) == 0 {
		_, err := c.WriteString(format)
		return err
	}
	_, err := fmt.Fprintf(&c.body, format, args...)
	return err
}

// Data writes a response with the given content type.
func (c *Context) Data(status int, contentType string, data []byte) error {
	c.reset(status)
	if contentType != "" {
		c.SetHeader("content-type", contentType)
	}
	_, err := c.Write(data)
	return err
}

// JSON writes v encoded as JSON.
func (c *Context) JSON(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return c.Data(status, "application/json", data)
}

// NoContent writes a response without a body.
func (c *Context) NoContent(status int) error {
	c.reset(status)
	return nil
}

// Error writes status with its standard reason phrase as the body.
func (c *Context) Error(status int) error {
	return c.String(status, "%s", http.StatusText(status))
}

// Written reports whether a status or body has been produced.
func (c *Context) Written() bool {
	return c.status != 0 || c.body.Len() > 0
}

func (c *Context) reset(status int) {
	c.status = status
	c.body.Reset()
}

// flush hands the response to the connection. It runs once per request.
func (c *Context) flush() error {
	if c.flushed {
		return nil
	}
	c.flushed = true
	if c.status == 0 {
		c.status = http.StatusOK
	}

	body := bytes.Clone(c.body.Bytes())
	if c.shouldCompress(len(body)) {
		resp, err := response.NewCompressed(body, c.compressLevel, c.header...)
		if err == nil {
			return c.queue(c.status, resp)
		}
	}
	return c.queue(c.status, response.New(body, c.header...))
}

func (c *Context) shouldCompress(n int) bool {
	if c.compressLevel < 0 || n < c.compressMinSize || n == 0 {
		return false
	}
	if c.ResponseHeader("content-encoding") != "" {
		return false
	}
	return stream.BodyAllowed(c.Method(), c.status)
}
