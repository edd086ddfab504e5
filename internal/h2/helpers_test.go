package h2

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/FumingPower3925/h2engine/internal/conn"
	"github.com/FumingPower3925/h2engine/internal/socket"
)

// pipeSocket serves queued client bytes and collects server output. A
// non-zero maxRead caps the bytes returned by one Recv.
type pipeSocket struct {
	in      bytes.Buffer
	out     bytes.Buffer
	eof     bool
	maxRead int
}

func (p *pipeSocket) Recv(b []byte) (int, error) {
	if p.in.Len() == 0 {
		if p.eof {
			return 0, nil
		}
		return 0, socket.ErrWouldBlock
	}
	if p.maxRead > 0 && len(b) > p.maxRead {
		b = b[:p.maxRead]
	}
	return p.in.Read(b)
}

func (p *pipeSocket) Send(b []byte) (int, error) {
	return p.out.Write(b)
}

// client encodes frames the way an HTTP/2 client would.
type client struct {
	buf  bytes.Buffer
	fr   *http2.Framer
	hbuf bytes.Buffer
	enc  *hpack.Encoder
}

func newClient() *client {
	c := &client{}
	c.fr = http2.NewFramer(&c.buf, nil)
	c.enc = hpack.NewEncoder(&c.hbuf)
	return c
}

func (c *client) preface() *client {
	c.buf.WriteString(http2.ClientPreface)
	return c
}

func (c *client) block(t *testing.T, fields ...string) []byte {
	t.Helper()
	c.hbuf.Reset()
	for i := 0; i+1 < len(fields); i += 2 {
		if err := c.enc.WriteField(hpack.HeaderField{Name: fields[i], Value: fields[i+1]}); err != nil {
			t.Fatalf("hpack encode: %v", err)
		}
	}
	return append([]byte(nil), c.hbuf.Bytes()...)
}

func (c *client) headers(t *testing.T, id uint32, endStream bool, fields ...string) *client {
	t.Helper()
	err := c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: c.block(t, fields...),
		EndStream:     endStream,
		EndHeaders:    true,
	})
	if err != nil {
		t.Fatalf("WriteHeaders: %v", err)
	}
	return c
}

func (c *client) get(t *testing.T, id uint32, method string) *client {
	t.Helper()
	return c.headers(t, id, true, ":method", method, ":scheme", "https", ":path", "/", ":authority", "example.com")
}

// serverFrame is a decoded copy of one frame written by the server.
type serverFrame struct {
	typ    http2.FrameType
	stream uint32
	flags  http2.Flags
	data   []byte
	fields map[string]string
	code   http2.ErrCode
	last   uint32
	ack    bool
}

func readFrames(t *testing.T, b []byte) []serverFrame {
	t.Helper()
	fr := http2.NewFramer(nil, bytes.NewReader(b))
	fr.SetMaxReadFrameSize(1<<24 - 1)
	dec := hpack.NewDecoder(4096, nil)
	var (
		out   []serverFrame
		block []byte
	)
	decode := func() map[string]string {
		fields, err := dec.DecodeFull(block)
		if err != nil {
			t.Fatalf("decode server header block: %v", err)
		}
		m := make(map[string]string, len(fields))
		for _, f := range fields {
			m[f.Name] = f.Value
		}
		return m
	}

	for {
		f, err := fr.ReadFrame()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		h := f.Header()
		sf := serverFrame{typ: h.Type, stream: h.StreamID, flags: h.Flags}
		switch f := f.(type) {
		case *http2.DataFrame:
			sf.data = append([]byte(nil), f.Data()...)
		case *http2.HeadersFrame:
			block = append(block[:0], f.HeaderBlockFragment()...)
			if f.HeadersEnded() {
				sf.fields = decode()
			}
		case *http2.ContinuationFrame:
			block = append(block, f.HeaderBlockFragment()...)
			if f.HeadersEnded() {
				sf.fields = decode()
			}
		case *http2.RSTStreamFrame:
			sf.code = f.ErrCode
		case *http2.GoAwayFrame:
			sf.code = f.ErrCode
			sf.last = f.LastStreamID
		case *http2.SettingsFrame:
			sf.ack = f.IsAck()
		case *http2.PingFrame:
			sf.ack = f.IsAck()
			sf.data = append([]byte(nil), f.Data[:]...)
		}
		out = append(out, sf)
	}
}

func framesOf(frames []serverFrame, typ http2.FrameType) []serverFrame {
	var out []serverFrame
	for _, f := range frames {
		if f.typ == typ {
			out = append(out, f)
		}
	}
	return out
}

func newTestConn(handler conn.HandlerFunc, cfg Config) (*conn.Connection, *pipeSocket) {
	sock := &pipeSocket{}
	c := conn.New(1, sock, conn.Options{
		Handler:        handler,
		SessionFactory: NewFactory(cfg),
	})
	return c, sock
}

// run drives the connection until it closes or stops producing output.
func run(c *conn.Connection, sock *pipeSocket) {
	for i := 0; i < 16 && c.State() != conn.StateClosed; i++ {
		before := sock.out.Len()
		c.Serve()
		if sock.in.Len() == 0 && sock.out.Len() == before && c.State() != conn.StateClosed && c.Output().Len() == 0 {
			return
		}
	}
}
