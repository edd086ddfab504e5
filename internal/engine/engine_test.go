package engine

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/panjf2000/gnet/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/FumingPower3925/h2engine/internal/conn"
	"github.com/FumingPower3925/h2engine/internal/h1"
	"github.com/FumingPower3925/h2engine/internal/h2"
	"github.com/FumingPower3925/h2engine/internal/response"
	"github.com/FumingPower3925/h2engine/internal/stream"
)

// fakeGnetConn implements the parts of gnet.Conn the engine touches.
type fakeGnetConn struct {
	gnet.Conn
	in     bytes.Buffer
	out    bytes.Buffer
	ctx    any
	closed bool
	wakes  int
}

func (f *fakeGnetConn) Read(p []byte) (int, error)    { return f.in.Read(p) }
func (f *fakeGnetConn) InboundBuffered() int          { return f.in.Len() }
func (f *fakeGnetConn) Write(p []byte) (int, error)   { return f.out.Write(p) }
func (f *fakeGnetConn) Context() any                  { return f.ctx }
func (f *fakeGnetConn) SetContext(ctx any)            { f.ctx = ctx }
func (f *fakeGnetConn) Close() error                  { f.closed = true; return nil }
func (f *fakeGnetConn) Wake(gnet.AsyncCallback) error { f.wakes++; return nil }

func (f *fakeGnetConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (f *fakeGnetConn) connection() *conn.Connection {
	return f.ctx.(*record).conn
}

func hello(c *conn.Connection, s *stream.Stream) {
	_ = c.QueueResponse(200, response.NewString("hello"))
}

func newTestServer(t *testing.T, cfg Config, handler conn.HandlerFunc) *Server {
	t.Helper()
	single, err := h1.NewFactory(h1.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	cfg.Conn.Handler = handler
	cfg.Conn.SingleStream = single
	cfg.Conn.SessionFactory = h2.NewFactory(h2.DefaultConfig())
	return New(cfg)
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr
}

func TestHTTP1Traffic(t *testing.T) {
	sr := recordSpans(t)
	s := newTestServer(t, Config{}, hello)
	accepted := testutil.ToFloat64(connectionsAccepted)
	completed := testutil.ToFloat64(connectionsClosed.WithLabelValues("completed"))
	read := testutil.ToFloat64(bytesRead)

	gc := &fakeGnetConn{}
	if out, action := s.OnOpen(gc); out != nil || action != gnet.None {
		t.Fatalf("OnOpen() = %q, %v", out, action)
	}
	if s.Active() != 1 {
		t.Errorf("Active() = %d, want 1", s.Active())
	}

	gc.in.WriteString("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if action := s.OnTraffic(gc); action != gnet.None {
		t.Fatalf("OnTraffic() = %v, want None for a keep-alive request", action)
	}
	if got := gc.out.String(); !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(got, "hello") {
		t.Errorf("response = %q", got)
	}

	gc.in.WriteString("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	if action := s.OnTraffic(gc); action != gnet.Close {
		t.Fatalf("OnTraffic() = %v, want Close after connection: close", action)
	}
	c := gc.connection()
	s.OnClose(gc, nil)

	if reason, err := c.Termination(); reason != conn.TerminationCompletedOK || err != nil {
		t.Errorf("Termination() = %s, %v", reason, err)
	}
	if s.Active() != 0 {
		t.Errorf("Active() = %d after close", s.Active())
	}
	if d := testutil.ToFloat64(connectionsAccepted) - accepted; d != 1 {
		t.Errorf("accepted delta = %v, want 1", d)
	}
	if d := testutil.ToFloat64(connectionsClosed.WithLabelValues("completed")) - completed; d != 1 {
		t.Errorf("completed delta = %v, want 1", d)
	}
	if testutil.ToFloat64(bytesRead) <= read {
		t.Error("bytes read counter did not move")
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d ended spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "h2engine.connection" || span.Status().Code != codes.Ok {
		t.Errorf("span = %s status %v", span.Name(), span.Status())
	}
	var version, termination string
	for _, kv := range span.Attributes() {
		switch kv.Key {
		case "net.protocol.version":
			version = kv.Value.AsString()
		case "h2engine.termination":
			termination = kv.Value.AsString()
		}
	}
	if version != "HTTP/1.1" || termination != "completed" {
		t.Errorf("span attributes: version %q termination %q", version, termination)
	}
	if len(span.Events()) == 0 || span.Events()[0].Name != "negotiated" {
		t.Errorf("span events = %v", span.Events())
	}
}

func TestHTTP2Traffic(t *testing.T) {
	s := newTestServer(t, Config{}, hello)
	gc := &fakeGnetConn{}
	s.OnOpen(gc)

	var hbuf bytes.Buffer
	enc := hpack.NewEncoder(&hbuf)
	for _, f := range [][2]string{{":method", "GET"}, {":scheme", "http"}, {":path", "/"}, {":authority", "x"}} {
		_ = enc.WriteField(hpack.HeaderField{Name: f[0], Value: f[1]})
	}
	gc.in.WriteString(http2.ClientPreface)
	fr := http2.NewFramer(&gc.in, nil)
	_ = fr.WriteSettings()
	_ = fr.WriteHeaders(http2.HeadersFrameParam{StreamID: 1, BlockFragment: hbuf.Bytes(), EndStream: true, EndHeaders: true})
	_ = fr.WriteGoAway(0, http2.ErrCodeNo, nil)

	if action := s.OnTraffic(gc); action != gnet.Close {
		t.Fatalf("OnTraffic() = %v, want Close once both sides are done", action)
	}
	c := gc.connection()
	if c.Version() != conn.VersionMultiplexed {
		t.Errorf("Version() = %s", c.Version())
	}
	if reason, _ := c.Termination(); reason != conn.TerminationCompletedOK {
		t.Errorf("Termination() = %s", reason)
	}

	rf := http2.NewFramer(nil, bytes.NewReader(gc.out.Bytes()))
	var data []byte
	for {
		f, err := rf.ReadFrame()
		if err != nil {
			break
		}
		if df, ok := f.(*http2.DataFrame); ok {
			data = append(data, df.Data()...)
		}
	}
	if string(data) != "hello" {
		t.Errorf("DATA = %q, want hello", data)
	}
	s.OnClose(gc, nil)
}

func TestOnOpenRejectsOverLimit(t *testing.T) {
	s := newTestServer(t, Config{MaxConnections: 1}, hello)
	rejected := testutil.ToFloat64(connectionsRejected)

	first := &fakeGnetConn{}
	if _, action := s.OnOpen(first); action != gnet.None {
		t.Fatalf("first OnOpen() action = %v", action)
	}
	out, action := s.OnOpen(&fakeGnetConn{})
	if action != gnet.Close || !bytes.HasPrefix(out, []byte("HTTP/1.1 503 ")) {
		t.Errorf("second OnOpen() = %q, %v; want 503 and Close", out, action)
	}
	if d := testutil.ToFloat64(connectionsRejected) - rejected; d != 1 {
		t.Errorf("rejected delta = %v, want 1", d)
	}

	// A rejected connection never got a record; closing it must not
	// disturb the count.
	s.OnClose(&fakeGnetConn{}, nil)
	if s.Active() != 1 {
		t.Errorf("Active() = %d, want 1", s.Active())
	}
}

func TestIdleSweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := Config{IdleTimeout: time.Second}
	cfg.Conn.Now = func() time.Time { return now }
	s := newTestServer(t, cfg, hello)

	idle, busy := &fakeGnetConn{}, &fakeGnetConn{}
	s.OnOpen(idle)
	now = now.Add(900 * time.Millisecond)
	s.OnOpen(busy)

	now = now.Add(500 * time.Millisecond)
	delay, action := s.OnTick()
	if action != gnet.None || delay != 500*time.Millisecond {
		t.Errorf("OnTick() = %v, %v", delay, action)
	}
	if !idle.closed || busy.closed {
		t.Fatalf("closed: idle=%v busy=%v", idle.closed, busy.closed)
	}

	c := idle.connection()
	s.OnClose(idle, nil)
	if reason, err := c.Termination(); reason != conn.TerminationWithError || !errors.Is(err, ErrIdleTimeout) {
		t.Errorf("Termination() = %s, %v; want idle timeout", reason, err)
	}
}

func TestOnCloseTermination(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		reason  conn.Termination
		wantErr error
	}{
		{name: "peer closed", reason: conn.TerminationClientAbort},
		{name: "transport error", err: errors.New("broken pipe"), reason: conn.TerminationWithError, wantErr: conn.ErrUnexpectedDisconnect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Config{}, hello)
			gc := &fakeGnetConn{}
			s.OnOpen(gc)
			c := gc.connection()
			s.OnClose(gc, tt.err)

			reason, err := c.Termination()
			if reason != tt.reason {
				t.Errorf("Termination() reason = %s, want %s", reason, tt.reason)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Termination() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestResumeOutsideTrafficWakesLoop(t *testing.T) {
	var held *stream.Stream
	s := newTestServer(t, Config{}, func(c *conn.Connection, st *stream.Stream) {
		if held == nil {
			held = st
			_ = c.SuspendStream(st.ID)
			return
		}
		_ = c.QueueResponse(200, response.NewString("late"))
	})
	gc := &fakeGnetConn{}
	s.OnOpen(gc)
	gc.in.WriteString("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	s.OnTraffic(gc)
	if gc.out.Len() != 0 || gc.wakes != 0 {
		t.Fatalf("output %q, wakes %d while suspended", gc.out.String(), gc.wakes)
	}

	if err := gc.connection().ResumeStream(held.ID); err != nil {
		t.Fatalf("ResumeStream() error = %v", err)
	}
	if gc.wakes != 1 {
		t.Errorf("wakes = %d, want 1", gc.wakes)
	}
	s.OnTraffic(gc)
	if !strings.HasSuffix(gc.out.String(), "late") {
		t.Errorf("response = %q", gc.out.String())
	}
}

func TestStopBeforeStart(t *testing.T) {
	s := New(Config{})
	if err := s.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop() error = %v, want ErrNotStarted", err)
	}
}

func TestDrain(t *testing.T) {
	t.Run("idle HTTP/1.1 connection", func(t *testing.T) {
		s := newTestServer(t, Config{}, hello)
		gc := &fakeGnetConn{}
		s.OnOpen(gc)
		gc.in.WriteString("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		if action := s.OnTraffic(gc); action != gnet.None {
			t.Fatalf("OnTraffic() = %v", action)
		}

		s.drain()
		s.drain()
		if gc.wakes != 1 {
			t.Errorf("wakes = %d, want 1", gc.wakes)
		}
		if action := s.OnTraffic(gc); action != gnet.Close {
			t.Errorf("OnTraffic() = %v, want Close while draining", action)
		}
		if reason, _ := gc.connection().Termination(); reason != conn.TerminationCompletedOK {
			t.Errorf("Termination() = %s", reason)
		}
	})

	t.Run("HTTP/2 connection sends GOAWAY", func(t *testing.T) {
		s := newTestServer(t, Config{}, hello)
		gc := &fakeGnetConn{}
		s.OnOpen(gc)
		gc.in.WriteString(http2.ClientPreface)
		_ = http2.NewFramer(&gc.in, nil).WriteSettings()
		if action := s.OnTraffic(gc); action != gnet.None {
			t.Fatalf("OnTraffic() = %v", action)
		}

		s.drain()
		if action := s.OnTraffic(gc); action != gnet.Close {
			t.Fatalf("OnTraffic() = %v, want Close once GOAWAY is out", action)
		}

		rf := http2.NewFramer(nil, bytes.NewReader(gc.out.Bytes()))
		var goAway *http2.GoAwayFrame
		for {
			f, err := rf.ReadFrame()
			if err != nil {
				break
			}
			if ga, ok := f.(*http2.GoAwayFrame); ok {
				goAway = ga
			}
		}
		if goAway == nil || goAway.ErrCode != http2.ErrCodeNo {
			t.Errorf("GOAWAY = %v, want NO_ERROR", goAway)
		}
	})
}
