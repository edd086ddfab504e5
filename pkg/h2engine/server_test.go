package h2engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/FumingPower3925/h2engine/internal/conn"
	"github.com/FumingPower3925/h2engine/internal/socket"
)

type pipeSocket struct {
	in  bytes.Buffer
	out bytes.Buffer
}

func (p *pipeSocket) Recv(b []byte) (int, error) {
	if p.in.Len() == 0 {
		return 0, socket.ErrWouldBlock
	}
	return p.in.Read(b)
}

func (p *pipeSocket) Send(b []byte) (int, error) {
	return p.out.Write(b)
}

func newPipeConn(t *testing.T, s *Server) (*conn.Connection, *pipeSocket) {
	t.Helper()
	opts, err := s.connOptions()
	if err != nil {
		t.Fatalf("connOptions() error = %v", err)
	}
	sock := &pipeSocket{}
	return conn.New(1, sock, opts), sock
}

func drive(c *conn.Connection, sock *pipeSocket) {
	for i := 0; i < 32 && c.State() != conn.StateClosed; i++ {
		before := sock.out.Len()
		c.Serve()
		if sock.in.Len() == 0 && sock.out.Len() == before && c.Output().Len() == 0 {
			return
		}
	}
}

func TestNew(t *testing.T) {
	server := New(DefaultConfig())
	if server.Config().Addr != ":8080" {
		t.Errorf("Expected addr :8080, got %s", server.Config().Addr)
	}
}

func TestNewPanicsOnInvalidConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New() did not panic with both protocols disabled")
		}
	}()
	New(Config{})
}

func TestServer_Handler(t *testing.T) {
	server := NewWithDefaults()
	if server.Handler(HandlerFunc(func(ctx *Context) error { return nil })) != server {
		t.Error("Expected Handler to return server for chaining")
	}
	if server.handler == nil {
		t.Error("Expected handler to be set")
	}
}

func TestServer_StartWithoutHandler(t *testing.T) {
	if err := NewWithDefaults().Start(); !errors.Is(err, ErrNoHandler) {
		t.Errorf("Start() error = %v, want ErrNoHandler", err)
	}
}

func TestServer_StopBeforeStart(t *testing.T) {
	if err := NewWithDefaults().Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestServeHTTP1(t *testing.T) {
	s := NewWithDefaults().Handler(HandlerFunc(func(ctx *Context) error {
		return ctx.String(200, "%s %s via %s", ctx.Method(), ctx.Path(), ctx.Protocol())
	}))
	c, sock := newPipeConn(t, s)
	sock.in.WriteString("GET /a HTTP/1.1\r\nHost: x\r\n\r\n")
	drive(c, sock)

	out := sock.out.String()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(out, "GET /a via HTTP/1.1") {
		t.Errorf("response = %q", out)
	}
	if !strings.Contains(out, "content-type: text/plain; charset=utf-8\r\n") {
		t.Errorf("response missing content-type: %q", out)
	}
}

func TestServeHandlerErrorBecomes500(t *testing.T) {
	var logs bytes.Buffer
	cfg := DefaultConfig()
	cfg.Logger = log.New(&logs, "", 0)
	s := New(cfg).Handler(HandlerFunc(func(ctx *Context) error {
		return errors.New("db down")
	}))
	c, sock := newPipeConn(t, s)
	sock.in.WriteString("GET /users HTTP/1.1\r\nHost: x\r\n\r\n")
	drive(c, sock)

	if out := sock.out.String(); !strings.HasPrefix(out, "HTTP/1.1 500 ") || !strings.HasSuffix(out, "Internal Server Error") {
		t.Errorf("response = %q", out)
	}
	if !strings.Contains(logs.String(), "Handler error on GET /users: db down") {
		t.Errorf("log = %q", logs.String())
	}
}

func TestServeHTTP2(t *testing.T) {
	s := NewWithDefaults().Handler(HandlerFunc(func(ctx *Context) error {
		return ctx.Data(202, "text/plain", append([]byte("got "), ctx.Body()...))
	}))
	c, sock := newPipeConn(t, s)

	var hbuf bytes.Buffer
	enc := hpack.NewEncoder(&hbuf)
	for _, f := range [][2]string{{":method", "POST"}, {":scheme", "http"}, {":path", "/up"}, {":authority", "x"}} {
		_ = enc.WriteField(hpack.HeaderField{Name: f[0], Value: f[1]})
	}
	sock.in.WriteString(http2.ClientPreface)
	fr := http2.NewFramer(&sock.in, nil)
	_ = fr.WriteSettings()
	_ = fr.WriteHeaders(http2.HeadersFrameParam{StreamID: 1, BlockFragment: hbuf.Bytes(), EndHeaders: true})
	_ = fr.WriteData(1, true, []byte("body"))
	drive(c, sock)

	if c.Version() != conn.VersionMultiplexed {
		t.Fatalf("Version() = %s", c.Version())
	}
	rf := http2.NewFramer(nil, bytes.NewReader(sock.out.Bytes()))
	rf.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	var (
		status string
		data   []byte
	)
	for {
		f, err := rf.ReadFrame()
		if err != nil {
			break
		}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			status = f.PseudoValue("status")
		case *http2.DataFrame:
			data = append(data, f.Data()...)
		}
	}
	if status != "202" || string(data) != "got body" {
		t.Errorf("response = %s %q", status, data)
	}
}

func TestServeWithH2Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableH2 = false
	s := New(cfg).Handler(HandlerFunc(func(ctx *Context) error { return nil }))
	c, sock := newPipeConn(t, s)
	sock.in.WriteString(http2.ClientPreface)
	drive(c, sock)

	if c.State() != conn.StateClosed {
		t.Fatalf("State() = %s, want closed", c.State())
	}
	if _, err := c.Termination(); !errors.Is(err, conn.ErrProtocolDisabled) {
		t.Errorf("Termination() error = %v, want ErrProtocolDisabled", err)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("no loopback listener: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestServerEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("starts event loops")
	}
	cfg := DefaultConfig()
	cfg.Addr = freeAddr(t)
	cfg.Multicore = false
	cfg.ReusePort = false
	s := New(cfg).Handler(HandlerFunc(func(ctx *Context) error {
		return ctx.String(200, "hello over %s", ctx.Protocol())
	}))
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	if err := s.Start(); !errors.Is(err, ErrServerStarted) {
		t.Errorf("second Start() error = %v", err)
	}

	h2c := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	clients := []struct {
		name   string
		client *http.Client
		want   string
	}{
		{name: "http1", client: &http.Client{Timeout: 5 * time.Second}, want: "hello over HTTP/1.1"},
		{name: "h2c", client: &http.Client{Timeout: 5 * time.Second, Transport: h2c}, want: "hello over HTTP/2"},
	}

	for _, tc := range clients {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := tc.client.Get("http://" + cfg.Addr + "/")
			if err != nil {
				t.Fatalf("GET error = %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != 200 || string(body) != tc.want {
				t.Errorf("response = %d %q", resp.StatusCode, body)
			}
		})
	}
}
