package h2engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/FumingPower3925/h2engine/internal/conn"
	"github.com/FumingPower3925/h2engine/internal/date"
	"github.com/FumingPower3925/h2engine/internal/engine"
	"github.com/FumingPower3925/h2engine/internal/h1"
	"github.com/FumingPower3925/h2engine/internal/h2"
	"github.com/FumingPower3925/h2engine/internal/response"
	"github.com/FumingPower3925/h2engine/internal/stream"
)

var (
	// ErrNoHandler is returned by Start when no handler was set.
	ErrNoHandler = errors.New("handler not set")
	// ErrServerStarted is returned by a second Start.
	ErrServerStarted = errors.New("server already started")
)

// Server serves HTTP/1.1 and HTTP/2 connections with a Handler.
type Server struct {
	config  Config
	handler Handler

	mu       sync.Mutex
	engine   *engine.Server
	stopDate func()
}

// New creates a new Server with the provided configuration. It panics if the
// configuration is invalid.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &Server{config: config}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Config returns the normalized configuration.
func (s *Server) Config() Config { return s.config }

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// Use wraps the current handler with middlewares. The first middleware is
// the outermost.
func (s *Server) Use(middlewares ...Middleware) *Server {
	if s.handler != nil {
		s.handler = Chain(middlewares...)(s.handler)
	}
	return s
}

// ListenAndServe sets the handler and starts the server.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	return s.Start()
}

// Start binds the address and returns once the event loops accept
// connections.
func (s *Server) Start() error {
	if s.handler == nil {
		return ErrNoHandler
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return ErrServerStarted
	}

	opts, err := s.connOptions()
	if err != nil {
		return err
	}
	eng := engine.New(engine.Config{
		Addr:           s.config.Addr,
		Multicore:      s.config.Multicore,
		NumEventLoop:   s.config.NumEventLoop,
		ReusePort:      s.config.ReusePort,
		IdleTimeout:    s.config.IdleTimeout,
		MaxConnections: s.config.MaxConnections,
		TracerName:     s.config.TracerName,
		Logger:         s.config.Logger,
		Conn:           opts,
	})

	stopDate := date.StartTicker()
	if err := eng.Start(); err != nil {
		stopDate()
		return err
	}
	s.engine = eng
	s.stopDate = stopDate
	return nil
}

// Stop closes every connection and stops the event loops.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return nil
	}
	err := s.engine.Stop(ctx)
	s.stopDate()
	s.engine = nil
	return err
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return 0
	}
	return s.engine.Active()
}

func (s *Server) connOptions() (conn.Options, error) {
	opts := conn.Options{
		ReadIncrement: s.config.ReadBufferIncrement,
		MemoryLimit:   s.config.ConnectionMemoryLimit,
		Handler:       conn.HandlerFunc(s.serveStream),
	}
	if s.config.EnableH1 {
		single, err := h1.NewFactory(h1.Config{
			MaxHeaderBytes: s.config.MaxHeaderBytes,
			MaxBodyBytes:   s.config.MaxBodyBytes,
		})
		if err != nil {
			return conn.Options{}, fmt.Errorf("http/1 config: %w", err)
		}
		opts.SingleStream = single
	}
	if s.config.EnableH2 {
		cfg := h2.DefaultConfig()
		cfg.MaxConcurrentStreams = s.config.MaxConcurrentStreams
		cfg.MaxFrameSize = s.config.MaxFrameSize
		cfg.InitialWindowSize = s.config.InitialWindowSize
		if err := cfg.Validate(); err != nil {
			return conn.Options{}, fmt.Errorf("http/2 config: %w", err)
		}
		opts.SessionFactory = h2.NewFactory(cfg)
	}
	return opts, nil
}

// serveStream runs the handler for one decoded request and queues what it
// produced. A handler error without a response becomes a 500.
func (s *Server) serveStream(c *conn.Connection, st *stream.Stream) {
	queue := func(status int, resp *response.Response) error {
		return c.QueueResponse(status, resp)
	}
	ctx := newContext(context.Background(), st, c.Version().String(), queue)
	ctx.logger = s.config.Logger

	if err := s.handler.Serve(ctx); err != nil {
		s.config.Logger.Printf("Handler error on %s %s: %v", st.Method, st.Path, err)
		if !ctx.Written() {
			_ = ctx.Error(500)
		}
	}
	if err := ctx.flush(); err != nil {
		s.config.Logger.Printf("Error queueing response for stream %d: %v", st.ID, err)
	}
}
