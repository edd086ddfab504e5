// Package engine runs connections on gnet event loops. It is the readiness
// scheduler the connection state machine reports its interest to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/FumingPower3925/h2engine/internal/conn"
	"github.com/FumingPower3925/h2engine/internal/socket"
)

// verboseConnLogging gates per-connection logs on the hot path.
const verboseConnLogging = false

// maxRounds bounds the Serve rounds run for one traffic event.
const maxRounds = 64

// drainPoll is how often Stop checks for connections still draining.
const drainPoll = 10 * time.Millisecond

var (
	// ErrIdleTimeout is the close error of connections reaped by the idle sweep.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrNotStarted is returned by Stop before the engine booted.
	ErrNotStarted = errors.New("engine not started")
)

var serviceUnavailable = []byte("HTTP/1.1 503 Service Unavailable\r\n" +
	"content-type: text/plain\r\n" +
	"content-length: 19\r\n" +
	"connection: close\r\n" +
	"\r\n" +
	"Service Unavailable")

// Config configures the event loops and the connections they run.
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	// IdleTimeout closes connections without progress for this long. Zero
	// disables the sweep.
	IdleTimeout    time.Duration
	MaxConnections uint32
	TracerName     string
	Logger         *log.Logger
	// Conn is the template for every accepted connection. Scheduler, Observer
	// and Logger are set by the engine.
	Conn conn.Options
}

// silentGnetLogger discards gnet's own output.
type silentGnetLogger struct{}

func (silentGnetLogger) Debugf(string, ...any) {}
func (silentGnetLogger) Infof(string, ...any)  {}
func (silentGnetLogger) Warnf(string, ...any)  {}
func (silentGnetLogger) Errorf(string, ...any) {}
func (silentGnetLogger) Fatalf(string, ...any) {}

// record is the engine's per-connection state. It is reachable from both the
// gnet connection and the conn.Connection.
type record struct {
	gc   gnet.Conn
	conn *conn.Connection
	span trace.Span

	// progress counts socket reads and writes; it only changes on the loop.
	progress uint64
	inLoop   bool

	lastActive atomic.Int64
	idle       atomic.Bool
	// draining is set by Stop; the loop turns it into conn.Shutdown once.
	draining atomic.Bool
	drained  bool
}

func recordOf(c *conn.Connection) *record {
	rec, _ := c.Context.(*record)
	return rec
}

// Server is a gnet event handler driving conn.Connection state machines.
type Server struct {
	gnet.BuiltinEventEngine

	cfg    Config
	logger *log.Logger
	tracer trace.Tracer
	now    func() time.Time

	conns  sync.Map // gnet.Conn -> *record
	active atomic.Int32
	nextID atomic.Uint64

	engine  gnet.Engine
	booted  chan struct{}
	started atomic.Bool
}

// New creates an engine. It does not listen until Start.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.TracerName == "" {
		cfg.TracerName = "h2engine"
	}
	now := cfg.Conn.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer(cfg.TracerName),
		now:    now,
		booted: make(chan struct{}),
	}
}

// Start runs the event loops in the background and returns once they
// accept connections.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(silentGnetLogger{}),
		gnet.WithTicker(s.cfg.IdleTimeout > 0),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}

	errc := make(chan error, 1)
	go func() {
		errc <- gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
	}()

	select {
	case <-s.booted:
		s.logger.Printf("Server is listening on %s (multicore: %v)", s.cfg.Addr, s.cfg.Multicore)
		return nil
	case err := <-errc:
		return fmt.Errorf("engine: run on %s: %w", s.cfg.Addr, err)
	}
}

// Stop asks every connection to finish its in-flight requests, waits until
// they are gone or ctx is done, closes what remains and stops the event loops.
func (s *Server) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	s.drain()

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
wait:
	for s.active.Load() > 0 {
		select {
		case <-ctx.Done():
			break wait
		case <-ticker.C:
		}
	}
	s.conns.Range(func(key, _ any) bool {
		if gc, ok := key.(gnet.Conn); ok {
			_ = gc.Close()
		}
		return true
	})
	if err := s.engine.Stop(ctx); err != nil {
		s.logger.Printf("Error stopping gnet engine: %v", err)
		return err
	}
	return nil
}

// drain flags every connection for shutdown and wakes its loop.
func (s *Server) drain() {
	s.conns.Range(func(_, value any) bool {
		rec := value.(*record)
		if rec.draining.CompareAndSwap(false, true) {
			_ = rec.gc.Wake(nil)
		}
		return true
	})
}

// Active returns the number of open connections.
func (s *Server) Active() int { return int(s.active.Load()) }

// OnBoot records the engine handle.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	if s.started.CompareAndSwap(false, true) {
		close(s.booted)
	}
	return gnet.None
}

// OnOpen admits a connection or rejects it with 503 over the limit.
func (s *Server) OnOpen(gc gnet.Conn) ([]byte, gnet.Action) {
	if limit := s.cfg.MaxConnections; limit > 0 && uint32(s.active.Load()) >= limit {
		connectionsRejected.Inc()
		if verboseConnLogging {
			s.logger.Printf("Connection rejected from %s: too many connections (%d)", gc.RemoteAddr(), limit)
		}
		return serviceUnavailable, gnet.Close
	}

	rec := &record{gc: gc}
	opts := s.cfg.Conn
	opts.Scheduler = scheduler{}
	opts.Observer = observer{}
	opts.Logger = s.logger
	opts.Now = s.now
	c := conn.New(s.nextID.Add(1), socket.FromGnet(gc), opts)
	c.Context = rec
	rec.conn = c
	rec.lastActive.Store(s.now().UnixNano())
	_, rec.span = s.tracer.Start(context.Background(), "h2engine.connection",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.Int64("h2engine.connection.id", int64(c.ID()))),
	)
	if addr := gc.RemoteAddr(); addr != nil {
		rec.span.SetAttributes(attribute.String("net.peer.addr", addr.String()))
	}

	gc.SetContext(rec)
	s.conns.Store(gc, rec)
	s.active.Add(1)
	connectionsAccepted.Inc()
	connectionsActive.Inc()
	return nil, gnet.None
}

// OnTraffic runs Serve rounds until the connection stops making progress.
func (s *Server) OnTraffic(gc gnet.Conn) gnet.Action {
	rec, ok := gc.Context().(*record)
	if !ok {
		return gnet.Close
	}
	c := rec.conn
	rec.inLoop = true
	defer func() { rec.inLoop = false }()

	if rec.draining.Load() && !rec.drained {
		rec.drained = true
		c.Shutdown()
		if c.State() == conn.StateClosed {
			return gnet.Close
		}
	}

	for i := 0; ; i++ {
		before := rec.progress
		c.Serve()
		if c.State() == conn.StateClosed {
			return gnet.Close
		}
		if rec.progress == before && gc.InboundBuffered() == 0 {
			break
		}
		if i == maxRounds-1 {
			// Round budget spent; continue on the next loop iteration.
			_ = gc.Wake(nil)
			break
		}
	}
	rec.lastActive.Store(c.LastActivity().UnixNano())
	return gnet.None
}

// OnClose finishes the connection if the peer or the idle sweep ended it.
func (s *Server) OnClose(gc gnet.Conn, err error) gnet.Action {
	rec, ok := gc.Context().(*record)
	if !ok {
		return gnet.None
	}
	s.conns.Delete(gc)
	s.active.Add(-1)
	connectionsActive.Dec()

	c := rec.conn
	if c.State() != conn.StateClosed {
		switch {
		case rec.idle.Load():
			c.Close(conn.TerminationWithError, ErrIdleTimeout)
		case err != nil:
			c.Close(conn.TerminationWithError, fmt.Errorf("%w: %w", conn.ErrUnexpectedDisconnect, err))
		default:
			c.Close(conn.TerminationClientAbort, nil)
		}
	}
	if verboseConnLogging {
		s.logger.Printf("Connection %d closed (%d active)", c.ID(), s.active.Load())
	}
	return gnet.None
}

// OnTick closes connections idle for longer than the configured timeout.
func (s *Server) OnTick() (time.Duration, gnet.Action) {
	timeout := s.cfg.IdleTimeout
	if timeout <= 0 {
		return time.Second, gnet.None
	}
	s.sweep()
	delay := timeout / 2
	if delay < 10*time.Millisecond {
		delay = 10 * time.Millisecond
	}
	return delay, gnet.None
}

func (s *Server) sweep() {
	deadline := s.now().Add(-s.cfg.IdleTimeout).UnixNano()
	s.conns.Range(func(key, value any) bool {
		rec := value.(*record)
		if rec.lastActive.Load() < deadline && rec.idle.CompareAndSwap(false, true) {
			_ = rec.gc.Close()
		}
		return true
	})
}

// scheduler wakes the event loop when a connection raises write interest
// outside a traffic round.
type scheduler struct{}

func (scheduler) SetInterest(c *conn.Connection, in conn.Interest) {
	rec := recordOf(c)
	if rec == nil || rec.inLoop || in != conn.InterestWrite {
		return
	}
	_ = rec.gc.Wake(nil)
}
