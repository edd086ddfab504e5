// Package h2 implements the HTTP/2 protocol session that a multiplexed
// connection feeds its input to and encodes its output from.
package h2

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2"

	"github.com/FumingPower3925/h2engine/internal/buffer"
	"github.com/FumingPower3925/h2engine/internal/conn"
	"github.com/FumingPower3925/h2engine/internal/date"
	"github.com/FumingPower3925/h2engine/internal/response"
	"github.com/FumingPower3925/h2engine/internal/stream"
)

const verboseLogging = false

// maxWindow is the largest legal flow-control window.
const maxWindow = 1<<31 - 1

var (
	// ErrNoHandler is returned when a session is created without a handler.
	ErrNoHandler = errors.New("h2: connection has no stream handler")

	errDestroyed  = errors.New("h2: session destroyed")
	errNoShutdown = errors.New("h2: no shutdown frame prepared")
)

// Config holds the settings a session advertises and enforces.
type Config struct {
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	HeaderTableSize      uint32
}

// DefaultConfig returns the RFC 7540 defaults with a 100 stream limit.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStreams: 100,
		InitialWindowSize:    65535,
		MaxFrameSize:         defaultMaxFrameSize,
		HeaderTableSize:      4096,
	}
}

// Validate checks the settings against their legal ranges.
func (c Config) Validate() error {
	if c.MaxConcurrentStreams == 0 {
		return fmt.Errorf("h2: max concurrent streams must be positive")
	}
	if c.InitialWindowSize > maxWindow {
		return fmt.Errorf("h2: initial window size %d exceeds %d", c.InitialWindowSize, maxWindow)
	}
	if c.MaxFrameSize < defaultMaxFrameSize || c.MaxFrameSize > 1<<24-1 {
		return fmt.Errorf("h2: max frame size %d out of range", c.MaxFrameSize)
	}
	return nil
}

type goAway struct {
	lastStreamID uint32
	code         http2.ErrCode
}

// Session is the HTTP/2 framing engine of one connection.
type Session struct {
	c       *conn.Connection
	cfg     Config
	handler conn.Handler
	logger  *log.Logger
	streams *stream.Table

	in  bytes.Reader
	rf  *http2.Framer
	out bytes.Buffer
	fr  *http2.Framer
	dw  dataWriter
	enc *headerEncoder
	dec *headerDecoder

	prefaceDone  bool
	current      uint32
	lastClientID uint32

	block        []byte
	blockStream  uint32
	blockEnd     bool
	blockPrio    stream.Priority
	blockHasPrio bool

	peerMaxFrame   uint32
	peerInitWindow int32
	connSendWindow int32

	errCode    http2.ErrCode
	goAwaySent bool
	goAwayRecv bool
	shutdown   *goAway

	deferred  map[uint32]struct{}
	finished  []uint32
	destroyed bool
}

// New creates the session for c and queues the server SETTINGS.
func New(c *conn.Connection, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c.Handler() == nil {
		return nil, ErrNoHandler
	}
	s := &Session{
		c:              c,
		cfg:            cfg,
		handler:        c.Handler(),
		logger:         c.Logger(),
		streams:        stream.NewTable(),
		enc:            newHeaderEncoder(),
		dec:            newHeaderDecoder(cfg.HeaderTableSize),
		peerMaxFrame:   defaultMaxFrameSize,
		peerInitWindow: 65535,
		connSendWindow: 65535,
		deferred:       make(map[uint32]struct{}),
	}
	s.rf = http2.NewFramer(nil, &s.in)
	s.rf.SetMaxReadFrameSize(cfg.MaxFrameSize)
	s.fr = http2.NewFramer(&s.out, nil)

	settings := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: cfg.MaxConcurrentStreams},
		{ID: http2.SettingInitialWindowSize, Val: cfg.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: cfg.MaxFrameSize},
	}
	if cfg.HeaderTableSize != 4096 {
		settings = append(settings, http2.Setting{ID: http2.SettingHeaderTableSize, Val: cfg.HeaderTableSize})
	}
	if err := s.fr.WriteSettings(settings...); err != nil {
		return nil, fmt.Errorf("h2: server preface: %w", err)
	}
	return s, nil
}

// NewFactory returns a session factory for connections.
func NewFactory(cfg Config) conn.SessionFactory {
	return func(c *conn.Connection) (conn.Session, error) {
		s, err := New(c, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Feed decodes every complete frame in p.
func (s *Session) Feed(p []byte) (int, error) {
	if s.destroyed {
		return 0, errDestroyed
	}
	consumed := 0
	if !s.prefaceDone {
		n := min(len(p), len(conn.Preface))
		if string(p[:n]) != conn.Preface[:n] {
			s.errCode = http2.ErrCodeProtocol
			return 0, conn.ErrBadClientMagic
		}
		if n < len(conn.Preface) {
			return 0, nil
		}
		s.prefaceDone = true
		consumed = n
	}

	s.redispatch()
	for len(p)-consumed >= frameHeaderLen {
		rest := p[consumed:]
		length := frameLength(rest)
		if length > s.cfg.MaxFrameSize {
			s.errCode = http2.ErrCodeFrameSize
			return consumed, http2.ConnectionError(http2.ErrCodeFrameSize)
		}
		total := frameHeaderLen + int(length)
		if len(rest) < total {
			break
		}

		s.in.Reset(rest[:total])
		f, err := s.rf.ReadFrame()
		consumed += total
		if err == nil {
			err = s.processFrame(f)
		}
		if err != nil {
			if err := s.handleError(err); err != nil {
				return consumed, err
			}
		}
		if s.destroyed {
			return consumed, errDestroyed
		}
	}
	return consumed, nil
}

// handleError resets the stream for stream errors and returns connection
// errors to the caller.
func (s *Session) handleError(err error) error {
	var se http2.StreamError
	if errors.As(err, &se) {
		if verboseLogging {
			s.logger.Printf("h2: stream %d reset: %v", se.StreamID, se)
		}
		s.resetStream(se.StreamID, se.Code)
		return nil
	}
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		s.errCode = http2.ErrCode(ce)
	} else {
		s.errCode = http2.ErrCodeProtocol
	}
	return err
}

func (s *Session) processFrame(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		return s.onSettings(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			return s.fr.WritePing(true, f.Data)
		}
	case *http2.WindowUpdateFrame:
		return s.onWindowUpdate(f)
	case *http2.HeadersFrame:
		return s.onHeaders(f)
	case *http2.ContinuationFrame:
		return s.onContinuation(f)
	case *http2.DataFrame:
		return s.onData(f)
	case *http2.RSTStreamFrame:
		s.streams.Delete(f.StreamID)
		delete(s.deferred, f.StreamID)
	case *http2.GoAwayFrame:
		s.goAwayRecv = true
	case *http2.PriorityFrame:
		if f.StreamDep == f.StreamID {
			return http2.StreamError{StreamID: f.StreamID, Code: http2.ErrCodeProtocol}
		}
		s.streams.SetPriority(f.StreamID, stream.FromParam(f.PriorityParam))
	case *http2.PushPromiseFrame:
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	return nil
}

func (s *Session) onSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	err := f.ForeachSetting(func(st http2.Setting) error {
		if err := st.Valid(); err != nil {
			return err
		}
		switch st.ID {
		case http2.SettingMaxFrameSize:
			s.peerMaxFrame = st.Val
		case http2.SettingInitialWindowSize:
			delta := int64(st.Val) - int64(s.peerInitWindow)
			overflow := false
			s.streams.ForEach(func(x *stream.Stream) {
				overflow = overflow || int64(x.SendWindow)+delta > maxWindow
			})
			if overflow {
				return http2.ConnectionError(http2.ErrCodeFlowControl)
			}
			s.peerInitWindow = int32(st.Val)
			s.streams.ForEach(func(x *stream.Stream) { x.SendWindow += int32(delta) })
		case http2.SettingHeaderTableSize:
			s.enc.enc.SetMaxDynamicTableSize(st.Val)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.fr.WriteSettingsAck()
}

func (s *Session) onWindowUpdate(f *http2.WindowUpdateFrame) error {
	inc := int64(f.Increment)
	if f.StreamID == 0 {
		if int64(s.connSendWindow)+inc > maxWindow {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		s.connSendWindow += int32(inc)
		return nil
	}
	st, ok := s.streams.Get(f.StreamID)
	if !ok {
		return nil
	}
	if int64(st.SendWindow)+inc > maxWindow {
		return http2.StreamError{StreamID: f.StreamID, Code: http2.ErrCodeFlowControl}
	}
	st.SendWindow += int32(inc)
	return nil
}

func (s *Session) onHeaders(f *http2.HeadersFrame) error {
	id := f.StreamID
	if st, ok := s.streams.Get(id); ok {
		if st.EndStream {
			return http2.StreamError{StreamID: id, Code: http2.ErrCodeStreamClosed}
		}
		if !f.StreamEnded() {
			return http2.StreamError{StreamID: id, Code: http2.ErrCodeProtocol}
		}
	} else {
		if err := validateStreamID(id, s.lastClientID); err != nil {
			if verboseLogging {
				s.logger.Printf("h2: %v", err)
			}
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		s.lastClientID = id
	}

	s.blockStream = id
	s.blockEnd = f.StreamEnded()
	s.blockPrio, s.blockHasPrio = stream.FromHeaders(f)
	s.block = append(s.block[:0], f.HeaderBlockFragment()...)
	if f.HeadersEnded() {
		return s.endHeaderBlock()
	}
	return nil
}

func (s *Session) onContinuation(f *http2.ContinuationFrame) error {
	if s.blockStream == 0 || f.StreamID != s.blockStream {
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	s.block = append(s.block, f.HeaderBlockFragment()...)
	if f.HeadersEnded() {
		return s.endHeaderBlock()
	}
	return nil
}

func (s *Session) endHeaderBlock() error {
	id, end := s.blockStream, s.blockEnd
	s.blockStream = 0
	fields, err := s.dec.decode(s.block)
	s.block = s.block[:0]
	if err != nil {
		return http2.ConnectionError(http2.ErrCodeCompression)
	}
	if s.blockHasPrio && s.blockPrio.StreamDependency == id {
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeProtocol}
	}

	if st, ok := s.streams.Get(id); ok {
		if err := validateTrailerHeaders(fields); err != nil {
			return http2.StreamError{StreamID: id, Code: http2.ErrCodeProtocol, Cause: err}
		}
		for _, f := range fields {
			st.AddHeader(f[0], f[1])
		}
		return s.endRequest(st)
	}

	if s.goAwaySent || s.streams.Len() >= int(s.cfg.MaxConcurrentStreams) {
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeRefusedStream}
	}
	head, err := validateRequestHeaders(fields)
	if err != nil {
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeProtocol, Cause: err}
	}
	st, err := s.streams.Open(id, head.method)
	if err != nil {
		return err
	}
	st.Path = head.path
	st.Scheme = head.scheme
	st.Authority = head.authority
	for _, f := range fields {
		if !strings.HasPrefix(f[0], ":") {
			st.AddHeader(f[0], f[1])
		}
	}
	st.SendWindow = s.peerInitWindow
	if s.blockHasPrio {
		s.streams.SetPriority(id, s.blockPrio)
	}
	if end {
		return s.endRequest(st)
	}
	return nil
}

func (s *Session) onData(f *http2.DataFrame) error {
	id := f.StreamID
	n := f.Length
	if n > 0 {
		if err := s.fr.WriteWindowUpdate(0, n); err != nil {
			return err
		}
	}
	st, ok := s.streams.Get(id)
	if !ok {
		if id > s.lastClientID {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeStreamClosed}
	}
	if st.EndStream {
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeStreamClosed}
	}
	st.Body.Write(f.Data())
	if f.StreamEnded() {
		return s.endRequest(st)
	}
	if n > 0 {
		return s.fr.WriteWindowUpdate(id, n)
	}
	return nil
}

// endRequest marks the request complete and hands it to the handler.
func (s *Session) endRequest(st *stream.Stream) error {
	st.EndStream = true
	if err := validateContentLength(st.Header, st.Body.Len()); err != nil {
		return http2.StreamError{StreamID: st.ID, Code: http2.ErrCodeProtocol, Cause: err}
	}
	s.dispatch(st)
	return nil
}

// dispatch runs the handler with st as the current stream. A handler that
// suspends the stream is dispatched again once the stream is resumed.
func (s *Session) dispatch(st *stream.Stream) {
	s.current = st.ID
	s.handler.ServeStream(s.c, st)
	if _, ok := s.streams.Get(st.ID); !ok || st.Response != nil {
		return
	}
	if st.State == stream.StateSuspended {
		s.deferred[st.ID] = struct{}{}
		return
	}
	s.logger.Printf("h2: stream %d: handler returned without a response", st.ID)
	if err := st.Bind(response.New(nil), http.StatusInternalServerError); err != nil {
		s.resetStream(st.ID, http2.ErrCodeInternal)
		return
	}
	if err := s.BuildHeaders(st); err != nil {
		s.resetStream(st.ID, http2.ErrCodeInternal)
	}
}

// redispatch re-enters the handler for resumed streams that still lack a
// response.
func (s *Session) redispatch() {
	for id := range s.deferred {
		st, ok := s.streams.Get(id)
		if !ok {
			delete(s.deferred, id)
			continue
		}
		if st.State != stream.StateActive {
			continue
		}
		delete(s.deferred, id)
		if st.Response == nil {
			s.dispatch(st)
		}
	}
}

func (s *Session) resetStream(id uint32, code http2.ErrCode) {
	_ = s.fr.WriteRSTStream(id, code)
	s.streams.Delete(id)
	delete(s.deferred, id)
}

// BuildHeaders encodes the response header block of st.
func (s *Session) BuildHeaders(st *stream.Stream) error {
	if st.Response == nil {
		return fmt.Errorf("h2: stream %d has no response", st.ID)
	}
	if st.HeadersSent {
		return fmt.Errorf("h2: headers already sent on stream %d", st.ID)
	}
	if st.Status < http.StatusOK {
		s.resetStream(st.ID, http2.ErrCodeInternal)
		return fmt.Errorf("h2: stream %d: status %d: %w", st.ID, st.Status, stream.ErrInformational)
	}

	respHeader := st.Response.Header()
	fields := make([][2]string, 0, len(respHeader)+3)
	fields = append(fields, [2]string{":status", strconv.Itoa(st.Status)})
	hasLength, hasDate := false, false
	for _, h := range respHeader {
		switch h[0] {
		case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			continue
		case "content-length":
			hasLength = true
		case "date":
			hasDate = true
		}
		fields = append(fields, h)
	}
	if !hasDate {
		fields = append(fields, [2]string{"date", date.String()})
	}
	if !hasLength && st.Status >= http.StatusOK && st.Status != http.StatusNoContent && st.Status != http.StatusNotModified {
		fields = append(fields, [2]string{"content-length", strconv.FormatInt(st.Response.TotalSize(), 10)})
	}

	block, err := s.enc.encode(fields)
	if err != nil {
		return err
	}
	end := st.Remaining() == 0
	if err := writeHeaderBlock(s.fr, st.ID, end, block, s.peerMaxFrame); err != nil {
		return err
	}
	st.HeadersSent = true
	if end {
		s.complete(st)
	}
	return nil
}

// EncodeInto moves queued frames into w, then produces DATA frames for
// streams with pending bodies within the flow-control windows.
func (s *Session) EncodeInto(w *buffer.WriteBuffer) error {
	if s.destroyed {
		return errDestroyed
	}
	s.redispatch()
	drained, err := s.copyOut(w)
	if err != nil || !drained {
		return err
	}
	for _, st := range s.streams.Pending() {
		if !st.HeadersSent {
			continue
		}
		more, err := s.encodeStream(w, st)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	s.sweep()
	return nil
}

// copyOut moves queued control and header frames into w. It reports whether
// all of them fit.
func (s *Session) copyOut(w *buffer.WriteBuffer) (bool, error) {
	if s.out.Len() == 0 {
		return true, nil
	}
	rerr := w.Reserve(min(s.out.Len(), s.chunkSize()))
	n := w.Append(s.out.Bytes())
	s.out.Next(n)
	if n == 0 && w.Len() == 0 {
		return false, fmt.Errorf("h2: no room for output: %w", rerr)
	}
	return s.out.Len() == 0, nil
}

// encodeStream writes DATA frames for st. It returns false once w is full.
func (s *Session) encodeStream(w *buffer.WriteBuffer, st *stream.Stream) (bool, error) {
	for st.Remaining() > 0 {
		size := int(min(st.Remaining(), int64(s.peerMaxFrame)))
		size = min(size, int(s.connSendWindow), int(st.SendWindow))
		if size <= 0 {
			return true, nil
		}
		_ = w.Reserve(frameHeaderLen + size)
		if room := w.Free() - frameHeaderLen; room < size {
			if room <= 0 {
				return false, nil
			}
			size = room
		}
		end := int64(size) == st.Remaining()
		if err := s.dw.framer(w).WriteData(st.ID, end, st.Response.Slice(st.WritePosition, size)); err != nil {
			return false, fmt.Errorf("h2: stream %d: %w", st.ID, err)
		}
		st.Advance(size)
		s.connSendWindow -= int32(size)
		st.SendWindow -= int32(size)
	}
	s.complete(st)
	return true, nil
}

func (s *Session) chunkSize() int {
	return frameHeaderLen + int(s.peerMaxFrame)
}

func (s *Session) complete(st *stream.Stream) {
	if st.Done {
		return
	}
	st.Done = true
	s.finished = append(s.finished, st.ID)
}

// sweep deletes streams whose response is fully encoded.
func (s *Session) sweep() {
	for _, id := range s.finished {
		s.streams.Delete(id)
		delete(s.deferred, id)
	}
	s.finished = s.finished[:0]
}

// WantsRead is false once either side sent GOAWAY and no streams remain.
func (s *Session) WantsRead() bool {
	if s.destroyed {
		return false
	}
	return !(s.goAwaySent || s.goAwayRecv) || s.streams.Len() > 0
}

// WantsWrite reports whether frames or stream bodies are waiting.
func (s *Session) WantsWrite() bool {
	if s.destroyed {
		return false
	}
	return s.out.Len() > 0 || len(s.finished) > 0 || len(s.streams.Pending()) > 0
}

// PrepareShutdown queues a GOAWAY naming lastStreamID with the error code of
// the last connection error.
func (s *Session) PrepareShutdown(lastStreamID uint32) {
	code := s.errCode
	if code == http2.ErrCodeNo {
		code = http2.ErrCodeProtocol
	}
	s.shutdown = &goAway{lastStreamID: lastStreamID, code: code}
	s.goAwaySent = true
}

// FlushShutdown encodes all queued frames followed by the prepared GOAWAY.
func (s *Session) FlushShutdown(w *buffer.WriteBuffer) error {
	if s.shutdown == nil {
		return errNoShutdown
	}
	if err := s.fr.WriteGoAway(s.shutdown.lastStreamID, s.shutdown.code, nil); err != nil {
		return err
	}
	s.shutdown = nil
	_, err := w.Write(s.out.Bytes())
	s.out.Reset()
	return err
}

// Shutdown queues a graceful GOAWAY. In-flight streams complete and no new
// streams are accepted.
func (s *Session) Shutdown() error {
	if s.goAwaySent || s.destroyed {
		return nil
	}
	s.goAwaySent = true
	return s.fr.WriteGoAway(s.streams.MaxAccepted(), http2.ErrCodeNo, nil)
}

// AcceptedMax returns the highest stream id opened.
func (s *Session) AcceptedMax() uint32 { return s.streams.MaxAccepted() }

// CurrentStreamID returns the stream last handed to the handler.
func (s *Session) CurrentStreamID() uint32 { return s.current }

// Streams returns the stream table.
func (s *Session) Streams() *stream.Table { return s.streams }

// Destroy releases every stream and its response.
func (s *Session) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.streams.Clear()
	s.deferred = nil
	s.finished = nil
	s.out.Reset()
	s.block = nil
}
