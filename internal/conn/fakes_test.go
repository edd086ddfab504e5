package conn

import (
	"bytes"
	"errors"

	"github.com/FumingPower3925/h2engine/internal/buffer"
	"github.com/FumingPower3925/h2engine/internal/socket"
	"github.com/FumingPower3925/h2engine/internal/stream"
)

// fakeSocket replays queued reads and records writes. A negative entry in
// sendPlan makes that Send call would-block.
type fakeSocket struct {
	reads    [][]byte
	eof      bool
	recvErr  error
	sendPlan []int
	sendErr  error
	out      bytes.Buffer
	recvs    int
	sends    int
}

func (s *fakeSocket) Recv(p []byte) (int, error) {
	s.recvs++
	if len(s.reads) == 0 {
		switch {
		case s.recvErr != nil:
			return 0, s.recvErr
		case s.eof:
			return 0, nil
		}
		return 0, socket.ErrWouldBlock
	}
	n := copy(p, s.reads[0])
	if n == len(s.reads[0]) {
		s.reads = s.reads[1:]
	} else {
		s.reads[0] = s.reads[0][n:]
	}
	return n, nil
}

func (s *fakeSocket) Send(p []byte) (int, error) {
	s.sends++
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	n := len(p)
	if len(s.sendPlan) > 0 {
		limit := s.sendPlan[0]
		s.sendPlan = s.sendPlan[1:]
		if limit < 0 {
			return 0, socket.ErrWouldBlock
		}
		n = min(n, limit)
	}
	s.out.Write(p[:n])
	return n, nil
}

// fakeSession consumes input according to consume and encodes output once.
type fakeSession struct {
	table      *stream.Table
	current    uint32
	consume    int // bytes consumed per Feed, -1 for all
	feedErr    error
	fed        [][]byte
	output     []byte
	encodeErr  error
	encodes    int
	wantsRead  bool
	wantsWrite bool
	buildErr   error
	built      []uint32
	shutdowns  []uint32
	destroyed  int
}

func newFakeSession() *fakeSession {
	return &fakeSession{table: stream.NewTable(), consume: -1, wantsRead: true}
}

func (s *fakeSession) Feed(p []byte) (int, error) {
	s.fed = append(s.fed, append([]byte(nil), p...))
	if s.feedErr != nil {
		return 0, s.feedErr
	}
	if s.consume < 0 || s.consume > len(p) {
		return len(p), nil
	}
	return s.consume, nil
}

func (s *fakeSession) EncodeInto(w *buffer.WriteBuffer) error {
	s.encodes++
	if s.encodeErr != nil {
		return s.encodeErr
	}
	if len(s.output) == 0 {
		return nil
	}
	if err := w.Reserve(len(s.output)); err != nil {
		return err
	}
	n := w.Append(s.output)
	s.output = s.output[n:]
	return nil
}

func (s *fakeSession) WantsRead() bool  { return s.wantsRead }
func (s *fakeSession) WantsWrite() bool { return s.wantsWrite || len(s.output) > 0 }

func (s *fakeSession) PrepareShutdown(lastStreamID uint32) {
	s.shutdowns = append(s.shutdowns, lastStreamID)
}

func (s *fakeSession) FlushShutdown(w *buffer.WriteBuffer) error {
	_, err := w.Write([]byte("GOAWAY"))
	return err
}

func (s *fakeSession) AcceptedMax() uint32     { return s.table.MaxAccepted() }
func (s *fakeSession) CurrentStreamID() uint32 { return s.current }
func (s *fakeSession) Streams() *stream.Table  { return s.table }

func (s *fakeSession) BuildHeaders(st *stream.Stream) error {
	if s.buildErr != nil {
		return s.buildErr
	}
	s.built = append(s.built, st.ID)
	return nil
}

func (s *fakeSession) Destroy() {
	s.destroyed++
	s.table.Clear()
}

type recordingScheduler struct {
	interests []Interest
}

func (r *recordingScheduler) SetInterest(_ *Connection, in Interest) {
	r.interests = append(r.interests, in)
}

func (r *recordingScheduler) last() Interest {
	if len(r.interests) == 0 {
		return -1
	}
	return r.interests[len(r.interests)-1]
}

type recordingObserver struct {
	negotiated []Version
	read       int
	written    int
	closed     int
	reason     Termination
	err        error
}

func (o *recordingObserver) Negotiated(_ *Connection, v Version) {
	o.negotiated = append(o.negotiated, v)
}
func (o *recordingObserver) BytesRead(_ *Connection, n int)    { o.read += n }
func (o *recordingObserver) BytesWritten(_ *Connection, n int) { o.written += n }
func (o *recordingObserver) Closed(_ *Connection, t Termination, err error) {
	o.closed++
	o.reason = t
	o.err = err
}

var errBoom = errors.New("boom")

// newMultiplexedConn returns a connection with sess already installed.
func newMultiplexedConn(sock *fakeSocket, sess *fakeSession, opts Options) (*Connection, *recordingScheduler, *recordingObserver) {
	sched := &recordingScheduler{}
	obs := &recordingObserver{}
	opts.Scheduler = sched
	opts.Observer = obs
	if opts.ReadIncrement == 0 {
		opts.ReadIncrement = 64
	}
	opts.SessionFactory = func(*Connection) (Session, error) { return sess, nil }
	c := New(1, sock, opts)
	c.installMultiplexed()
	return c, sched, obs
}

// gracefulFakeSession adds the optional graceful shutdown capability.
type gracefulFakeSession struct {
	*fakeSession
	graceful    int
	shutdownErr error
}

func (s *gracefulFakeSession) Shutdown() error {
	s.graceful++
	s.wantsRead = false
	return s.shutdownErr
}
