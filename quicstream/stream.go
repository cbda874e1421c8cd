package quicstream

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// idleTimeoutErr is the error quic-go surfaces when a write times out purely
// from network inactivity; it is not worth logging as a stream failure.
var idleTimeoutErr = quic.IdleTimeoutError{}

// Stream wraps a quic.Stream so writes carry a deadline (a stalled peer must
// not hang the caller forever) and so every live stream holds a Register:
// closing it always drops that Register exactly once, keeping the
// connection's live-reference count accurate for heartbeat/idle decisions.
type Stream struct {
	lock         sync.Mutex
	stream       quic.Stream
	writeTimeout time.Duration
	log          *zerolog.Logger
	closing      atomic.Bool

	reg *Register
}

// NewStream wraps stream and adopts reg: Close will Drop it exactly once.
// Pass a nil reg for streams that don't participate in a connection's
// idle accounting.
func NewStream(stream quic.Stream, writeTimeout time.Duration, log *zerolog.Logger, reg *Register) *Stream {
	return &Stream{
		stream:       stream,
		writeTimeout: writeTimeout,
		log:          log,
		reg:          reg,
	}
}

func (s *Stream) Read(p []byte) (n int, err error) {
	return s.stream.Read(p)
}

func (s *Stream) Write(p []byte) (n int, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.writeTimeout > 0 {
		if err := s.stream.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil && s.log != nil {
			s.log.Err(err).Msg("error setting write deadline for quic stream")
		}
	}

	n, err = s.stream.Write(p)
	if err != nil {
		s.handleWriteError(err)
	}
	return n, err
}

// handleWriteError cancels the write side on a genuine timeout so its
// buffers are freed; it is a no-op once Close has already started.
func (s *Stream) handleWriteError(err error) {
	if s.closing.Load() {
		return
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if !errors.Is(netErr, &idleTimeoutErr) && s.log != nil {
			s.log.Error().Err(netErr).Msg("closing quic stream due to timeout while writing")
		}
		s.stream.CancelWrite(0)
	}
}

// Close tears down both directions of the stream and drops the held
// Register exactly once. Safe to call multiple times.
func (s *Stream) Close() error {
	if s.closing.CompareAndSwap(false, true) {
		if s.reg != nil {
			s.reg.Drop()
		}
	}

	_ = s.stream.SetWriteDeadline(time.Now())

	s.lock.Lock()
	defer s.lock.Unlock()

	s.stream.CancelRead(0)
	return s.stream.Close()
}

// CloseWrite half-closes the stream: no further writes, but reads still
// observe whatever the peer has in flight.
func (s *Stream) CloseWrite() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stream.Close()
}

func (s *Stream) SetDeadline(deadline time.Time) error {
	return s.stream.SetDeadline(deadline)
}

// Register returns the handle this stream holds, or nil if it was created
// without one.
func (s *Stream) Register() *Register {
	return s.reg
}
