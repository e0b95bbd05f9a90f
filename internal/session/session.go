// Package session is a stream session built on transport.AsyncIO: a read
// pump, an ordered write queue with one write in flight, and an idle timeout
// composed from a facade timer.
//
// All session state is touched only from the session's strand, so handlers
// delivered on different workers of a real backend never race.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/astra-zhao/FISCO-BCOS/internal/logging"
	"github.com/astra-zhao/FISCO-BCOS/internal/transport"
)

// DefaultReadBuffer is the size of each ReadSome buffer.
const DefaultReadBuffer = 4096

// ErrClosed is returned by Send after the session has closed.
var ErrClosed = errors.New("session: closed")

// Option configures a Session.
type Option func(*Session)

// WithIdleTimeout closes the session with transport.ErrTimeout when nothing
// is read for d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) { s.idle = d }
}

// WithReadBuffer sets the ReadSome buffer size.
func WithReadBuffer(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// WithStrand runs the session on st instead of a strand of its own.
func WithStrand(st *transport.Strand) Option {
	return func(s *Session) { s.st = st }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithWriteLimiter paces writes through lim, measuring time with now. Large
// sends are split into chunks no bigger than the burst. A nil now means
// time.Now; tests on the memory backend pass its virtual clock.
func WithWriteLimiter(lim *rate.Limiter, now func() time.Time) Option {
	return func(s *Session) {
		s.limiter = lim
		s.now = now
	}
}

// WithOnClose registers fn to receive the close cause, once. A nil cause
// means Close(nil) was called locally.
func WithOnClose(fn func(err error)) Option {
	return func(s *Session) { s.onClose = fn }
}

// Session owns one connected socket.
type Session struct {
	io      transport.AsyncIO
	sock    transport.Socket
	st      *transport.Strand
	log     *logging.Logger
	idle    time.Duration
	bufSize int
	onClose func(error)
	limiter *rate.Limiter
	now     func() time.Time

	// strand-confined
	onData    func([]byte)
	started   bool
	closed    bool
	outq      [][]byte
	writing   bool
	idleTimer transport.Timer
	paceTimer transport.Timer

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// New wraps a connected socket. Unless WithStrand is given the session gets
// a strand of its own on top of io.
func New(io transport.AsyncIO, sock transport.Socket, opts ...Option) *Session {
	s := &Session{
		io:      io,
		sock:    sock,
		bufSize: DefaultReadBuffer,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.st == nil {
		s.st = transport.NewStrand(io, s.log)
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.log = s.log.Clone().Str("remote", sock.RemoteEndpoint().String()).Logger()
	return s
}

// Socket returns the underlying socket.
func (s *Session) Socket() transport.Socket { return s.sock }

// Start begins reading. Every chunk read is passed to onData on the strand;
// the slice is owned by the callee.
func (s *Session) Start(onData func([]byte)) {
	s.st.Post(func() {
		if s.started || s.closed {
			return
		}
		s.started = true
		s.onData = onData
		s.armIdle()
		s.readNext()
	})
}

// Send queues b for writing. Writes go out one at a time in Send order.
func (s *Session) Send(b []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	chunks := s.split(append([]byte(nil), b...))
	s.st.Post(func() {
		if s.closed {
			return
		}
		s.outq = append(s.outq, chunks...)
		s.flush()
	})
	return nil
}

// split cuts b into pieces the limiter can ever grant.
func (s *Session) split(b []byte) [][]byte {
	if s.limiter == nil || s.limiter.Limit() == rate.Inf || s.limiter.Burst() <= 0 {
		return [][]byte{b}
	}
	n := s.limiter.Burst()
	var out [][]byte
	for len(b) > n {
		out = append(out, b[:n:n])
		b = b[n:]
	}
	return append(out, b)
}

// Close closes the session with cause err. Only the first cause is kept.
func (s *Session) Close(err error) {
	s.st.Post(func() { s.shutdown(err) })
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the close cause.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// BytesIn returns the number of bytes read so far.
func (s *Session) BytesIn() uint64 { return s.bytesIn.Load() }

// BytesOut returns the number of bytes written so far.
func (s *Session) BytesOut() uint64 { return s.bytesOut.Load() }

func (s *Session) readNext() {
	buf := make([]byte, s.bufSize)
	s.io.ReadSome(s.sock, buf, func(err error, n int) {
		s.st.Post(func() { s.onRead(buf, err, n) })
	})
}

func (s *Session) onRead(buf []byte, err error, n int) {
	if s.closed {
		return
	}
	if n > 0 {
		s.bytesIn.Add(uint64(n))
		s.armIdle()
		if s.onData != nil {
			s.onData(buf[:n])
		}
	}
	if err != nil {
		s.shutdown(err)
		return
	}
	if !s.closed {
		s.readNext()
	}
}

func (s *Session) flush() {
	if s.writing || len(s.outq) == 0 {
		return
	}
	s.writing = true
	chunk := s.outq[0]
	if s.limiter == nil {
		s.write(chunk)
		return
	}

	now := s.now()
	r := s.limiter.ReserveN(now, len(chunk))
	if !r.OK() {
		s.shutdown(fmt.Errorf("session: write of %d bytes exceeds limiter burst %d", len(chunk), s.limiter.Burst()))
		return
	}
	d := r.DelayFrom(now)
	if d <= 0 {
		s.write(chunk)
		return
	}
	t := s.io.NewTimer(d)
	s.paceTimer = t
	s.io.Wait(t, s.st, func(err error) {
		if s.paceTimer == t {
			s.paceTimer = nil
		}
		if err != nil || s.closed {
			return
		}
		s.write(chunk)
	})
}

func (s *Session) write(chunk []byte) {
	s.io.Write(s.sock, chunk, func(err error, n int) {
		s.st.Post(func() {
			s.writing = false
			if s.closed {
				return
			}
			if err != nil {
				s.shutdown(err)
				return
			}
			s.bytesOut.Add(uint64(n))
			s.outq[0] = nil
			s.outq = s.outq[1:]
			s.flush()
		})
	})
}

func (s *Session) armIdle() {
	if s.idle <= 0 {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Cancel()
	}
	t := s.io.NewTimer(s.idle)
	s.idleTimer = t
	s.io.Wait(t, s.st, func(err error) {
		if err != nil || s.closed || s.idleTimer != t {
			return
		}
		s.shutdown(fmt.Errorf("session: idle for %s: %w", s.idle, transport.ErrTimeout))
	})
}

func (s *Session) shutdown(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.outq = nil
	if s.idleTimer != nil {
		s.idleTimer.Cancel()
		s.idleTimer = nil
	}
	if s.paceTimer != nil {
		s.paceTimer.Cancel()
		s.paceTimer = nil
	}
	if cerr := s.sock.Close(); cerr != nil {
		s.log.Debug().Err(cerr).Log("socket close")
	}

	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })

	if err != nil {
		s.log.Info().Err(err).Uint64("in", s.bytesIn.Load()).Uint64("out", s.bytesOut.Load()).Log("session closed")
	}
	if s.onClose != nil {
		s.onClose(err)
	}
}
