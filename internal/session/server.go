package session

import (
	"errors"
	"sync"
	"time"

	"github.com/astra-zhao/FISCO-BCOS/internal/logging"
	"github.com/astra-zhao/FISCO-BCOS/internal/transport"
)

// acceptBackoff is how long the accept loop waits on the facade clock before
// retrying after a transient accept error.
const acceptBackoff = 100 * time.Millisecond

// Accept errors that end the loop instead of being retried.
var acceptTerminal = []error{
	transport.ErrConnectionClosed,
	transport.ErrNotInitialized,
	transport.ErrAcceptQueueFull,
	transport.ErrForeignSocket,
	transport.ErrStopped,
}

func isAcceptTerminal(err error) bool {
	for _, target := range acceptTerminal {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Server runs the one-at-a-time accept loop on a facade's acceptor and hands
// each inbound connection to a handler as a Session.
type Server struct {
	io      transport.AsyncIO
	log     *logging.Logger
	handler func(*Session)

	mu       sync.Mutex
	opts     []Option
	accepted int
	stopped  bool
}

// NewServer creates a Server. opts are applied to every accepted Session.
func NewServer(io transport.AsyncIO, log *logging.Logger, handler func(*Session), opts ...Option) *Server {
	return &Server{io: io, log: log, opts: opts, handler: handler}
}

// Start registers the first accept. The facade must be Init'ed.
func (srv *Server) Start() {
	srv.acceptNext()
}

// Stop ends the accept loop after the pending accept completes.
func (srv *Server) Stop() {
	srv.mu.Lock()
	srv.stopped = true
	srv.mu.Unlock()
}

// SetOptions replaces the options applied to sessions accepted from now on.
func (srv *Server) SetOptions(opts ...Option) {
	srv.mu.Lock()
	srv.opts = opts
	srv.mu.Unlock()
}

// Accepted returns how many connections were accepted.
func (srv *Server) Accepted() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.accepted
}

func (srv *Server) acceptNext() {
	srv.mu.Lock()
	stopped := srv.stopped
	srv.mu.Unlock()
	if stopped {
		return
	}

	sock := srv.io.NewSocket(transport.Endpoint{})
	srv.io.Accept(sock, func(err error) {
		if err != nil {
			if isAcceptTerminal(err) {
				srv.log.Debug().Err(err).Log("accept loop ended")
				return
			}
			srv.log.Warning().Err(err).Stringer("retry_in", acceptBackoff).Log("accept failed")
			srv.io.Wait(srv.io.NewTimer(acceptBackoff), nil, func(err error) {
				if err != nil {
					srv.log.Debug().Err(err).Log("accept loop ended during backoff")
					return
				}
				srv.acceptNext()
			})
			return
		}

		srv.mu.Lock()
		srv.accepted++
		opts := append([]Option{WithLogger(srv.log)}, srv.opts...)
		srv.mu.Unlock()
		srv.log.Info().Str("remote", sock.RemoteEndpoint().String()).Log("accepted")

		srv.handler(New(srv.io, sock, opts...))
		srv.acceptNext()
	})
}

// Echo is a handler that writes back everything it reads.
func Echo(s *Session) {
	s.Start(func(b []byte) {
		s.Send(b) //nolint:errcheck
	})
}
