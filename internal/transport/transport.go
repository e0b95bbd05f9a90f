// Package transport defines the asynchronous I/O facade used by the peer
// networking layer and provides implementations for production (TCP, TLS,
// worker pool) and testing (in-memory, single-threaded, virtual clock).
//
// Every operation takes a completion handler that the implementation invokes
// exactly once, whether the operation succeeds, fails, or is abandoned by
// Stop/Reset. Handlers never run inline from the call that registered them,
// unless a MemoryIO was built WithEagerCompletion.
package transport

import (
	"context"
	"crypto/x509"
	"time"
)

// Handler completes connect, accept, handshake and wait operations.
type Handler func(err error)

// IOHandler completes read and write operations with the number of bytes
// transferred.
type IOHandler func(err error, n int)

// VerifyCallback decides whether to trust a peer certificate chain.
// preverified reports the outcome of standard x509 verification.
type VerifyCallback func(preverified bool, ctx *VerifyContext) bool

// VerifyContext describes the peer chain presented during a handshake.
type VerifyContext struct {
	// Chain is the peer chain, leaf first. Empty for the in-memory backend.
	Chain []*x509.Certificate
	// Err is the x509 verification error, if any.
	Err error
	// Fingerprint is the BLAKE2b-256 digest of the leaf certificate DER.
	Fingerprint [32]byte
}

// HandshakeRole selects the TLS side a socket plays.
type HandshakeRole int

const (
	RoleClient HandshakeRole = iota
	RoleServer
)

func (r HandshakeRole) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// SocketState is the connection state of a Socket.
type SocketState int32

const (
	Unconnected SocketState = iota
	Connecting
	Connected
	Closed
)

func (s SocketState) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Socket is one connection endpoint. A Socket is owned by whoever asked the
// facade for it; the facade keeps it only while it is connected.
type Socket interface {
	State() SocketState
	IsConnected() bool
	LocalEndpoint() Endpoint
	RemoteEndpoint() Endpoint
	// Close moves the socket to Closed. Pending reads complete with
	// ErrConnectionClosed.
	Close() error
}

// Timer is a single-shot delay armed by AsyncIO.Wait.
type Timer interface {
	Expiry() time.Duration
	// Cancel stops an armed timer. It reports true if the pending wait will
	// now complete with ErrCancelled instead of success.
	Cancel() bool
}

// Acceptor is the listening endpoint that inbound sockets attach to.
type Acceptor interface {
	Endpoint() Endpoint
	// Pending returns the number of outstanding accept registrations.
	Pending() int
	Close() error
}

// Executor runs posted functions. Both backends implement it so a Strand can
// sit on top of either.
type Executor interface {
	Post(fn func())
}

// AsyncIO is the sole entry point for asynchronous network I/O. The session
// layer uses this interface exclusively so that tests can inject MemoryIO
// without real sockets, threads or TLS.
type AsyncIO interface {
	Executor

	// Init configures the listen endpoint and builds the acceptor and strand.
	Init(host string, port uint16) error
	// Run processes completions until Stop is called or ctx is done.
	Run(ctx context.Context) error
	// Stop closes the acceptor and live sockets and halts processing.
	Stop()
	// Reset prepares a stopped facade to Run again.
	Reset()

	NewSocket(remote Endpoint) Socket
	NewTimer(d time.Duration) Timer
	Acceptor() Acceptor
	Strand() *Strand

	Connect(s Socket, peer Endpoint, h Handler)
	Accept(s Socket, h Handler)
	Read(s Socket, buf []byte, h IOHandler)
	ReadSome(s Socket, buf []byte, h IOHandler)
	Write(s Socket, buf []byte, h IOHandler)
	Handshake(s Socket, role HandshakeRole, h Handler)
	// Wait arms t; its completion is posted through st, or through the
	// facade strand when st is nil.
	Wait(t Timer, st *Strand, h Handler)
	SetVerifyCallback(s Socket, cb VerifyCallback)
	StrandPost(fn func())
}
