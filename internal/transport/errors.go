package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Failure kinds delivered through handlers. Check with errors.Is.
var (
	ErrConnectionRefused = errors.New("transport: connection refused")
	ErrConnectionClosed  = errors.New("transport: connection closed")
	ErrTimeout           = errors.New("transport: timeout")
	ErrCancelled         = errors.New("transport: operation cancelled")
	ErrHandshakeFailed   = errors.New("transport: handshake failed")
	ErrNotConnected      = errors.New("transport: socket not connected")

	ErrAcceptQueueFull = errors.New("transport: accept queue full")
	ErrForeignSocket   = errors.New("transport: socket belongs to another backend")
	ErrNotInitialized  = errors.New("transport: facade not initialized")
	ErrTimerUsed       = errors.New("transport: timer already waited on")
	ErrStopped         = errors.New("transport: facade stopped")
)

// OpError is the error delivered to a handler when an operation fails.
type OpError struct {
	Op   string
	Addr Endpoint
	Err  error
}

func (e *OpError) Error() string {
	if e.Addr.IsZero() {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(op string, addr Endpoint, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Addr: addr, Err: err}
}

// classify maps an OS, net or tls error onto one of the failure kinds while
// keeping the underlying error reachable through errors.Is/As.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConnectionRefused), errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrCancelled),
		errors.Is(err, ErrHandshakeFailed), errors.Is(err, ErrNotConnected):
		return err
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNABORTED):
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func classifyHandshake(err error) error {
	if err == nil {
		return nil
	}
	var (
		recErr  tls.RecordHeaderError
		alert   tls.AlertError
		unknown x509.UnknownAuthorityError
		invalid x509.CertificateInvalidError
		host    x509.HostnameError
	)
	if errors.As(err, &recErr) || errors.As(err, &alert) || errors.As(err, &unknown) ||
		errors.As(err, &invalid) || errors.As(err, &host) || errors.Is(err, errVerifyRejected) {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if c := classify(err); c != err {
		return c
	}
	return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
}
