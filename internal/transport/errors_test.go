package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		in   error
		kind error
	}{
		{syscall.ECONNREFUSED, ErrConnectionRefused},
		{&net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, ErrConnectionRefused},
		{io.EOF, ErrConnectionClosed},
		{io.ErrUnexpectedEOF, ErrConnectionClosed},
		{net.ErrClosed, ErrConnectionClosed},
		{syscall.ECONNRESET, ErrConnectionClosed},
		{os.ErrDeadlineExceeded, ErrTimeout},
		{context.DeadlineExceeded, ErrTimeout},
		{context.Canceled, ErrCancelled},
		{fmt.Errorf("wrapped: %w", ErrNotConnected), ErrNotConnected},
	} {
		got := classify(tc.in)
		assert.ErrorIs(t, got, tc.kind, "%v", tc.in)
		assert.ErrorIs(t, got, tc.in, "underlying error kept for %v", tc.in)
	}

	other := errors.New("something else")
	assert.Same(t, other, classify(other))
	assert.NoError(t, classify(nil))
}

func TestClassifyHandshake(t *testing.T) {
	err := classifyHandshake(errVerifyRejected)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.ErrorIs(t, err, errVerifyRejected)

	assert.ErrorIs(t, classifyHandshake(io.EOF), ErrConnectionClosed)
	assert.ErrorIs(t, classifyHandshake(errors.New("tls: odd")), ErrHandshakeFailed)
	assert.NoError(t, classifyHandshake(nil))
}

func TestOpError(t *testing.T) {
	assert.NoError(t, opError("read", Endpoint{}, nil))

	err := opError("write", Endpoint{Host: "10.0.0.1", Port: 30300}, ErrNotConnected)
	assert.EqualError(t, err, "write 10.0.0.1:30300: transport: socket not connected")
	assert.EqualError(t, opError("wait", Endpoint{}, ErrCancelled), "wait: transport: operation cancelled")
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("127.0.0.1:30300")
	assert.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "127.0.0.1", Port: 30300}, ep)

	ep, err = ParseEndpoint("[::1]:8545")
	assert.NoError(t, err)
	assert.Equal(t, "[::1]:8545", ep.String())

	_, err = ParseEndpoint("localhost")
	assert.Error(t, err)
	_, err = ParseEndpoint("localhost:70000")
	assert.Error(t, err)

	assert.True(t, Endpoint{}.IsZero())
	assert.Equal(t, Endpoint{Host: "10.1.2.3", Port: 9}, endpointFromAddr(&net.TCPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 9}))
}
