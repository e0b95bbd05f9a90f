package session

import (
	"errors"
	"testing"
	"time"

	"github.com/astra-zhao/FISCO-BCOS/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var errPending = errors.New("handler not called")

// connectLoopback returns a MemoryIO and a socket connected to nothing, so
// everything written on it is read back from it.
func connectLoopback(t *testing.T) (*transport.MemoryIO, transport.Socket) {
	t.Helper()
	io := transport.NewMemory()
	sock := io.NewSocket(transport.Endpoint{})
	connErr := errPending
	io.Connect(sock, transport.Endpoint{Host: "10.9.9.9", Port: 1}, func(err error) { connErr = err })
	io.RunUntilIdle()
	require.NoError(t, connErr)
	return io, sock
}

func TestEchoAcrossMemoryNetwork(t *testing.T) {
	network := transport.NewMemoryNetwork()
	srvEP := transport.Endpoint{Host: "10.0.0.1", Port: 30300}

	srvIO := transport.NewMemory(transport.WithMemoryNetwork(network))
	require.NoError(t, srvIO.Init(srvEP.Host, srvEP.Port))
	srv := NewServer(srvIO, nil, Echo)
	srv.Start()

	cliIO := transport.NewMemory(transport.WithMemoryNetwork(network))
	sock := cliIO.NewSocket(srvEP)
	connErr := errPending
	cliIO.Connect(sock, srvEP, func(err error) { connErr = err })
	network.RunUntilIdle()
	require.NoError(t, connErr)
	require.Equal(t, 1, srv.Accepted())

	var got []byte
	cs := New(cliIO, sock)
	cs.Start(func(b []byte) { got = append(got, b...) })
	require.NoError(t, cs.Send([]byte("ping")))
	require.NoError(t, cs.Send([]byte("pong")))
	network.RunUntilIdle()

	assert.Equal(t, "pingpong", string(got))
	assert.Equal(t, uint64(8), cs.BytesOut())
	assert.Equal(t, uint64(8), cs.BytesIn())
	assert.Equal(t, 1, srvIO.Acceptor().Pending(), "accept loop re-armed")
}

func TestSendOrderPreserved(t *testing.T) {
	io, sock := connectLoopback(t)

	var got []byte
	s := New(io, sock, WithReadBuffer(2))
	s.Start(func(b []byte) { got = append(got, b...) })
	for _, chunk := range []string{"a", "bc", "def", "ghij"} {
		require.NoError(t, s.Send([]byte(chunk)))
	}
	io.RunUntilIdle()

	assert.Equal(t, "abcdefghij", string(got))
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	io, sock := connectLoopback(t)

	var causes []error
	s := New(io, sock, WithIdleTimeout(5*time.Second), WithOnClose(func(err error) { causes = append(causes, err) }))
	s.Start(nil)
	io.RunUntilIdle()

	io.Advance(4 * time.Second)
	select {
	case <-s.Done():
		t.Fatal("closed before the idle timeout")
	default:
	}

	io.Advance(time.Second)
	<-s.Done()
	require.Len(t, causes, 1)
	assert.ErrorIs(t, causes[0], transport.ErrTimeout)
	assert.ErrorIs(t, s.Err(), transport.ErrTimeout)
	assert.Equal(t, transport.Closed, sock.State())
}

func TestReadRearmsIdleTimer(t *testing.T) {
	io, sock := connectLoopback(t)
	ms := sock.(*transport.MemorySocket)

	s := New(io, sock, WithIdleTimeout(5*time.Second))
	s.Start(nil)
	io.RunUntilIdle()

	io.Advance(4 * time.Second)
	require.NoError(t, ms.Feed([]byte("keepalive")))
	io.RunUntilIdle()

	io.Advance(4 * time.Second)
	select {
	case <-s.Done():
		t.Fatal("read should have re-armed the idle timer")
	default:
	}
	io.Advance(time.Second)
	<-s.Done()
	assert.ErrorIs(t, s.Err(), transport.ErrTimeout)
	assert.Equal(t, uint64(len("keepalive")), s.BytesIn())
}

func TestPeerCloseEndsSession(t *testing.T) {
	io := transport.NewMemory()
	require.NoError(t, io.Init("10.0.0.1", 30300))

	sock := io.NewSocket(transport.Endpoint{})
	acceptErr := errPending
	io.Accept(sock, func(err error) { acceptErr = err })
	remote, err := io.SimulateInbound(transport.Endpoint{Host: "10.0.0.7", Port: 40000})
	require.NoError(t, err)
	io.RunUntilIdle()
	require.NoError(t, acceptErr)

	var closes int
	s := New(io, sock, WithOnClose(func(error) { closes++ }))
	s.Start(nil)
	io.RunUntilIdle()

	require.NoError(t, remote.Close())
	io.RunUntilIdle()
	<-s.Done()
	assert.ErrorIs(t, s.Err(), transport.ErrConnectionClosed)

	s.Close(nil)
	io.RunUntilIdle()
	assert.Equal(t, 1, closes)
	assert.ErrorIs(t, s.Send([]byte("late")), ErrClosed)
}

func TestLocalCloseKeepsNilCause(t *testing.T) {
	io, sock := connectLoopback(t)

	s := New(io, sock)
	s.Start(nil)
	s.Close(nil)
	io.RunUntilIdle()

	<-s.Done()
	assert.NoError(t, s.Err())
	assert.False(t, sock.IsConnected())
}

func TestServerStopsWhenFacadeStops(t *testing.T) {
	io := transport.NewMemory()
	require.NoError(t, io.Init("10.0.0.1", 30300))
	srv := NewServer(io, nil, Echo)
	srv.Start()
	require.Equal(t, 1, io.Acceptor().Pending())

	io.Stop()
	io.RunUntilIdle()
	assert.Equal(t, 0, io.Acceptor().Pending())
	assert.Equal(t, 0, srv.Accepted())
}

func TestWriteLimiterPacesOnVirtualClock(t *testing.T) {
	io, sock := connectLoopback(t)
	lim := rate.NewLimiter(rate.Limit(10), 10)

	var got []byte
	s := New(io, sock, WithWriteLimiter(lim, io.Now))
	s.Start(func(b []byte) { got = append(got, b...) })
	require.NoError(t, s.Send([]byte("0123456789abcdefghijKLMNO")))
	io.RunUntilIdle()
	assert.Equal(t, "0123456789", string(got), "first burst goes out at once")

	io.Advance(999 * time.Millisecond)
	assert.Len(t, got, 10)
	io.Advance(time.Millisecond)
	assert.Equal(t, "0123456789abcdefghij", string(got))

	io.Advance(500 * time.Millisecond)
	assert.Equal(t, "0123456789abcdefghijKLMNO", string(got))
	assert.Equal(t, uint64(25), s.BytesOut())
}

func TestCloseCancelsPacedWrite(t *testing.T) {
	io, sock := connectLoopback(t)
	lim := rate.NewLimiter(rate.Limit(1), 1)

	var got []byte
	s := New(io, sock, WithWriteLimiter(lim, io.Now))
	s.Start(func(b []byte) { got = append(got, b...) })
	require.NoError(t, s.Send([]byte("ab")))
	io.RunUntilIdle()
	require.Equal(t, "a", string(got))

	s.Close(nil)
	io.Advance(time.Minute)
	assert.Equal(t, "a", string(got))
	assert.Equal(t, uint64(1), s.BytesOut())
}

func TestServerSetOptions(t *testing.T) {
	io := transport.NewMemory(transport.WithAcceptBacklog(1))
	require.NoError(t, io.Init("10.0.0.1", 30300))

	var sessions []*Session
	srv := NewServer(io, nil, func(s *Session) { sessions = append(sessions, s); s.Start(nil) })
	srv.SetOptions(WithIdleTimeout(time.Second))
	srv.Start()

	_, err := io.SimulateInbound(transport.Endpoint{Host: "10.0.0.7", Port: 1})
	require.NoError(t, err)
	io.RunUntilIdle()
	require.Len(t, sessions, 1)

	io.Advance(time.Second)
	<-sessions[0].Done()
	assert.ErrorIs(t, sessions[0].Err(), transport.ErrTimeout)
}

func TestServerStopsOnFullAcceptQueue(t *testing.T) {
	io := transport.NewMemory(transport.WithAcceptBacklog(1))
	require.NoError(t, io.Init("10.0.0.1", 30300))
	var first error = errPending
	io.Accept(io.NewSocket(transport.Endpoint{}), func(err error) { first = err })

	srv := NewServer(io, nil, Echo)
	srv.Start()
	io.RunUntilIdle()
	assert.Equal(t, 1, io.Acceptor().Pending())
	assert.Equal(t, errPending, first)
	assert.Equal(t, 0, srv.Accepted())
}

// flakyAccept fails the first fails accepts with a transient error.
type flakyAccept struct {
	*transport.MemoryIO
	fails    int
	attempts int
}

func (f *flakyAccept) Accept(s transport.Socket, h transport.Handler) {
	f.attempts++
	if f.fails > 0 {
		f.fails--
		f.Post(func() { h(transport.ErrTimeout) })
		return
	}
	f.MemoryIO.Accept(s, h)
}

func TestServerBacksOffTransientAcceptErrors(t *testing.T) {
	io := &flakyAccept{MemoryIO: transport.NewMemory(), fails: 2}
	require.NoError(t, io.Init("10.0.0.1", 30300))
	srv := NewServer(io, nil, Echo)
	srv.Start()

	io.RunUntilIdle()
	assert.Equal(t, 1, io.attempts, "no retry before the backoff elapses")
	io.Advance(acceptBackoff)
	assert.Equal(t, 2, io.attempts)
	io.Advance(acceptBackoff)
	assert.Equal(t, 3, io.attempts)
	require.Equal(t, 1, io.Acceptor().Pending())

	_, err := io.SimulateInbound(transport.Endpoint{Host: "10.0.0.7", Port: 1})
	require.NoError(t, err)
	io.RunUntilIdle()
	assert.Equal(t, 1, srv.Accepted())
}

func TestServerBackoffEndsOnStop(t *testing.T) {
	io := &flakyAccept{MemoryIO: transport.NewMemory(), fails: 1}
	require.NoError(t, io.Init("10.0.0.1", 30300))
	srv := NewServer(io, nil, Echo)
	srv.Start()
	io.RunUntilIdle()

	io.Stop()
	io.Advance(time.Minute)
	assert.Equal(t, 1, io.attempts)
	assert.Equal(t, 0, srv.Accepted())
}
