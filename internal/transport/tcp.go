package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning is returned by TCPIO.Run when another Run is active.
var ErrAlreadyRunning = errors.New("transport: facade already running")

const (
	defaultThreads     = 1
	defaultDialTimeout = 10 * time.Second
)

// TCPOption configures a TCPIO.
type TCPOption func(*TCPIO)

// WithThreads sets how many workers Run starts to service completions.
func WithThreads(n int) TCPOption {
	return func(t *TCPIO) {
		if n > 0 {
			t.threads = n
		}
	}
}

// WithTLSConfig sets the configuration Handshake uses for both roles.
func WithTLSConfig(cfg *tls.Config) TCPOption {
	return func(t *TCPIO) { t.tlsConfig = cfg }
}

// WithDialTimeout bounds how long Connect waits for the peer.
func WithDialTimeout(d time.Duration) TCPOption {
	return func(t *TCPIO) { t.dialTimeout = d }
}

// WithTCPLogger sets the logger. A nil logger disables logging.
func WithTCPLogger(log *logiface.Logger[logiface.Event]) TCPOption {
	return func(t *TCPIO) { t.log = log }
}

// TCPIO is the production AsyncIO: OS sockets, crypto/tls, and a pool of
// workers that run completions. Blocking calls happen on their own goroutine
// and post their completion to the pool, so handlers for different sockets
// may run concurrently; use a Strand to serialize related handlers.
type TCPIO struct {
	threads     int
	tlsConfig   *tls.Config
	dialTimeout time.Duration
	log         *logiface.Logger[logiface.Event]
	q           *taskQueue
	serial      *Strand

	mu       sync.Mutex
	inited   bool
	listenEP Endpoint
	acceptor *tcpAcceptor
	strand   *Strand
	live     map[*tcpSocket]struct{}
	timers   map[*tcpTimer]struct{}
	running  bool
	stopped  bool
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

var _ AsyncIO = (*TCPIO)(nil)

// NewTCP creates a TCPIO. Call Init before accepting.
func NewTCP(opts ...TCPOption) *TCPIO {
	t := &TCPIO{
		threads:     defaultThreads,
		dialTimeout: defaultDialTimeout,
		q:           newTaskQueue(),
		live:        make(map[*tcpSocket]struct{}),
		timers:      make(map[*tcpTimer]struct{}),
		stopCh:      make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.log = t.log.Clone().Str("backend", "tcp").Logger()
	t.serial = NewStrand(t, t.log)
	return t
}

// Post queues fn for the workers.
func (t *TCPIO) Post(fn func()) {
	if fn == nil {
		return
	}
	t.q.push(fn)
}

// Pending returns the number of completions waiting for a worker.
func (t *TCPIO) Pending() int { return t.q.len() }

func (t *TCPIO) opContext() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

// Init opens the listener on host:port and builds the strand. Port 0 binds
// an ephemeral port; Acceptor().Endpoint() reports the one chosen.
func (t *TCPIO) Init(host string, port uint16) error {
	t.mu.Lock()
	old := t.acceptor
	t.acceptor = nil
	t.mu.Unlock()
	if old != nil {
		old.Close() //nolint:errcheck
	}

	lc := net.ListenConfig{Control: controlListener}
	want := Endpoint{Host: host, Port: port}
	ln, err := lc.Listen(t.opContext(), "tcp", want.String())
	if err != nil {
		return opError("listen", want, classify(err))
	}
	acc := &tcpAcceptor{ln: ln, ep: endpointFromAddr(ln.Addr())}
	if host != "" {
		acc.ep.Host = host
	}

	t.mu.Lock()
	t.inited = true
	t.listenEP = acc.ep
	t.acceptor = acc
	t.strand = t.serial
	t.mu.Unlock()

	t.log.Info().Str("listen", acc.ep.String()).Log("tcp facade listening")
	return nil
}

// Run starts the workers and blocks until Stop is called or ctx is done.
// Completions already queued when Stop is called still run before Run
// returns.
func (t *TCPIO) Run(ctx context.Context) error {
	t.mu.Lock()
	switch {
	case t.running:
		t.mu.Unlock()
		return ErrAlreadyRunning
	case t.stopped:
		t.mu.Unlock()
		return ErrStopped
	}
	t.running = true
	stopCh := t.stopCh
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	t.q.resume()
	var g errgroup.Group
	for i := 0; i < t.threads; i++ {
		g.Go(func() error {
			t.q.work(t.log)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			t.q.halt()
			return ctx.Err()
		case <-stopCh:
			return nil
		}
	})
	t.log.Debug().Int("threads", t.threads).Log("tcp facade running")
	return g.Wait()
}

// Stop closes the acceptor and live sockets, cancels in-flight connects,
// handshakes and armed timers, and lets the workers exit once the queue is
// empty. Until Reset, new connects, accepts and waits fail with ErrStopped.
// Calling it again has no further effect.
func (t *TCPIO) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.stopCh)
	t.cancel()
	socks := t.liveSockets()
	armed := t.armedTimers()
	acc := t.acceptor
	t.mu.Unlock()

	if acc != nil {
		acc.Close() //nolint:errcheck
	}
	for _, s := range socks {
		s.Close() //nolint:errcheck
	}
	for _, tm := range armed {
		tm.Cancel()
	}
	t.q.halt()
	t.log.Info().Int("sockets", len(socks)).Int("timers", len(armed)).Log("tcp facade stopped")
}

// Reset closes live sockets, cancels armed timers and re-opens the listener
// from the last Init so the facade can Run again after Stop.
func (t *TCPIO) Reset() {
	t.mu.Lock()
	socks := t.liveSockets()
	armed := t.armedTimers()
	if t.stopped {
		t.stopped = false
		t.stopCh = make(chan struct{})
		t.ctx, t.cancel = context.WithCancel(context.Background())
	}
	inited, ep := t.inited, t.listenEP
	t.mu.Unlock()

	for _, s := range socks {
		s.Close() //nolint:errcheck
	}
	for _, tm := range armed {
		tm.Cancel()
	}
	t.q.resume()
	if inited {
		if err := t.Init(ep.Host, ep.Port); err != nil {
			t.log.Err().Err(err).Log("tcp facade reset: re-init failed")
		}
	}
}

func (t *TCPIO) liveSockets() []*tcpSocket {
	socks := make([]*tcpSocket, 0, len(t.live))
	for s := range t.live {
		socks = append(socks, s)
	}
	return socks
}

func (t *TCPIO) armedTimers() []*tcpTimer {
	armed := make([]*tcpTimer, 0, len(t.timers))
	for tm := range t.timers {
		armed = append(armed, tm)
	}
	return armed
}

func (t *TCPIO) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *TCPIO) track(s *tcpSocket) {
	t.mu.Lock()
	t.live[s] = struct{}{}
	t.mu.Unlock()
}

func (t *TCPIO) untrack(s *tcpSocket) {
	t.mu.Lock()
	delete(t.live, s)
	t.mu.Unlock()
}

// ─── factories ───────────────────────────────────────────────────────────────

// NewSocket returns an unconnected socket. It does not touch the network.
func (t *TCPIO) NewSocket(remote Endpoint) Socket {
	return &tcpSocket{io: t, remote: remote}
}

// NewTimer returns an unarmed timer of duration d.
func (t *TCPIO) NewTimer(d time.Duration) Timer {
	return &tcpTimer{io: t, d: d}
}

// Acceptor returns the listener opened by Init, or nil before Init.
func (t *TCPIO) Acceptor() Acceptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.acceptor == nil {
		return nil
	}
	return t.acceptor
}

// Strand returns the facade strand built by Init, or nil before Init.
func (t *TCPIO) Strand() *Strand {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.strand
}

// StrandPost posts fn through the facade strand. Functions posted before
// Init are queued on the same strand Init later publishes, and run once Run
// starts.
func (t *TCPIO) StrandPost(fn func()) {
	t.serial.Post(fn)
}

func (t *TCPIO) socket(s Socket) (*tcpSocket, bool) {
	ts, ok := s.(*tcpSocket)
	if !ok || ts == nil || ts.io != t {
		return nil, false
	}
	return ts, true
}

// ─── operations ──────────────────────────────────────────────────────────────

// Connect dials peer on a separate goroutine and completes on a worker.
func (t *TCPIO) Connect(s Socket, peer Endpoint, h Handler) {
	ts, ok := t.socket(s)
	if !ok {
		t.Post(func() { h(opError("connect", peer, ErrForeignSocket)) })
		return
	}
	if t.isStopped() {
		t.Post(func() { h(opError("connect", peer, ErrStopped)) })
		return
	}
	if err := ts.begin(peer); err != nil {
		t.Post(func() { h(opError("connect", peer, err)) })
		return
	}
	ctx := t.opContext()
	go func() {
		d := net.Dialer{Timeout: t.dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", peer.String())
		if err == nil {
			err = ts.attach(conn)
		} else {
			ts.abort()
		}
		if err != nil {
			t.log.Debug().Str("peer", peer.String()).Err(err).Log("connect failed")
		}
		t.Post(func() { h(opError("connect", peer, classify(err))) })
	}()
}

// Accept waits for the next inbound connection and attaches it to s.
func (t *TCPIO) Accept(s Socket, h Handler) {
	ts, ok := t.socket(s)
	if !ok {
		t.Post(func() { h(opError("accept", Endpoint{}, ErrForeignSocket)) })
		return
	}
	t.mu.Lock()
	acc, stopped := t.acceptor, t.stopped
	t.mu.Unlock()
	switch {
	case stopped:
		t.Post(func() { h(opError("accept", Endpoint{}, ErrStopped)) })
		return
	case acc == nil:
		t.Post(func() { h(opError("accept", Endpoint{}, ErrNotInitialized)) })
		return
	}
	if st := ts.State(); st != Unconnected {
		err := errAlreadyConnected
		if st == Closed {
			err = ErrConnectionClosed
		}
		t.Post(func() { h(opError("accept", acc.ep, err)) })
		return
	}

	acc.pending.Add(1)
	go func() {
		conn, err := acc.ln.Accept()
		acc.pending.Add(-1)
		if err == nil {
			err = ts.attach(conn)
		}
		t.Post(func() { h(opError("accept", acc.ep, classify(err))) })
	}()
}

// Write writes all of buf or fails. A socket that is not connected when the
// write starts completes with ErrNotConnected.
func (t *TCPIO) Write(s Socket, buf []byte, h IOHandler) {
	t.transfer("write", s, h, func(c net.Conn) (int, error) { return c.Write(buf) })
}

// Read fills buf or fails with the partial count.
func (t *TCPIO) Read(s Socket, buf []byte, h IOHandler) {
	t.transfer("read", s, h, func(c net.Conn) (int, error) { return io.ReadFull(c, buf) })
}

// ReadSome completes with at least one byte, or an error.
func (t *TCPIO) ReadSome(s Socket, buf []byte, h IOHandler) {
	t.transfer("read_some", s, h, func(c net.Conn) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		return c.Read(buf)
	})
}

func (t *TCPIO) transfer(op string, s Socket, h IOHandler, fn func(net.Conn) (int, error)) {
	ts, ok := t.socket(s)
	if !ok {
		t.Post(func() { h(opError(op, Endpoint{}, ErrForeignSocket), 0) })
		return
	}
	go func() {
		conn, remote, err := ts.current()
		var n int
		if err == nil {
			n, err = fn(conn)
		}
		t.Post(func() { h(opError(op, remote, classify(err)), n) })
	}()
}

// Handshake runs a TLS handshake over the connected socket. On success the
// socket carries the TLS stream from then on.
func (t *TCPIO) Handshake(s Socket, role HandshakeRole, h Handler) {
	ts, ok := t.socket(s)
	if !ok {
		t.Post(func() { h(opError("handshake", Endpoint{}, ErrForeignSocket)) })
		return
	}
	ctx := t.opContext()
	go func() {
		err := t.handshake(ctx, ts, role)
		if err != nil {
			t.log.Debug().Stringer("role", role).Err(err).Log("handshake failed")
		}
		t.Post(func() { h(opError("handshake", ts.RemoteEndpoint(), err)) })
	}()
}

func (t *TCPIO) handshake(ctx context.Context, ts *tcpSocket, role HandshakeRole) error {
	conn, remote, err := ts.current()
	if err != nil {
		return err
	}
	if t.tlsConfig == nil {
		return errors.Join(ErrHandshakeFailed, errNoTLSConfig)
	}
	cfg := verifyingConfig(t.tlsConfig, role, remote.Host, ts.verifyCallback())
	var tc *tls.Conn
	if role == RoleServer {
		tc = tls.Server(conn, cfg)
	} else {
		tc = tls.Client(conn, cfg)
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		return classifyHandshake(err)
	}
	return ts.upgrade(conn, tc)
}

// SetVerifyCallback installs cb for the socket's next handshake.
func (t *TCPIO) SetVerifyCallback(s Socket, cb VerifyCallback) {
	if ts, ok := t.socket(s); ok {
		ts.mu.Lock()
		ts.verify = cb
		ts.mu.Unlock()
	}
}

// Wait arms t and posts its completion through st.
func (t *TCPIO) Wait(tm Timer, st *Strand, h Handler) {
	tt, ok := tm.(*tcpTimer)
	if !ok || tt.io != t {
		t.Post(func() { h(opError("wait", Endpoint{}, ErrForeignSocket)) })
		return
	}
	if st == nil {
		st = t.Strand()
	}
	if st == nil {
		t.Post(func() { h(opError("wait", Endpoint{}, ErrNotInitialized)) })
		return
	}
	tt.arm(st, h)
}

// ─── socket ──────────────────────────────────────────────────────────────────

// tcpSocket is guarded by its own mutex because completions for it may run
// on any worker.
type tcpSocket struct {
	io *TCPIO

	mu     sync.Mutex
	state  SocketState
	conn   net.Conn
	local  Endpoint
	remote Endpoint
	verify VerifyCallback
}

var _ Socket = (*tcpSocket)(nil)

func (s *tcpSocket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *tcpSocket) IsConnected() bool { return s.State() == Connected }

func (s *tcpSocket) LocalEndpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *tcpSocket) RemoteEndpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *tcpSocket) verifyCallback() VerifyCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verify
}

func (s *tcpSocket) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	conn := s.conn
	s.mu.Unlock()

	s.io.untrack(s)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *tcpSocket) begin(peer Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Closed:
		return ErrConnectionClosed
	case Connected, Connecting:
		return errAlreadyConnected
	}
	s.state = Connecting
	s.remote = peer
	return nil
}

func (s *tcpSocket) abort() {
	s.mu.Lock()
	if s.state == Connecting {
		s.state = Unconnected
	}
	s.mu.Unlock()
}

// attach binds an established conn. A socket closed in the meantime drops it.
func (s *tcpSocket) attach(conn net.Conn) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		conn.Close() //nolint:errcheck
		return ErrConnectionClosed
	}
	s.state = Connected
	s.conn = conn
	s.local = endpointFromAddr(conn.LocalAddr())
	s.remote = endpointFromAddr(conn.RemoteAddr())
	s.mu.Unlock()
	s.io.track(s)
	return nil
}

func (s *tcpSocket) upgrade(plain net.Conn, tc *tls.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.conn != plain {
		tc.Close() //nolint:errcheck
		return ErrConnectionClosed
	}
	s.conn = tc
	return nil
}

func (s *tcpSocket) current() (net.Conn, Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Connected:
		return s.conn, s.remote, nil
	case Closed:
		return nil, s.remote, ErrConnectionClosed
	default:
		return nil, s.remote, ErrNotConnected
	}
}

// ─── acceptor ────────────────────────────────────────────────────────────────

type tcpAcceptor struct {
	ln      net.Listener
	ep      Endpoint
	pending atomic.Int32
	once    sync.Once
	err     error
}

func (a *tcpAcceptor) Endpoint() Endpoint { return a.ep }
func (a *tcpAcceptor) Pending() int       { return int(a.pending.Load()) }

func (a *tcpAcceptor) Close() error {
	a.once.Do(func() { a.err = a.ln.Close() })
	return a.err
}

// ─── timer ───────────────────────────────────────────────────────────────────

type tcpTimer struct {
	io *TCPIO
	d  time.Duration

	mu    sync.Mutex
	state timerState
	t     *time.Timer
	h     Handler
	st    *Strand
}

func (t *tcpTimer) Expiry() time.Duration { return t.d }

func (t *tcpTimer) arm(st *Strand, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != timerIdle {
		st.Post(func() { h(opError("wait", Endpoint{}, ErrTimerUsed)) })
		return
	}
	t.io.mu.Lock()
	if t.io.stopped {
		t.io.mu.Unlock()
		st.Post(func() { h(opError("wait", Endpoint{}, ErrStopped)) })
		return
	}
	t.io.timers[t] = struct{}{}
	t.io.mu.Unlock()
	t.state = timerArmed
	t.h = h
	t.st = st
	t.t = time.AfterFunc(t.d, t.fire)
}

func (t *tcpTimer) release() {
	t.io.mu.Lock()
	delete(t.io.timers, t)
	t.io.mu.Unlock()
}

func (t *tcpTimer) fire() {
	t.mu.Lock()
	if t.state != timerArmed {
		t.mu.Unlock()
		return
	}
	t.state = timerFired
	h, st := t.h, t.st
	t.mu.Unlock()
	t.release()
	st.Post(func() { h(nil) })
}

func (t *tcpTimer) Cancel() bool {
	t.mu.Lock()
	if t.state != timerArmed {
		t.mu.Unlock()
		return false
	}
	t.state = timerCancelled
	t.t.Stop()
	h, st := t.h, t.st
	t.mu.Unlock()
	t.release()
	st.Post(func() { h(opError("wait", Endpoint{}, ErrCancelled)) })
	return true
}
