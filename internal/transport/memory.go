package transport

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

var errAlreadyConnected = errors.New("transport: socket already connected")

// firstEphemeralPort is where MemoryNetwork starts handing out local ports.
const firstEphemeralPort = 49152

// MemoryNetwork connects MemoryIO instances in-process. A MemoryIO that has
// been Init'ed registers its listen endpoint here; Connect on any MemoryIO of
// the same network pairs with it.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[Endpoint]*MemoryIO
	ios       []*MemoryIO
	nextPort  uint16
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		listeners: make(map[Endpoint]*MemoryIO),
		nextPort:  firstEphemeralPort,
	}
}

func (n *MemoryNetwork) ephemeralPort() uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.nextPort
	n.nextPort++
	if n.nextPort == 0 {
		n.nextPort = firstEphemeralPort
	}
	return p
}

func (n *MemoryNetwork) listen(ep Endpoint, m *MemoryIO) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if other, ok := n.listeners[ep]; ok && other != m {
		return fmt.Errorf("transport: memory listen %s: address in use", ep)
	}
	n.listeners[ep] = m
	return nil
}

func (n *MemoryNetwork) unlisten(ep Endpoint, m *MemoryIO) {
	n.mu.Lock()
	if n.listeners[ep] == m {
		delete(n.listeners, ep)
	}
	n.mu.Unlock()
}

func (n *MemoryNetwork) lookup(ep Endpoint) *MemoryIO {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listeners[ep]
}

func (n *MemoryNetwork) register(m *MemoryIO) {
	n.mu.Lock()
	n.ios = append(n.ios, m)
	n.mu.Unlock()
}

// RunUntilIdle drains every MemoryIO on the network until none of them has
// work left. It returns the total number of tasks executed.
func (n *MemoryNetwork) RunUntilIdle() int {
	total := 0
	for {
		n.mu.Lock()
		ios := append([]*MemoryIO(nil), n.ios...)
		n.mu.Unlock()
		ran := 0
		for _, m := range ios {
			ran += m.RunUntilIdle()
		}
		if ran == 0 {
			return total
		}
		total += ran
	}
}

// MemoryOption configures a MemoryIO.
type MemoryOption func(*MemoryIO)

// WithMemoryNetwork attaches the MemoryIO to net instead of a private one.
func WithMemoryNetwork(net *MemoryNetwork) MemoryOption {
	return func(m *MemoryIO) { m.net = net }
}

// WithMemoryLogger sets the logger. A nil logger disables logging.
func WithMemoryLogger(log *logiface.Logger[logiface.Event]) MemoryOption {
	return func(m *MemoryIO) { m.log = log }
}

// WithEagerCompletion makes Connect, ReadSome and Handshake complete inline,
// before they return. Write is still deferred. Code tested this way can
// re-enter itself from a handler, which a real event loop never allows.
func WithEagerCompletion() MemoryOption {
	return func(m *MemoryIO) { m.eager = true }
}

// WithRunHold keeps Run servicing posted tasks for d before returning.
func WithRunHold(d time.Duration) MemoryOption {
	return func(m *MemoryIO) { m.hold = d }
}

// WithAcceptBacklog sets how many Accept registrations may be outstanding.
// The default is one.
func WithAcceptBacklog(n int) MemoryOption {
	return func(m *MemoryIO) {
		if n > 0 {
			m.backlog = n
		}
	}
}

// WithClock sets the starting point of the virtual clock.
func WithClock(start time.Time) MemoryOption {
	return func(m *MemoryIO) { m.now = start }
}

// MemoryIO is the deterministic AsyncIO. Completions are queued on a FIFO
// that only RunUntilIdle, Advance or Run drain, so every handler runs on the
// goroutine driving the test. Timers use a virtual clock moved by Advance.
type MemoryIO struct {
	net     *MemoryNetwork
	log     *logiface.Logger[logiface.Event]
	eager   bool
	hold    time.Duration
	backlog int

	mu       sync.Mutex
	tasks    []func()
	notify   chan struct{}
	pumping  bool
	now      time.Time
	timers   memTimerHeap
	timerSeq uint64
	live     map[*MemorySocket]struct{}
	inited   bool
	listenEP Endpoint
	acceptor *memAcceptor
	strand   *Strand
	stopped  bool
	stopCh   chan struct{}
}

var _ AsyncIO = (*MemoryIO)(nil)

// NewMemory creates a MemoryIO.
func NewMemory(opts ...MemoryOption) *MemoryIO {
	m := &MemoryIO{
		backlog: 1,
		notify:  make(chan struct{}, 1),
		now:     time.Unix(0, 0).UTC(),
		live:    make(map[*MemorySocket]struct{}),
		stopCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.net == nil {
		m.net = NewMemoryNetwork()
	}
	m.log = m.log.Clone().Str("backend", "memory").Logger()
	m.net.register(m)
	return m
}

// ─── executor ────────────────────────────────────────────────────────────────

// Post queues fn on the FIFO task queue.
func (m *MemoryIO) Post(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.tasks = append(m.tasks, fn)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// dispatch runs fn inline in eager mode, otherwise queues it.
func (m *MemoryIO) dispatch(fn func()) {
	if m.eager {
		safeCall(m.log, "inline", fn)
		return
	}
	m.Post(fn)
}

// Pending returns the number of queued tasks.
func (m *MemoryIO) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// RunUntilIdle fires due timers and runs queued tasks, including those
// queued by the tasks themselves, until nothing is left. It returns the
// number of tasks executed. A call from inside a handler returns 0.
func (m *MemoryIO) RunUntilIdle() int {
	m.mu.Lock()
	if m.pumping {
		m.mu.Unlock()
		return 0
	}
	m.pumping = true
	m.mu.Unlock()

	ran := 0
	for {
		m.fireDueTimers()
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.pumping = false
			m.mu.Unlock()
			return ran
		}
		fn := m.tasks[0]
		m.tasks[0] = nil
		m.tasks = m.tasks[1:]
		m.mu.Unlock()

		safeCall(m.log, "task", fn)
		ran++
	}
}

// Now returns the virtual clock.
func (m *MemoryIO) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the virtual clock forward by d, fires every timer that is
// now due in expiry order, and drains the queue.
func (m *MemoryIO) Advance(d time.Duration) int {
	m.mu.Lock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	m.mu.Unlock()
	return m.RunUntilIdle()
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

// Init registers host:port on the memory network and builds the acceptor
// and strand. Port 0 picks an ephemeral port.
func (m *MemoryIO) Init(host string, port uint16) error {
	if port == 0 {
		port = m.net.ephemeralPort()
	}
	ep := Endpoint{Host: host, Port: port}

	m.mu.Lock()
	old := m.acceptor
	oldEP := m.listenEP
	m.mu.Unlock()
	if old != nil {
		old.Close() //nolint:errcheck
		m.net.unlisten(oldEP, m)
	}

	if err := m.net.listen(ep, m); err != nil {
		return err
	}

	m.mu.Lock()
	m.inited = true
	m.listenEP = ep
	m.acceptor = &memAcceptor{io: m, ep: ep}
	m.strand = NewStrand(m, m.log)
	m.mu.Unlock()

	m.log.Debug().Str("listen", ep.String()).Log("memory facade initialized")
	return nil
}

// Run drains the queue. With WithRunHold it keeps servicing posted tasks
// until the hold elapses, Stop is called, or ctx is done.
func (m *MemoryIO) Run(ctx context.Context) error {
	m.RunUntilIdle()

	m.mu.Lock()
	stopped, stopCh := m.stopped, m.stopCh
	m.mu.Unlock()
	if stopped || m.hold <= 0 {
		return nil
	}

	hold := time.NewTimer(m.hold)
	defer hold.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hold.C:
			m.RunUntilIdle()
			return nil
		case <-stopCh:
			m.RunUntilIdle()
			return nil
		case <-m.notify:
			m.RunUntilIdle()
		}
	}
}

// Stop closes the acceptor and every live socket and cancels armed timers.
// Their pending operations complete with ErrConnectionClosed or ErrCancelled
// on the next drain. Until Reset, new connects, accepts and waits fail with
// ErrStopped. Calling Stop again has no further effect.
func (m *MemoryIO) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	socks := m.liveSockets()
	armed := m.armedTimers()
	acc := m.acceptor
	m.mu.Unlock()

	for _, s := range socks {
		s.Close() //nolint:errcheck
	}
	if acc != nil {
		acc.Close() //nolint:errcheck
	}
	for _, t := range armed {
		t.Cancel()
	}
	m.log.Debug().Int("sockets", len(socks)).Int("timers", len(armed)).Log("memory facade stopped")
}

// Reset closes live sockets, cancels armed timers, and rebuilds the acceptor
// and strand from the last Init so the facade can Run again.
func (m *MemoryIO) Reset() {
	m.mu.Lock()
	socks := m.liveSockets()
	armed := m.armedTimers()
	if m.stopped {
		m.stopped = false
		m.stopCh = make(chan struct{})
	}
	inited, host, port := m.inited, m.listenEP.Host, m.listenEP.Port
	m.mu.Unlock()

	for _, s := range socks {
		s.Close() //nolint:errcheck
	}
	for _, t := range armed {
		t.Cancel()
	}
	if inited {
		if err := m.Init(host, port); err != nil {
			m.log.Err().Err(err).Log("memory facade reset: re-init failed")
		}
	}
}

func (m *MemoryIO) armedTimers() []*memTimer {
	armed := make([]*memTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if t.state == timerArmed {
			armed = append(armed, t)
		}
	}
	return armed
}

func (m *MemoryIO) liveSockets() []*MemorySocket {
	socks := make([]*MemorySocket, 0, len(m.live))
	for s := range m.live {
		socks = append(socks, s)
	}
	return socks
}

// ─── factories ───────────────────────────────────────────────────────────────

// NewSocket returns an unconnected MemorySocket. remote is recorded as the
// intended peer until Connect or Accept replaces it.
func (m *MemoryIO) NewSocket(remote Endpoint) Socket {
	return &MemorySocket{io: m, remote: remote}
}

// NewTimer returns an unarmed timer of duration d.
func (m *MemoryIO) NewTimer(d time.Duration) Timer {
	return &memTimer{io: m, d: d, index: -1}
}

// Acceptor returns the acceptor built by Init, or nil before Init.
func (m *MemoryIO) Acceptor() Acceptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acceptor == nil {
		return nil
	}
	return m.acceptor
}

// Strand returns the facade strand built by Init, or nil before Init.
func (m *MemoryIO) Strand() *Strand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strand
}

// StrandPost posts fn through the facade strand. Before Init it goes straight
// on the queue, which is already serial.
func (m *MemoryIO) StrandPost(fn func()) {
	if st := m.Strand(); st != nil {
		st.Post(fn)
		return
	}
	m.Post(fn)
}

func (m *MemoryIO) localEndpoint() Endpoint {
	host := "127.0.0.1"
	m.mu.Lock()
	if m.listenEP.Host != "" {
		host = m.listenEP.Host
	}
	m.mu.Unlock()
	return Endpoint{Host: host, Port: m.net.ephemeralPort()}
}

func (m *MemoryIO) socket(s Socket) (*MemorySocket, bool) {
	ms, ok := s.(*MemorySocket)
	if !ok || ms == nil || ms.io != m {
		return nil, false
	}
	return ms, true
}

// ─── operations ──────────────────────────────────────────────────────────────

// Connect marks s Connected and records peer. When another MemoryIO on the
// network listens at peer and has an accept pending, the two sockets are
// paired; otherwise s loops back onto itself.
func (m *MemoryIO) Connect(s Socket, peer Endpoint, h Handler) {
	ms, ok := m.socket(s)
	if !ok {
		m.Post(func() { h(opError("connect", peer, ErrForeignSocket)) })
		return
	}
	m.dispatch(func() { h(m.connect(ms, peer)) })
}

func (m *MemoryIO) connect(s *MemorySocket, peer Endpoint) error {
	local := m.localEndpoint()

	m.mu.Lock()
	switch {
	case m.stopped:
		m.mu.Unlock()
		return opError("connect", peer, ErrStopped)
	case s.state == Closed:
		m.mu.Unlock()
		return opError("connect", peer, ErrConnectionClosed)
	case s.state == Connected:
		m.mu.Unlock()
		return opError("connect", peer, errAlreadyConnected)
	}
	s.state = Connected
	s.local = local
	s.remote = peer
	s.peer = s
	m.live[s] = struct{}{}
	m.mu.Unlock()

	if l := m.net.lookup(peer); l != nil {
		if b, hb, ok := l.attach(s, peer); ok {
			m.mu.Lock()
			s.peer = b
			m.mu.Unlock()
			l.Post(func() { hb(nil) })
		}
	}
	m.log.Debug().Str("peer", peer.String()).Str("local", local.String()).Log("memory connect")
	return nil
}

// attach pops the oldest pending accept and connects its socket to dialer.
func (m *MemoryIO) attach(dialer *MemorySocket, listenEP Endpoint) (*MemorySocket, Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acceptor == nil || m.acceptor.closed || len(m.acceptor.queue) == 0 {
		return nil, nil, false
	}
	req := m.acceptor.queue[0]
	m.acceptor.queue = m.acceptor.queue[1:]
	b := req.sock
	b.state = Connected
	b.local = listenEP
	b.remote = dialer.local
	b.peer = dialer
	m.live[b] = struct{}{}
	return b, req.h, true
}

// Accept registers s as the target of the next inbound connection. If the
// backlog is already full, h completes with ErrAcceptQueueFull and the
// earlier registration is kept.
func (m *MemoryIO) Accept(s Socket, h Handler) {
	ms, ok := m.socket(s)
	if !ok {
		m.Post(func() { h(opError("accept", Endpoint{}, ErrForeignSocket)) })
		return
	}

	m.mu.Lock()
	acc := m.acceptor
	var err error
	switch {
	case m.stopped:
		err = opError("accept", Endpoint{}, ErrStopped)
	case acc == nil:
		err = opError("accept", Endpoint{}, ErrNotInitialized)
	case acc.closed, ms.state == Closed:
		err = opError("accept", acc.ep, ErrConnectionClosed)
	case ms.state != Unconnected:
		err = opError("accept", acc.ep, errAlreadyConnected)
	case len(acc.queue) >= m.backlog:
		err = opError("accept", acc.ep, ErrAcceptQueueFull)
	default:
		acc.queue = append(acc.queue, acceptReq{sock: ms, h: h})
	}
	m.mu.Unlock()

	if err != nil {
		m.Post(func() { h(err) })
	}
}

// SimulateInbound plays a remote peer at remote connecting to the acceptor.
// The oldest pending accept completes with success and the returned socket
// is the connected remote side, paired with the accepted one.
func (m *MemoryIO) SimulateInbound(remote Endpoint) (*MemorySocket, error) {
	m.mu.Lock()
	acc := m.acceptor
	m.mu.Unlock()
	if acc == nil {
		return nil, opError("inbound", remote, ErrNotInitialized)
	}

	dialer := &MemorySocket{io: m, local: remote, remote: acc.ep, state: Connected}
	b, hb, ok := m.attach(dialer, acc.ep)
	if !ok {
		return nil, opError("inbound", acc.ep, ErrConnectionRefused)
	}
	m.mu.Lock()
	dialer.peer = b
	m.live[dialer] = struct{}{}
	m.mu.Unlock()

	m.Post(func() { hb(nil) })
	return dialer, nil
}

// Write is always deferred. When it runs, a connected socket hands the bytes
// to its peer and completes with len(buf); otherwise it completes with
// ErrNotConnected, or ErrConnectionClosed once the socket was closed.
func (m *MemoryIO) Write(s Socket, buf []byte, h IOHandler) {
	ms, ok := m.socket(s)
	if !ok {
		m.Post(func() { h(opError("write", Endpoint{}, ErrForeignSocket), 0) })
		return
	}
	m.Post(func() {
		m.mu.Lock()
		state, peer, remote := ms.state, ms.peer, ms.remote
		m.mu.Unlock()
		switch {
		case state == Closed:
			h(opError("write", remote, ErrConnectionClosed), 0)
			return
		case state != Connected || peer == nil:
			h(opError("write", remote, ErrNotConnected), 0)
			return
		}
		if err := peer.deliver(buf); err != nil {
			h(opError("write", remote, err), 0)
			return
		}
		h(nil, len(buf))
	})
}

// ReadSome completes with whatever is buffered, up to len(buf). With nothing
// buffered it waits for data or for the connection to close.
func (m *MemoryIO) ReadSome(s Socket, buf []byte, h IOHandler) {
	m.read("read_some", s, buf, false, h)
}

// Read completes once buf is full, or fails with the partial count when the
// connection closes first.
func (m *MemoryIO) Read(s Socket, buf []byte, h IOHandler) {
	m.read("read", s, buf, true, h)
}

func (m *MemoryIO) read(op string, s Socket, buf []byte, full bool, h IOHandler) {
	ms, ok := m.socket(s)
	if !ok {
		m.Post(func() { h(opError(op, Endpoint{}, ErrForeignSocket), 0) })
		return
	}
	run := func() {
		m.mu.Lock()
		switch ms.state {
		case Closed:
			remote := ms.remote
			m.mu.Unlock()
			h(opError(op, remote, ErrConnectionClosed), 0)
			return
		case Connected:
		default:
			remote := ms.remote
			m.mu.Unlock()
			h(opError(op, remote, ErrNotConnected), 0)
			return
		}
		if len(buf) == 0 {
			m.mu.Unlock()
			h(nil, 0)
			return
		}
		ms.reads = append(ms.reads, &pendingRead{op: op, buf: buf, full: full, h: h})
		done := ms.pumpLocked()
		m.mu.Unlock()
		for _, fn := range done {
			fn()
		}
	}
	if full {
		m.Post(run)
		return
	}
	m.dispatch(run)
}

// Handshake always succeeds.
func (m *MemoryIO) Handshake(s Socket, role HandshakeRole, h Handler) {
	if _, ok := m.socket(s); !ok {
		m.Post(func() { h(opError("handshake", Endpoint{}, ErrForeignSocket)) })
		return
	}
	m.dispatch(func() { h(nil) })
}

// SetVerifyCallback trusts every peer: cb is called once, immediately, with
// preverified set and an empty context. For tests only.
func (m *MemoryIO) SetVerifyCallback(s Socket, cb VerifyCallback) {
	if cb == nil {
		return
	}
	cb(true, &VerifyContext{})
}

// Wait arms t on the virtual clock. Its completion is posted through st.
func (m *MemoryIO) Wait(t Timer, st *Strand, h Handler) {
	mt, ok := t.(*memTimer)
	if !ok || mt.io != m {
		m.Post(func() { h(opError("wait", Endpoint{}, ErrForeignSocket)) })
		return
	}
	if st == nil {
		st = m.Strand()
	}
	if st == nil {
		m.Post(func() { h(opError("wait", Endpoint{}, ErrNotInitialized)) })
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		st.Post(func() { h(opError("wait", Endpoint{}, ErrStopped)) })
		return
	}
	if mt.state != timerIdle {
		m.mu.Unlock()
		st.Post(func() { h(opError("wait", Endpoint{}, ErrTimerUsed)) })
		return
	}
	mt.state = timerArmed
	mt.h = h
	mt.st = st
	mt.when = m.now.Add(mt.d)
	m.timerSeq++
	mt.seq = m.timerSeq
	heap.Push(&m.timers, mt)
	m.mu.Unlock()
}

func (m *MemoryIO) fireDueTimers() {
	m.mu.Lock()
	var due []*memTimer
	for len(m.timers) > 0 && !m.timers[0].when.After(m.now) {
		t := heap.Pop(&m.timers).(*memTimer)
		t.state = timerFired
		due = append(due, t)
	}
	m.mu.Unlock()
	for _, t := range due {
		h := t.h
		t.st.Post(func() { h(nil) })
	}
}

// ─── socket ──────────────────────────────────────────────────────────────────

// MemorySocket is the in-memory Socket. Bytes written on one side become
// readable on its peer; an unpaired socket is its own peer.
type MemorySocket struct {
	io *MemoryIO

	// guarded by io.mu
	state    SocketState
	local    Endpoint
	remote   Endpoint
	peer     *MemorySocket
	inbound  []byte
	peerGone bool
	reads    []*pendingRead
}

type pendingRead struct {
	op   string
	buf  []byte
	n    int
	full bool
	h    IOHandler
}

var _ Socket = (*MemorySocket)(nil)

func (s *MemorySocket) State() SocketState {
	s.io.mu.Lock()
	defer s.io.mu.Unlock()
	return s.state
}

func (s *MemorySocket) IsConnected() bool { return s.State() == Connected }

func (s *MemorySocket) LocalEndpoint() Endpoint {
	s.io.mu.Lock()
	defer s.io.mu.Unlock()
	return s.local
}

func (s *MemorySocket) RemoteEndpoint() Endpoint {
	s.io.mu.Lock()
	defer s.io.mu.Unlock()
	return s.remote
}

// Peer returns the socket this one is paired with, or nil.
func (s *MemorySocket) Peer() *MemorySocket {
	s.io.mu.Lock()
	defer s.io.mu.Unlock()
	return s.peer
}

// Buffered returns the number of inbound bytes not yet read.
func (s *MemorySocket) Buffered() int {
	s.io.mu.Lock()
	defer s.io.mu.Unlock()
	return len(s.inbound)
}

// Feed injects data as if the peer had written it.
func (s *MemorySocket) Feed(data []byte) error {
	return s.deliver(data)
}

// Close moves the socket to Closed, fails its pending reads, and signals end
// of stream to its peer.
func (s *MemorySocket) Close() error {
	m := s.io
	m.mu.Lock()
	if s.state == Closed {
		m.mu.Unlock()
		return nil
	}
	s.state = Closed
	delete(m.live, s)
	reads := s.reads
	s.reads = nil
	remote := s.remote
	peer := s.peer
	s.peer = nil
	s.inbound = nil
	m.mu.Unlock()

	for _, r := range reads {
		r := r
		m.Post(func() { r.h(opError(r.op, remote, ErrConnectionClosed), r.n) })
	}
	if peer != nil && peer != s {
		peer.hangup()
	}
	return nil
}

// deliver appends data to the inbound buffer and completes reads it satisfies.
func (s *MemorySocket) deliver(data []byte) error {
	m := s.io
	m.mu.Lock()
	if s.state != Connected {
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	s.inbound = append(s.inbound, data...)
	done := s.pumpLocked()
	m.mu.Unlock()
	for _, fn := range done {
		m.Post(fn)
	}
	return nil
}

// hangup records that the peer went away; reads that cannot be satisfied
// from what is already buffered fail with ErrConnectionClosed.
func (s *MemorySocket) hangup() {
	m := s.io
	m.mu.Lock()
	if s.state != Connected {
		m.mu.Unlock()
		return
	}
	s.peerGone = true
	done := s.pumpLocked()
	m.mu.Unlock()
	for _, fn := range done {
		m.Post(fn)
	}
}

// pumpLocked moves buffered bytes into pending reads in order and returns the
// completions to deliver once io.mu is released.
func (s *MemorySocket) pumpLocked() []func() {
	var done []func()
	for len(s.reads) > 0 {
		r := s.reads[0]
		if len(s.inbound) > 0 {
			n := copy(r.buf[r.n:], s.inbound)
			s.inbound = s.inbound[n:]
			r.n += n
		}
		switch {
		case r.n == len(r.buf) || (!r.full && r.n > 0):
			h, n := r.h, r.n
			done = append(done, func() { h(nil, n) })
		case s.peerGone:
			h, n, op, remote := r.h, r.n, r.op, s.remote
			done = append(done, func() { h(opError(op, remote, ErrConnectionClosed), n) })
		default:
			return done
		}
		s.reads[0] = nil
		s.reads = s.reads[1:]
	}
	return done
}

// ─── acceptor ────────────────────────────────────────────────────────────────

type acceptReq struct {
	sock *MemorySocket
	h    Handler
}

type memAcceptor struct {
	io *MemoryIO
	ep Endpoint

	// guarded by io.mu
	queue  []acceptReq
	closed bool
}

func (a *memAcceptor) Endpoint() Endpoint { return a.ep }

func (a *memAcceptor) Pending() int {
	a.io.mu.Lock()
	defer a.io.mu.Unlock()
	return len(a.queue)
}

// Close fails every pending accept with ErrConnectionClosed and stops
// listening on the network.
func (a *memAcceptor) Close() error {
	a.io.mu.Lock()
	if a.closed {
		a.io.mu.Unlock()
		return nil
	}
	a.closed = true
	queue := a.queue
	a.queue = nil
	a.io.mu.Unlock()

	a.io.net.unlisten(a.ep, a.io)
	for _, req := range queue {
		h := req.h
		a.io.Post(func() { h(opError("accept", a.ep, ErrConnectionClosed)) })
	}
	return nil
}

// ─── timer ───────────────────────────────────────────────────────────────────

type timerState int

const (
	timerIdle timerState = iota
	timerArmed
	timerFired
	timerCancelled
)

type memTimer struct {
	io *MemoryIO
	d  time.Duration

	// guarded by io.mu
	state timerState
	when  time.Time
	seq   uint64
	index int
	h     Handler
	st    *Strand
}

func (t *memTimer) Expiry() time.Duration { return t.d }

func (t *memTimer) Cancel() bool {
	m := t.io
	m.mu.Lock()
	if t.state != timerArmed {
		m.mu.Unlock()
		return false
	}
	t.state = timerCancelled
	if t.index >= 0 {
		heap.Remove(&m.timers, t.index)
	}
	h, st := t.h, t.st
	m.mu.Unlock()

	st.Post(func() { h(opError("wait", Endpoint{}, ErrCancelled)) })
	return true
}

// memTimerHeap orders timers by expiry, then by arming order.
type memTimerHeap []*memTimer

func (h memTimerHeap) Len() int { return len(h) }
func (h memTimerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h memTimerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *memTimerHeap) Push(x any) {
	t := x.(*memTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *memTimerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
