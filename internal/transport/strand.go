package transport

import (
	"fmt"
	"sync"

	"github.com/joeycumines/logiface"
)

// Strand serializes the functions posted to it: they run one at a time, in
// post order, on the underlying Executor, no matter how many workers service
// that executor.
type Strand struct {
	exec Executor
	log  *logiface.Logger[logiface.Event]

	mu      sync.Mutex
	queue   []func()
	running bool
}

// NewStrand creates a Strand on top of exec.
func NewStrand(exec Executor, log *logiface.Logger[logiface.Event]) *Strand {
	return &Strand{exec: exec, log: log}
}

// Post queues fn. It never runs fn inline.
func (s *Strand) Post(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.exec.Post(s.drain)
}

// Wrap returns a function that posts fn through the strand when called.
func (s *Strand) Wrap(fn func()) func() {
	return func() { s.Post(fn) }
}

// WrapHandler returns a Handler that delivers its result to h on the strand.
func (s *Strand) WrapHandler(h Handler) Handler {
	return func(err error) {
		s.Post(func() { h(err) })
	}
}

// Len returns the number of functions waiting to run.
func (s *Strand) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// drain runs queued functions until the queue is empty. Only one drain is
// ever scheduled at a time, which is what keeps execution serialized.
func (s *Strand) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		safeCall(s.log, "strand", fn)
	}
}

// safeCall runs fn, logging instead of propagating a panic.
func safeCall(log *logiface.Logger[logiface.Event], where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Err().
				Str("where", where).
				Str("panic", fmt.Sprint(r)).
				Log("transport: handler panicked")
		}
	}()
	fn()
}
