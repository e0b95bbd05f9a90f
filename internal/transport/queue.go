package transport

import (
	"sync"

	"github.com/joeycumines/logiface"
)

// taskQueue is the unbounded FIFO the TCP backend's workers service. Posting
// never blocks; tasks posted while no worker runs wait for the next Run.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	halted bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *taskQueue) push(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks for the next task. Once halted it keeps returning tasks until
// the queue is empty, then reports false.
func (q *taskQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.tasks) == 0 {
		if q.halted {
			return nil, false
		}
		q.cond.Wait()
	}
	fn := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return fn, true
}

func (q *taskQueue) halt() {
	q.mu.Lock()
	q.halted = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *taskQueue) resume() {
	q.mu.Lock()
	q.halted = false
	q.mu.Unlock()
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// work services the queue until it is halted and drained.
func (q *taskQueue) work(log *logiface.Logger[logiface.Event]) {
	for {
		fn, ok := q.pop()
		if !ok {
			return
		}
		safeCall(log, "worker", fn)
	}
}
