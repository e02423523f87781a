package store

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Queue runs closures one at a time, in submission order, on a single
// goroutine. Everything that reads or writes machine state runs here.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []func()
	closed  bool
	done    chan struct{}
	worker  atomic.Uint64
	started chan struct{}
}

// NewQueue starts the queue goroutine.
func NewQueue() *Queue {
	q := &Queue{done: make(chan struct{}), started: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	<-q.started
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	q.worker.Store(goroutineID())
	close(q.started)

	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		job()
	}
}

// Async enqueues fn. It returns false once the queue is closed.
func (q *Queue) Async(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, fn)
	q.cond.Signal()
	return true
}

// Sync enqueues fn and waits for it to run. Calling Sync from the queue
// would deadlock and panics instead.
func (q *Queue) Sync(fn func()) bool {
	if q.IsCurrent() {
		panic("store: Queue.Sync called from the queue")
	}
	ran := make(chan struct{})
	if !q.Async(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-q.done:
		// Close drains pending jobs before done is closed.
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// IsCurrent reports whether the caller is running on the queue goroutine.
func (q *Queue) IsCurrent() bool {
	return goroutineID() == q.worker.Load()
}

// Close stops accepting work, runs what is already queued and waits for the
// goroutine to exit. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	if !q.IsCurrent() {
		<-q.done
	}
}

// goroutineID parses the id from the "goroutine N [" header of the current
// stack.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
