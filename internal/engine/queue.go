package engine

import (
	"sync"

	"github.com/roach88/subathon/internal/ir"
)

// Submission is a record handed to the intake queue by an adapter.
// An empty RunID targets the active run.
type Submission struct {
	RunID  string
	Record ir.EventRecord
}

// intakeQueue is a thread-safe FIFO queue of submissions.
//
// The queue is unbounded so adapters never block on a slow store.
// It uses a buffered signal channel for context-aware waiting in the Run loop.
type intakeQueue struct {
	mu     sync.Mutex
	items  []Submission
	closed bool
	signal chan struct{} // buffered, size 1
}

func newIntakeQueue() *intakeQueue {
	return &intakeQueue{
		items:  make([]Submission, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a submission to the back of the queue.
// Returns false if the queue is closed.
func (q *intakeQueue) Enqueue(s Submission) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, s)

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front submission without blocking.
func (q *intakeQueue) TryDequeue() (Submission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Submission{}, false
	}

	s := q.items[0]
	// Clear the slot so the backing array does not pin the record.
	q.items[0] = Submission{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return s, true
}

// Wait returns a channel that signals when submissions may be available.
// The channel is closed when the queue is closed.
func (q *intakeQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *intakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// closedAndEmpty reports whether the queue is closed with nothing left to drain.
func (q *intakeQueue) closedAndEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Close stops further enqueues and wakes waiters.
func (q *intakeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
