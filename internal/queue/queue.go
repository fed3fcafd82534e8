// Package queue provides a thread-safe ring buffer of per-user event
// batches, decoupling ingestion from pipeline workers.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"threatlens/internal/schema"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// Batch is one user's events awaiting analysis. Batches are the unit of
// work because scoring and detection operate on a user's activity as a
// whole, not on single events.
type Batch struct {
	UserID     string
	Events     []schema.Event
	EnqueuedAt time.Time
}

// RingBuffer is a fixed-capacity circular buffer of batches.
type RingBuffer struct {
	buffer []*Batch
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	// Metrics (accessed atomically)
	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
	totalEvents  uint64
}

// NewRingBuffer creates a RingBuffer with the specified capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10000
	}

	rb := &RingBuffer{
		buffer: make([]*Batch, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds a batch to the queue.
// Returns ErrQueueFull if the queue is at capacity.
func (rb *RingBuffer) Push(batch *Batch) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}

	if rb.count == rb.size {
		atomic.AddUint64(&rb.totalDropped, 1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = batch
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	atomic.AddUint64(&rb.totalPushed, 1)
	atomic.AddUint64(&rb.totalEvents, uint64(len(batch.Events)))

	// Signal waiting consumers
	rb.cond.Signal()
	return nil
}

// Pop removes and returns a batch from the queue.
// Returns ErrQueueEmpty if the queue is empty.
func (rb *RingBuffer) Pop() (*Batch, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}

	return rb.popLocked(), nil
}

// PopBlocking removes and returns a batch from the queue.
// Blocks until a batch is available or the queue is closed.
func (rb *RingBuffer) PopBlocking() (*Batch, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}

	if rb.closed && rb.count == 0 {
		return nil, ErrQueueClosed
	}

	return rb.popLocked(), nil
}

// PopWithTimeout removes and returns a batch from the queue.
// Returns ErrQueueEmpty if no batch is available within the timeout.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*Batch, error) {
	deadline := time.Now().Add(timeout)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrQueueEmpty
		}

		// Wake the waiter once the deadline passes.
		timer := time.AfterFunc(remaining, func() {
			rb.mu.Lock()
			rb.cond.Broadcast()
			rb.mu.Unlock()
		})

		rb.cond.Wait()
		timer.Stop()
	}

	if rb.closed && rb.count == 0 {
		return nil, ErrQueueClosed
	}

	if rb.count == 0 {
		return nil, ErrQueueEmpty
	}

	return rb.popLocked(), nil
}

func (rb *RingBuffer) popLocked() *Batch {
	batch := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil // Allow GC
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)
	return batch
}

// Len returns the current number of batches in the queue.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// IsFull returns true if the queue is at capacity.
func (rb *RingBuffer) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == rb.size
}

// IsEmpty returns true if the queue is empty.
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == 0
}

// Close closes the queue and wakes up any waiting consumers.
// Batches already queued can still be popped.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() Metrics {
	return Metrics{
		Pushed:   atomic.LoadUint64(&rb.totalPushed),
		Popped:   atomic.LoadUint64(&rb.totalPopped),
		Dropped:  atomic.LoadUint64(&rb.totalDropped),
		Events:   atomic.LoadUint64(&rb.totalEvents),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// Metrics holds statistics about queue operations.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Events   uint64 `json:"events"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
