package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"threatlens/internal/schema"
)

func newTestBatch(userID string, n int) *Batch {
	events := make([]schema.Event, n)
	for i := range events {
		events[i] = schema.Event{
			UserID:    userID,
			EventType: schema.EventFileAccess,
			Timestamp: time.Now().UTC(),
		}
	}
	return &Batch{
		UserID:     userID,
		Events:     events,
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestNewRingBuffer(t *testing.T) {
	t.Run("with valid size", func(t *testing.T) {
		rb := NewRingBuffer(100)
		if rb.Cap() != 100 {
			t.Errorf("Cap() = %d, want 100", rb.Cap())
		}
		if rb.Len() != 0 {
			t.Errorf("Len() = %d, want 0", rb.Len())
		}
	})

	t.Run("with zero size uses default", func(t *testing.T) {
		rb := NewRingBuffer(0)
		if rb.Cap() != 10000 {
			t.Errorf("Cap() = %d, want 10000 (default)", rb.Cap())
		}
	})
}

func TestRingBuffer_PushPop(t *testing.T) {
	rb := NewRingBuffer(10)

	if err := rb.Push(newTestBatch("alice", 3)); err != nil {
		t.Errorf("Push() error = %v", err)
	}
	if rb.Len() != 1 {
		t.Errorf("Len() = %d, want 1", rb.Len())
	}

	batch, err := rb.Pop()
	if err != nil {
		t.Errorf("Pop() error = %v", err)
	}
	if batch == nil || batch.UserID != "alice" || len(batch.Events) != 3 {
		t.Errorf("Pop() returned unexpected batch: %+v", batch)
	}

	if _, err := rb.Pop(); err != ErrQueueEmpty {
		t.Errorf("Pop() on empty error = %v, want ErrQueueEmpty", err)
	}
}

func TestRingBuffer_FIFO(t *testing.T) {
	rb := NewRingBuffer(10)

	for i := 0; i < 5; i++ {
		if err := rb.Push(newTestBatch(fmt.Sprintf("user-%d", i), 1)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		batch, err := rb.Pop()
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		want := fmt.Sprintf("user-%d", i)
		if batch.UserID != want {
			t.Errorf("Pop() returned batch for %s, want %s", batch.UserID, want)
		}
	}
}

func TestRingBuffer_Full(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 0; i < 3; i++ {
		if err := rb.Push(newTestBatch("bob", 1)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	if !rb.IsFull() {
		t.Error("IsFull() = false, want true")
	}

	if err := rb.Push(newTestBatch("bob", 1)); err != ErrQueueFull {
		t.Errorf("Push() error = %v, want ErrQueueFull", err)
	}

	metrics := rb.Metrics()
	if metrics.Dropped != 1 {
		t.Errorf("Metrics().Dropped = %d, want 1", metrics.Dropped)
	}
}

func TestRingBuffer_Wrap(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 0; i < 3; i++ {
		rb.Push(newTestBatch("carol", 1))
	}
	rb.Pop()
	rb.Pop()

	for i := 0; i < 2; i++ {
		if err := rb.Push(newTestBatch("carol", 1)); err != nil {
			t.Errorf("Push() error = %v after wrap", err)
		}
	}

	if rb.Len() != 3 {
		t.Errorf("Len() = %d, want 3", rb.Len())
	}
}

func TestRingBuffer_Metrics(t *testing.T) {
	rb := NewRingBuffer(5)

	m := rb.Metrics()
	if m.Pushed != 0 || m.Popped != 0 || m.Dropped != 0 || m.Events != 0 {
		t.Errorf("Initial metrics = %+v, want all zeros", m)
	}

	rb.Push(newTestBatch("dave", 4))
	rb.Push(newTestBatch("dave", 6))

	m = rb.Metrics()
	if m.Pushed != 2 {
		t.Errorf("Pushed = %d, want 2", m.Pushed)
	}
	if m.Events != 10 {
		t.Errorf("Events = %d, want 10", m.Events)
	}
	if m.Depth != 2 {
		t.Errorf("Depth = %d, want 2", m.Depth)
	}

	rb.Pop()

	m = rb.Metrics()
	if m.Popped != 1 {
		t.Errorf("Popped = %d, want 1", m.Popped)
	}
	if m.Depth != 1 {
		t.Errorf("Depth = %d, want 1", m.Depth)
	}
}

func TestRingBuffer_Close(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Push(newTestBatch("erin", 1))

	rb.Close()

	if err := rb.Push(newTestBatch("erin", 1)); err != ErrQueueClosed {
		t.Errorf("Push() error = %v, want ErrQueueClosed", err)
	}

	// Queued batches drain after close.
	batch, err := rb.Pop()
	if err != nil {
		t.Errorf("Pop() error = %v", err)
	}
	if batch == nil {
		t.Error("Pop() returned nil")
	}

	if _, err := rb.Pop(); err != ErrQueueClosed {
		t.Errorf("Pop() on drained closed queue error = %v, want ErrQueueClosed", err)
	}

	if _, err := rb.PopBlocking(); err != ErrQueueClosed {
		t.Errorf("PopBlocking() error = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_PopBlocking(t *testing.T) {
	rb := NewRingBuffer(10)

	go func() {
		time.Sleep(50 * time.Millisecond)
		rb.Push(newTestBatch("frank", 1))
	}()

	start := time.Now()
	batch, err := rb.PopBlocking()
	elapsed := time.Since(start)

	if err != nil {
		t.Errorf("PopBlocking() error = %v", err)
	}
	if batch == nil {
		t.Error("PopBlocking() returned nil")
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("PopBlocking() returned too quickly: %v", elapsed)
	}
}

func TestRingBuffer_PopWithTimeout(t *testing.T) {
	rb := NewRingBuffer(10)

	t.Run("timeout on empty queue", func(t *testing.T) {
		start := time.Now()
		_, err := rb.PopWithTimeout(50 * time.Millisecond)
		elapsed := time.Since(start)

		if err != ErrQueueEmpty {
			t.Errorf("PopWithTimeout() error = %v, want ErrQueueEmpty", err)
		}
		if elapsed < 40*time.Millisecond {
			t.Errorf("PopWithTimeout() returned too quickly: %v", elapsed)
		}
	})

	t.Run("returns batch if available", func(t *testing.T) {
		rb.Push(newTestBatch("grace", 1))

		batch, err := rb.PopWithTimeout(100 * time.Millisecond)
		if err != nil {
			t.Errorf("PopWithTimeout() error = %v", err)
		}
		if batch == nil {
			t.Error("PopWithTimeout() returned nil")
		}
	})
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(100)

	const numProducers = 5
	const numConsumers = 3
	const batchesPerProducer = 100

	var wg sync.WaitGroup
	var consumed uint64

	for i := 0; i < numProducers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < batchesPerProducer; j++ {
				// Drops are expected when the queue is full.
				rb.Push(newTestBatch(fmt.Sprintf("user-%d", id), 1))
			}
		}(i)
	}

	done := make(chan struct{})
	for i := 0; i < numConsumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					for {
						if _, err := rb.Pop(); err != nil {
							return
						}
						atomic.AddUint64(&consumed, 1)
					}
				default:
					if _, err := rb.Pop(); err == nil {
						atomic.AddUint64(&consumed, 1)
					} else {
						time.Sleep(time.Microsecond)
					}
				}
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	close(done)
	wg.Wait()

	metrics := rb.Metrics()
	total := uint64(numProducers * batchesPerProducer)
	if metrics.Pushed+metrics.Dropped != total {
		t.Errorf("Pushed(%d) + Dropped(%d) = %d, want %d",
			metrics.Pushed, metrics.Dropped, metrics.Pushed+metrics.Dropped, total)
	}
	if atomic.LoadUint64(&consumed) != metrics.Popped {
		t.Errorf("consumed %d batches, Popped metric = %d", consumed, metrics.Popped)
	}
}
