// Package consumer provides the worker pool that drains the event
// queue into the analysis pipeline.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"threatlens/internal/config"
	"threatlens/internal/queue"
	"threatlens/internal/schema"
)

// batchProcessor is the slice of the pipeline the workers call.
type batchProcessor interface {
	ProcessBatch(ctx context.Context, userID string, events []schema.Event) ([]schema.Alert, error)
}

// DefaultConfig returns the default worker pool configuration.
func DefaultConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Count:        4,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Consumer pops per-user batches off the queue and runs them through
// the pipeline.
type Consumer struct {
	queue    *queue.RingBuffer
	pipeline batchProcessor
	config   config.WorkerConfig
	logger   *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}

	// Metrics
	consumed uint64
	alerts   uint64
	errors   uint64
}

// New creates a new Consumer.
func New(q *queue.RingBuffer, pipeline batchProcessor, cfg config.WorkerConfig, logger *slog.Logger) *Consumer {
	if cfg.Count <= 0 {
		cfg.Count = DefaultConfig().Count
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Consumer{
		queue:    q,
		pipeline: pipeline,
		config:   cfg,
		logger:   logger.With("component", "consumer"),
		done:     make(chan struct{}),
	}
}

// Start starts the worker goroutines.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Count; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	c.logger.Info("Pipeline workers started", "workers", c.config.Count)
}

// worker is a single worker goroutine.
func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	c.logger.Debug("Worker started", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Worker stopping (context)", "worker_id", id)
			return
		case <-c.done:
			c.logger.Debug("Worker stopping (done)", "worker_id", id)
			return
		default:
			batch, err := c.queue.PopWithTimeout(c.config.PollInterval)
			if err != nil {
				if err == queue.ErrQueueEmpty {
					continue
				}
				if err == queue.ErrQueueClosed {
					return
				}
				c.logger.Warn("Unexpected queue error", "worker_id", id, "error", err)
				atomic.AddUint64(&c.errors, 1)
				continue
			}

			alerts, err := c.pipeline.ProcessBatch(ctx, batch.UserID, batch.Events)
			if err != nil {
				c.logger.Error("Batch processing failed",
					"worker_id", id,
					"user_id", batch.UserID,
					"events", len(batch.Events),
					"error", err,
				)
				atomic.AddUint64(&c.errors, 1)
				continue
			}

			atomic.AddUint64(&c.consumed, 1)
			atomic.AddUint64(&c.alerts, uint64(len(alerts)))
		}
	}
}

// Stop stops the workers gracefully, draining in-flight batches up
// to the shutdown wait.
func (c *Consumer) Stop() {
	close(c.done)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Pipeline workers stopped")
	case <-time.After(c.config.ShutdownWait):
		c.logger.Warn("Worker shutdown timed out")
	}
}

// Metrics returns worker pool statistics.
func (c *Consumer) Metrics() Metrics {
	return Metrics{
		BatchesConsumed: atomic.LoadUint64(&c.consumed),
		AlertsRaised:    atomic.LoadUint64(&c.alerts),
		Errors:          atomic.LoadUint64(&c.errors),
	}
}

// Metrics holds worker pool statistics.
type Metrics struct {
	BatchesConsumed uint64 `json:"batches_consumed"`
	AlertsRaised    uint64 `json:"alerts_raised"`
	Errors          uint64 `json:"errors"`
}
