package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"threatlens/internal/schema"
)

// BatchWriterConfig holds configuration for the analysis batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// inserter is the subset of the client the writers need. Tests inject
// a fake.
type inserter interface {
	PrepareBatch(ctx context.Context, query string) (batchAppender, error)
}

// batchAppender mirrors driver.Batch for the operations the writers use.
type batchAppender interface {
	Append(args ...any) error
	Send() error
}

// clientInserter adapts ClickHouseClient to the inserter interface.
type clientInserter struct {
	client *ClickHouseClient
}

func (c clientInserter) PrepareBatch(ctx context.Context, query string) (batchAppender, error) {
	return c.client.PrepareBatch(ctx, query)
}

// AnalysisWriter buffers behavioral analyses and flushes them to
// ClickHouse in batches, by size or on a timer. It implements the
// pipeline's analysis sink.
type AnalysisWriter struct {
	db     inserter
	config BatchWriterConfig
	logger *slog.Logger

	buffer []schema.BehavioralAnalysis
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	// Metrics (accessed atomically)
	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewAnalysisWriter creates an AnalysisWriter backed by the client.
func NewAnalysisWriter(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *AnalysisWriter {
	return newAnalysisWriter(clientInserter{client: client}, cfg, logger)
}

func newAnalysisWriter(db inserter, cfg BatchWriterConfig, logger *slog.Logger) *AnalysisWriter {
	if logger == nil {
		logger = slog.Default()
	}
	w := &AnalysisWriter{
		db:     db,
		config: cfg,
		logger: logger.With("component", "analysis_writer"),
		buffer: make([]schema.BehavioralAnalysis, 0, cfg.BatchSize),
	}
	w.flushTimer = time.AfterFunc(cfg.FlushInterval, w.timerFlush)
	return w
}

// WriteAnalysis adds an analysis to the batch.
func (w *AnalysisWriter) WriteAnalysis(ctx context.Context, analysis *schema.BehavioralAnalysis) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	w.buffer = append(w.buffer, *analysis)

	if len(w.buffer) >= w.config.BatchSize {
		return w.flushLocked()
	}

	return nil
}

func (w *AnalysisWriter) timerFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	if len(w.buffer) > 0 {
		if err := w.flushLocked(); err != nil {
			w.logger.Error("timer flush failed", "error", err)
		}
	}

	w.flushTimer.Reset(w.config.FlushInterval)
}

// flushLocked flushes the buffer with retries. Caller must hold the lock.
func (w *AnalysisWriter) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	analyses := w.buffer
	w.buffer = make([]schema.BehavioralAnalysis, 0, w.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.config.RetryDelay * time.Duration(attempt))
		}

		if err := w.insertBatch(analyses); err != nil {
			lastErr = err
			w.logger.Warn("analysis batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", w.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&w.totalWritten, uint64(len(analyses)))
		atomic.AddUint64(&w.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&w.totalFailed, uint64(len(analyses)))
	return WrapBatchError("behavioral_analyses", lastErr, w.config.MaxRetries)
}

func (w *AnalysisWriter) insertBatch(analyses []schema.BehavioralAnalysis) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := w.db.PrepareBatch(ctx, `
		INSERT INTO behavioral_analyses (
			user_id, anomaly_score, risk_level,
			patterns, anomalies, event_count, analyzed_at
		)
	`)
	if err != nil {
		return WrapQueryError("PrepareBatch", "behavioral_analyses", err)
	}

	for i := range analyses {
		a := &analyses[i]
		patterns, _ := json.Marshal(a.Patterns)
		anomalies, _ := json.Marshal(a.Anomalies)

		err := batch.Append(
			a.UserID,
			a.AnomalyScore,
			string(a.RiskLevel),
			string(patterns),
			string(anomalies),
			uint32(a.EventCount),
			a.AnalyzedAt,
		)
		if err != nil {
			return WrapQueryError("Append", "behavioral_analyses", err)
		}
	}

	if err := batch.Send(); err != nil {
		return WrapQueryError("Send", "behavioral_analyses", err)
	}

	w.logger.Debug("analysis batch inserted", "count", len(analyses))
	return nil
}

// Flush forces a flush of the current buffer.
func (w *AnalysisWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close stops the flush timer and writes any buffered analyses.
func (w *AnalysisWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.flushTimer.Stop()
	err := w.flushLocked()
	w.closed = true
	return err
}

// Metrics returns writer statistics.
func (w *AnalysisWriter) Metrics() WriterMetrics {
	w.mu.Lock()
	pending := len(w.buffer)
	w.mu.Unlock()

	return WriterMetrics{
		Written: atomic.LoadUint64(&w.totalWritten),
		Failed:  atomic.LoadUint64(&w.totalFailed),
		Batches: atomic.LoadUint64(&w.batchCount),
		Pending: pending,
	}
}

// WriterMetrics holds writer statistics.
type WriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// AlertWriter writes alerts to ClickHouse as they are created. Alert
// volume is low after gating, so writes are synchronous with no
// buffering. It implements the pipeline's alert sink.
type AlertWriter struct {
	db     inserter
	logger *slog.Logger

	totalWritten uint64
}

// NewAlertWriter creates an AlertWriter backed by the client.
func NewAlertWriter(client *ClickHouseClient, logger *slog.Logger) *AlertWriter {
	return newAlertWriter(clientInserter{client: client}, logger)
}

func newAlertWriter(db inserter, logger *slog.Logger) *AlertWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertWriter{
		db:     db,
		logger: logger.With("component", "alert_writer"),
	}
}

// WriteAlerts inserts the alerts in one batch.
func (w *AlertWriter) WriteAlerts(ctx context.Context, alerts []schema.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	batch, err := w.db.PrepareBatch(ctx, `
		INSERT INTO alerts (
			id, user_id, threat_type, severity, priority,
			risk_score, confidence, title, description,
			evidence, recommended_actions, status, created_at, updated_at
		)
	`)
	if err != nil {
		return WrapQueryError("PrepareBatch", "alerts", err)
	}

	for i := range alerts {
		a := &alerts[i]
		evidence, _ := json.Marshal(a.Evidence)

		err := batch.Append(
			a.ID,
			a.UserID,
			string(a.ThreatType),
			string(a.Severity),
			string(a.Priority),
			a.RiskScore,
			a.Confidence,
			a.Title,
			a.Description,
			string(evidence),
			a.RecommendedActions,
			string(a.Status),
			a.CreatedAt,
			a.UpdatedAt,
		)
		if err != nil {
			return WrapQueryError("Append", "alerts", err)
		}
	}

	if err := batch.Send(); err != nil {
		return WrapQueryError("Send", "alerts", err)
	}

	atomic.AddUint64(&w.totalWritten, uint64(len(alerts)))
	w.logger.Debug("alerts inserted", "count", len(alerts))
	return nil
}

// Written returns the number of alerts written.
func (w *AlertWriter) Written() uint64 {
	return atomic.LoadUint64(&w.totalWritten)
}
