package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"threatlens/internal/schema"
)

// ErrArchiverClosed is returned when writing to a closed archiver.
var ErrArchiverClosed = errors.New("s3: archiver is closed")

// objectStore is the slice of the S3 client the archiver needs.
type objectStore interface {
	Upload(ctx context.Context, input *UploadInput) (*UploadOutput, error)
	Download(ctx context.Context, key string) (*DownloadOutput, error)
	List(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error)
}

// AlertBatch is the payload written to S3: one gzipped JSON object per
// flush, holding the alerts raised during that window.
type AlertBatch struct {
	ID         string         `json:"batch_id"`
	AlertCount int            `json:"alert_count"`
	FirstAlert time.Time      `json:"first_alert"`
	LastAlert  time.Time      `json:"last_alert"`
	Alerts     []schema.Alert `json:"alerts"`
	CreatedAt  time.Time      `json:"created_at"`
}

// BatchManifest is the uncompressed sidecar written next to each
// batch so archives can be inventoried without downloading them.
type BatchManifest struct {
	BatchID         string    `json:"batch_id"`
	Key             string    `json:"key"`
	AlertCount      int       `json:"alert_count"`
	OriginalBytes   int64     `json:"original_bytes"`
	CompressedBytes int64     `json:"compressed_bytes"`
	FirstAlert      time.Time `json:"first_alert"`
	LastAlert       time.Time `json:"last_alert"`
	CreatedAt       time.Time `json:"created_at"`
}

// ArchiverConfig configures alert batching.
type ArchiverConfig struct {
	// BatchSize is the number of alerts that triggers a flush.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval bounds how long a partial batch sits in memory.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxBuffered caps the in-memory buffer when uploads fail.
	// Oldest alerts are dropped beyond this point.
	MaxBuffered int `yaml:"max_buffered"`
}

// DefaultArchiverConfig returns default archiver settings.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		BatchSize:     500,
		FlushInterval: time.Minute,
		MaxBuffered:   5000,
	}
}

// Archiver buffers alerts and flushes them to S3 as gzipped JSON
// batches. It satisfies the pipeline's alert sink interface, so it is
// attached to the pipeline alongside the ClickHouse writer.
type Archiver struct {
	store  objectStore
	config ArchiverConfig
	logger *slog.Logger

	mu         sync.Mutex
	buffer     []schema.Alert
	flushTimer *time.Timer
	closed     bool

	alertsArchived atomic.Int64
	batchesWritten atomic.Int64
	bytesWritten   atomic.Int64
	uploadFailures atomic.Int64
	alertsDropped  atomic.Int64
}

// NewArchiver creates an archiver writing through the given client.
func NewArchiver(client *Client, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	return newArchiver(client, cfg, logger)
}

func newArchiver(store objectStore, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.MaxBuffered < cfg.BatchSize {
		cfg.MaxBuffered = cfg.BatchSize * 10
	}

	a := &Archiver{
		store:  store,
		config: cfg,
		logger: logger.With("component", "alert_archive"),
		buffer: make([]schema.Alert, 0, cfg.BatchSize),
	}
	a.flushTimer = time.AfterFunc(cfg.FlushInterval, a.timerFlush)
	return a
}

// WriteAlerts buffers alerts for archival, flushing when the batch
// size is reached.
func (a *Archiver) WriteAlerts(ctx context.Context, alerts []schema.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrArchiverClosed
	}

	a.buffer = append(a.buffer, alerts...)
	if len(a.buffer) >= a.config.BatchSize {
		return a.flushLocked(ctx)
	}
	return nil
}

func (a *Archiver) timerFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if len(a.buffer) > 0 {
		if err := a.flushLocked(context.Background()); err != nil {
			a.logger.Error("Timed archive flush failed", "error", err)
		}
	}
	a.flushTimer.Reset(a.config.FlushInterval)
}

// Flush uploads any buffered alerts immediately.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buffer) == 0 {
		return nil
	}
	return a.flushLocked(ctx)
}

// flushLocked uploads the current buffer as one batch plus manifest.
// The buffer is retained on failure, capped at MaxBuffered.
func (a *Archiver) flushLocked(ctx context.Context) error {
	batchID := uuid.New().String()
	now := time.Now().UTC()

	first, last := a.buffer[0].CreatedAt, a.buffer[0].CreatedAt
	for _, alert := range a.buffer {
		if alert.CreatedAt.Before(first) {
			first = alert.CreatedAt
		}
		if alert.CreatedAt.After(last) {
			last = alert.CreatedAt
		}
	}

	batch := AlertBatch{
		ID:         batchID,
		AlertCount: len(a.buffer),
		FirstAlert: first,
		LastAlert:  last,
		Alerts:     a.buffer,
		CreatedAt:  now,
	}

	raw, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("s3: failed to marshal alert batch: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return fmt.Errorf("s3: failed to compress alert batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("s3: failed to compress alert batch: %w", err)
	}

	key := batchKey(now, batchID)
	_, err = a.store.Upload(ctx, &UploadInput{
		Key:         key,
		Body:        bytes.NewReader(buf.Bytes()),
		Size:        int64(buf.Len()),
		ContentType: "application/gzip",
		Metadata: map[string]string{
			"batch-id":      batchID,
			"alert-count":   fmt.Sprintf("%d", batch.AlertCount),
			"original-size": fmt.Sprintf("%d", len(raw)),
		},
	})
	if err != nil {
		a.uploadFailures.Add(1)
		a.capBufferLocked()
		return fmt.Errorf("s3: failed to upload alert batch %s: %w", batchID, err)
	}

	manifest := BatchManifest{
		BatchID:         batchID,
		Key:             key,
		AlertCount:      batch.AlertCount,
		OriginalBytes:   int64(len(raw)),
		CompressedBytes: int64(buf.Len()),
		FirstAlert:      first,
		LastAlert:       last,
		CreatedAt:       now,
	}
	if err := a.uploadManifest(ctx, manifest); err != nil {
		// The batch object landed, so the alerts are safe. Log and
		// move on rather than re-uploading the batch.
		a.uploadFailures.Add(1)
		a.logger.Warn("Failed to upload batch manifest",
			"batch_id", batchID,
			"error", err)
	}

	a.alertsArchived.Add(int64(batch.AlertCount))
	a.batchesWritten.Add(1)
	a.bytesWritten.Add(int64(buf.Len()))
	a.buffer = a.buffer[:0]

	a.logger.Info("Archived alert batch",
		"batch_id", batchID,
		"alerts", batch.AlertCount,
		"compressed_bytes", buf.Len())

	return nil
}

func (a *Archiver) uploadManifest(ctx context.Context, manifest BatchManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	_, err = a.store.Upload(ctx, &UploadInput{
		Key:         manifestKey(manifest.CreatedAt, manifest.BatchID),
		Body:        bytes.NewReader(data),
		Size:        int64(len(data)),
		ContentType: "application/json",
		Metadata:    map[string]string{"batch-id": manifest.BatchID},
	})
	return err
}

// capBufferLocked drops the oldest alerts once the retained buffer
// exceeds MaxBuffered. Upload failures must not grow memory forever.
func (a *Archiver) capBufferLocked() {
	if len(a.buffer) <= a.config.MaxBuffered {
		return
	}
	dropped := len(a.buffer) - a.config.MaxBuffered
	a.buffer = a.buffer[dropped:]
	a.alertsDropped.Add(int64(dropped))
	a.logger.Warn("Archive buffer full, dropped oldest alerts",
		"dropped", dropped,
		"retained", len(a.buffer))
}

// ReadBatch downloads and decodes an archived batch by manifest. Used
// by operators to inspect cold alert history.
func (a *Archiver) ReadBatch(ctx context.Context, manifest BatchManifest) (*AlertBatch, error) {
	out, err := a.store.Download(ctx, manifest.Key)
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	gz, err := gzip.NewReader(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to open archived batch %s: %w", manifest.BatchID, err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to read archived batch %s: %w", manifest.BatchID, err)
	}

	var batch AlertBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("s3: failed to decode archived batch %s: %w", manifest.BatchID, err)
	}
	return &batch, nil
}

// ListManifests returns manifests for batches archived on a given
// day.
func (a *Archiver) ListManifests(ctx context.Context, day time.Time) ([]BatchManifest, error) {
	prefix := "manifests/" + day.UTC().Format("2006/01/02") + "/"
	objects, err := a.store.List(ctx, prefix, 0)
	if err != nil {
		return nil, err
	}

	var manifests []BatchManifest
	for _, obj := range objects {
		out, err := a.store.Download(ctx, trimPrefix(obj.Key, a.storePrefix()))
		if err != nil {
			a.logger.Warn("Failed to download manifest", "key", obj.Key, "error", err)
			continue
		}
		data, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			continue
		}
		var manifest BatchManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			continue
		}
		manifests = append(manifests, manifest)
	}
	return manifests, nil
}

func (a *Archiver) storePrefix() string {
	if c, ok := a.store.(*Client); ok {
		return c.Prefix()
	}
	return ""
}

// trimPrefix strips a listing prefix and its separator from a key.
func trimPrefix(key, prefix string) string {
	if prefix != "" && len(key) > len(prefix)+1 && key[:len(prefix)] == prefix {
		return key[len(prefix)+1:]
	}
	return key
}

// Close flushes remaining alerts and stops the timer. Idempotent.
func (a *Archiver) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.flushTimer.Stop()

	var err error
	if len(a.buffer) > 0 {
		err = a.flushLocked(ctx)
	}
	a.closed = true
	return err
}

func batchKey(t time.Time, batchID string) string {
	return "batches/" + t.UTC().Format("2006/01/02") + "/" + batchID + ".json.gz"
}

func manifestKey(t time.Time, batchID string) string {
	return "manifests/" + t.UTC().Format("2006/01/02") + "/" + batchID + ".json"
}

// ArchiverMetrics contains archiver counters.
type ArchiverMetrics struct {
	AlertsArchived int64 `json:"alerts_archived"`
	BatchesWritten int64 `json:"batches_written"`
	BytesWritten   int64 `json:"bytes_written"`
	UploadFailures int64 `json:"upload_failures"`
	AlertsDropped  int64 `json:"alerts_dropped"`
	Pending        int   `json:"pending"`
}

// Metrics returns current archiver metrics.
func (a *Archiver) Metrics() ArchiverMetrics {
	a.mu.Lock()
	pending := len(a.buffer)
	a.mu.Unlock()

	return ArchiverMetrics{
		AlertsArchived: a.alertsArchived.Load(),
		BatchesWritten: a.batchesWritten.Load(),
		BytesWritten:   a.bytesWritten.Load(),
		UploadFailures: a.uploadFailures.Load(),
		AlertsDropped:  a.alertsDropped.Load(),
		Pending:        pending,
	}
}
