package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"threatlens/internal/queue"
	"threatlens/internal/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Brokers) == 0 {
		t.Error("expected default brokers")
	}
	if cfg.EventsTopic == "" || cfg.AlertsTopic == "" {
		t.Error("expected default topics")
	}
	if cfg.ConsumerGroup == "" {
		t.Error("expected default consumer group")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "no brokers",
			modify: func(c *Config) {
				c.Brokers = nil
			},
			wantErr: true,
		},
		{
			name: "empty events topic",
			modify: func(c *Config) {
				c.EventsTopic = ""
			},
			wantErr: true,
		},
		{
			name: "empty alerts topic",
			modify: func(c *Config) {
				c.AlertsTopic = ""
			},
			wantErr: true,
		},
		{
			name: "zero partitions",
			modify: func(c *Config) {
				c.Partitions = 0
			},
			wantErr: true,
		},
		{
			name: "invalid security protocol",
			modify: func(c *Config) {
				c.SecurityProtocol = "KERBEROS"
			},
			wantErr: true,
		},
		{
			name: "SASL without credentials",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
			},
			wantErr: true,
		},
		{
			name: "SASL with credentials",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "SCRAM-SHA-256"
				c.SASLUsername = "analyzer"
				c.SASLPassword = "secret"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetCompression(t *testing.T) {
	tests := []struct {
		compression string
		expected    kafkago.Compression
	}{
		{"gzip", kafkago.Gzip},
		{"snappy", kafkago.Snappy},
		{"lz4", kafkago.Lz4},
		{"zstd", kafkago.Zstd},
		{"none", 0},
		{"", 0},
	}

	for _, tt := range tests {
		cfg := &Config{CompressionType: tt.compression}
		if got := cfg.GetCompression(); got != tt.expected {
			t.Errorf("GetCompression(%q) = %v, want %v", tt.compression, got, tt.expected)
		}
	}
}

func TestGetDialer(t *testing.T) {
	cfg := DefaultConfig()
	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer.TLS != nil {
		t.Error("expected no TLS for PLAINTEXT")
	}
	if dialer.SASLMechanism != nil {
		t.Error("expected no SASL for PLAINTEXT")
	}
}

func TestGetDialerWithTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SecurityProtocol = "SSL"
	cfg.TLSSkipVerify = true

	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer.TLS == nil {
		t.Fatal("expected TLS config for SSL")
	}
	if !dialer.TLS.InsecureSkipVerify {
		t.Error("expected skip verify to carry through")
	}
}

// fakeWriter records written messages and can fail a set number of
// times before succeeding.
type fakeWriter struct {
	mu        sync.Mutex
	messages  []kafkago.Message
	failTimes int
	err       error
	closed    bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failTimes > 0 {
		w.failTimes--
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func testProducer(writer messageWriter) *AlertProducer {
	cfg := DefaultConfig()
	cfg.ProducerMaxRetries = 2
	cfg.ProducerRetryBackoff = time.Millisecond
	return &AlertProducer{
		writer:  writer,
		config:  cfg,
		logger:  discardLogger(),
		metrics: &producerMetrics{},
	}
}

func testAlerts(n int) []schema.Alert {
	alerts := make([]schema.Alert, n)
	for i := range alerts {
		alerts[i] = schema.Alert{
			ID:         "alert-" + string(rune('a'+i)),
			UserID:     "alice",
			ThreatType: schema.ThreatDataExfiltration,
			Severity:   schema.SeverityHigh,
			Status:     schema.StatusOpen,
			CreatedAt:  time.Now().UTC(),
		}
	}
	return alerts
}

func TestPublishAlerts(t *testing.T) {
	writer := &fakeWriter{}
	producer := testProducer(writer)

	if err := producer.PublishAlerts(context.Background(), testAlerts(2)); err != nil {
		t.Fatalf("PublishAlerts() error = %v", err)
	}

	if len(writer.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(writer.messages))
	}
	if string(writer.messages[0].Key) != "alice" {
		t.Errorf("message key = %q, want user ID", writer.messages[0].Key)
	}

	var alert schema.Alert
	if err := json.Unmarshal(writer.messages[0].Value, &alert); err != nil {
		t.Fatalf("message value is not an alert: %v", err)
	}
	if alert.ThreatType != schema.ThreatDataExfiltration {
		t.Errorf("alert threat type = %q", alert.ThreatType)
	}

	foundHeader := false
	for _, h := range writer.messages[0].Headers {
		if h.Key == "alert-id" && string(h.Value) == alert.ID {
			foundHeader = true
		}
	}
	if !foundHeader {
		t.Error("expected alert-id header")
	}

	metrics := producer.GetMetrics()
	if metrics.MessagesProduced != 2 {
		t.Errorf("MessagesProduced = %d, want 2", metrics.MessagesProduced)
	}
}

func TestPublishAlerts_Empty(t *testing.T) {
	writer := &fakeWriter{}
	producer := testProducer(writer)

	if err := producer.PublishAlerts(context.Background(), nil); err != nil {
		t.Fatalf("PublishAlerts(nil) error = %v", err)
	}
	if len(writer.messages) != 0 {
		t.Error("expected no messages for empty publish")
	}
}

func TestPublishAlerts_RetriesTransientError(t *testing.T) {
	writer := &fakeWriter{failTimes: 1, err: errors.New("broker flapping")}
	producer := testProducer(writer)

	if err := producer.PublishAlerts(context.Background(), testAlerts(1)); err != nil {
		t.Fatalf("PublishAlerts() should succeed after retry: %v", err)
	}
	if producer.GetMetrics().Retries != 1 {
		t.Errorf("Retries = %d, want 1", producer.GetMetrics().Retries)
	}
}

func TestPublishAlerts_ExhaustsRetries(t *testing.T) {
	writer := &fakeWriter{failTimes: 10, err: errors.New("broker down")}
	producer := testProducer(writer)

	err := producer.PublishAlerts(context.Background(), testAlerts(1))
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if producer.GetMetrics().Errors == 0 {
		t.Error("expected error metric")
	}
}

func TestPublishAlerts_NonRetryable(t *testing.T) {
	writer := &fakeWriter{failTimes: 10, err: kafkago.MessageSizeTooLarge}
	producer := testProducer(writer)

	err := producer.PublishAlerts(context.Background(), testAlerts(1))
	if err == nil {
		t.Fatal("expected error")
	}
	// Only one attempt for a non-retryable failure.
	if writer.failTimes != 9 {
		t.Errorf("expected single attempt, %d fail budget left", writer.failTimes)
	}
}

func TestProducerClosed(t *testing.T) {
	writer := &fakeWriter{}
	producer := testProducer(writer)

	if err := producer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !writer.closed {
		t.Error("expected underlying writer to be closed")
	}

	err := producer.PublishAlerts(context.Background(), testAlerts(1))
	if !errors.Is(err, ErrProducerClosed) {
		t.Errorf("PublishAlerts() after Close error = %v, want ErrProducerClosed", err)
	}

	// Second Close is a no-op.
	if err := producer.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

// --- batch handler ---

func batchMessage(t *testing.T, userID string, events []schema.Event) Message {
	t.Helper()
	value, err := json.Marshal(EventBatchMessage{UserID: userID, Events: events})
	if err != nil {
		t.Fatalf("failed to marshal batch: %v", err)
	}
	return Message{Topic: "threatlens.events", Value: value}
}

func validEvents(userID string, n int) []schema.Event {
	events := make([]schema.Event, n)
	for i := range events {
		events[i] = schema.Event{
			UserID:    userID,
			EventType: schema.EventFileAccess,
			Timestamp: time.Now().UTC().Add(-time.Minute),
			EventData: map[string]any{"file_path": "/srv/reports/q3.xlsx"},
		}
	}
	return events
}

func TestBatchHandler_EnqueuesValidBatch(t *testing.T) {
	q := queue.NewRingBuffer(10)
	handler := BatchHandler(q, schema.NewValidator(), discardLogger())

	msg := batchMessage(t, "alice", validEvents("alice", 3))
	if err := handler(context.Background(), msg); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	batch, err := q.Pop()
	if err != nil {
		t.Fatalf("expected enqueued batch: %v", err)
	}
	if batch.UserID != "alice" || len(batch.Events) != 3 {
		t.Errorf("batch = %s/%d events, want alice/3", batch.UserID, len(batch.Events))
	}
	if batch.Events[0].ReceivedAt.IsZero() {
		t.Error("expected ReceivedAt to be stamped")
	}
}

func TestBatchHandler_InheritsBatchUser(t *testing.T) {
	q := queue.NewRingBuffer(10)
	handler := BatchHandler(q, schema.NewValidator(), discardLogger())

	events := validEvents("", 2)
	msg := batchMessage(t, "bob", events)
	if err := handler(context.Background(), msg); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	batch, err := q.Pop()
	if err != nil {
		t.Fatalf("expected enqueued batch: %v", err)
	}
	for _, event := range batch.Events {
		if event.UserID != "bob" {
			t.Errorf("event user = %q, want bob", event.UserID)
		}
	}
}

func TestBatchHandler_DropsMalformedMessage(t *testing.T) {
	q := queue.NewRingBuffer(10)
	handler := BatchHandler(q, schema.NewValidator(), discardLogger())

	msg := Message{Value: []byte("{not json")}
	if err := handler(context.Background(), msg); err != nil {
		t.Fatalf("malformed message should be dropped, not retried: %v", err)
	}
	if q.Len() != 0 {
		t.Error("expected nothing enqueued")
	}
}

func TestBatchHandler_DropsMismatchedAndInvalidEvents(t *testing.T) {
	q := queue.NewRingBuffer(10)
	handler := BatchHandler(q, schema.NewValidator(), discardLogger())

	events := validEvents("alice", 1)
	events = append(events, schema.Event{
		UserID:    "mallory",
		EventType: schema.EventFileAccess,
		Timestamp: time.Now().UTC(),
	})
	events = append(events, schema.Event{
		UserID:    "alice",
		EventType: "telepathy",
		Timestamp: time.Now().UTC(),
	})

	msg := batchMessage(t, "alice", events)
	if err := handler(context.Background(), msg); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	batch, err := q.Pop()
	if err != nil {
		t.Fatalf("expected enqueued batch: %v", err)
	}
	if len(batch.Events) != 1 {
		t.Errorf("expected only the valid event, got %d", len(batch.Events))
	}
}

func TestBatchHandler_AllInvalidIsDropped(t *testing.T) {
	q := queue.NewRingBuffer(10)
	handler := BatchHandler(q, schema.NewValidator(), discardLogger())

	msg := batchMessage(t, "alice", []schema.Event{
		{UserID: "alice", EventType: "telepathy", Timestamp: time.Now().UTC()},
	})
	if err := handler(context.Background(), msg); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if q.Len() != 0 {
		t.Error("expected nothing enqueued")
	}
}

func TestBatchHandler_QueueFullIsRetryable(t *testing.T) {
	q := queue.NewRingBuffer(1)
	q.Push(&queue.Batch{UserID: "filler", Events: validEvents("filler", 1)})

	handler := BatchHandler(q, schema.NewValidator(), discardLogger())
	msg := batchMessage(t, "alice", validEvents("alice", 1))

	err := handler(context.Background(), msg)
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Errorf("handler error = %v, want ErrQueueFull for redelivery", err)
	}
}
