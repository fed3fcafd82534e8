package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"threatlens/internal/alerting"
	"threatlens/internal/behavior"
	"threatlens/internal/detect"
	"threatlens/internal/features"
	"threatlens/internal/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(opts ...Option) (*Pipeline, *behavior.Scorer) {
	logger := discardLogger()
	scorer := behavior.NewScorer(behavior.DefaultScorerConfig(), nil, logger)
	p := New(
		schema.NewValidator(),
		features.NewExtractor(features.DefaultConfig()),
		scorer,
		detect.NewDefaultDetector(nil, logger),
		alerting.NewManager(alerting.DefaultManagerConfig(), logger),
		logger,
		opts...,
	)
	return p, scorer
}

// trainBaseline installs a quiet daytime profile so a deviant batch
// scores maximally anomalous.
func trainBaseline(t *testing.T, scorer *behavior.Scorer, userID string) {
	t.Helper()
	samples := make([]schema.FeatureVector, 10)
	for i := range samples {
		samples[i] = schema.FeatureVector{
			"total_file_accesses": 10,
			"work_hours_ratio":    0.9,
		}
	}
	trained, err := scorer.UpdateBaseline(context.Background(), userID, samples)
	if err != nil || !trained {
		t.Fatalf("UpdateBaseline = (%v, %v), want trained", trained, err)
	}
}

// deviantBatch builds an off-hours batch of file accesses plus failed
// logins for a user whose baseline expects daytime activity.
func deviantBatch(userID string) []schema.Event {
	day := time.Now().UTC().AddDate(0, 0, -1)
	atNight := time.Date(day.Year(), day.Month(), day.Day(), 2, 0, 0, 0, time.UTC)

	events := make([]schema.Event, 0, 25)
	for i := 0; i < 20; i++ {
		events = append(events, schema.Event{
			UserID:    userID,
			EventType: schema.EventFileAccess,
			Timestamp: atNight,
			EventData: map[string]any{"file_path": "/home/notes.txt", "file_size": 1000.0},
		})
	}
	for i := 0; i < 5; i++ {
		events = append(events, schema.Event{
			UserID:    userID,
			EventType: schema.EventLogin,
			Timestamp: atNight,
			EventData: map[string]any{"success": false},
		})
	}
	return events
}

func fileEvent(userID string, size float64) schema.Event {
	return schema.Event{
		UserID:    userID,
		EventType: schema.EventFileAccess,
		Timestamp: time.Now().Add(-time.Minute),
		EventData: map[string]any{
			"file_path": "/data/export.csv",
			"file_size": size,
		},
	}
}

type recordingSink struct {
	mu       sync.Mutex
	analyses []schema.BehavioralAnalysis
	alerts   []schema.Alert
	err      error
}

func (r *recordingSink) WriteAnalysis(_ context.Context, a *schema.BehavioralAnalysis) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyses = append(r.analyses, *a)
	return nil
}

func (r *recordingSink) WriteAlerts(_ context.Context, alerts []schema.Alert) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alerts...)
	return nil
}

func (r *recordingSink) PublishAlerts(ctx context.Context, alerts []schema.Alert) error {
	return r.WriteAlerts(ctx, alerts)
}

// ---
// Batch processing
// ---

func TestProcessBatch_EndToEnd(t *testing.T) {
	p, scorer := newTestPipeline()
	trainBaseline(t, scorer, "alice")

	// An off-hours burst against a daytime baseline maxes the anomaly
	// score; the anomaly, entry and fusion threats merge into a single
	// anomalous-behavior alert, alongside the after-hours and
	// failed-login rule alerts.
	alerts, err := p.ProcessBatch(context.Background(), "alice", deviantBatch("alice"))
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if len(alerts) != 3 {
		t.Fatalf("got %d alerts, want 3", len(alerts))
	}

	var anomalous *schema.Alert
	for i := range alerts {
		if alerts[i].UserID != "alice" {
			t.Errorf("UserID = %q", alerts[i].UserID)
		}
		if alerts[i].ThreatType == schema.ThreatAnomalousBehavior {
			anomalous = &alerts[i]
		}
	}
	if anomalous == nil {
		t.Fatal("no anomalous_behavior alert raised")
	}
	if anomalous.Severity != schema.SeverityHigh {
		t.Errorf("Severity = %q, want high", anomalous.Severity)
	}
}

func TestProcessBatch_NoBaselineNoAnomalyAlert(t *testing.T) {
	p, _ := newTestPipeline()

	// Without a baseline the anomaly score floors at 0.3, so the same
	// deviant batch raises only the rule alerts, nothing anomaly-driven.
	alerts, err := p.ProcessBatch(context.Background(), "newcomer", deviantBatch("newcomer"))
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if len(alerts) != 2 {
		t.Errorf("got %d alerts without baseline, want 2", len(alerts))
	}
	for _, a := range alerts {
		if a.ThreatType == schema.ThreatAnomalousBehavior {
			t.Errorf("anomalous_behavior alert raised without a baseline")
		}
	}
}

func TestProcessBatch_EmptyUserID(t *testing.T) {
	p, _ := newTestPipeline()
	_, err := p.ProcessBatch(context.Background(), "", nil)
	if !errors.Is(err, ErrEmptyUserID) {
		t.Errorf("err = %v, want ErrEmptyUserID", err)
	}
}

func TestProcessBatch_UserMismatchIsHardFailure(t *testing.T) {
	p, _ := newTestPipeline()

	events := []schema.Event{
		fileEvent("bob", 1000),
		fileEvent("mallory", 1000),
	}

	_, err := p.ProcessBatch(context.Background(), "bob", events)
	if !errors.Is(err, ErrUserMismatch) {
		t.Fatalf("err = %v, want ErrUserMismatch", err)
	}
}

func TestProcessBatch_InvalidEventsDropped(t *testing.T) {
	p, _ := newTestPipeline()

	events := []schema.Event{
		fileEvent("carol", 1000),
		{UserID: "carol", EventType: "bogus_type", Timestamp: time.Now()},
		{UserID: "carol", EventType: schema.EventFileAccess}, // zero timestamp
	}

	alerts, err := p.ProcessBatch(context.Background(), "carol", events)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("got %d alerts, want 0", len(alerts))
	}

	stats := p.Stats()
	if stats["events_accepted"].(uint64) != 1 {
		t.Errorf("events_accepted = %v, want 1", stats["events_accepted"])
	}
	if stats["events_rejected"].(uint64) != 2 {
		t.Errorf("events_rejected = %v, want 2", stats["events_rejected"])
	}
}

func TestProcessBatch_EmptyBatchIsQuiet(t *testing.T) {
	p, _ := newTestPipeline()

	alerts, err := p.ProcessBatch(context.Background(), "dave", nil)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("got %d alerts for empty batch, want 0", len(alerts))
	}
}

// ---
// Sinks and publisher
// ---

func TestProcessBatch_SinksReceiveOutput(t *testing.T) {
	sink := &recordingSink{}
	p, scorer := newTestPipeline(
		WithAnalysisSink(sink),
		WithAlertSink(sink),
		WithAlertPublisher(sink),
	)
	trainBaseline(t, scorer, "erin")

	alerts, err := p.ProcessBatch(context.Background(), "erin", deviantBatch("erin"))
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if len(alerts) == 0 {
		t.Fatal("no alerts raised")
	}

	if len(sink.analyses) != 1 {
		t.Errorf("sink received %d analyses, want 1", len(sink.analyses))
	}
	// Alert sink and publisher each received every alert once.
	if len(sink.alerts) != 2*len(alerts) {
		t.Errorf("sink received %d alert writes, want %d", len(sink.alerts), 2*len(alerts))
	}
}

func TestProcessBatch_SinkFailureIsNotFatal(t *testing.T) {
	sink := &recordingSink{err: fmt.Errorf("clickhouse unavailable")}
	p, scorer := newTestPipeline(WithAnalysisSink(sink), WithAlertSink(sink))
	trainBaseline(t, scorer, "frank")

	alerts, err := p.ProcessBatch(context.Background(), "frank", deviantBatch("frank"))
	if err != nil {
		t.Fatalf("ProcessBatch returned error on sink failure: %v", err)
	}
	if len(alerts) == 0 {
		t.Error("got no alerts, want alerts despite sink failure")
	}
}
