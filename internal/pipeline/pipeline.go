// Package pipeline runs event batches through feature extraction,
// behavioral scoring, threat detection and alerting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"threatlens/internal/alerting"
	"threatlens/internal/behavior"
	"threatlens/internal/detect"
	"threatlens/internal/features"
	"threatlens/internal/schema"
)

// Common errors for the pipeline.
var (
	ErrEmptyUserID  = errors.New("batch user_id is empty")
	ErrUserMismatch = errors.New("event user_id does not match batch")
)

// AnalysisSink receives completed behavioral analyses, typically a
// ClickHouse writer.
type AnalysisSink interface {
	WriteAnalysis(ctx context.Context, analysis *schema.BehavioralAnalysis) error
}

// AlertSink receives created alerts for storage or archival.
type AlertSink interface {
	WriteAlerts(ctx context.Context, alerts []schema.Alert) error
}

// AlertPublisher publishes created alerts to a message bus.
type AlertPublisher interface {
	PublishAlerts(ctx context.Context, alerts []schema.Alert) error
}

// Pipeline wires the processing stages together. Sinks and the
// publisher are optional; their failures are logged, never fatal.
type Pipeline struct {
	validator *schema.Validator
	extractor *features.Extractor
	scorer    *behavior.Scorer
	detector  *detect.Detector
	alerts    *alerting.Manager
	logger    *slog.Logger

	analysisSinks []AnalysisSink
	alertSinks    []AlertSink
	publisher     AlertPublisher

	batches        uint64
	eventsAccepted uint64
	eventsRejected uint64
	threatsFound   uint64
	alertsCreated  uint64
}

// Option configures optional pipeline outputs.
type Option func(*Pipeline)

// WithAnalysisSink attaches a behavioral-analysis sink. May be given
// more than once.
func WithAnalysisSink(s AnalysisSink) Option {
	return func(p *Pipeline) { p.analysisSinks = append(p.analysisSinks, s) }
}

// WithAlertSink attaches an alert sink. May be given more than once.
func WithAlertSink(s AlertSink) Option {
	return func(p *Pipeline) { p.alertSinks = append(p.alertSinks, s) }
}

// WithAlertPublisher attaches an alert publisher.
func WithAlertPublisher(pub AlertPublisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// New creates a pipeline from its processing stages.
func New(
	validator *schema.Validator,
	extractor *features.Extractor,
	scorer *behavior.Scorer,
	detector *detect.Detector,
	alerts *alerting.Manager,
	logger *slog.Logger,
	opts ...Option,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		validator: validator,
		extractor: extractor,
		scorer:    scorer,
		detector:  detector,
		alerts:    alerts,
		logger:    logger.With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessBatch runs one user's event batch through the full pipeline
// and returns the alerts it produced. A user_id mismatch inside the
// batch is the only hard failure; individually invalid events are
// dropped with a warning.
func (p *Pipeline) ProcessBatch(ctx context.Context, userID string, events []schema.Event) ([]schema.Alert, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	atomic.AddUint64(&p.batches, 1)

	valid := make([]schema.Event, 0, len(events))
	for i := range events {
		ev := &events[i]
		if ev.UserID != userID {
			return nil, fmt.Errorf("%w: event %d has user_id %q, batch is %q",
				ErrUserMismatch, i, ev.UserID, userID)
		}
		if err := p.validator.Validate(ev); err != nil {
			atomic.AddUint64(&p.eventsRejected, 1)
			p.logger.Warn("dropping invalid event",
				"user_id", userID,
				"event_type", ev.EventType,
				"error", err,
			)
			continue
		}
		valid = append(valid, *ev)
	}
	atomic.AddUint64(&p.eventsAccepted, uint64(len(valid)))

	featureVector := p.extractor.Extract(valid)
	analysis := p.scorer.Score(userID, featureVector)
	analysis.EventCount = len(valid)

	for _, sink := range p.analysisSinks {
		if err := sink.WriteAnalysis(ctx, &analysis); err != nil {
			p.logger.Error("analysis sink write failed", "user_id", userID, "error", err)
		}
	}

	threats := p.detector.Detect(ctx, detect.Input{
		UserID:   userID,
		Analysis: analysis,
		Features: featureVector,
		Events:   valid,
	})
	atomic.AddUint64(&p.threatsFound, uint64(len(threats)))

	alerts := p.alerts.ProcessThreats(ctx, userID, threats)
	atomic.AddUint64(&p.alertsCreated, uint64(len(alerts)))

	if len(alerts) > 0 {
		for _, sink := range p.alertSinks {
			if err := sink.WriteAlerts(ctx, alerts); err != nil {
				p.logger.Error("alert sink write failed", "user_id", userID, "error", err)
			}
		}
		if p.publisher != nil {
			if err := p.publisher.PublishAlerts(ctx, alerts); err != nil {
				p.logger.Error("alert publish failed", "user_id", userID, "error", err)
			}
		}
	}

	p.logger.Debug("batch processed",
		"user_id", userID,
		"events", len(valid),
		"threats", len(threats),
		"alerts", len(alerts),
	)
	return alerts, nil
}

// Stats reports pipeline throughput counters.
func (p *Pipeline) Stats() map[string]interface{} {
	return map[string]interface{}{
		"batches":         atomic.LoadUint64(&p.batches),
		"events_accepted": atomic.LoadUint64(&p.eventsAccepted),
		"events_rejected": atomic.LoadUint64(&p.eventsRejected),
		"threats_found":   atomic.LoadUint64(&p.threatsFound),
		"alerts_created":  atomic.LoadUint64(&p.alertsCreated),
	}
}
