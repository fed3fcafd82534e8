package detect

import (
	"context"
	"fmt"

	"threatlens/internal/schema"
)

// AnomalyConfig holds thresholds for anomaly-based detection.
type AnomalyConfig struct {
	// ScoreThreshold is the anomaly score above which the analysis
	// itself becomes a threat.
	ScoreThreshold float64 `yaml:"score_threshold"`

	// EntryConfidence is assigned to threats re-emitted from the
	// analysis's anomaly findings.
	EntryConfidence float64 `yaml:"entry_confidence"`
}

// DefaultAnomalyConfig returns the default anomaly thresholds.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		ScoreThreshold:  0.8,
		EntryConfidence: 0.7,
	}
}

// AnomalyStrategy promotes the behavioral analysis's own findings into
// threats: the overall score when it is high enough, plus every
// individual anomaly entry with its severity preserved.
type AnomalyStrategy struct {
	cfg AnomalyConfig
}

// NewAnomalyStrategy creates an anomaly-based strategy.
func NewAnomalyStrategy(cfg AnomalyConfig) *AnomalyStrategy {
	return &AnomalyStrategy{cfg: cfg}
}

func (s *AnomalyStrategy) Name() string { return "anomaly_based" }

func (s *AnomalyStrategy) Detect(ctx context.Context, in Input) []schema.Threat {
	var threats []schema.Threat

	score := in.Analysis.AnomalyScore
	if score > s.cfg.ScoreThreshold {
		threats = append(threats, schema.Threat{
			ThreatType:  schema.ThreatAnomalousBehavior,
			RuleID:      "high_anomaly_score",
			Severity:    schema.SeverityHigh,
			Title:       "High Behavioral Anomaly",
			Description: fmt.Sprintf("User behavior anomaly score: %.2f", score),
			Evidence:    map[string]any{"anomaly_score": score},
			Confidence:  score,
		})
	}

	for _, anomaly := range in.Analysis.Anomalies {
		severity := anomaly.Severity
		if !severity.IsValid() {
			severity = schema.SeverityMedium
		}
		threats = append(threats, schema.Threat{
			ThreatType:  schema.ThreatAnomalousBehavior,
			RuleID:      fmt.Sprintf("anomaly_%s", anomaly.Type),
			Severity:    severity,
			Title:       fmt.Sprintf("Behavioral Anomaly: %s", anomaly.Type),
			Description: anomaly.Description,
			Evidence:    anomaly.Evidence,
			Confidence:  s.cfg.EntryConfidence,
		})
	}

	return threats
}
