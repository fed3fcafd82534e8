package detect

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"threatlens/internal/schema"
)

// Predictor is an optional external model consulted by the fusion
// strategy. It maps threat type names to probabilities in [0,1].
type Predictor interface {
	PredictThreatProbability(ctx context.Context, features schema.FeatureVector) (map[string]float64, error)
}

// FusionConfig holds the weights of the built-in linear risk model.
type FusionConfig struct {
	AnomalyWeight    float64 `yaml:"anomaly_weight"`
	TimingWeight     float64 `yaml:"timing_weight"`
	DataVolumeWeight float64 `yaml:"data_volume_weight"`
	LoginWeight      float64 `yaml:"login_weight"`

	// VolumeNormalizer is the data volume at which the volume term
	// saturates.
	VolumeNormalizer float64 `yaml:"volume_normalizer"`

	// Threshold is the fused score above which a threat is emitted.
	Threshold float64 `yaml:"threshold"`
}

// DefaultFusionConfig returns the default fusion weights.
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		AnomalyWeight:    0.4,
		TimingWeight:     0.3,
		DataVolumeWeight: 0.2,
		LoginWeight:      0.1,
		VolumeNormalizer: 100_000_000,
		Threshold:        0.75,
	}
}

// FusionStrategy fuses the anomaly score with timing, volume, and
// login signals into one weighted risk value. When an external
// predictor is wired it is consulted in addition to the built-in
// formula; predictor failures are logged and its contribution skipped.
type FusionStrategy struct {
	cfg       FusionConfig
	predictor Predictor
	logger    *slog.Logger
}

// NewFusionStrategy creates a fusion strategy. Predictor may be nil,
// in which case the built-in formula is authoritative.
func NewFusionStrategy(cfg FusionConfig, predictor Predictor, logger *slog.Logger) *FusionStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &FusionStrategy{
		cfg:       cfg,
		predictor: predictor,
		logger:    logger.With("component", "fusion_strategy"),
	}
}

func (s *FusionStrategy) Name() string { return "ml_fusion" }

func (s *FusionStrategy) Detect(ctx context.Context, in Input) []schema.Threat {
	var threats []schema.Threat

	score := s.fusedScore(in)
	if score > s.cfg.Threshold {
		threats = append(threats, schema.Threat{
			ThreatType:  schema.ThreatAnomalousBehavior,
			RuleID:      "ml_high_risk",
			Severity:    schema.SeverityHigh,
			Title:       "ML Model High Risk Score",
			Description: fmt.Sprintf("ML model calculated high risk score: %.2f", score),
			Evidence:    map[string]any{"ml_risk_score": score},
			Confidence:  score,
		})
	}

	threats = append(threats, s.predictorThreats(ctx, in)...)
	return threats
}

func (s *FusionStrategy) fusedScore(in Input) float64 {
	workHoursRatio := 1.0
	if v, ok := in.Features["work_hours_ratio"]; ok {
		workHoursRatio = v
	}
	successRate := 1.0
	if v, ok := in.Features["login_success_rate"]; ok {
		successRate = v
	}
	volume := math.Min(1, in.Features.Get("total_data_volume")/s.cfg.VolumeNormalizer)

	score := in.Analysis.AnomalyScore*s.cfg.AnomalyWeight +
		(1-workHoursRatio)*s.cfg.TimingWeight +
		volume*s.cfg.DataVolumeWeight +
		(1-successRate)*s.cfg.LoginWeight

	return math.Min(1, score)
}

func (s *FusionStrategy) predictorThreats(ctx context.Context, in Input) []schema.Threat {
	if s.predictor == nil {
		return nil
	}

	probs, err := s.predictor.PredictThreatProbability(ctx, in.Features)
	if err != nil {
		s.logger.Warn("predictor unavailable, using built-in model only",
			"user_id", in.UserID, "error", err)
		return nil
	}

	var threats []schema.Threat
	for name, prob := range probs {
		threatType := schema.ThreatType(name)
		if !threatType.IsValid() || prob <= s.cfg.Threshold {
			continue
		}
		threats = append(threats, schema.Threat{
			ThreatType:  threatType,
			RuleID:      fmt.Sprintf("ml_model_%s", name),
			Severity:    schema.SeverityHigh,
			Title:       fmt.Sprintf("ML Model Threat Prediction: %s", name),
			Description: fmt.Sprintf("External model predicted %s with probability %.2f", name, prob),
			Evidence:    map[string]any{"predicted_probability": prob},
			Confidence:  prob,
		})
	}
	return threats
}
