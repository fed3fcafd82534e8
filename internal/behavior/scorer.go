package behavior

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"threatlens/internal/schema"
)

// ScorerConfig holds configuration for the behavioral scorer.
type ScorerConfig struct {
	// Score assigned to users with no trained baseline. New users get
	// a moderate score instead of zero so they are not starved of
	// signal.
	NoBaselineScore float64 `yaml:"no_baseline_score"`

	// Drift score above which recent behavior is flagged as having
	// drifted from the baseline.
	DriftThreshold float64 `yaml:"drift_threshold"`
}

// DefaultScorerConfig returns the default scorer configuration.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		NoBaselineScore: 0.3,
		DriftThreshold:  0.7,
	}
}

// Scorer computes behavioral analyses from feature vectors and owns the
// per-user baseline models. Safe for concurrent use; baseline reads
// never block on retraining.
type Scorer struct {
	cfg     ScorerConfig
	logger  *slog.Logger
	storage BaselineStorage // optional write-through persistence

	mu        sync.RWMutex
	baselines map[string]*BaselineSnapshot
}

// NewScorer creates a Scorer. Storage may be nil, in which case
// baselines live only in memory.
func NewScorer(cfg ScorerConfig, storage BaselineStorage, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		cfg:       cfg,
		logger:    logger.With("component", "behavior_scorer"),
		storage:   storage,
		baselines: make(map[string]*BaselineSnapshot),
	}
}

// LoadPersisted restores baselines from storage into memory. Called
// once at startup; per-user load failures are logged and skipped.
func (s *Scorer) LoadPersisted(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}
	users, err := s.storage.Users(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted baselines: %w", err)
	}
	loaded := 0
	for _, user := range users {
		snap, err := s.storage.Get(ctx, user)
		if err != nil {
			s.logger.Warn("failed to load persisted baseline", "user_id", user, "error", err)
			continue
		}
		s.mu.Lock()
		s.baselines[user] = snap
		s.mu.Unlock()
		loaded++
	}
	s.logger.Info("loaded persisted baselines", "count", loaded)
	return nil
}

// Score analyzes one user's feature vector and returns a behavioral
// analysis. Never fails: an empty vector yields a zero score and a
// missing baseline yields the configured moderate score.
func (s *Scorer) Score(userID string, features schema.FeatureVector) schema.BehavioralAnalysis {
	analysis := schema.BehavioralAnalysis{
		UserID:     userID,
		RiskLevel:  schema.SeverityLow,
		Patterns:   map[string]bool{},
		Anomalies:  []schema.Anomaly{},
		AnalyzedAt: time.Now().UTC(),
	}
	if len(features) == 0 {
		return analysis
	}

	analysis.AnomalyScore = s.anomalyScore(userID, features)
	analysis.RiskLevel = RiskLevelFor(analysis.AnomalyScore)
	analysis.Patterns = detectPatterns(features)
	analysis.Anomalies = identifyAnomalies(features, analysis.AnomalyScore)
	return analysis
}

func (s *Scorer) anomalyScore(userID string, features schema.FeatureVector) float64 {
	s.mu.RLock()
	baseline := s.baselines[userID]
	s.mu.RUnlock()

	if baseline == nil {
		return s.cfg.NoBaselineScore
	}

	raw := baseline.Decision(features)
	return clamp01((1 - raw) / 2)
}

// UpdateBaseline retrains a user's baseline from historical feature
// vectors and installs the new snapshot atomically. Too few samples is
// a no-op, not an error. Returns whether a baseline was installed.
func (s *Scorer) UpdateBaseline(ctx context.Context, userID string, samples []schema.FeatureVector) (bool, error) {
	snap := TrainBaseline(userID, samples)
	if snap == nil {
		s.logger.Debug("skipping baseline update, too few samples",
			"user_id", userID, "samples", len(samples), "min", MinBaselineSamples)
		return false, nil
	}

	s.mu.Lock()
	s.baselines[userID] = snap
	s.mu.Unlock()

	s.logger.Info("baseline updated",
		"user_id", userID, "samples", snap.SampleCount, "features", len(snap.Features))

	if s.storage != nil {
		if err := s.storage.Store(ctx, snap); err != nil {
			// In-memory model is authoritative; persistence failure is
			// reported but does not undo the update.
			s.logger.Warn("failed to persist baseline", "user_id", userID, "error", err)
		}
	}
	return true, nil
}

// Baseline returns the user's current baseline snapshot, or nil.
func (s *Scorer) Baseline(userID string) *BaselineSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baselines[userID]
}

// HasBaseline reports whether a trained baseline exists for the user.
func (s *Scorer) HasBaseline(userID string) bool {
	return s.Baseline(userID) != nil
}

// DetectDrift scores recent behavior against the user's baseline and
// reports whether it has drifted past the configured threshold.
func (s *Scorer) DetectDrift(userID string, recent schema.FeatureVector) (float64, bool, error) {
	baseline := s.Baseline(userID)
	if baseline == nil {
		return 0, false, ErrBaselineNotFound
	}
	score := clamp01((1 - baseline.Decision(recent)) / 2)
	return score, score > s.cfg.DriftThreshold, nil
}

// RiskLevelFor maps an anomaly score onto the risk ladder.
func RiskLevelFor(score float64) schema.Severity {
	switch {
	case score >= 0.8:
		return schema.SeverityCritical
	case score >= 0.6:
		return schema.SeverityHigh
	case score >= 0.4:
		return schema.SeverityMedium
	default:
		return schema.SeverityLow
	}
}

// Pattern flag thresholds.
const (
	highActivityFileAccesses = 100
	unusualTimingRatio       = 0.3
	dataSpikeVolume          = 1_000_000
	loginAnomalySuccessRate  = 0.8
	multipleLocationsCount   = 5
	largeTransferVolume      = 10_000_000
	highAnomalyScore         = 0.7
)

func detectPatterns(features schema.FeatureVector) map[string]bool {
	return map[string]bool{
		"high_activity":     features.Get("total_file_accesses") > highActivityFileAccesses,
		"unusual_timing":    getOr(features, "work_hours_ratio", 1) < unusualTimingRatio,
		"data_access_spike": features.Get("total_data_volume") > dataSpikeVolume,
		"login_anomaly":     getOr(features, "login_success_rate", 1) < loginAnomalySuccessRate,
	}
}

// getOr reads a feature with a default for windows where the producing
// event type was absent, so missing data is not flagged as anomalous.
func getOr(features schema.FeatureVector, name string, def float64) float64 {
	if v, ok := features[name]; ok {
		return v
	}
	return def
}

func identifyAnomalies(features schema.FeatureVector, score float64) []schema.Anomaly {
	anomalies := []schema.Anomaly{}

	if score > highAnomalyScore {
		anomalies = append(anomalies, schema.Anomaly{
			Type:        "high_anomaly_score",
			Severity:    schema.SeverityHigh,
			Description: fmt.Sprintf("Overall behavior anomaly score is %.2f", score),
			Evidence:    map[string]any{"anomaly_score": score},
		})
	}

	if locations := features.Get("unique_login_locations"); locations > multipleLocationsCount {
		anomalies = append(anomalies, schema.Anomaly{
			Type:        "multiple_locations",
			Severity:    schema.SeverityMedium,
			Description: fmt.Sprintf("User logged in from %.0f different locations", locations),
			Evidence:    map[string]any{"unique_login_locations": locations},
		})
	}

	if volume := features.Get("total_data_volume"); volume > largeTransferVolume {
		anomalies = append(anomalies, schema.Anomaly{
			Type:        "large_data_transfer",
			Severity:    schema.SeverityHigh,
			Description: fmt.Sprintf("Large data transfer detected: %.0f bytes", volume),
			Evidence:    map[string]any{"total_data_volume": volume},
		})
	}

	return anomalies
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
