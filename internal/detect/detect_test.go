package detect

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sort"
	"testing"
	"time"

	"threatlens/internal/schema"
)

func baseTime() time.Time {
	return time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
}

func findThreat(threats []schema.Threat, ruleID string) (schema.Threat, bool) {
	for _, t := range threats {
		if t.RuleID == ruleID {
			return t, true
		}
	}
	return schema.Threat{}, false
}

// ---
// Rule-based strategy
// ---

func TestRuleStrategy_DataExfiltration(t *testing.T) {
	s := NewRuleStrategy(DefaultRulesConfig())

	in := Input{
		UserID: "u",
		Features: schema.FeatureVector{
			"total_data_volume":   150_000_000,
			"total_file_accesses": 60,
		},
		Events: []schema.Event{
			{UserID: "u", EventType: schema.EventFileAccess, Timestamp: baseTime(),
				EventData: map[string]any{"file_path": "/exports/customers.xlsx"}},
			{UserID: "u", EventType: schema.EventFileAccess, Timestamp: baseTime(),
				EventData: map[string]any{"file_path": "/notes/readme.txt"}},
		},
	}

	threats := s.Detect(context.Background(), in)

	if _, ok := findThreat(threats, "large_file_access"); !ok {
		t.Error("large_file_access should fire for 150MB volume")
	}
	if _, ok := findThreat(threats, "bulk_download"); !ok {
		t.Error("bulk_download should fire for 60 file accesses")
	}
	sus, ok := findThreat(threats, "suspicious_file_types")
	if !ok {
		t.Fatal("suspicious_file_types should fire for .xlsx access")
	}
	if sus.Severity != schema.SeverityMedium || sus.Confidence != 0.6 {
		t.Errorf("suspicious_file_types = %v/%v, want medium/0.6", sus.Severity, sus.Confidence)
	}
}

func TestRuleStrategy_VolumeRuleCountsFileSizes(t *testing.T) {
	s := NewRuleStrategy(DefaultRulesConfig())

	// File reads carry volume as total_file_size, without any network
	// traffic contributing.
	threats := s.Detect(context.Background(), Input{
		UserID:   "u",
		Features: schema.FeatureVector{"total_file_size": 120_000_000},
	})
	th, ok := findThreat(threats, "large_file_access")
	if !ok {
		t.Fatal("large_file_access should fire for 120MB of file reads")
	}
	if th.Evidence["total_file_size"].(float64) != 120_000_000 {
		t.Errorf("evidence total_file_size = %v", th.Evidence["total_file_size"])
	}

	// Each channel alone is under the threshold; together they cross it.
	threats = s.Detect(context.Background(), Input{
		UserID: "u",
		Features: schema.FeatureVector{
			"total_data_volume": 60_000_000,
			"total_file_size":   60_000_000,
		},
	})
	if _, ok := findThreat(threats, "large_file_access"); !ok {
		t.Error("large_file_access should fire on combined network and file volume")
	}
}

func TestRuleStrategy_BelowThresholds(t *testing.T) {
	s := NewRuleStrategy(DefaultRulesConfig())

	threats := s.Detect(context.Background(), Input{
		UserID: "u",
		Features: schema.FeatureVector{
			"total_data_volume":      1000,
			"total_file_accesses":    5,
			"work_hours_ratio":       0.9,
			"unique_login_locations": 1,
			"failed_login_attempts":  0,
		},
	})

	if len(threats) != 0 {
		t.Errorf("Detect() = %v, want no threats below thresholds", threats)
	}
}

func TestRuleStrategy_PolicyViolation(t *testing.T) {
	s := NewRuleStrategy(DefaultRulesConfig())

	threats := s.Detect(context.Background(), Input{
		UserID: "u",
		Features: schema.FeatureVector{
			"work_hours_ratio":       0.1,
			"unique_login_locations": 5,
		},
	})

	afterHours, ok := findThreat(threats, "after_hours_access")
	if !ok {
		t.Fatal("after_hours_access should fire for ratio 0.1")
	}
	if afterHours.ThreatType != schema.ThreatPolicyViolation {
		t.Errorf("ThreatType = %v, want policy_violation", afterHours.ThreatType)
	}
	if _, ok := findThreat(threats, "multiple_locations"); !ok {
		t.Error("multiple_locations should fire for 5 locations")
	}
}

func TestRuleStrategy_AbsentWorkHoursRatioNotFlagged(t *testing.T) {
	s := NewRuleStrategy(DefaultRulesConfig())

	threats := s.Detect(context.Background(), Input{
		UserID:   "u",
		Features: schema.FeatureVector{},
	})

	if _, ok := findThreat(threats, "after_hours_access"); ok {
		t.Error("after_hours_access should not fire when work_hours_ratio is absent")
	}
}

func TestRuleStrategy_PrivilegeEscalation(t *testing.T) {
	s := NewRuleStrategy(DefaultRulesConfig())

	tests := []struct {
		name   string
		failed float64
		want   bool
	}{
		{"at threshold", 3, false},
		{"above threshold", 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			threats := s.Detect(context.Background(), Input{
				UserID:   "u",
				Features: schema.FeatureVector{"failed_login_attempts": tt.failed},
			})
			_, got := findThreat(threats, "failed_login_attempts")
			if got != tt.want {
				t.Errorf("failed_login_attempts fired = %v, want %v", got, tt.want)
			}
		})
	}
}

// ---
// Pattern-based strategy
// ---

func TestPatternStrategy_MembershipMatch(t *testing.T) {
	s := NewPatternStrategy(DefaultPatterns())
	start := baseTime()

	// Members out of order within one window still match; only
	// membership is enforced.
	events := []schema.Event{
		{UserID: "u", EventType: "deletion", Timestamp: start.Add(2 * time.Minute)},
		{UserID: "u", EventType: "large_file_access", Timestamp: start},
		{UserID: "u", EventType: "external_transfer", Timestamp: start.Add(5 * time.Minute)},
	}

	threats := s.Detect(context.Background(), Input{UserID: "u", Events: events})

	pattern, ok := findThreat(threats, "data_exfiltration_pattern")
	if !ok {
		t.Fatal("data_exfiltration_pattern should match regardless of occurrence order")
	}
	if pattern.Severity != schema.SeverityCritical || pattern.Confidence != 0.9 {
		t.Errorf("pattern = %v/%v, want critical/0.9", pattern.Severity, pattern.Confidence)
	}
}

func TestPatternStrategy_WindowSplit(t *testing.T) {
	s := NewPatternStrategy(DefaultPatterns())
	start := baseTime()

	// The third member lands outside the 1h window, so no match.
	events := []schema.Event{
		{UserID: "u", EventType: "large_file_access", Timestamp: start},
		{UserID: "u", EventType: "external_transfer", Timestamp: start.Add(30 * time.Minute)},
		{UserID: "u", EventType: "deletion", Timestamp: start.Add(2 * time.Hour)},
	}

	threats := s.Detect(context.Background(), Input{UserID: "u", Events: events})

	if _, ok := findThreat(threats, "data_exfiltration_pattern"); ok {
		t.Error("pattern should not match across window boundary")
	}
}

func TestPatternStrategy_IncompleteSequence(t *testing.T) {
	s := NewPatternStrategy(DefaultPatterns())
	start := baseTime()

	events := []schema.Event{
		{UserID: "u", EventType: "large_file_access", Timestamp: start},
		{UserID: "u", EventType: "external_transfer", Timestamp: start.Add(time.Minute)},
	}

	threats := s.Detect(context.Background(), Input{UserID: "u", Events: events})

	if len(threats) != 0 {
		t.Errorf("Detect() = %v, want none for incomplete sequence", threats)
	}
}

// ---
// Anomaly-based strategy
// ---

func TestAnomalyStrategy(t *testing.T) {
	s := NewAnomalyStrategy(DefaultAnomalyConfig())

	in := Input{
		UserID: "u",
		Analysis: schema.BehavioralAnalysis{
			UserID:       "u",
			AnomalyScore: 0.85,
			Anomalies: []schema.Anomaly{
				{Type: "large_data_transfer", Severity: schema.SeverityHigh,
					Description: "Large data transfer detected: 20000000 bytes"},
			},
		},
	}

	threats := s.Detect(context.Background(), in)

	high, ok := findThreat(threats, "high_anomaly_score")
	if !ok {
		t.Fatal("high_anomaly_score should fire for score 0.85")
	}
	if high.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want the anomaly score itself", high.Confidence)
	}

	entry, ok := findThreat(threats, "anomaly_large_data_transfer")
	if !ok {
		t.Fatal("anomaly entries should be re-emitted as threats")
	}
	if entry.Severity != schema.SeverityHigh {
		t.Errorf("Severity = %v, want preserved high", entry.Severity)
	}
	if entry.Confidence != 0.7 {
		t.Errorf("Confidence = %v, want 0.7", entry.Confidence)
	}
}

func TestAnomalyStrategy_ScoreAtThreshold(t *testing.T) {
	s := NewAnomalyStrategy(DefaultAnomalyConfig())

	threats := s.Detect(context.Background(), Input{
		Analysis: schema.BehavioralAnalysis{AnomalyScore: 0.8},
	})

	if len(threats) != 0 {
		t.Errorf("Detect() = %v, want none at exactly 0.8", threats)
	}
}

// ---
// ML fusion strategy
// ---

type stubPredictor struct {
	probs map[string]float64
	err   error
}

func (s *stubPredictor) PredictThreatProbability(ctx context.Context, features schema.FeatureVector) (map[string]float64, error) {
	return s.probs, s.err
}

func TestFusionStrategy_BuiltinFormula(t *testing.T) {
	s := NewFusionStrategy(DefaultFusionConfig(), nil, nil)

	in := Input{
		UserID:   "u",
		Analysis: schema.BehavioralAnalysis{AnomalyScore: 0.9},
		Features: schema.FeatureVector{
			"work_hours_ratio":   0.0,
			"total_data_volume":  100_000_000,
			"login_success_rate": 0.0,
		},
	}
	// 0.9*0.4 + 1*0.3 + 1*0.2 + 1*0.1 = 0.96

	threats := s.Detect(context.Background(), in)

	threat, ok := findThreat(threats, "ml_high_risk")
	if !ok {
		t.Fatal("ml_high_risk should fire for fused score 0.96")
	}
	if math.Abs(threat.Confidence-0.96) > 1e-9 {
		t.Errorf("Confidence = %v, want 0.96", threat.Confidence)
	}
}

func TestFusionStrategy_BelowThreshold(t *testing.T) {
	s := NewFusionStrategy(DefaultFusionConfig(), nil, nil)

	threats := s.Detect(context.Background(), Input{
		Analysis: schema.BehavioralAnalysis{AnomalyScore: 0.3},
		Features: schema.FeatureVector{
			"work_hours_ratio":   0.9,
			"login_success_rate": 1.0,
		},
	})

	if len(threats) != 0 {
		t.Errorf("Detect() = %v, want none below threshold", threats)
	}
}

func TestFusionStrategy_PredictorContribution(t *testing.T) {
	predictor := &stubPredictor{probs: map[string]float64{
		"data_exfiltration": 0.9,
		"insider_trading":   0.5,  // below threshold
		"unknown_threat":    0.99, // not a valid threat type
	}}
	s := NewFusionStrategy(DefaultFusionConfig(), predictor, nil)

	threats := s.Detect(context.Background(), Input{UserID: "u", Features: schema.FeatureVector{}})

	if _, ok := findThreat(threats, "ml_model_data_exfiltration"); !ok {
		t.Error("predictor probability above threshold should yield a threat")
	}
	if _, ok := findThreat(threats, "ml_model_insider_trading"); ok {
		t.Error("predictor probability below threshold should be ignored")
	}
	if _, ok := findThreat(threats, "ml_model_unknown_threat"); ok {
		t.Error("invalid threat type from predictor should be ignored")
	}
}

func TestFusionStrategy_PredictorFailureIsolated(t *testing.T) {
	predictor := &stubPredictor{err: errors.New("model service down")}
	s := NewFusionStrategy(DefaultFusionConfig(), predictor, nil)

	in := Input{
		Analysis: schema.BehavioralAnalysis{AnomalyScore: 0.9},
		Features: schema.FeatureVector{
			"work_hours_ratio":   0.0,
			"total_data_volume":  100_000_000,
			"login_success_rate": 0.0,
		},
	}

	threats := s.Detect(context.Background(), in)

	if _, ok := findThreat(threats, "ml_high_risk"); !ok {
		t.Error("built-in formula should still fire when predictor fails")
	}
}

// ---
// Correlation
// ---

func TestCorrelate_SingletonPassthrough(t *testing.T) {
	in := []schema.Threat{{
		ThreatType: schema.ThreatPolicyViolation,
		RuleID:     "after_hours_access",
		Severity:   schema.SeverityMedium,
		Confidence: 0.7,
	}}

	out := Correlate(in)

	if len(out) != 1 || out[0].RuleID != "after_hours_access" {
		t.Errorf("Correlate() = %v, want unchanged singleton", out)
	}
}

func TestCorrelate_MergesSameType(t *testing.T) {
	in := []schema.Threat{
		{
			ThreatType: schema.ThreatDataExfiltration,
			RuleID:     "large_file_access",
			Severity:   schema.SeverityHigh,
			Title:      "Large Data Volume Access",
			Confidence: 0.8,
			Evidence:   map[string]any{"total_data_volume": 120_000_000.0},
		},
		{
			ThreatType: schema.ThreatDataExfiltration,
			RuleID:     "bulk_download",
			Severity:   schema.SeverityHigh,
			Title:      "Bulk File Download",
			Confidence: 0.7,
			Evidence:   map[string]any{"file_access_count": 60.0},
		},
	}

	out := Correlate(in)

	if len(out) != 1 {
		t.Fatalf("Correlate() returned %d threats, want 1 merged", len(out))
	}
	merged := out[0]
	if merged.RuleID != "merged_data_exfiltration" {
		t.Errorf("RuleID = %q, want merged_data_exfiltration", merged.RuleID)
	}
	if merged.Severity != schema.SeverityHigh {
		t.Errorf("Severity = %v, want high", merged.Severity)
	}
	if math.Abs(merged.Confidence-0.75) > 1e-9 {
		t.Errorf("Confidence = %v, want mean 0.75", merged.Confidence)
	}
	if _, ok := merged.Evidence["total_data_volume"]; !ok {
		t.Error("merged evidence should union both maps")
	}
	if _, ok := merged.Evidence["file_access_count"]; !ok {
		t.Error("merged evidence should union both maps")
	}
}

func TestCorrelate_Commutative(t *testing.T) {
	threats := []schema.Threat{
		{ThreatType: schema.ThreatDataExfiltration, RuleID: "large_file_access",
			Severity: schema.SeverityHigh, Title: "A", Confidence: 0.8},
		{ThreatType: schema.ThreatDataExfiltration, RuleID: "bulk_download",
			Severity: schema.SeverityHigh, Title: "B", Confidence: 0.7},
		{ThreatType: schema.ThreatDataExfiltration, RuleID: "suspicious_file_types",
			Severity: schema.SeverityMedium, Title: "C", Confidence: 0.6},
		{ThreatType: schema.ThreatPolicyViolation, RuleID: "after_hours_access",
			Severity: schema.SeverityMedium, Title: "D", Confidence: 0.7},
		{ThreatType: schema.ThreatAnomalousBehavior, RuleID: "ml_high_risk",
			Severity: schema.SeverityHigh, Title: "E", Confidence: 0.9},
	}

	reference := Correlate(threats)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := make([]schema.Threat, len(threats))
		copy(shuffled, threats)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		got := Correlate(shuffled)
		if !reflect.DeepEqual(normalize(got), normalize(reference)) {
			t.Fatalf("Correlate() order-dependent:\n got %v\nwant %v", got, reference)
		}
	}
}

func normalize(threats []schema.Threat) []schema.Threat {
	sorted := make([]schema.Threat, len(threats))
	copy(sorted, threats)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ThreatType < sorted[j].ThreatType })
	return sorted
}

func TestFinalizeScores(t *testing.T) {
	now := baseTime()
	threats := FinalizeScores([]schema.Threat{
		{Severity: schema.SeverityHigh, Confidence: 0.75},
		{Severity: schema.SeverityCritical, Confidence: 0.9},
		{Severity: schema.SeverityLow, Confidence: 0.5},
	}, now)

	wants := []float64{0.6, 0.9, 0.15}
	for i, want := range wants {
		if math.Abs(threats[i].RiskScore-want) > 1e-9 {
			t.Errorf("threat %d RiskScore = %v, want %v", i, threats[i].RiskScore, want)
		}
		if !threats[i].DetectedAt.Equal(now) {
			t.Errorf("threat %d DetectedAt = %v, want %v", i, threats[i].DetectedAt, now)
		}
	}
}

// ---
// Detector
// ---

type panicStrategy struct{}

func (panicStrategy) Name() string { return "panicky" }
func (panicStrategy) Detect(ctx context.Context, in Input) []schema.Threat {
	panic("strategy blew up")
}

type fixedStrategy struct {
	threats []schema.Threat
}

func (fixedStrategy) Name() string { return "fixed" }
func (s fixedStrategy) Detect(ctx context.Context, in Input) []schema.Threat {
	return s.threats
}

func TestDetector_StrategyPanicIsolated(t *testing.T) {
	want := schema.Threat{
		ThreatType: schema.ThreatPolicyViolation,
		RuleID:     "after_hours_access",
		Severity:   schema.SeverityMedium,
		Confidence: 0.7,
	}
	d := NewDetector([]Strategy{panicStrategy{}, fixedStrategy{threats: []schema.Threat{want}}}, nil)

	threats := d.Detect(context.Background(), Input{UserID: "u"})

	if len(threats) != 1 || threats[0].RuleID != want.RuleID {
		t.Errorf("Detect() = %v, want surviving strategy's threat only", threats)
	}
}

func TestDetector_Idempotent(t *testing.T) {
	d := NewDefaultDetector(nil, nil)
	in := Input{
		UserID:   "u",
		Analysis: schema.BehavioralAnalysis{AnomalyScore: 0.85},
		Features: schema.FeatureVector{
			"total_data_volume":   150_000_000,
			"total_file_accesses": 60,
			"work_hours_ratio":    0.1,
		},
	}

	first := d.Detect(context.Background(), in)
	second := d.Detect(context.Background(), in)

	strip := func(ts []schema.Threat) []schema.Threat {
		out := normalize(ts)
		for i := range out {
			out[i].DetectedAt = time.Time{}
		}
		return out
	}
	if !reflect.DeepEqual(strip(first), strip(second)) {
		t.Errorf("Detect() not idempotent:\nfirst  %v\nsecond %v", first, second)
	}
	if len(first) == 0 {
		t.Error("Detect() found no threats for a clearly suspicious window")
	}
}

func TestDetector_EndToEndScenario(t *testing.T) {
	// New user, no baseline: 60 file accesses totaling 120MB. The rule
	// strategy fires large_file_access and bulk_download, correlation
	// merges them into one high-severity data_exfiltration threat with
	// averaged confidence 0.75.
	d := NewDefaultDetector(nil, nil)

	threats := d.Detect(context.Background(), Input{
		UserID:   "fresh",
		Analysis: schema.BehavioralAnalysis{UserID: "fresh", AnomalyScore: 0.3},
		Features: schema.FeatureVector{
			"total_data_volume":   120_000_000,
			"total_file_accesses": 60,
			"work_hours_ratio":    0.9,
			"login_success_rate":  1.0,
		},
	})

	if len(threats) != 1 {
		t.Fatalf("Detect() returned %d threats, want 1 merged: %v", len(threats), threats)
	}
	got := threats[0]
	if got.ThreatType != schema.ThreatDataExfiltration {
		t.Errorf("ThreatType = %v, want data_exfiltration", got.ThreatType)
	}
	if got.Severity != schema.SeverityHigh {
		t.Errorf("Severity = %v, want high", got.Severity)
	}
	if math.Abs(got.Confidence-0.75) > 1e-9 {
		t.Errorf("Confidence = %v, want 0.75", got.Confidence)
	}
	if math.Abs(got.RiskScore-0.6) > 1e-9 {
		t.Errorf("RiskScore = %v, want 0.75*0.8 = 0.6", got.RiskScore)
	}
}
