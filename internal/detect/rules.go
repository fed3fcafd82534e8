package detect

import (
	"context"
	"fmt"
	"strings"

	"threatlens/internal/schema"
)

// RulesConfig holds the fixed thresholds for rule-based detection.
type RulesConfig struct {
	// Data exfiltration
	DataVolumeThreshold  float64  `yaml:"data_volume_threshold"` // bytes
	BulkAccessThreshold  float64  `yaml:"bulk_access_threshold"` // files per window
	SuspiciousExtensions []string `yaml:"suspicious_extensions"`

	// Policy violation
	WorkHoursRatioThreshold float64 `yaml:"work_hours_ratio_threshold"`
	MaxLoginLocations       float64 `yaml:"max_login_locations"`

	// Privilege escalation
	FailedLoginThreshold float64 `yaml:"failed_login_threshold"`
}

// DefaultRulesConfig returns the default rule thresholds.
func DefaultRulesConfig() RulesConfig {
	return RulesConfig{
		DataVolumeThreshold:     100_000_000, // 100MB
		BulkAccessThreshold:     50,
		SuspiciousExtensions:    []string{".db", ".sql", ".csv", ".xlsx", ".pst"},
		WorkHoursRatioThreshold: 0.3,
		MaxLoginLocations:       3,
		FailedLoginThreshold:    3,
	}
}

// RuleStrategy applies fixed-threshold rules to the feature window.
// Each rule independently emits at most one threat.
type RuleStrategy struct {
	cfg RulesConfig
}

// NewRuleStrategy creates a rule-based strategy.
func NewRuleStrategy(cfg RulesConfig) *RuleStrategy {
	return &RuleStrategy{cfg: cfg}
}

func (s *RuleStrategy) Name() string { return "rule_based" }

func (s *RuleStrategy) Detect(ctx context.Context, in Input) []schema.Threat {
	var threats []schema.Threat
	threats = append(threats, s.dataExfiltration(in)...)
	threats = append(threats, s.policyViolation(in)...)
	threats = append(threats, s.privilegeEscalation(in)...)
	return threats
}

func (s *RuleStrategy) dataExfiltration(in Input) []schema.Threat {
	var threats []schema.Threat

	// Data moves out over the network or through bulk file reads, so
	// the volume rule counts both channels.
	netVolume := in.Features.Get("total_data_volume")
	fileVolume := in.Features.Get("total_file_size")
	if volume := netVolume + fileVolume; volume > s.cfg.DataVolumeThreshold {
		threats = append(threats, schema.Threat{
			ThreatType:  schema.ThreatDataExfiltration,
			RuleID:      "large_file_access",
			Severity:    schema.SeverityHigh,
			Title:       "Large Data Volume Access",
			Description: fmt.Sprintf("User accessed %.1fMB of data", volume/1_000_000),
			Evidence: map[string]any{
				"total_data_volume": netVolume,
				"total_file_size":   fileVolume,
			},
			Confidence: 0.8,
		})
	}

	if count := in.Features.Get("total_file_accesses"); count > s.cfg.BulkAccessThreshold {
		threats = append(threats, schema.Threat{
			ThreatType:  schema.ThreatDataExfiltration,
			RuleID:      "bulk_download",
			Severity:    schema.SeverityHigh,
			Title:       "Bulk File Download",
			Description: fmt.Sprintf("User accessed %.0f files in short timeframe", count),
			Evidence:    map[string]any{"file_access_count": count},
			Confidence:  0.7,
		})
	}

	if files := s.suspiciousFiles(in.Events); len(files) > 0 {
		threats = append(threats, schema.Threat{
			ThreatType:  schema.ThreatDataExfiltration,
			RuleID:      "suspicious_file_types",
			Severity:    schema.SeverityMedium,
			Title:       "Suspicious File Type Access",
			Description: fmt.Sprintf("User accessed %d sensitive files", len(files)),
			Evidence:    map[string]any{"suspicious_files": files},
			Confidence:  0.6,
		})
	}

	return threats
}

func (s *RuleStrategy) policyViolation(in Input) []schema.Threat {
	var threats []schema.Threat

	ratio, hasRatio := in.Features["work_hours_ratio"]
	if hasRatio && ratio < s.cfg.WorkHoursRatioThreshold {
		threats = append(threats, schema.Threat{
			ThreatType:  schema.ThreatPolicyViolation,
			RuleID:      "after_hours_access",
			Severity:    schema.SeverityMedium,
			Title:       "Excessive After-Hours Activity",
			Description: fmt.Sprintf("Only %.1f%% of activity during work hours", ratio*100),
			Evidence:    map[string]any{"work_hours_ratio": ratio},
			Confidence:  0.7,
		})
	}

	if locations := in.Features.Get("unique_login_locations"); locations > s.cfg.MaxLoginLocations {
		threats = append(threats, schema.Threat{
			ThreatType:  schema.ThreatPolicyViolation,
			RuleID:      "multiple_locations",
			Severity:    schema.SeverityHigh,
			Title:       "Multiple Location Access",
			Description: fmt.Sprintf("User accessed from %.0f different locations", locations),
			Evidence:    map[string]any{"unique_locations": locations},
			Confidence:  0.8,
		})
	}

	return threats
}

func (s *RuleStrategy) privilegeEscalation(in Input) []schema.Threat {
	var threats []schema.Threat

	if failed := in.Features.Get("failed_login_attempts"); failed > s.cfg.FailedLoginThreshold {
		threats = append(threats, schema.Threat{
			ThreatType:  schema.ThreatPrivilegeEscalation,
			RuleID:      "failed_login_attempts",
			Severity:    schema.SeverityMedium,
			Title:       "Multiple Failed Login Attempts",
			Description: fmt.Sprintf("User had %.0f failed login attempts", failed),
			Evidence:    map[string]any{"failed_attempts": failed},
			Confidence:  0.6,
		})
	}

	return threats
}

func (s *RuleStrategy) suspiciousFiles(events []schema.Event) []string {
	var files []string
	for _, ev := range events {
		if ev.EventType != schema.EventFileAccess {
			continue
		}
		path, ok := ev.EventData["file_path"].(string)
		if !ok {
			continue
		}
		for _, ext := range s.cfg.SuspiciousExtensions {
			if strings.HasSuffix(path, ext) {
				files = append(files, path)
				break
			}
		}
	}
	return files
}
