package detect

import (
	"context"
	"fmt"
	"sort"
	"time"

	"threatlens/internal/schema"
)

// Pattern describes an event-type combination that indicates a threat
// when all its members occur within one time window. Matching checks
// membership only, not order of occurrence.
type Pattern struct {
	Name       string            `yaml:"name"`
	Sequence   []string          `yaml:"sequence"`
	Timeframe  time.Duration     `yaml:"timeframe"`
	Severity   schema.Severity   `yaml:"severity"`
	ThreatType schema.ThreatType `yaml:"threat_type"`
}

// DefaultPatterns returns the built-in threat patterns.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:       "data_exfiltration_pattern",
			Sequence:   []string{"large_file_access", "external_transfer", "deletion"},
			Timeframe:  time.Hour,
			Severity:   schema.SeverityCritical,
			ThreatType: schema.ThreatDataExfiltration,
		},
		{
			Name:       "insider_trading_pattern",
			Sequence:   []string{"financial_data_access", "trading_platform_usage", "unusual_timing"},
			Timeframe:  2 * time.Hour,
			Severity:   schema.SeverityCritical,
			ThreatType: schema.ThreatInsiderTrading,
		},
		{
			Name:       "reconnaissance_pattern",
			Sequence:   []string{"directory_enumeration", "privilege_check", "network_scan"},
			Timeframe:  30 * time.Minute,
			Severity:   schema.SeverityHigh,
			ThreatType: schema.ThreatPrivilegeEscalation,
		},
	}
}

// PatternStrategy matches configured patterns against time-windowed
// event groups.
type PatternStrategy struct {
	patterns []Pattern
}

// NewPatternStrategy creates a pattern-based strategy.
func NewPatternStrategy(patterns []Pattern) *PatternStrategy {
	return &PatternStrategy{patterns: patterns}
}

func (s *PatternStrategy) Name() string { return "pattern_based" }

func (s *PatternStrategy) Detect(ctx context.Context, in Input) []schema.Threat {
	var threats []schema.Threat
	for _, p := range s.patterns {
		for _, window := range groupByTime(in.Events, p.Timeframe) {
			if matchesPattern(window, p.Sequence) {
				threats = append(threats, schema.Threat{
					ThreatType:  p.ThreatType,
					RuleID:      p.Name,
					Severity:    p.Severity,
					Title:       fmt.Sprintf("Threat Pattern Detected: %s", p.Name),
					Description: fmt.Sprintf("Event sequence matches %s pattern", p.Name),
					Evidence:    map[string]any{"pattern": p.Sequence, "events": len(window)},
					Confidence:  0.9,
				})
			}
		}
	}
	return threats
}

// groupByTime partitions events, sorted by timestamp, into windows. A
// new window starts whenever the gap from the window start exceeds the
// timeframe.
func groupByTime(events []schema.Event, timeframe time.Duration) [][]schema.Event {
	if len(events) == 0 {
		return nil
	}

	sorted := make([]schema.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var windows [][]schema.Event
	windowStart := sorted[0].Timestamp
	current := []schema.Event{sorted[0]}

	for _, ev := range sorted[1:] {
		if ev.Timestamp.Sub(windowStart) <= timeframe {
			current = append(current, ev)
		} else {
			windows = append(windows, current)
			windowStart = ev.Timestamp
			current = []schema.Event{ev}
		}
	}
	return append(windows, current)
}

// matchesPattern reports whether every sequence member appears among
// the window's event types. Order of occurrence is not enforced.
func matchesPattern(window []schema.Event, sequence []string) bool {
	present := make(map[string]struct{}, len(window))
	for _, ev := range window {
		present[string(ev.EventType)] = struct{}{}
	}
	for _, want := range sequence {
		if _, ok := present[want]; !ok {
			return false
		}
	}
	return true
}
