package detect

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"threatlens/internal/schema"
)

// Correlate groups threats by type and merges each multi-member group
// into one threat. The result is independent of input ordering: groups
// are sorted deterministically before merging, so correlation is
// commutative over strategy output order.
func Correlate(threats []schema.Threat) []schema.Threat {
	if len(threats) == 0 {
		return nil
	}

	groups := make(map[schema.ThreatType][]schema.Threat)
	for _, t := range threats {
		groups[t.ThreatType] = append(groups[t.ThreatType], t)
	}

	types := make([]schema.ThreatType, 0, len(groups))
	for typ := range groups {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	out := make([]schema.Threat, 0, len(groups))
	for _, typ := range types {
		group := groups[typ]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		out = append(out, mergeThreats(group))
	}
	return out
}

// mergeThreats combines same-type threats: the highest-severity member
// is the base record, evidence maps are unioned, confidence is the
// group mean, and the description lists every contributing title.
func mergeThreats(group []schema.Threat) schema.Threat {
	sorted := make([]schema.Threat, len(group))
	copy(sorted, group)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Severity.Rank() != sorted[j].Severity.Rank() {
			return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
		}
		return sorted[i].RuleID < sorted[j].RuleID
	})

	base := sorted[0]

	evidence := make(map[string]any)
	titles := make([]string, 0, len(sorted))
	var confidenceSum float64
	for _, t := range sorted {
		for k, v := range t.Evidence {
			evidence[k] = v
		}
		titles = append(titles, t.Title)
		confidenceSum += t.Confidence
	}

	merged := base
	merged.Evidence = evidence
	merged.Confidence = confidenceSum / float64(len(sorted))
	merged.Description = fmt.Sprintf("Multiple indicators detected: %s", strings.Join(titles, ", "))
	merged.RuleID = fmt.Sprintf("merged_%s", base.ThreatType)
	return merged
}

// FinalizeScores derives each threat's risk score from its confidence
// and severity, and stamps the detection time. Called once after
// correlation, never at strategy-emission time.
func FinalizeScores(threats []schema.Threat, now time.Time) []schema.Threat {
	for i := range threats {
		score := threats[i].Confidence * threats[i].Severity.Weight()
		if score > 1 {
			score = 1
		}
		if score < 0 {
			score = 0
		}
		threats[i].RiskScore = score
		threats[i].DetectedAt = now
	}
	return threats
}
