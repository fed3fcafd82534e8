package alerting

import "threatlens/internal/schema"

// recommendedActions returns the response playbook for a threat type.
// Unknown types get a generic triage checklist.
func recommendedActions(t schema.ThreatType) []string {
	switch t {
	case schema.ThreatDataExfiltration:
		return []string{
			"Immediately review user's file access logs",
			"Check for unauthorized data transfers",
			"Consider temporarily restricting user access",
			"Investigate network traffic patterns",
		}
	case schema.ThreatPolicyViolation:
		return []string{
			"Review company security policies with user",
			"Check if user has legitimate business reason",
			"Consider additional training requirements",
			"Monitor user behavior closely",
		}
	case schema.ThreatPrivilegeEscalation:
		return []string{
			"Immediately review user's access permissions",
			"Check for unauthorized privilege changes",
			"Audit recent access attempts",
			"Consider revoking elevated privileges temporarily",
		}
	case schema.ThreatAnomalousBehavior:
		return []string{
			"Investigate underlying cause of anomaly",
			"Review recent user activities",
			"Check for compromised credentials",
			"Monitor user behavior patterns",
		}
	default:
		return []string{
			"Review alert details carefully",
			"Investigate user behavior",
			"Take appropriate security measures",
		}
	}
}
