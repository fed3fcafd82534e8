// Package schema defines the canonical behavioral event and threat types
// for threatlens. All ingested events are normalized to this structure
// before analysis.
package schema

import (
	"time"
)

// Event represents a single timestamped behavioral observation for one user.
// Immutable once ingested.
type Event struct {
	UserID    string         `json:"user_id" validate:"required,max=256"`
	EventType EventType      `json:"event_type" validate:"required,event_type"`
	Timestamp time.Time      `json:"timestamp" validate:"required"`
	EventData map[string]any `json:"event_data,omitempty"`

	// Set at ingest time, never by the sender.
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// EventType classifies a behavioral observation.
type EventType string

const (
	EventKeystroke        EventType = "keystroke"
	EventMouseMovement    EventType = "mouse_movement"
	EventFileAccess       EventType = "file_access"
	EventNetworkRequest   EventType = "network_request"
	EventLogin            EventType = "login_event"
	EventApplicationUsage EventType = "application_usage"
	EventSystemCommand    EventType = "system_command"
)

// IsValid checks if the event type is a valid value.
func (e EventType) IsValid() bool {
	switch e {
	case EventKeystroke, EventMouseMovement, EventFileAccess, EventNetworkRequest,
		EventLogin, EventApplicationUsage, EventSystemCommand:
		return true
	}
	return false
}

// EventTypes lists every valid event type.
func EventTypes() []EventType {
	return []EventType{
		EventKeystroke, EventMouseMovement, EventFileAccess, EventNetworkRequest,
		EventLogin, EventApplicationUsage, EventSystemCommand,
	}
}

// FeatureVector is a named numeric summary of a window of events.
// Keys vary by which event types were present; downstream consumers
// must look keys up by name, never by position. A missing key reads
// as zero.
type FeatureVector map[string]float64

// Get returns the named feature, or zero when absent.
func (f FeatureVector) Get(name string) float64 {
	return f[name]
}

// Severity classifies how serious a finding is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a valid value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities for comparison; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Weight returns the multiplier applied to confidence when deriving a
// threat's risk score.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.8
	case SeverityMedium:
		return 0.6
	default:
		return 0.3
	}
}

// Anomaly is a specific deviation finding attached to an analysis.
type Anomaly struct {
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// BehavioralAnalysis is the scoring result for one user over one
// analysis window. Derived, recomputed per window; never persisted by
// the scorer itself.
type BehavioralAnalysis struct {
	UserID       string          `json:"user_id"`
	AnomalyScore float64         `json:"anomaly_score"`
	RiskLevel    Severity        `json:"risk_level"`
	Patterns     map[string]bool `json:"patterns"`
	Anomalies    []Anomaly       `json:"anomalies"`
	EventCount   int             `json:"event_count"`
	AnalyzedAt   time.Time       `json:"analyzed_at"`
}

// ThreatType classifies a detected threat.
type ThreatType string

const (
	ThreatDataExfiltration    ThreatType = "data_exfiltration"
	ThreatInsiderTrading      ThreatType = "insider_trading"
	ThreatPolicyViolation     ThreatType = "policy_violation"
	ThreatAnomalousBehavior   ThreatType = "anomalous_behavior"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatMalwareActivity     ThreatType = "malware_activity"
	ThreatLateralMovement     ThreatType = "lateral_movement"
)

// IsValid checks if the threat type is a valid value.
func (t ThreatType) IsValid() bool {
	switch t {
	case ThreatDataExfiltration, ThreatInsiderTrading, ThreatPolicyViolation,
		ThreatAnomalousBehavior, ThreatPrivilegeEscalation, ThreatMalwareActivity,
		ThreatLateralMovement:
		return true
	}
	return false
}

// Threat is a typed, scored finding emitted by a detection strategy.
// RiskScore is derived during correlation as confidence times the
// severity weight, clamped to [0,1].
type Threat struct {
	ThreatType  ThreatType     `json:"threat_type"`
	RuleID      string         `json:"rule_id"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	Confidence  float64        `json:"confidence"`
	RiskScore   float64        `json:"risk_score"`
	DetectedAt  time.Time      `json:"detected_at"`
}

// Priority classifies alert urgency, derived from severity and risk score.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid checks if the priority is a valid value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// AlertStatus tracks the operator-facing lifecycle of an alert.
type AlertStatus string

const (
	StatusOpen          AlertStatus = "open"
	StatusInvestigating AlertStatus = "investigating"
	StatusResolved      AlertStatus = "resolved"
	StatusFalsePositive AlertStatus = "false_positive"
	StatusEscalated     AlertStatus = "escalated"
)

// IsValid checks if the status is a valid value.
func (s AlertStatus) IsValid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusFalsePositive, StatusEscalated:
		return true
	}
	return false
}

// Alert is the deduplicated, rate-limited record created from one or
// more correlated threats. Created by the alert manager; status is
// mutated by operator action, never deleted.
type Alert struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	ThreatType         ThreatType     `json:"threat_type"`
	Severity           Severity       `json:"severity"`
	Priority           Priority       `json:"priority"`
	RiskScore          float64        `json:"risk_score"`
	Confidence         float64        `json:"confidence"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	Evidence           map[string]any `json:"evidence,omitempty"`
	RecommendedActions []string       `json:"recommended_actions"`
	Status             AlertStatus    `json:"status"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at,omitempty"`
}
