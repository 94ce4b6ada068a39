package models

import "time"

// AlertType classifies records on the alert stream
type AlertType string

const (
	AlertPatternMatch      AlertType = "pattern_match"
	AlertThresholdExceeded AlertType = "threshold_exceeded"
	AlertAutoscale         AlertType = "autoscale"
	AlertBackpressure      AlertType = "backpressure"
	AlertDeadLetter        AlertType = "dead_letter"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps free-form config values onto a Severity, defaulting to warning
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return Severity(s)
	default:
		return SeverityWarning
	}
}

// Alert is an outward signal. CausalEventID names the event that triggered
// it and is empty for system alerts such as autoscale.
type Alert struct {
	Type          AlertType              `json:"type"`
	Severity      Severity               `json:"severity"`
	Timestamp     time.Time              `json:"timestamp"`
	CausalEventID string                 `json:"causal_event_id,omitempty"`
	Message       string                 `json:"message"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
}
