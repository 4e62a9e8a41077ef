package models

import "time"

// Correlation is the outcome of matching an error event against the active watch windows.
// The zero value is the unattributed result.
type Correlation struct {
	Attributed bool             `json:"attributed"`
	Watch      *DeploymentWatch `json:"watch,omitempty"`
	Elapsed    time.Duration    `json:"elapsed,omitempty"`
}

// Unattributed returns the correlation result for events not linked to any deployment.
func Unattributed() Correlation {
	return Correlation{}
}

// Attributed links an event to the watch that absorbed it.
func Attributed(watch DeploymentWatch, elapsed time.Duration) Correlation {
	w := watch
	if elapsed < 0 {
		elapsed = 0
	}
	return Correlation{Attributed: true, Watch: &w, Elapsed: elapsed}
}

// WatchID returns the linked watch identifier, or an empty string when unattributed.
func (c Correlation) WatchID() string {
	if !c.Attributed || c.Watch == nil {
		return ""
	}
	return c.Watch.ID
}

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity from least to most urgent.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; unknown values rank as low.
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Boost returns the next tier up, saturating at critical.
func (s Severity) Boost() Severity {
	rank := s.Rank() + 1
	if rank >= len(Severities) {
		rank = len(Severities) - 1
	}
	return Severities[rank]
}

// ParseSeverity normalises free-form severity labels.
func ParseSeverity(value string) Severity {
	switch normalizeLabel(value) {
	case "medium", "moderate", "warn", "warning":
		return SeverityMedium
	case "high", "error", "major":
		return SeverityHigh
	case "critical", "fatal", "sev1", "p1":
		return SeverityCritical
	default:
		return SeverityLow
	}
}

// Confidence expresses how sure the synthesizer is about a root cause.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Confidences lists every confidence level from least to most certain.
var Confidences = []Confidence{ConfidenceLow, ConfidenceMedium, ConfidenceHigh}

// Rank orders confidence levels; unknown values rank as low.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceMedium:
		return 1
	case ConfidenceHigh:
		return 2
	default:
		return 0
	}
}

// Cap lowers c to ceiling when it exceeds it.
func (c Confidence) Cap(ceiling Confidence) Confidence {
	if c.Rank() > ceiling.Rank() {
		return ceiling
	}
	if c.Rank() == 0 {
		return ConfidenceLow
	}
	return c
}

// ParseConfidence normalises free-form confidence labels.
func ParseConfidence(value string) Confidence {
	switch normalizeLabel(value) {
	case "medium", "moderate":
		return ConfidenceMedium
	case "high", "certain":
		return ConfidenceHigh
	default:
		return ConfidenceLow
	}
}
