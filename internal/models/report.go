package models

import "time"

// RootCauseIncomplete is the fixed marker used when synthesis could not run.
const RootCauseIncomplete = "analysis incomplete"

// RCAReport is the immutable outcome of one pipeline run.
type RCAReport struct {
	ID                  string         `json:"id"`
	Service             string         `json:"service"`
	Error               string         `json:"error"`
	RequestID           string         `json:"requestId,omitempty"`
	RootCause           string         `json:"rootCause"`
	Confidence          Confidence     `json:"confidence"`
	Severity            Severity       `json:"severity"`
	ContributingFactors []string       `json:"contributingFactors"`
	RecommendedActions  []string       `json:"recommendedActions"`
	Evidence            EvidenceBundle `json:"evidence"`
	IsDeploymentRelated bool           `json:"isDeploymentRelated"`
	WatchID             string         `json:"watchId,omitempty"`
	Commit              string         `json:"commit,omitempty"`
	Degraded            bool           `json:"degraded"`
	Duration            time.Duration  `json:"duration"`
	CreatedAt           time.Time      `json:"createdAt"`
}

// EscalationAction is the urgency chosen for a report.
type EscalationAction string

const (
	EscalationNone   EscalationAction = "none"
	EscalationNotify EscalationAction = "notify"
	EscalationCall   EscalationAction = "call"
)

// Rank orders escalation actions by urgency.
func (a EscalationAction) Rank() int {
	switch a {
	case EscalationNotify:
		return 1
	case EscalationCall:
		return 2
	default:
		return 0
	}
}

// EscalationOutcome is reported asynchronously by an escalation channel.
type EscalationOutcome struct {
	ReportID  string           `json:"reportId"`
	Action    EscalationAction `json:"action"`
	Channel   string           `json:"channel"`
	Delivered bool             `json:"delivered"`
	Detail    string           `json:"detail,omitempty"`
	At        time.Time        `json:"at"`
}
