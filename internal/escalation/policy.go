package escalation

import "github.com/miradorstack/deploywatch-rca/internal/models"

// EffectiveSeverity raises a deployment-related report's severity one tier, saturating at critical.
func EffectiveSeverity(report models.RCAReport) models.Severity {
	severity := normalise(report.Severity)
	if report.IsDeploymentRelated {
		return severity.Boost()
	}
	return severity
}

// Decide maps a report to an escalation action. It is total over every severity and
// confidence, and never decreases when a report becomes deployment-related.
//
//	critical + medium/high confidence -> call
//	critical + low confidence         -> notify
//	high                              -> notify
//	medium, low                       -> none
func Decide(report models.RCAReport) models.EscalationAction {
	switch EffectiveSeverity(report) {
	case models.SeverityCritical:
		if report.Confidence.Rank() >= models.ConfidenceMedium.Rank() {
			return models.EscalationCall
		}
		return models.EscalationNotify
	case models.SeverityHigh:
		return models.EscalationNotify
	default:
		return models.EscalationNone
	}
}

func normalise(s models.Severity) models.Severity {
	for _, known := range models.Severities {
		if s == known {
			return s
		}
	}
	return models.SeverityLow
}
