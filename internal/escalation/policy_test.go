package escalation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

func TestDecideTable(t *testing.T) {
	cases := []struct {
		severity   models.Severity
		confidence models.Confidence
		deploy     bool
		want       models.EscalationAction
	}{
		{models.SeverityCritical, models.ConfidenceHigh, false, models.EscalationCall},
		{models.SeverityCritical, models.ConfidenceMedium, false, models.EscalationCall},
		{models.SeverityCritical, models.ConfidenceLow, false, models.EscalationNotify},
		{models.SeverityHigh, models.ConfidenceHigh, false, models.EscalationNotify},
		{models.SeverityHigh, models.ConfidenceHigh, true, models.EscalationCall},
		{models.SeverityHigh, models.ConfidenceLow, true, models.EscalationNotify},
		{models.SeverityMedium, models.ConfidenceHigh, false, models.EscalationNone},
		{models.SeverityMedium, models.ConfidenceHigh, true, models.EscalationNotify},
		{models.SeverityLow, models.ConfidenceHigh, true, models.EscalationNone},
		{"bogus", models.ConfidenceHigh, false, models.EscalationNone},
	}
	for _, tc := range cases {
		name := fmt.Sprintf("%s/%s/deploy=%t", tc.severity, tc.confidence, tc.deploy)
		t.Run(name, func(t *testing.T) {
			report := models.RCAReport{Severity: tc.severity, Confidence: tc.confidence, IsDeploymentRelated: tc.deploy}
			assert.Equal(t, tc.want, Decide(report))
		})
	}
}

func TestDecideTotalAndMonotone(t *testing.T) {
	valid := map[models.EscalationAction]bool{
		models.EscalationNone: true, models.EscalationNotify: true, models.EscalationCall: true,
	}
	for _, severity := range models.Severities {
		for _, confidence := range models.Confidences {
			plain := Decide(models.RCAReport{Severity: severity, Confidence: confidence})
			linked := Decide(models.RCAReport{Severity: severity, Confidence: confidence, IsDeploymentRelated: true})
			assert.True(t, valid[plain], "unexpected action %q", plain)
			assert.True(t, valid[linked], "unexpected action %q", linked)
			assert.GreaterOrEqual(t, linked.Rank(), plain.Rank(), "%s/%s", severity, confidence)
		}
	}
}

func TestEffectiveSeverity(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, EffectiveSeverity(models.RCAReport{Severity: models.SeverityCritical, IsDeploymentRelated: true}))
	assert.Equal(t, models.SeverityMedium, EffectiveSeverity(models.RCAReport{Severity: models.SeverityLow, IsDeploymentRelated: true}))
	assert.Equal(t, models.SeverityLow, EffectiveSeverity(models.RCAReport{}))
}
