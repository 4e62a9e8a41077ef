package synth

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/deploywatch-rca/internal/engine"
	"github.com/miradorstack/deploywatch-rca/internal/models"
)

const testRules = `rules:
  - id: missing-key
    match:
      keywords: ["keyerror"]
    root_cause: "Handler reads a request field that is no longer sent"
    severity: high
    factors: ["payload schema drift"]
    recommendations: ["Validate request payloads before use"]
  - id: checkout-db
    match:
      service: checkout-api
      keywords: ["connection refused"]
    recommendations: ["Check the database connection pool"]
  - id: deploy-migrations
    match:
      deployment_related: true
      changed_files: ["migrations/"]
    factors: ["deployment shipped a schema migration"]
`

func writeRules(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRules), 0o644))
	return path
}

func baseInput(service, message string) engine.SynthesisInput {
	ev := models.NewErrorEvent(service, message, "", nil, time.Date(2024, 12, 22, 10, 1, 0, 0, time.UTC))
	return engine.SynthesisInput{
		Event:       ev,
		Correlation: models.Unattributed(),
		Evidence: models.EvidenceBundle{
			models.ProviderLogAnalyzer: models.LogEvidence(models.LogSignals{
				ErrorCount:   3,
				ErrorLines:   []string{"ERROR " + message},
				SeverityHint: models.SeverityMedium,
			}),
			models.ProviderCommitFetcher:  models.Skipped("not deployment-linked"),
			models.ProviderRunbookMatcher: models.RunbookEvidence(nil),
		},
		ConfidenceCap: models.ConfidenceMedium,
	}
}

func TestRuleEngineMatch(t *testing.T) {
	rules, err := NewRuleEngine(writeRules(t), nil)
	require.NoError(t, err)
	require.Equal(t, 3, rules.Len())

	matched := rules.Match(baseInput("checkout-api", "KeyError: 'user_id'"))
	require.Len(t, matched, 1)
	assert.Equal(t, "missing-key", matched[0].ID)

	assert.Empty(t, rules.Match(baseInput("billing", "dial tcp: connection refused")))
	matched = rules.Match(baseInput("checkout-api", "dial tcp: connection refused"))
	require.Len(t, matched, 1)
	assert.Equal(t, "checkout-db", matched[0].ID)
}

func TestRuleEngineDeploymentRelatedMatch(t *testing.T) {
	rules, err := NewRuleEngine(writeRules(t), nil)
	require.NoError(t, err)

	in := baseInput("checkout-api", "relation users has no column email")
	assert.Empty(t, rules.Match(in))

	watch := models.DeploymentWatch{ID: "deploy-1", Commit: "abc1234def", Branch: "main"}
	in.Correlation = models.Attributed(watch, 30*time.Second)
	in.Evidence[models.ProviderCommitFetcher] = models.CommitEvidence(&models.CommitDiff{
		SHA:   "abc1234def",
		Files: []models.FileChange{{Filename: "db/migrations/0042_users.sql"}},
	})
	matched := rules.Match(in)
	require.Len(t, matched, 1)
	assert.Equal(t, "deploy-migrations", matched[0].ID)
}

func TestRuleEngineNoFile(t *testing.T) {
	rules, err := NewRuleEngine("non-existent", nil)
	require.NoError(t, err)
	assert.Nil(t, rules)
	assert.Nil(t, rules.Match(baseInput("svc", "boom")))
	assert.Zero(t, rules.Len())
}

func TestRuleSynthesizerUsesRulePack(t *testing.T) {
	rules, err := NewRuleEngine(writeRules(t), nil)
	require.NoError(t, err)
	s := NewRuleSynthesizer(nil, rules)

	out, err := s.Synthesize(context.Background(), baseInput("checkout-api", "KeyError: 'user_id'"))
	require.NoError(t, err)
	assert.Equal(t, "Handler reads a request field that is no longer sent", out.RootCause)
	assert.Equal(t, models.SeverityHigh, out.Severity)
	assert.Equal(t, models.ConfidenceMedium, out.Confidence)
	assert.Contains(t, out.ContributingFactors, "payload schema drift")
	assert.Contains(t, out.RecommendedActions, "Validate request payloads before use")
}

func TestRuleSynthesizerDeploymentRegression(t *testing.T) {
	s := NewRuleSynthesizer(nil, nil)
	in := baseInput("checkout-api", "KeyError: 'user_id'")
	watch := models.DeploymentWatch{ID: "deploy-1", Commit: "abc1234def", Branch: "main", Message: "drop user_id\n\nlong body"}
	in.Correlation = models.Attributed(watch, 42*time.Second)
	in.Suspects = engine.SuspectResult{Score: 1, Files: []string{"app/handlers/user.py"}, Notes: []string{"stack frame in app/handlers/user.py"}}
	in.ConfidenceCap = models.ConfidenceHigh

	out, err := s.Synthesize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.ConfidenceHigh, out.Confidence)
	assert.Contains(t, out.RootCause, "abc1234")
	assert.Contains(t, out.RootCause, "drop user_id")
	assert.NotContains(t, out.RootCause, "long body")
	require.NotEmpty(t, out.RecommendedActions)
	assert.True(t, strings.HasPrefix(out.RecommendedActions[0], "ROLLBACK: git revert abc1234def"))
	assert.Contains(t, out.ContributingFactors, "stack frame in app/handlers/user.py")
}

func TestRuleSynthesizerRespectsCap(t *testing.T) {
	s := NewRuleSynthesizer(nil, nil)
	in := baseInput("checkout-api", "boom")
	in.Correlation = models.Attributed(models.DeploymentWatch{Commit: "abc"}, time.Second)
	in.Suspects = engine.SuspectResult{Score: 0.9}
	in.ConfidenceCap = models.ConfidenceLow

	out, err := s.Synthesize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.ConfidenceLow, out.Confidence)
}

func TestRuleSynthesizerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRuleSynthesizer(nil, nil).Synthesize(ctx, baseInput("svc", "boom"))
	require.ErrorIs(t, err, context.Canceled)
}
