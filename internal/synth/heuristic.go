package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/engine"
	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// strongSuspectScore is the stack/diff overlap above which a deployment is called the cause.
const strongSuspectScore = 0.7

// RuleSynthesizer explains events deterministically from the evidence bundle and an optional
// rule pack. It is used when no text-generation endpoint is configured.
type RuleSynthesizer struct {
	rules  *RuleEngine
	logger *slog.Logger
}

// NewRuleSynthesizer constructs the deterministic synthesizer. rules may be nil.
func NewRuleSynthesizer(logger *slog.Logger, rules *RuleEngine) *RuleSynthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleSynthesizer{rules: rules, logger: logger}
}

// Synthesize implements engine.Synthesizer.
func (s *RuleSynthesizer) Synthesize(ctx context.Context, in engine.SynthesisInput) (engine.Synthesis, error) {
	if err := ctx.Err(); err != nil {
		return engine.Synthesis{}, err
	}

	matched := s.rules.Match(in)
	logs := in.Evidence[models.ProviderLogAnalyzer]
	commit := in.Evidence[models.ProviderCommitFetcher]
	runbooks := in.Evidence[models.ProviderRunbookMatcher]

	out := engine.Synthesis{Confidence: models.ConfidenceLow}
	var watch models.DeploymentWatch
	if in.Correlation.Watch != nil {
		watch = *in.Correlation.Watch
	}

	switch {
	case in.Correlation.Attributed && in.Suspects.Score >= strongSuspectScore:
		out.RootCause = fmt.Sprintf("Deployment %s (%s) changed %s, which appears in the failing stack trace: %s",
			watch.ShortCommit(), firstLine(watch.Message), strings.Join(in.Suspects.Files, ", "), in.Event.Error)
		out.Confidence = models.ConfidenceHigh
	case in.Correlation.Attributed:
		out.RootCause = fmt.Sprintf("Error started %s after deployment %s to %s: %s",
			in.Correlation.Elapsed.Round(time.Second), watch.ShortCommit(), watch.Branch, in.Event.Error)
		out.Confidence = models.ConfidenceMedium
	case len(matched) > 0 && matched[0].RootCause != "":
		out.RootCause = matched[0].RootCause
		out.Confidence = models.ConfidenceMedium
	case runbooks.OK() && len(runbooks.Runbooks) > 0:
		out.RootCause = fmt.Sprintf("%s (matches runbook %q)", in.Event.Error, runbooks.Runbooks[0].Title)
	default:
		out.RootCause = primaryError(in)
	}

	if logs.OK() && logs.Logs != nil {
		out.Severity = logs.Logs.SeverityHint
		if logs.Logs.ErrorCount > 0 {
			out.ContributingFactors = append(out.ContributingFactors,
				fmt.Sprintf("%d error lines in recent logs", logs.Logs.ErrorCount))
		}
		for _, burst := range logs.Logs.Bursts {
			out.ContributingFactors = append(out.ContributingFactors,
				fmt.Sprintf("error burst of %d at %s", burst.Count, burst.Start.Format("15:04:05")))
		}
	}
	out.ContributingFactors = appendUnique(out.ContributingFactors, in.Suspects.Notes...)
	if commit.OK() && commit.Commit != nil {
		out.ContributingFactors = append(out.ContributingFactors,
			fmt.Sprintf("commit %s by %s touched %d files (+%d/-%d)",
				shortSHA(commit.Commit.SHA), commit.Commit.Author, len(commit.Commit.Files), commit.Commit.Additions, commit.Commit.Deletions))
	}

	ruleSeverity := false
	for _, rule := range matched {
		// the first rule naming a severity overrides the log hint
		if rule.Severity != "" && !ruleSeverity {
			out.Severity = models.ParseSeverity(rule.Severity)
			ruleSeverity = true
		}
		out.ContributingFactors = appendUnique(out.ContributingFactors, rule.Factors...)
		out.RecommendedActions = appendUnique(out.RecommendedActions, rule.Recommendations...)
	}
	if runbooks.OK() {
		for _, rb := range runbooks.Runbooks {
			out.RecommendedActions = appendUnique(out.RecommendedActions, fmt.Sprintf("Follow runbook %q", rb.Title))
		}
	}
	if in.Correlation.Attributed {
		out.RecommendedActions = append(rollbackActions(watch, in.Suspects), out.RecommendedActions...)
	}
	if len(out.RecommendedActions) == 0 {
		out.RecommendedActions = []string{"Inspect recent logs around " + in.Event.Timestamp.UTC().Format("15:04:05") + " for " + in.Event.Service}
	}

	out.Confidence = out.Confidence.Cap(in.ConfidenceCap)
	s.logger.Debug("rule synthesis completed",
		slog.String("service", in.Event.Service),
		slog.Int("rules_matched", len(matched)),
		slog.String("confidence", string(out.Confidence)),
	)
	return out, nil
}

func rollbackActions(watch models.DeploymentWatch, suspects engine.SuspectResult) []string {
	actions := []string{
		fmt.Sprintf("ROLLBACK: git revert %s and redeploy %s", watch.Commit, watch.Branch),
	}
	if len(suspects.Files) > 0 {
		actions = append(actions, "FIX: review the changes to "+strings.Join(suspects.Files, ", "))
	}
	return actions
}

func primaryError(in engine.SynthesisInput) string {
	if logs := in.Evidence[models.ProviderLogAnalyzer]; logs.OK() && logs.Logs != nil && len(logs.Logs.ErrorLines) > 0 {
		if strings.TrimSpace(in.Event.Error) == "" {
			return strings.TrimSpace(logs.Logs.ErrorLines[0])
		}
	}
	return in.Event.Error
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
