package synth

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/deploywatch-rca/internal/engine"
	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// RuleEngine matches a rule pack against the evidence gathered for an event.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single diagnosis rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	RootCause       string    `yaml:"root_cause"`
	Severity        string    `yaml:"severity"`
	Factors         []string  `yaml:"factors"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching. Empty fields match everything.
type RuleMatch struct {
	Service           string   `yaml:"service"`
	Severity          string   `yaml:"severity"`
	Keywords          []string `yaml:"keywords"`
	DeploymentRelated *bool    `yaml:"deployment_related"`
	ChangedFiles      []string `yaml:"changed_files"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from the provided path. If path is empty or missing, returns nil engine.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return ParseRules(data, logger)
}

// ParseRules builds an engine from an in-memory rule pack.
func ParseRules(data []byte, logger *slog.Logger) (*RuleEngine, error) {
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Len returns the number of loaded rules.
func (e *RuleEngine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Match returns the rules satisfied by in, in file order.
func (e *RuleEngine) Match(in engine.SynthesisInput) []Rule {
	if e == nil {
		return nil
	}

	text := evidenceText(in)
	severity := logSeverity(in.Evidence)
	changed := changedFiles(in.Evidence)

	matched := make([]Rule, 0)
	for _, rule := range e.rules {
		if rule.Match.Service != "" && !strings.EqualFold(rule.Match.Service, in.Event.Service) {
			continue
		}
		if rule.Match.Severity != "" && models.ParseSeverity(rule.Match.Severity) != severity {
			continue
		}
		if rule.Match.DeploymentRelated != nil && *rule.Match.DeploymentRelated != in.Correlation.Attributed {
			continue
		}
		if len(rule.Match.Keywords) > 0 && !containsAny(text, rule.Match.Keywords) {
			continue
		}
		if len(rule.Match.ChangedFiles) > 0 && !containsAny(changed, rule.Match.ChangedFiles) {
			continue
		}
		matched = append(matched, rule)
	}
	if len(matched) > 0 {
		ids := make([]string, 0, len(matched))
		for _, r := range matched {
			ids = append(ids, r.ID)
		}
		e.logger.Debug("rules matched", slog.String("service", in.Event.Service), slog.Any("rules", ids))
	}
	return matched
}

// evidenceText is the lower-cased haystack keyword rules are matched against.
func evidenceText(in engine.SynthesisInput) string {
	parts := []string{in.Event.Error, in.Event.Stacktrace}
	if logs := in.Evidence[models.ProviderLogAnalyzer]; logs.OK() && logs.Logs != nil {
		parts = append(parts, logs.Logs.Keywords...)
		parts = append(parts, logs.Logs.ErrorLines...)
	}
	return strings.ToLower(strings.Join(parts, "\n"))
}

func logSeverity(bundle models.EvidenceBundle) models.Severity {
	if logs := bundle[models.ProviderLogAnalyzer]; logs.OK() && logs.Logs != nil {
		return logs.Logs.SeverityHint
	}
	return ""
}

func changedFiles(bundle models.EvidenceBundle) string {
	commit := bundle[models.ProviderCommitFetcher]
	if !commit.OK() || commit.Commit == nil {
		return ""
	}
	names := make([]string, 0, len(commit.Commit.Files))
	for _, f := range commit.Commit.Files {
		names = append(names, f.Filename)
	}
	return strings.ToLower(strings.Join(names, "\n"))
}

func containsAny(haystack string, keywords []string) bool {
	if haystack == "" {
		return false
	}
	for _, kw := range keywords {
		if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
