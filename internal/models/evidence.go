package models

import (
	"sort"
	"time"
)

// ProviderName identifies one member of the fixed evidence provider set.
type ProviderName string

const (
	ProviderLogAnalyzer    ProviderName = "log_analyzer"
	ProviderCommitFetcher  ProviderName = "commit_fetcher"
	ProviderRunbookMatcher ProviderName = "runbook_matcher"
	ProviderSynthesizer    ProviderName = "synthesizer"
)

// EvidenceStatus tags the outcome of one provider invocation.
type EvidenceStatus string

const (
	EvidenceOK      EvidenceStatus = "ok"
	EvidenceFailed  EvidenceStatus = "failed"
	EvidenceSkipped EvidenceStatus = "skipped"
)

// FailureKind classifies provider failures.
type FailureKind string

const (
	FailureTimeout      FailureKind = "timeout"
	FailureUpstream     FailureKind = "upstream_unavailable"
	FailureInvalidInput FailureKind = "invalid_input"
)

// Evidence is the tagged result of a provider: exactly one payload field is set when Status is ok.
type Evidence struct {
	Status   EvidenceStatus   `json:"status"`
	Reason   string           `json:"reason,omitempty"`
	Kind     FailureKind      `json:"kind,omitempty"`
	Duration time.Duration    `json:"duration"`
	Logs     *LogSignals      `json:"logs,omitempty"`
	Commit   *CommitDiff      `json:"commit,omitempty"`
	Runbooks []RunbookExcerpt `json:"runbooks,omitempty"`
}

// Skipped marks a provider that was deliberately not consulted.
func Skipped(reason string) Evidence {
	return Evidence{Status: EvidenceSkipped, Reason: reason}
}

// Failed marks a provider that could not produce evidence.
func Failed(kind FailureKind, reason string) Evidence {
	return Evidence{Status: EvidenceFailed, Kind: kind, Reason: reason}
}

// LogEvidence wraps log signals as a successful result.
func LogEvidence(signals LogSignals) Evidence {
	return Evidence{Status: EvidenceOK, Logs: &signals}
}

// CommitEvidence wraps a commit diff as a successful result. A nil diff is a valid empty result.
func CommitEvidence(diff *CommitDiff) Evidence {
	return Evidence{Status: EvidenceOK, Commit: diff}
}

// RunbookEvidence wraps runbook matches as a successful result.
func RunbookEvidence(matches []RunbookExcerpt) Evidence {
	return Evidence{Status: EvidenceOK, Runbooks: matches}
}

// OK reports whether the provider succeeded.
func (e Evidence) OK() bool { return e.Status == EvidenceOK }

// EvidenceBundle maps each invoked provider to its outcome.
type EvidenceBundle map[ProviderName]Evidence

// Count returns how many entries carry the given status.
func (b EvidenceBundle) Count(status EvidenceStatus) int {
	n := 0
	for _, ev := range b {
		if ev.Status == status {
			n++
		}
	}
	return n
}

// Missing counts entries that contributed no evidence (failed or skipped).
func (b EvidenceBundle) Missing() int {
	return b.Count(EvidenceFailed) + b.Count(EvidenceSkipped)
}

// Providers returns the bundle keys in a stable order.
func (b EvidenceBundle) Providers() []ProviderName {
	names := make([]ProviderName, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Clone copies the bundle map so callers can hand it out safely.
func (b EvidenceBundle) Clone() EvidenceBundle {
	out := make(EvidenceBundle, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// LogSignals is the structured output of log analysis.
type LogSignals struct {
	ErrorCount   int          `json:"errorCount"`
	ErrorLines   []string     `json:"errorLines,omitempty"`
	StackTraces  []string     `json:"stackTraces,omitempty"`
	Frames       []StackFrame `json:"frames,omitempty"`
	Timestamps   []time.Time  `json:"timestamps,omitempty"`
	Bursts       []ErrorBurst `json:"bursts,omitempty"`
	Keywords     []string     `json:"keywords,omitempty"`
	SeverityHint Severity     `json:"severityHint"`
	Excerpt      string       `json:"excerpt,omitempty"`
	Filtered     bool         `json:"filtered"`
}

// StackFrame is a single frame recovered from a stack trace.
type StackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
}

// ErrorBurst is a second-resolution bucket where error volume spiked.
type ErrorBurst struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
	Score float64   `json:"score"`
}

// CommitDiff summarises the changes shipped by a commit.
type CommitDiff struct {
	Repository string       `json:"repository"`
	SHA        string       `json:"sha"`
	Author     string       `json:"author,omitempty"`
	Message    string       `json:"message,omitempty"`
	Files      []FileChange `json:"files,omitempty"`
	Additions  int          `json:"additions"`
	Deletions  int          `json:"deletions"`
	Total      int          `json:"total"`
}

// FileChange is one file touched by a commit.
type FileChange struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// RunbookExcerpt is a runbook section ranked by similarity to the error.
type RunbookExcerpt struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Source  string  `json:"source,omitempty"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}
