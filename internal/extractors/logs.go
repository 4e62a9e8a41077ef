// Package extractors turns raw error context into structured log signals.
package extractors

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/models"
	"github.com/miradorstack/deploywatch-rca/internal/utils"
)

const (
	prefilterMinLines = 20
	prefilterContext  = 5
	headTailLines     = 10
	maxErrorLines     = 50

	filteredMarker = "... [filtered non-error logs] ..."
	snipMarker     = "...[snip]..."
)

var (
	interestingLine = regexp.MustCompile(`(?i)(error|exception|stacktrace|fatal|panic|traceback|warn)`)
	errorLine       = regexp.MustCompile(`(?i)(ERROR|EXCEPTION|CRITICAL|FATAL).*`)
	fatalLine       = regexp.MustCompile(`(?i)\b(fatal|panic|critical|segfault|out of memory|oomkilled)\b`)
	timestampToken  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
)

// signalKeywords are the failure classes recognised in error text.
var signalKeywords = map[string][]string{
	"timeout":            {"timeout", "timed out", "deadline exceeded"},
	"connection_refused": {"connection refused", "econnrefused", "connection reset"},
	"null_reference":     {"nullpointer", "null pointer", "nil pointer", "nonetype", "undefined is not"},
	"missing_key":        {"keyerror", "key error", "no such key", "missing field"},
	"database":           {"sql", "deadlock", "database", "constraint", "duplicate key"},
	"memory":             {"out of memory", "oomkilled", "heap"},
	"auth":               {"unauthorized", "forbidden", "401", "403", "permission denied"},
	"dependency":         {"503", "502", "bad gateway", "service unavailable"},
}

// LogAnalyzer extracts structured signals from an event's error text, stack trace and logs.
type LogAnalyzer struct {
	bursts *BurstDetector
}

// NewLogAnalyzer constructs a LogAnalyzer.
func NewLogAnalyzer() *LogAnalyzer {
	return &LogAnalyzer{bursts: NewBurstDetector(0)}
}

// Name identifies the provider in evidence bundles.
func (a *LogAnalyzer) Name() models.ProviderName { return models.ProviderLogAnalyzer }

// Gather analyses the event. It never fails on well-formed input; empty logs yield empty signals.
func (a *LogAnalyzer) Gather(ctx context.Context, ev models.ErrorEvent, _ models.Correlation) (models.Evidence, error) {
	if err := ctx.Err(); err != nil {
		return models.Evidence{}, err
	}
	return models.LogEvidence(a.Analyze(ev)), nil
}

// Analyze is the synchronous core of Gather.
func (a *LogAnalyzer) Analyze(ev models.ErrorEvent) models.LogSignals {
	filtered, wasFiltered := Prefilter(ev.RecentLogs)

	signals := models.LogSignals{
		Excerpt:  strings.Join(filtered, "\n"),
		Filtered: wasFiltered,
	}

	signals.ErrorLines = ExtractErrorLines(ev.RecentLogs)
	signals.ErrorCount = countErrorLines(ev.RecentLogs)

	traces := ExtractStackTraces(ev.RecentLogs)
	if strings.TrimSpace(ev.Stacktrace) != "" {
		traces = append([]string{strings.TrimSpace(ev.Stacktrace)}, traces...)
		if len(traces) > maxStackTraces {
			traces = traces[:maxStackTraces]
		}
	}
	signals.StackTraces = traces
	signals.Frames = ParseFrames(strings.Join(traces, "\n"))

	signals.Timestamps = ExtractTimestamps(ev.RecentLogs)
	signals.Bursts = a.bursts.Detect(errorTimestamps(ev.RecentLogs))
	signals.Keywords = Keywords(ev.Error, ev.Stacktrace, strings.Join(signals.ErrorLines, "\n"))
	signals.SeverityHint = severityHint(ev, signals)
	return signals
}

// Prefilter keeps interesting lines with surrounding context. Short excerpts are returned as is;
// excerpts with nothing interesting are reduced to their head and tail.
func Prefilter(lines []string) ([]string, bool) {
	if len(lines) < prefilterMinLines {
		return lines, false
	}

	keep := make([]bool, len(lines))
	matched := false
	for i, line := range lines {
		if !interestingLine.MatchString(line) {
			continue
		}
		matched = true
		lo := max(0, i-prefilterContext)
		hi := min(len(lines), i+prefilterContext+1)
		for j := lo; j < hi; j++ {
			keep[j] = true
		}
	}

	if !matched {
		out := make([]string, 0, 2*headTailLines+1)
		out = append(out, lines[:headTailLines]...)
		out = append(out, snipMarker)
		out = append(out, lines[len(lines)-headTailLines:]...)
		return out, true
	}

	out := make([]string, 0, len(lines))
	last := -1
	for i, ok := range keep {
		if !ok {
			continue
		}
		if last >= 0 && i > last+1 {
			out = append(out, filteredMarker)
		}
		out = append(out, lines[i])
		last = i
	}
	return out, true
}

// ExtractErrorLines returns up to 50 error fragments, each starting at its severity keyword.
func ExtractErrorLines(lines []string) []string {
	var out []string
	for _, line := range lines {
		if m := errorLine.FindString(line); m != "" {
			out = append(out, m)
			if len(out) == maxErrorLines {
				break
			}
		}
	}
	return out
}

// ExtractTimestamps parses every recognisable timestamp in the excerpt.
func ExtractTimestamps(lines []string) []time.Time {
	var out []time.Time
	for _, line := range lines {
		for _, token := range timestampToken.FindAllString(line, -1) {
			if ts, err := utils.ParseTimestamp(token); err == nil {
				out = append(out, ts)
			}
		}
	}
	return out
}

// Keywords returns the sorted failure classes mentioned across the given texts.
func Keywords(texts ...string) []string {
	joined := strings.ToLower(strings.Join(texts, "\n"))
	if joined == "" {
		return nil
	}
	var out []string
	for class, needles := range signalKeywords {
		for _, needle := range needles {
			if strings.Contains(joined, needle) {
				out = append(out, class)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func countErrorLines(lines []string) int {
	n := 0
	for _, line := range lines {
		if errorLine.MatchString(line) {
			n++
		}
	}
	return n
}

func errorTimestamps(lines []string) []time.Time {
	var out []time.Time
	for _, line := range lines {
		if !errorLine.MatchString(line) {
			continue
		}
		token := timestampToken.FindString(line)
		if token == "" {
			continue
		}
		if ts, err := utils.ParseTimestamp(token); err == nil {
			out = append(out, ts)
		}
	}
	return out
}

func severityHint(ev models.ErrorEvent, signals models.LogSignals) models.Severity {
	switch {
	case fatalLine.MatchString(ev.Error) || fatalLine.MatchString(ev.Stacktrace):
		return models.SeverityCritical
	case len(signals.Bursts) > 0 || signals.ErrorCount >= 10:
		return models.SeverityHigh
	case signals.ErrorCount > 0 || len(signals.StackTraces) > 0:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
