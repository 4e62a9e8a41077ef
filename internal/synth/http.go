package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/engine"
	"github.com/miradorstack/deploywatch-rca/internal/models"
)

const (
	maxPromptRunbookChars = 200
	maxPromptCommitFiles  = 10
	maxPromptPatchChars   = 600
	maxResponseBytes      = 1 << 20
)

// ErrUnparseable is returned when the model reply holds no JSON object.
var ErrUnparseable = errors.New("synthesizer reply contained no JSON object")

// HTTPSynthesizer asks an OpenAI-compatible chat completion endpoint for a root cause.
type HTTPSynthesizer struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPSynthesizer constructs the remote synthesizer.
func NewHTTPSynthesizer(endpoint, apiKey, model string, timeout time.Duration, logger *slog.Logger) *HTTPSynthesizer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSynthesizer{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Verdict is the JSON document the model is asked to produce.
type Verdict struct {
	RootCause           string   `json:"root_cause"`
	Confidence          string   `json:"confidence"`
	Severity            string   `json:"severity"`
	ContributingFactors []string `json:"contributing_factors"`
	RecommendedActions  []string `json:"recommended_actions"`
	Rollback            *struct {
		ShouldRollback bool   `json:"should_rollback"`
		Command        string `json:"command"`
	} `json:"rollback_recommendation"`
}

// Synthesize implements engine.Synthesizer.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, in engine.SynthesisInput) (engine.Synthesis, error) {
	if s.endpoint == "" {
		return engine.Synthesis{}, errors.New("synthesizer endpoint not configured")
	}

	payload, err := json.Marshal(chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt(in.Correlation.Attributed)},
			{Role: "user", Content: UserPrompt(in)},
		},
	})
	if err != nil {
		return engine.Synthesis{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return engine.Synthesis{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return engine.Synthesis{}, fmt.Errorf("call synthesizer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return engine.Synthesis{}, fmt.Errorf("read synthesizer reply: %w", err)
	}
	if resp.StatusCode >= 300 {
		return engine.Synthesis{}, fmt.Errorf("synthesizer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return engine.Synthesis{}, fmt.Errorf("decode synthesizer reply: %w", err)
	}
	if len(chat.Choices) == 0 {
		return engine.Synthesis{}, errors.New("synthesizer reply had no choices")
	}

	v, err := ParseVerdict(chat.Choices[0].Message.Content)
	if err != nil {
		return engine.Synthesis{}, err
	}

	out := engine.Synthesis{
		RootCause:           strings.TrimSpace(v.RootCause),
		Confidence:          models.ParseConfidence(v.Confidence).Cap(in.ConfidenceCap),
		ContributingFactors: v.ContributingFactors,
		RecommendedActions:  v.RecommendedActions,
	}
	if v.Severity != "" {
		out.Severity = models.ParseSeverity(v.Severity)
	}
	if v.Rollback != nil && v.Rollback.ShouldRollback && v.Rollback.Command != "" {
		out.RecommendedActions = appendUnique(out.RecommendedActions, "ROLLBACK: "+v.Rollback.Command)
	}
	s.logger.Debug("remote synthesis completed",
		slog.String("service", in.Event.Service),
		slog.String("confidence", string(out.Confidence)),
	)
	return out, nil
}

// ParseVerdict extracts the JSON object from a model reply, tolerating markdown fences and prose.
func ParseVerdict(reply string) (Verdict, error) {
	var v Verdict
	text := reply
	if start := strings.Index(text, "```"); start >= 0 {
		text = text[start+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return v, ErrUnparseable
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return v, nil
}

// SystemPrompt returns the instructions for the model. Deployment-linked errors get the
// regression-focused variant.
func SystemPrompt(deploymentRelated bool) string {
	if deploymentRelated {
		return `You are a senior SRE analyzing a DEPLOYMENT REGRESSION.
The error occurred inside the watch window of a fresh deployment.
Compare the stack trace with the files and lines changed by the commit, decide whether the
deployment caused the failure and give a clear rollback recommendation.
Return ONLY valid JSON:
{"root_cause": "...", "confidence": "high|medium|low", "severity": "low|medium|high|critical",
 "contributing_factors": ["..."], "recommended_actions": ["..."],
 "rollback_recommendation": {"should_rollback": true, "command": "git revert <sha>"}}`
	}
	return `You are a senior SRE conducting root cause analysis.
Synthesize the evidence into a root cause, contributing factors and recommended fixes.
Cite specific log lines, commits or runbook sections.
Return ONLY valid JSON:
{"root_cause": "...", "confidence": "high|medium|low", "severity": "low|medium|high|critical",
 "contributing_factors": ["..."], "recommended_actions": ["..."]}`
}

// UserPrompt renders the evidence bundle for the model.
func UserPrompt(in engine.SynthesisInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Service: %s\nError: %s\nTimestamp: %s\n", in.Event.Service, in.Event.Error, in.Event.Timestamp.UTC().Format(time.RFC3339))
	if in.Event.Environment != "" {
		fmt.Fprintf(&b, "Environment: %s\n", in.Event.Environment)
	}
	if in.Event.Endpoint != "" {
		fmt.Fprintf(&b, "Endpoint: %s %s\n", firstNonEmpty(in.Event.Method, "UNKNOWN"), in.Event.Endpoint)
	}
	if in.Correlation.Attributed && in.Correlation.Watch != nil {
		w := in.Correlation.Watch
		fmt.Fprintf(&b, "\nDEPLOYMENT:\n%s@%s commit %s by %s, %s before the error\nMessage: %s\n",
			w.Repository, w.Branch, w.Commit, w.Author, in.Correlation.Elapsed.Round(time.Second), firstLine(w.Message))
	}

	b.WriteString("\nLOG ANALYSIS:\n")
	logs := in.Evidence[models.ProviderLogAnalyzer]
	if logs.OK() && logs.Logs != nil {
		fmt.Fprintf(&b, "Error count: %d\nSignals: %s\n", logs.Logs.ErrorCount, strings.Join(logs.Logs.Keywords, ", "))
		for _, line := range logs.Logs.ErrorLines {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		for _, trace := range logs.Logs.StackTraces {
			fmt.Fprintf(&b, "Stack trace:\n%s\n", trace)
		}
	} else {
		fmt.Fprintf(&b, "unavailable (%s)\n", describe(logs))
	}

	b.WriteString("\nCOMMIT DIFF:\n")
	commit := in.Evidence[models.ProviderCommitFetcher]
	if commit.OK() && commit.Commit != nil {
		c := commit.Commit
		fmt.Fprintf(&b, "%s: %s (%s)\n", c.SHA, firstLine(c.Message), c.Author)
		for i, f := range c.Files {
			if i == maxPromptCommitFiles {
				fmt.Fprintf(&b, "... %d more files\n", len(c.Files)-i)
				break
			}
			fmt.Fprintf(&b, "--- %s (%s +%d/-%d)\n%s\n", f.Filename, f.Status, f.Additions, f.Deletions, clip(f.Patch, maxPromptPatchChars))
		}
	} else {
		fmt.Fprintf(&b, "unavailable (%s)\n", describe(commit))
	}
	if len(in.Suspects.Notes) > 0 {
		fmt.Fprintf(&b, "Suspect overlap (score %.2f):\n", in.Suspects.Score)
		for _, note := range in.Suspects.Notes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}

	b.WriteString("\nRUNBOOK MATCHES:\n")
	runbooks := in.Evidence[models.ProviderRunbookMatcher]
	switch {
	case !runbooks.OK():
		fmt.Fprintf(&b, "unavailable (%s)\n", describe(runbooks))
	case len(runbooks.Runbooks) == 0:
		b.WriteString("No matching runbooks\n")
	default:
		for _, rb := range runbooks.Runbooks {
			fmt.Fprintf(&b, "- %s: %s\n", rb.Title, clip(rb.Snippet, maxPromptRunbookChars))
		}
	}

	fmt.Fprintf(&b, "\nDo not claim more than %s confidence.\nProvide root cause analysis in JSON format.", in.ConfidenceCap)
	return b.String()
}

func describe(ev models.Evidence) string {
	if ev.Status == "" {
		return "not collected"
	}
	if ev.Reason == "" {
		return string(ev.Status)
	}
	return string(ev.Status) + ": " + ev.Reason
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
