package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

type fakeProvider struct {
	name     models.ProviderName
	delay    time.Duration
	evidence models.Evidence
	err      error
	panics   bool
	calls    atomic.Int32
	// ignoreCtx makes the provider sleep through cancellation.
	ignoreCtx bool
}

func (f *fakeProvider) Name() models.ProviderName { return f.name }

func (f *fakeProvider) Gather(ctx context.Context, _ models.ErrorEvent, _ models.Correlation) (models.Evidence, error) {
	f.calls.Add(1)
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		if f.ignoreCtx {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return models.Evidence{}, ctx.Err()
			}
		}
	}
	return f.evidence, f.err
}

type fakeCorrelator struct {
	corr models.Correlation
}

func (f fakeCorrelator) Correlate(models.ErrorEvent) models.Correlation { return f.corr }

type fakeSynth struct {
	syn    Synthesis
	err    error
	delay  time.Duration
	panics bool
	seen   SynthesisInput
}

func (f *fakeSynth) Synthesize(ctx context.Context, in SynthesisInput) (Synthesis, error) {
	f.seen = in
	if f.panics {
		panic("synth exploded")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Synthesis{}, ctx.Err()
		}
	}
	return f.syn, f.err
}

func okLogs() *fakeProvider {
	return &fakeProvider{name: models.ProviderLogAnalyzer, evidence: models.LogEvidence(models.LogSignals{
		ErrorCount:   3,
		SeverityHint: models.SeverityHigh,
		Frames:       []models.StackFrame{{File: "/srv/app/handlers/user.py", Line: 42}},
	})}
}

func okCommit() *fakeProvider {
	return &fakeProvider{name: models.ProviderCommitFetcher, evidence: models.CommitEvidence(&models.CommitDiff{
		SHA:   "c1",
		Files: []models.FileChange{{Filename: "app/handlers/user.py"}},
	})}
}

func okRunbooks() *fakeProvider {
	return &fakeProvider{name: models.ProviderRunbookMatcher, evidence: models.RunbookEvidence([]models.RunbookExcerpt{{ID: "rb-1"}})}
}

func highSynth() *fakeSynth {
	return &fakeSynth{syn: Synthesis{
		RootCause:  "user_id field removed from payload",
		Confidence: models.ConfidenceHigh,
		Severity:   models.SeverityHigh,
	}}
}

func attributed() models.Correlation {
	return models.Attributed(models.DeploymentWatch{ID: "deploy-1", Repository: "acme/app", Branch: "main", Commit: "c1"}, time.Minute)
}

func testEvent() models.ErrorEvent {
	return models.NewErrorEvent("checkout-api", "KeyError: 'user_id'", "", nil, time.Now())
}

func TestPipelineRunAllEvidence(t *testing.T) {
	synth := highSynth()
	p := NewPipeline(nil, fakeCorrelator{corr: attributed()}, synth, nil,
		[]Provider{okLogs(), okCommit(), okRunbooks()})

	report := p.Run(context.Background(), testEvent())
	if report.Degraded {
		t.Fatalf("unexpected degraded report: %+v", report)
	}
	if report.Confidence != models.ConfidenceHigh {
		t.Fatalf("expected high confidence, got %s", report.Confidence)
	}
	if !report.IsDeploymentRelated || report.WatchID != "deploy-1" || report.Commit != "c1" {
		t.Fatalf("expected deployment linkage, got %+v", report)
	}
	if report.Evidence.Count(models.EvidenceOK) != 3 {
		t.Fatalf("expected three ok entries, got %+v", report.Evidence)
	}
	if synth.seen.ConfidenceCap != models.ConfidenceHigh {
		t.Fatalf("expected high cap hint, got %s", synth.seen.ConfidenceCap)
	}
	if synth.seen.Suspects.Score <= 0 {
		t.Fatalf("expected suspect score from overlapping frame")
	}
}

func TestPipelineSkipsCommitFetcherWhenUnattributed(t *testing.T) {
	commit := okCommit()
	p := NewPipeline(nil, fakeCorrelator{corr: models.Unattributed()}, highSynth(), nil,
		[]Provider{okLogs(), commit, okRunbooks()})

	report := p.Run(context.Background(), testEvent())
	entry := report.Evidence[models.ProviderCommitFetcher]
	if entry.Status != models.EvidenceSkipped || entry.Reason != "not deployment-linked" {
		t.Fatalf("unexpected commit entry: %+v", entry)
	}
	if commit.calls.Load() != 0 {
		t.Fatalf("commit fetcher must not be invoked")
	}
	if report.Confidence != models.ConfidenceMedium {
		t.Fatalf("expected cap at medium, got %s", report.Confidence)
	}
	if report.IsDeploymentRelated || report.WatchID != "" {
		t.Fatalf("unexpected deployment linkage: %+v", report)
	}
}

func TestPipelineTwoFailuresCapConfidenceLow(t *testing.T) {
	commit := &fakeProvider{name: models.ProviderCommitFetcher, err: errors.New("connection refused")}
	runbooks := &fakeProvider{name: models.ProviderRunbookMatcher, err: errors.New("vector store down")}
	p := NewPipeline(nil, fakeCorrelator{corr: attributed()}, highSynth(), nil,
		[]Provider{okLogs(), commit, runbooks})

	report := p.Run(context.Background(), testEvent())
	if report.Confidence != models.ConfidenceLow {
		t.Fatalf("expected low confidence, got %s", report.Confidence)
	}
	if report.Evidence.Count(models.EvidenceFailed) != 2 || report.Evidence.Count(models.EvidenceOK) != 1 {
		t.Fatalf("expected two failed and one ok entry, got %+v", report.Evidence)
	}
	if report.Evidence[models.ProviderCommitFetcher].Kind != models.FailureUpstream {
		t.Fatalf("expected upstream classification, got %s", report.Evidence[models.ProviderCommitFetcher].Kind)
	}
	if len(report.Evidence) != 3 {
		t.Fatalf("bundle should only hold the fan-out providers, got %d", len(report.Evidence))
	}
}

func TestPipelineTimeoutBoundedByMaxBudget(t *testing.T) {
	slow := &fakeProvider{name: models.ProviderRunbookMatcher, delay: 2 * time.Second, ignoreCtx: true}
	p := NewPipeline(nil, fakeCorrelator{corr: attributed()}, highSynth(), nil,
		[]Provider{okLogs(), okCommit(), slow},
		WithDefaultTimeout(150*time.Millisecond),
		WithProviderTimeout(models.ProviderLogAnalyzer, 100*time.Millisecond),
	)

	start := time.Now()
	report := p.Run(context.Background(), testEvent())
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Fatalf("pipeline waited for the slow provider: %s", elapsed)
	}
	entry := report.Evidence[models.ProviderRunbookMatcher]
	if entry.Status != models.EvidenceFailed || entry.Kind != models.FailureTimeout {
		t.Fatalf("expected timeout entry, got %+v", entry)
	}
	if report.Confidence != models.ConfidenceMedium {
		t.Fatalf("expected medium cap, got %s", report.Confidence)
	}
}

func TestPipelineAllProvidersFail(t *testing.T) {
	p := NewPipeline(nil, fakeCorrelator{corr: attributed()}, highSynth(), nil, []Provider{
		&fakeProvider{name: models.ProviderLogAnalyzer, panics: true},
		&fakeProvider{name: models.ProviderCommitFetcher, err: errors.New("502")},
		&fakeProvider{name: models.ProviderRunbookMatcher, delay: time.Second},
	}, WithDefaultTimeout(50*time.Millisecond))

	report := p.Run(context.Background(), testEvent())
	if report.Confidence != models.ConfidenceLow {
		t.Fatalf("expected low confidence, got %s", report.Confidence)
	}
	if report.Evidence.Count(models.EvidenceFailed) != 3 {
		t.Fatalf("expected three failures, got %+v", report.Evidence)
	}
	if report.Severity != models.SeverityHigh {
		t.Fatalf("expected synthesized severity, got %s", report.Severity)
	}
}

func TestPipelineDegradedOnSynthesisFailure(t *testing.T) {
	cases := map[string]*fakeSynth{
		"error":   {err: errors.New("llm unavailable")},
		"panic":   {panics: true},
		"timeout": {delay: time.Second, syn: Synthesis{RootCause: "late"}},
		"empty":   {syn: Synthesis{Confidence: models.ConfidenceHigh}},
	}
	for name, synth := range cases {
		t.Run(name, func(t *testing.T) {
			p := NewPipeline(nil, fakeCorrelator{corr: attributed()}, synth, nil,
				[]Provider{okLogs(), okCommit(), okRunbooks()},
				WithSynthesisTimeout(50*time.Millisecond))

			report := p.Run(context.Background(), testEvent())
			if !report.Degraded || report.RootCause != models.RootCauseIncomplete {
				t.Fatalf("expected degraded report, got %+v", report)
			}
			if report.Confidence != models.ConfidenceLow {
				t.Fatalf("expected low confidence, got %s", report.Confidence)
			}
			if report.Evidence.Count(models.EvidenceOK) != 3 {
				t.Fatalf("evidence bundle not preserved: %+v", report.Evidence)
			}
			if report.Severity != models.SeverityHigh {
				t.Fatalf("expected severity from log hint, got %s", report.Severity)
			}
			if !report.IsDeploymentRelated || report.WatchID != "deploy-1" {
				t.Fatalf("deployment linkage lost: %+v", report)
			}
		})
	}
}

func TestPipelineCancelledRunStillReturnsReport(t *testing.T) {
	slow := &fakeProvider{name: models.ProviderRunbookMatcher, delay: 5 * time.Second}
	p := NewPipeline(nil, fakeCorrelator{corr: models.Unattributed()}, highSynth(), nil,
		[]Provider{okLogs(), slow})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	report := p.Run(ctx, testEvent())
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancellation did not abandon providers")
	}
	if !report.Degraded {
		t.Fatalf("expected degraded report after cancellation")
	}
	if report.Evidence[models.ProviderRunbookMatcher].Status != models.EvidenceFailed {
		t.Fatalf("expected runbook failure, got %+v", report.Evidence[models.ProviderRunbookMatcher])
	}
}

func TestPipelineCapsSynthesizerConfidence(t *testing.T) {
	synth := highSynth()
	p := NewPipeline(nil, fakeCorrelator{corr: attributed()}, synth, nil, []Provider{
		okLogs(), okCommit(), &fakeProvider{name: models.ProviderRunbookMatcher, err: errors.New("down")},
	})
	report := p.Run(context.Background(), testEvent())
	if report.Confidence != models.ConfidenceMedium {
		t.Fatalf("expected medium cap to be enforced, got %s", report.Confidence)
	}
}

func TestConfidenceCap(t *testing.T) {
	want := map[int]models.Confidence{0: models.ConfidenceHigh, 1: models.ConfidenceMedium, 2: models.ConfidenceLow, 3: models.ConfidenceLow}
	for missing, expected := range want {
		if got := ConfidenceCap(missing); got != expected {
			t.Fatalf("missing=%d: expected %s, got %s", missing, expected, got)
		}
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(models.ProviderCommitFetcher, context.DeadlineExceeded).Kind; got != models.FailureTimeout {
		t.Fatalf("expected timeout, got %s", got)
	}
	if got := Classify(models.ProviderLogAnalyzer, models.ErrInvalidEvent).Kind; got != models.FailureInvalidInput {
		t.Fatalf("expected invalid input, got %s", got)
	}
	if got := Classify(models.ProviderLogAnalyzer, errors.New("x")).Kind; got != models.FailureUpstream {
		t.Fatalf("expected upstream, got %s", got)
	}
}
