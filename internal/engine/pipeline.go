package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/deploywatch-rca/internal/metrics"
	"github.com/miradorstack/deploywatch-rca/internal/models"
)

const (
	// DefaultProviderTimeout bounds each evidence provider when no override is configured.
	DefaultProviderTimeout = 5 * time.Second
	// DefaultSynthesisTimeout bounds the synthesis step.
	DefaultSynthesisTimeout = 10 * time.Second

	reasonNotDeploymentLinked = "not deployment-linked"
)

// Correlator attributes an event to a deployment watch.
type Correlator interface {
	Correlate(ev models.ErrorEvent) models.Correlation
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithProviderTimeout overrides the budget of one provider.
func WithProviderTimeout(name models.ProviderName, d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeouts[name] = d
		}
	}
}

// WithDefaultTimeout sets the budget for providers without an override.
func WithDefaultTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.defaultTimeout = d
		}
	}
}

// WithSynthesisTimeout sets the synthesis budget.
func WithSynthesisTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.synthesisTimeout = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline correlates an error, gathers evidence concurrently and synthesizes a report.
// Runs share no mutable state beyond the correlator's registry.
type Pipeline struct {
	logger           *slog.Logger
	correlator       Correlator
	providers        []Provider
	synthesizer      Synthesizer
	suspects         *SuspectEngine
	defaultTimeout   time.Duration
	synthesisTimeout time.Duration
	timeouts         map[models.ProviderName]time.Duration
	now              func() time.Time
}

// NewPipeline constructs a pipeline over a fixed provider set.
func NewPipeline(logger *slog.Logger, correlator Correlator, synthesizer Synthesizer, suspects *SuspectEngine, providers []Provider, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if suspects == nil {
		suspects = NewSuspectEngine(logger)
	}
	p := &Pipeline{
		logger:           logger,
		correlator:       correlator,
		providers:        providers,
		synthesizer:      synthesizer,
		suspects:         suspects,
		defaultTimeout:   DefaultProviderTimeout,
		synthesisTimeout: DefaultSynthesisTimeout,
		timeouts:         make(map[models.ProviderName]time.Duration),
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run produces a report for ev. It always returns a report: provider failures lower confidence
// and synthesis failures yield a degraded report. Cancelling ctx abandons in-flight providers.
func (p *Pipeline) Run(ctx context.Context, ev models.ErrorEvent) models.RCAReport {
	start := p.now()

	corr := models.Unattributed()
	if p.correlator != nil {
		corr = p.correlator.Correlate(ev)
	}
	metrics.ObserveCorrelation(corr.Attributed)

	bundle := p.gather(ctx, ev, corr)
	ceiling := ConfidenceCap(bundle.Missing())

	input := SynthesisInput{
		Event:         ev,
		Correlation:   corr,
		Evidence:      bundle.Clone(),
		ConfidenceCap: ceiling,
		Suspects:      p.evaluateSuspects(bundle),
	}

	synth, err := p.synthesize(ctx, input)
	report := models.RCAReport{
		ID:                  "rca-" + uuid.NewString(),
		Service:             ev.Service,
		Error:               ev.Error,
		RequestID:           ev.RequestID,
		Evidence:            bundle,
		IsDeploymentRelated: corr.Attributed,
		WatchID:             corr.WatchID(),
	}
	if corr.Watch != nil {
		report.Commit = corr.Watch.Commit
	}

	if err != nil {
		p.logger.Warn("synthesis failed, returning degraded report",
			slog.String("service", ev.Service),
			slog.Any("error", err),
		)
		fillDegraded(&report, input, err)
	} else {
		report.RootCause = synth.RootCause
		report.Confidence = synth.Confidence.Cap(ceiling)
		report.Severity = normaliseSeverity(synth.Severity, bundle)
		report.ContributingFactors = synth.ContributingFactors
		report.RecommendedActions = synth.RecommendedActions
	}

	report.CreatedAt = p.now()
	report.Duration = report.CreatedAt.Sub(start)
	metrics.ObservePipeline(report.Duration, report.Degraded, report.IsDeploymentRelated)

	p.logger.Info("pipeline completed",
		slog.String("report_id", report.ID),
		slog.String("service", report.Service),
		slog.Bool("deployment_related", report.IsDeploymentRelated),
		slog.String("confidence", string(report.Confidence)),
		slog.Int("missing_evidence", bundle.Missing()),
		slog.Bool("degraded", report.Degraded),
		slog.Duration("duration", report.Duration),
	)
	return report
}

// ConfidenceCap maps the number of providers that contributed nothing to the highest
// confidence a report may claim.
func ConfidenceCap(missing int) models.Confidence {
	switch {
	case missing <= 0:
		return models.ConfidenceHigh
	case missing == 1:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

type providerOutcome struct {
	name     models.ProviderName
	evidence models.Evidence
}

func (p *Pipeline) gather(ctx context.Context, ev models.ErrorEvent, corr models.Correlation) models.EvidenceBundle {
	bundle := make(models.EvidenceBundle, len(p.providers))
	results := make(chan providerOutcome, len(p.providers))

	launched := 0
	for _, prov := range p.providers {
		name := prov.Name()
		if name == models.ProviderCommitFetcher && !corr.Attributed {
			bundle[name] = models.Skipped(reasonNotDeploymentLinked)
			metrics.ObserveProvider(string(name), string(models.EvidenceSkipped), "", 0)
			continue
		}
		launched++
		go func(prov Provider) {
			results <- providerOutcome{name: prov.Name(), evidence: p.invoke(ctx, prov, ev, corr)}
		}(prov)
	}

	for i := 0; i < launched; i++ {
		out := <-results
		bundle[out.name] = out.evidence
	}
	return bundle
}

type gathered struct {
	evidence models.Evidence
	err      error
}

// invoke runs one provider under its own deadline. A provider that ignores its context is
// abandoned at the deadline; its late result lands in a buffered channel and is dropped.
func (p *Pipeline) invoke(ctx context.Context, prov Provider, ev models.ErrorEvent, corr models.Correlation) models.Evidence {
	name := prov.Name()
	timeout := p.timeoutFor(name)
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	done := make(chan gathered, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- gathered{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		evidence, err := prov.Gather(pctx, ev, corr)
		done <- gathered{evidence: evidence, err: err}
	}()

	var evidence models.Evidence
	select {
	case res := <-done:
		evidence = p.settle(pctx, name, res)
	case <-pctx.Done():
		evidence = models.Failed(models.FailureTimeout, timeoutReason(pctx, timeout))
	}
	evidence.Duration = time.Since(started)

	if !evidence.OK() {
		p.logger.Warn("evidence provider did not contribute",
			slog.String("provider", string(name)),
			slog.String("status", string(evidence.Status)),
			slog.String("kind", string(evidence.Kind)),
			slog.String("reason", evidence.Reason),
		)
	}
	metrics.ObserveProvider(string(name), string(evidence.Status), string(evidence.Kind), evidence.Duration)
	return evidence
}

func (p *Pipeline) settle(pctx context.Context, name models.ProviderName, res gathered) models.Evidence {
	if res.err != nil {
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return models.Failed(models.FailureTimeout, res.err.Error())
		}
		pe := Classify(name, res.err)
		return models.Failed(pe.Kind, pe.Err.Error())
	}
	if res.evidence.Status == "" {
		res.evidence.Status = models.EvidenceOK
	}
	return res.evidence
}

func (p *Pipeline) timeoutFor(name models.ProviderName) time.Duration {
	if d, ok := p.timeouts[name]; ok {
		return d
	}
	return p.defaultTimeout
}

func timeoutReason(ctx context.Context, budget time.Duration) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return "run cancelled"
	}
	return fmt.Sprintf("exceeded %s budget", budget)
}

func (p *Pipeline) evaluateSuspects(bundle models.EvidenceBundle) SuspectResult {
	commit := bundle[models.ProviderCommitFetcher]
	logs := bundle[models.ProviderLogAnalyzer]
	if !commit.OK() || commit.Commit == nil || !logs.OK() || logs.Logs == nil {
		return SuspectResult{}
	}
	return p.suspects.Evaluate(commit.Commit, logs.Logs.Frames)
}

func (p *Pipeline) synthesize(ctx context.Context, in SynthesisInput) (syn Synthesis, err error) {
	if p.synthesizer == nil {
		return Synthesis{}, errors.New("no synthesizer configured")
	}
	if err := ctx.Err(); err != nil {
		return Synthesis{}, fmt.Errorf("run cancelled before synthesis: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, p.synthesisTimeout)
	defer cancel()

	done := make(chan struct {
		syn Synthesis
		err error
	}, 1)
	go func() {
		var out struct {
			syn Synthesis
			err error
		}
		defer func() {
			if r := recover(); r != nil {
				out.err = fmt.Errorf("synthesizer panic: %v", r)
			}
			done <- out
		}()
		out.syn, out.err = p.synthesizer.Synthesize(sctx, in)
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return Synthesis{}, res.err
		}
		if strings.TrimSpace(res.syn.RootCause) == "" {
			return Synthesis{}, errors.New("synthesizer returned no root cause")
		}
		return res.syn, nil
	case <-sctx.Done():
		return Synthesis{}, fmt.Errorf("synthesis: %w", sctx.Err())
	}
}

func fillDegraded(report *models.RCAReport, in SynthesisInput, cause error) {
	report.Degraded = true
	report.RootCause = models.RootCauseIncomplete
	report.Confidence = models.ConfidenceLow
	report.Severity = normaliseSeverity("", in.Evidence)
	report.ContributingFactors = []string{"synthesis unavailable: " + cause.Error()}
	for _, name := range in.Evidence.Providers() {
		evidence := in.Evidence[name]
		if !evidence.OK() {
			report.ContributingFactors = append(report.ContributingFactors,
				fmt.Sprintf("%s %s: %s", name, evidence.Status, evidence.Reason))
		}
	}
	report.RecommendedActions = []string{"Inspect the attached evidence manually"}
	if in.Correlation.Attributed && in.Correlation.Watch != nil {
		report.RecommendedActions = append(report.RecommendedActions,
			fmt.Sprintf("Consider rolling back %s on %s", in.Correlation.Watch.ShortCommit(), in.Correlation.Watch.Branch))
	}
}

// normaliseSeverity keeps a recognised synthesized severity, otherwise falls back to the log
// analyzer's hint, otherwise medium.
func normaliseSeverity(s models.Severity, bundle models.EvidenceBundle) models.Severity {
	for _, known := range models.Severities {
		if s == known {
			return s
		}
	}
	if logs := bundle[models.ProviderLogAnalyzer]; logs.OK() && logs.Logs != nil && logs.Logs.SeverityHint != "" {
		return logs.Logs.SeverityHint
	}
	return models.SeverityMedium
}
