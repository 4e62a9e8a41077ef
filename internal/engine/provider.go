package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// Provider gathers one kind of evidence for an error event.
type Provider interface {
	Name() models.ProviderName
	Gather(ctx context.Context, ev models.ErrorEvent, corr models.Correlation) (models.Evidence, error)
}

// SynthesisInput is everything the synthesizer may use to explain an event.
type SynthesisInput struct {
	Event         models.ErrorEvent
	Correlation   models.Correlation
	Evidence      models.EvidenceBundle
	ConfidenceCap models.Confidence
	Suspects      SuspectResult
}

// Synthesis is the synthesizer's verdict. The pipeline turns it into a report.
type Synthesis struct {
	RootCause           string
	Confidence          models.Confidence
	Severity            models.Severity
	ContributingFactors []string
	RecommendedActions  []string
}

// Synthesizer turns a bundle of evidence into a verdict.
type Synthesizer interface {
	Synthesize(ctx context.Context, in SynthesisInput) (Synthesis, error)
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Provider models.ProviderName
	Kind     models.FailureKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// kinded is implemented by adapter errors that know their own failure class.
type kinded interface {
	FailureKind() models.FailureKind
}

// Classify wraps err as a ProviderError for provider name.
func Classify(name models.ProviderName, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	kind := models.FailureUpstream
	var k kinded
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = models.FailureTimeout
	case errors.Is(err, models.ErrInvalidEvent):
		kind = models.FailureInvalidInput
	case errors.As(err, &k):
		kind = k.FailureKind()
	}
	return &ProviderError{Provider: name, Kind: kind, Err: err}
}
