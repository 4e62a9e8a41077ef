package runbooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/deploywatch-rca/internal/models"
	"github.com/miradorstack/deploywatch-rca/internal/repo"
)

const defaultTopK = 3

// RemoteSearcher is a semantic runbook store.
type RemoteSearcher interface {
	Enabled() bool
	SearchRunbooks(ctx context.Context, query string, limit int) ([]models.RunbookExcerpt, error)
	IndexRunbook(ctx context.Context, doc repo.RunbookDocument) error
}

// Matcher ranks runbooks against an error. The remote store is preferred; the local index
// answers when no store is configured or the store is unreachable.
type Matcher struct {
	local    *Index
	remote   RemoteSearcher
	topK     int
	minScore float64
	logger   *slog.Logger
}

// NewMatcher constructs a Matcher. remote may be nil.
func NewMatcher(logger *slog.Logger, local *Index, remote RemoteSearcher, topK int, minScore float64) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	if minScore <= 0 {
		minScore = 0.1
	}
	return &Matcher{local: local, remote: remote, topK: topK, minScore: minScore, logger: logger}
}

// Name identifies the provider in evidence bundles.
func (m *Matcher) Name() models.ProviderName { return models.ProviderRunbookMatcher }

// Gather returns the top runbook excerpts for the event. No match is an ok, empty result.
func (m *Matcher) Gather(ctx context.Context, ev models.ErrorEvent, _ models.Correlation) (models.Evidence, error) {
	matches, err := m.Match(ctx, Query(ev))
	if err != nil {
		return models.Evidence{}, err
	}
	return models.RunbookEvidence(matches), nil
}

// Match searches for query.
func (m *Matcher) Match(ctx context.Context, query string) ([]models.RunbookExcerpt, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	if m.remote != nil && m.remote.Enabled() {
		results, err := m.remote.SearchRunbooks(ctx, query, m.topK)
		if err == nil {
			return results, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if m.local.Len() == 0 {
			return nil, err
		}
		m.logger.Warn("remote runbook search failed, using local index", slog.Any("error", err))
	}

	matches := m.local.Search(query, m.topK, m.minScore)
	out := make([]models.RunbookExcerpt, 0, len(matches))
	for _, match := range matches {
		out = append(out, models.RunbookExcerpt{
			ID:      match.Document.ID,
			Title:   match.Document.Title,
			Source:  match.Document.Source,
			Snippet: repo.Snippet(match.Document.Content),
			Score:   match.Score,
		})
	}
	return out, nil
}

// Sync pushes every locally loaded section to the remote store.
func (m *Matcher) Sync(ctx context.Context) (int, error) {
	if m.remote == nil || !m.remote.Enabled() {
		return 0, nil
	}
	var errs []error
	synced := 0
	for _, doc := range m.local.Documents() {
		err := m.remote.IndexRunbook(ctx, repo.RunbookDocument{ID: doc.ID, Title: doc.Title, Source: doc.Source, Content: doc.Content})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", doc.ID, err))
			continue
		}
		synced++
	}
	return synced, errors.Join(errs...)
}

// Query builds the search text from the error message and the head of its stack trace.
func Query(ev models.ErrorEvent) string {
	parts := []string{ev.Error}
	if ev.Stacktrace != "" {
		lines := strings.Split(strings.TrimSpace(ev.Stacktrace), "\n")
		if len(lines) > 3 {
			lines = lines[len(lines)-3:]
		}
		parts = append(parts, strings.Join(lines, " "))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
