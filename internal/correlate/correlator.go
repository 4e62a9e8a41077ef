// Package correlate decides whether an error event is attributable to a recent deployment.
package correlate

import (
	"log/slog"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// Registry is the subset of the watch registry the correlator needs.
type Registry interface {
	FindActive(repository, branch string, at time.Time) (models.DeploymentWatch, bool)
	MarkAttributed(id string) (models.DeploymentWatch, error)
}

// ServiceMap resolves a service to candidate (repository, branch) keys without I/O.
type ServiceMap interface {
	Resolve(service, repositoryHint string) []models.WatchKey
}

// Correlator matches error events against active watch windows.
type Correlator struct {
	registry Registry
	services ServiceMap
	logger   *slog.Logger
}

// NewCorrelator constructs a Correlator over an explicitly owned registry.
func NewCorrelator(logger *slog.Logger, registry Registry, services ServiceMap) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{registry: registry, services: services, logger: logger}
}

// Correlate attributes the event to the most recently created active watch whose window
// contains the event timestamp, incrementing that watch's error count.
func (c *Correlator) Correlate(ev models.ErrorEvent) models.Correlation {
	match, ok := c.Lookup(ev.Service, ev.RepositoryHint, ev.Timestamp)
	if !ok {
		return models.Unattributed()
	}

	updated, err := c.registry.MarkAttributed(match.ID)
	if err != nil {
		c.logger.Warn("watch vanished during attribution", slog.String("watch_id", match.ID), slog.Any("error", err))
		return models.Unattributed()
	}

	c.logger.Info("error attributed to deployment",
		slog.String("service", ev.Service),
		slog.String("watch_id", updated.ID),
		slog.String("commit", updated.ShortCommit()),
		slog.Int("attributed_errors", updated.AttributedErrors),
	)
	return models.Attributed(updated, ev.Timestamp.Sub(updated.CreatedAt))
}

// Lookup finds the matching watch without recording an attribution.
func (c *Correlator) Lookup(service, repositoryHint string, at time.Time) (models.DeploymentWatch, bool) {
	if c == nil || c.registry == nil || c.services == nil {
		return models.DeploymentWatch{}, false
	}

	var (
		best  models.DeploymentWatch
		found bool
	)
	for _, key := range c.services.Resolve(service, repositoryHint) {
		w, ok := c.registry.FindActive(key.Repository, key.Branch, at)
		if !ok {
			continue
		}
		if !found || w.CreatedAt.After(best.CreatedAt) {
			best, found = w, true
		}
	}
	return best, found
}
