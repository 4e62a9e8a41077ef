package servicemap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// Catalog tags recognised on Consul services.
const (
	TagRepository = "deploywatch.repo="
	TagBranch     = "deploywatch.branch="
)

// CatalogLister is the slice of the Consul catalog API used here.
type CatalogLister interface {
	Services(q *consulapi.QueryOptions) (map[string][]string, *consulapi.QueryMeta, error)
}

// ConsulMap overlays service mappings discovered from Consul catalog tags on a static table.
// Lookups read an in-memory snapshot; only Refresh talks to Consul.
type ConsulMap struct {
	catalog  CatalogLister
	fallback *Static
	snapshot atomic.Pointer[Static]
	logger   *slog.Logger
}

// NewConsulClient dials the Consul agent at addr.
func NewConsulClient(addr string) (*consulapi.Client, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return client, nil
}

// NewConsulMap wraps a catalog; fallback serves services without deploywatch tags.
func NewConsulMap(catalog CatalogLister, fallback *Static, logger *slog.Logger) *ConsulMap {
	if fallback == nil {
		fallback = NewStatic(nil, "", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &ConsulMap{catalog: catalog, fallback: fallback, logger: logger}
	m.snapshot.Store(fallback)
	return m
}

// Resolve implements the correlator's service map using the latest snapshot.
func (m *ConsulMap) Resolve(service, repositoryHint string) []models.WatchKey {
	return m.snapshot.Load().Resolve(service, repositoryHint)
}

// Refresh pulls catalog tags and swaps in a new snapshot.
func (m *ConsulMap) Refresh(ctx context.Context) error {
	services, _, err := m.catalog.Services((&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("list consul services: %w", err)
	}

	entries := make(map[string]Entry, len(m.fallback.entries)+len(services))
	for name, entry := range m.fallback.entries {
		entries[name] = entry
	}
	discovered := 0
	for name, tags := range services {
		if name == "consul" {
			continue
		}
		entry, ok := entryFromTags(tags)
		if !ok {
			continue
		}
		entries[normalizeService(name)] = entry
		discovered++
	}

	m.snapshot.Store(NewStatic(entries, m.fallback.defaultRepo, m.fallback.defaultBranches))
	m.logger.Debug("service map refreshed", slog.Int("consul_services", discovered), slog.Int("total", len(entries)))
	return nil
}

// Run refreshes on the given interval until ctx is cancelled.
func (m *ConsulMap) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn("service map refresh failed", slog.Any("error", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				m.logger.Warn("service map refresh failed", slog.Any("error", err))
			}
		}
	}
}

func entryFromTags(tags []string) (Entry, bool) {
	var entry Entry
	for _, tag := range tags {
		switch {
		case strings.HasPrefix(tag, TagRepository):
			entry.Repository = strings.TrimPrefix(tag, TagRepository)
		case strings.HasPrefix(tag, TagBranch):
			entry.Branches = append(entry.Branches, strings.TrimPrefix(tag, TagBranch))
		}
	}
	return entry, entry.Repository != ""
}
