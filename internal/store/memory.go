package store

import (
	"context"
	"sync"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// MemorySink keeps bounded histories in process memory.
type MemorySink struct {
	mu         sync.RWMutex
	reports    []models.RCAReport
	watches    []models.DeploymentWatch
	maxReports int
	maxWatches int
}

// NewMemorySink creates a sink with the given ring sizes; zero picks the defaults.
func NewMemorySink(maxReports, maxWatches int) *MemorySink {
	if maxReports <= 0 {
		maxReports = DefaultReportHistory
	}
	if maxWatches <= 0 {
		maxWatches = DefaultWatchHistory
	}
	return &MemorySink{maxReports: maxReports, maxWatches: maxWatches}
}

// AppendWatch upserts watch by ID. A new watch evicts the oldest when the ring is full.
func (m *MemorySink) AppendWatch(_ context.Context, watch models.DeploymentWatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.watches {
		if m.watches[i].ID == watch.ID {
			m.watches[i] = watch
			return nil
		}
	}
	m.watches = append(m.watches, watch)
	if over := len(m.watches) - m.maxWatches; over > 0 {
		m.watches = append([]models.DeploymentWatch(nil), m.watches[over:]...)
	}
	return nil
}

// AppendReport stores report, evicting the oldest when the ring is full.
func (m *MemorySink) AppendReport(_ context.Context, report models.RCAReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	if over := len(m.reports) - m.maxReports; over > 0 {
		m.reports = append([]models.RCAReport(nil), m.reports[over:]...)
	}
	return nil
}

// ListRecentReports returns up to limit reports, newest first.
func (m *MemorySink) ListRecentReports(ctx context.Context, limit int) ([]models.RCAReport, error) {
	resp, err := m.ListReports(ctx, models.ListReportsRequest{PageSize: limit})
	return resp.Reports, err
}

// ListRecentWatches returns up to limit watches, newest first.
func (m *MemorySink) ListRecentWatches(_ context.Context, limit int) ([]models.DeploymentWatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit = pageSize(limit)
	out := make([]models.DeploymentWatch, 0, min(limit, len(m.watches)))
	for i := len(m.watches) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.watches[i])
	}
	return out, nil
}

// ListReports pages through reports newest first.
func (m *MemorySink) ListReports(_ context.Context, req models.ListReportsRequest) (models.ListReportsResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	size := pageSize(req.PageSize)
	skip := decodePageToken(req.PageToken)
	resp := models.ListReportsResponse{Reports: make([]models.RCAReport, 0, size)}
	seen := 0
	for i := len(m.reports) - 1; i >= 0; i-- {
		r := m.reports[i]
		if !matchesFilter(r, req) {
			continue
		}
		if seen < skip {
			seen++
			continue
		}
		if len(resp.Reports) == size {
			resp.NextPageToken = encodePageToken(skip + size)
			break
		}
		resp.Reports = append(resp.Reports, r)
	}
	return resp, nil
}
