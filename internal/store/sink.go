// Package store persists deployment watches and RCA reports.
package store

import (
	"context"
	"strconv"
	"strings"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

const (
	// DefaultReportHistory bounds the in-memory report ring.
	DefaultReportHistory = 50
	// DefaultWatchHistory bounds the in-memory watch ring.
	DefaultWatchHistory = 100

	defaultPageSize = 20
	maxPageSize     = 200
)

// ReportSink receives every watch transition and report. Writes are append-only except that
// a watch is upserted by ID as it moves through its lifecycle.
type ReportSink interface {
	AppendWatch(ctx context.Context, watch models.DeploymentWatch) error
	AppendReport(ctx context.Context, report models.RCAReport) error
	ListRecentReports(ctx context.Context, limit int) ([]models.RCAReport, error)
	ListRecentWatches(ctx context.Context, limit int) ([]models.DeploymentWatch, error)
	ListReports(ctx context.Context, req models.ListReportsRequest) (models.ListReportsResponse, error)
}

func pageSize(n int) int {
	switch {
	case n <= 0:
		return defaultPageSize
	case n > maxPageSize:
		return maxPageSize
	default:
		return n
	}
}

// offsets are opaque to clients but are plain decimal integers.
func decodePageToken(token string) int {
	n, err := strconv.Atoi(strings.TrimSpace(token))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func encodePageToken(offset int) string {
	return strconv.Itoa(offset)
}

func matchesFilter(r models.RCAReport, req models.ListReportsRequest) bool {
	if req.Service != "" && !strings.EqualFold(req.Service, r.Service) {
		return false
	}
	if req.DeploymentOnly && !r.IsDeploymentRelated {
		return false
	}
	if !req.Since.IsZero() && r.CreatedAt.Before(req.Since) {
		return false
	}
	return true
}
