package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

var t0 = time.Date(2024, 12, 22, 10, 0, 0, 0, time.UTC)

func report(i int, service string, deploy bool) models.RCAReport {
	return models.RCAReport{
		ID:                  fmt.Sprintf("rca-%03d", i),
		Service:             service,
		RootCause:           "root cause",
		IsDeploymentRelated: deploy,
		CreatedAt:           t0.Add(time.Duration(i) * time.Second),
	}
}

func TestMemorySinkBoundsReports(t *testing.T) {
	sink := NewMemorySink(0, 0)
	ctx := context.Background()
	for i := 0; i < DefaultReportHistory+10; i++ {
		require.NoError(t, sink.AppendReport(ctx, report(i, "checkout", false)))
	}

	recent, err := sink.ListRecentReports(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, recent, DefaultReportHistory)
	assert.Equal(t, "rca-059", recent[0].ID)
	assert.Equal(t, "rca-010", recent[len(recent)-1].ID)
}

func TestMemorySinkUpsertsWatches(t *testing.T) {
	sink := NewMemorySink(10, 2)
	ctx := context.Background()
	w := models.DeploymentWatch{ID: "deploy-1", Status: models.WatchWatching}
	require.NoError(t, sink.AppendWatch(ctx, w))
	w.Status = models.WatchResolved
	require.NoError(t, sink.AppendWatch(ctx, w))
	require.NoError(t, sink.AppendWatch(ctx, models.DeploymentWatch{ID: "deploy-2"}))
	require.NoError(t, sink.AppendWatch(ctx, models.DeploymentWatch{ID: "deploy-3"}))

	watches, err := sink.ListRecentWatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, watches, 2)
	assert.Equal(t, "deploy-3", watches[0].ID)
	assert.Equal(t, "deploy-2", watches[1].ID)

	sink = NewMemorySink(10, 10)
	require.NoError(t, sink.AppendWatch(ctx, models.DeploymentWatch{ID: "deploy-1", Status: models.WatchWatching}))
	require.NoError(t, sink.AppendWatch(ctx, models.DeploymentWatch{ID: "deploy-1", Status: models.WatchExpired}))
	watches, err = sink.ListRecentWatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, watches, 1)
	assert.Equal(t, models.WatchExpired, watches[0].Status)
}

func TestMemorySinkListReportsFiltersAndPages(t *testing.T) {
	sink := NewMemorySink(100, 0)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		service := "checkout"
		if i%2 == 1 {
			service = "billing"
		}
		require.NoError(t, sink.AppendReport(ctx, report(i, service, i >= 6)))
	}

	page, err := sink.ListReports(ctx, models.ListReportsRequest{Service: "CHECKOUT", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Reports, 2)
	assert.Equal(t, []string{"rca-008", "rca-006"}, []string{page.Reports[0].ID, page.Reports[1].ID})
	require.Equal(t, "2", page.NextPageToken)

	page, err = sink.ListReports(ctx, models.ListReportsRequest{Service: "checkout", PageSize: 2, PageToken: page.NextPageToken})
	require.NoError(t, err)
	assert.Equal(t, []string{"rca-004", "rca-002"}, []string{page.Reports[0].ID, page.Reports[1].ID})

	page, err = sink.ListReports(ctx, models.ListReportsRequest{DeploymentOnly: true, Since: t0.Add(8 * time.Second)})
	require.NoError(t, err)
	require.Len(t, page.Reports, 2)
	assert.Empty(t, page.NextPageToken)
}

func TestReportQuery(t *testing.T) {
	query, args := reportQuery(models.ListReportsRequest{Service: "Checkout", DeploymentOnly: true, PageSize: 5, PageToken: "10"})
	assert.Equal(t, "SELECT body FROM rca_reports WHERE lower(service) = $1 AND deployment_related ORDER BY created_at DESC LIMIT $2 OFFSET $3", query)
	assert.Equal(t, []any{"checkout", 6, 10}, args)

	query, args = reportQuery(models.ListReportsRequest{PageToken: "garbage"})
	assert.Equal(t, "SELECT body FROM rca_reports ORDER BY created_at DESC LIMIT $1 OFFSET $2", query)
	assert.Equal(t, []any{defaultPageSize + 1, 0}, args)
}

func getTestDB(t *testing.T) *PostgresSink {
	t.Helper()
	url := os.Getenv("DEPLOYWATCH_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DEPLOYWATCH_TEST_DATABASE_URL not set")
	}
	db, err := Connect(url)
	if err != nil {
		t.Skipf("skipping DB test (cannot connect): %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestPostgresSinkRoundTrip(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db))

	suffix := time.Now().UnixNano()
	w := models.DeploymentWatch{ID: fmt.Sprintf("deploy-test-%d", suffix), Repository: "acme/shop", Branch: "main", Commit: "abc", Status: models.WatchWatching, CreatedAt: time.Now().UTC()}
	require.NoError(t, db.AppendWatch(ctx, w))
	w.Status = models.WatchResolved
	require.NoError(t, db.AppendWatch(ctx, w))

	r := report(0, fmt.Sprintf("svc-%d", suffix), true)
	r.ID = fmt.Sprintf("rca-test-%d", suffix)
	require.NoError(t, db.AppendReport(ctx, r))

	page, err := db.ListReports(ctx, models.ListReportsRequest{Service: r.Service})
	require.NoError(t, err)
	require.Len(t, page.Reports, 1)
	assert.Equal(t, r.ID, page.Reports[0].ID)
	assert.NoError(t, db.Healthy(ctx))
}
