package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// PostgresSink persists watches and reports in PostgreSQL. Full documents are kept as JSONB;
// the filterable fields are projected into columns.
type PostgresSink struct {
	Pool *pgxpool.Pool
}

// Connect opens and pings a pool.
func Connect(databaseURL string) (*PostgresSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresSink{Pool: pool}, nil
}

func (db *PostgresSink) Close() {
	db.Pool.Close()
}

// Migrate creates the schema. It is idempotent.
func Migrate(ctx context.Context, db *PostgresSink) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS deployment_watches (
			id          TEXT PRIMARY KEY,
			repository  TEXT NOT NULL,
			branch      TEXT NOT NULL DEFAULT '',
			commit_sha  TEXT NOT NULL,
			status      TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			body        JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_watches_created ON deployment_watches(created_at DESC);

		CREATE TABLE IF NOT EXISTS rca_reports (
			id                  TEXT PRIMARY KEY,
			service             TEXT NOT NULL,
			deployment_related  BOOLEAN NOT NULL DEFAULT false,
			watch_id            TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ NOT NULL,
			body                JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reports_created ON rca_reports(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_reports_service ON rca_reports(service, created_at DESC);
	`)
	return err
}

// Healthy checks the database connection.
func (db *PostgresSink) Healthy(ctx context.Context) error {
	var n int
	return db.Pool.QueryRow(ctx, "SELECT 1").Scan(&n)
}

func (db *PostgresSink) AppendWatch(ctx context.Context, w models.DeploymentWatch) error {
	body, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode watch: %w", err)
	}
	_, err = db.Pool.Exec(ctx,
		`INSERT INTO deployment_watches (id, repository, branch, commit_sha, status, created_at, body)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body, updated_at = now()`,
		w.ID, w.Repository, w.Branch, w.Commit, string(w.Status), w.CreatedAt, body,
	)
	return err
}

func (db *PostgresSink) AppendReport(ctx context.Context, r models.RCAReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = db.Pool.Exec(ctx,
		`INSERT INTO rca_reports (id, service, deployment_related, watch_id, created_at, body)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Service, r.IsDeploymentRelated, r.WatchID, r.CreatedAt, body,
	)
	return err
}

func (db *PostgresSink) ListRecentReports(ctx context.Context, limit int) ([]models.RCAReport, error) {
	resp, err := db.ListReports(ctx, models.ListReportsRequest{PageSize: limit})
	return resp.Reports, err
}

func (db *PostgresSink) ListRecentWatches(ctx context.Context, limit int) ([]models.DeploymentWatch, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT body FROM deployment_watches ORDER BY created_at DESC LIMIT $1`, pageSize(limit))
	if err != nil {
		return nil, err
	}
	return scanDocuments[models.DeploymentWatch](rows)
}

func (db *PostgresSink) ListReports(ctx context.Context, req models.ListReportsRequest) (models.ListReportsResponse, error) {
	query, args := reportQuery(req)
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return models.ListReportsResponse{}, err
	}
	reports, err := scanDocuments[models.RCAReport](rows)
	if err != nil {
		return models.ListReportsResponse{}, err
	}

	size := pageSize(req.PageSize)
	resp := models.ListReportsResponse{Reports: reports}
	if len(reports) > size {
		resp.Reports = reports[:size]
		resp.NextPageToken = encodePageToken(decodePageToken(req.PageToken) + size)
	}
	return resp, nil
}

// reportQuery builds the filtered page query. One extra row is fetched to detect a next page.
func reportQuery(req models.ListReportsRequest) (string, []any) {
	var where []string
	var args []any
	if req.Service != "" {
		args = append(args, strings.ToLower(req.Service))
		where = append(where, fmt.Sprintf("lower(service) = $%d", len(args)))
	}
	if req.DeploymentOnly {
		where = append(where, "deployment_related")
	}
	if !req.Since.IsZero() {
		args = append(args, req.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	query := "SELECT body FROM rca_reports"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, pageSize(req.PageSize)+1, decodePageToken(req.PageToken))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return query, args
}

func scanDocuments[T any](rows pgx.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var doc T
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
