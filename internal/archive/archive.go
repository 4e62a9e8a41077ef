// Package archive uploads finished RCA reports, evidence included, to S3-compatible storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// objectStore is the subset of *minio.Client the archiver uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ListBuckets(ctx context.Context) ([]minio.BucketInfo, error)
}

// Archiver writes one JSON object per report.
type Archiver struct {
	store  objectStore
	config Config
	logger *slog.Logger
}

// New builds an archiver backed by minio-go.
func New(cfg Config, logger *slog.Logger) (*Archiver, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return newArchiver(mc, cfg, logger), nil
}

func newArchiver(store objectStore, cfg Config, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "rca-reports"
	}
	return &Archiver{store: store, config: cfg, logger: logger}
}

// EnsureBucket creates the bucket when it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.store.BucketExists(ctx, a.config.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.config.Bucket, err)
	}
	if exists {
		return nil
	}
	region := a.config.Region
	if region == "" {
		region = "us-east-1"
	}
	if err := a.store.MakeBucket(ctx, a.config.Bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.config.Bucket, err)
	}
	a.logger.Info("created archive bucket", slog.String("bucket", a.config.Bucket))
	return nil
}

// Store uploads report and returns its object key.
func (a *Archiver) Store(ctx context.Context, report models.RCAReport) (string, error) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	key := ObjectKey(a.config.Prefix, report)
	_, err = a.store.PutObject(ctx, a.config.Bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"service":            report.Service,
			"deployment-related": fmt.Sprintf("%t", report.IsDeploymentRelated),
			"confidence":         string(report.Confidence),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	a.logger.Debug("archived report", slog.String("report_id", report.ID), slog.String("key", key))
	return key, nil
}

// Healthy lists buckets to prove the endpoint and credentials work.
func (a *Archiver) Healthy(ctx context.Context) error {
	_, err := a.store.ListBuckets(ctx)
	return err
}

// ObjectKey partitions reports by service and creation day.
func ObjectKey(prefix string, report models.RCAReport) string {
	service := strings.ToLower(strings.TrimSpace(report.Service))
	service = strings.NewReplacer("/", "_", " ", "_").Replace(service)
	if service == "" {
		service = "unknown"
	}
	day := report.CreatedAt.UTC().Format("2006/01/02")
	return path.Join(strings.Trim(prefix, "/"), service, day, report.ID+".json")
}
