package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

type fakeStore struct {
	buckets map[string]bool
	objects map[string][]byte
	meta    map[string]map[string]string
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{buckets: map[string]bool{}, objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeStore) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeStore) PutObject(_ context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[bucket+"/"+object] = data
	f.meta[bucket+"/"+object] = opts.UserMetadata
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func (f *fakeStore) ListBuckets(context.Context) ([]minio.BucketInfo, error) {
	return nil, nil
}

func TestArchiverStore(t *testing.T) {
	store := newFakeStore()
	a := newArchiver(store, Config{Prefix: "/prod/"}, nil)
	require.NoError(t, a.EnsureBucket(context.Background()))
	assert.True(t, store.buckets["rca-reports"])

	report := models.RCAReport{
		ID:                  "rca-1",
		Service:             "Checkout API",
		IsDeploymentRelated: true,
		Confidence:          models.ConfidenceMedium,
		CreatedAt:           time.Date(2024, 12, 22, 23, 59, 0, 0, time.UTC),
	}
	key, err := a.Store(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, "prod/checkout_api/2024/12/22/rca-1.json", key)

	var decoded models.RCAReport
	require.NoError(t, json.Unmarshal(store.objects["rca-reports/"+key], &decoded))
	assert.Equal(t, "rca-1", decoded.ID)
	assert.Equal(t, "true", store.meta["rca-reports/"+key]["deployment-related"])
}

func TestArchiverStoreError(t *testing.T) {
	store := newFakeStore()
	store.putErr = errors.New("access denied")
	_, err := newArchiver(store, Config{Bucket: "b"}, nil).Store(context.Background(), models.RCAReport{ID: "rca-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown/0001/01/01/rca-1.json")
}
