package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datatalk/datatalk/internal/storage"
)

type fakeAPI struct {
	objects      map[string]storage.ObjectInfo
	bucketExists bool
	madeBucket   string
	removeErr    error
	listErr      error
	removed      []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: map[string]storage.ObjectInfo{}}
}

func (f *fakeAPI) PutObject(_ context.Context, _, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	_, _ = io.Copy(io.Discard, body)
	info := storage.ObjectInfo{Key: key, Size: size, ETag: "etag-1", Metadata: opts.Metadata}
	f.objects[key] = info
	return info, nil
}

func (f *fakeAPI) GetObject(_ context.Context, _, key string) (io.ReadCloser, error) {
	if _, ok := f.objects[key]; !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(strings.NewReader(key)), nil
}

func (f *fakeAPI) StatObject(_ context.Context, _, key string) (storage.ObjectInfo, error) {
	info, ok := f.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return info, nil
}

func (f *fakeAPI) RemoveObject(_ context.Context, _, key string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, key)
	delete(f.objects, key)
	return nil
}

func (f *fakeAPI) ListKeys(_ context.Context, _, prefix string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	keys := make([]string, 0)
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeAPI) BucketExists(context.Context, string) (bool, error) {
	return f.bucketExists, nil
}

func (f *fakeAPI) MakeBucket(_ context.Context, bucket, _ string) error {
	f.madeBucket = bucket
	return nil
}

func TestPutStoresUnderPrefixWithMetadata(t *testing.T) {
	api := newFakeAPI()
	store, err := newStore("bucket-a", "/datatalk/prod/", api)
	require.NoError(t, err)

	meta := storage.DatasetMetadata("owner-1", "s1", storage.DatasetMaterialized)
	info, err := store.Put(context.Background(), "/owner-1/sessions/s1/dataset.parquet", bytes.NewBufferString("abc"), 3,
		storage.PutOptions{ContentType: storage.ContentTypeParquet, Metadata: meta})
	require.NoError(t, err)
	assert.Equal(t, "/owner-1/sessions/s1/dataset.parquet", info.Key)

	stored, ok := api.objects["datatalk/prod/owner-1/sessions/s1/dataset.parquet"]
	require.True(t, ok, "objects = %v", api.objects)
	assert.Equal(t, "s1", stored.Metadata["session-id"])

	stat, err := store.Stat(context.Background(), "owner-1/sessions/s1/dataset.parquet")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stat.Size)
	assert.Equal(t, "owner-1/sessions/s1/dataset.parquet", stat.Key)
}

func TestObjectKeyRejectsTraversal(t *testing.T) {
	store, err := newStore("bucket-a", "", newFakeAPI())
	require.NoError(t, err)

	for _, key := range []string{"", "/", "..", "../secrets.txt", "owner/../../x"} {
		_, err := store.Put(context.Background(), key, bytes.NewBufferString("x"), 1, storage.PutOptions{})
		assert.Error(t, err, "key %q", key)
	}
}

func TestGetAndStatReportMissingObjects(t *testing.T) {
	store, err := newStore("bucket-a", "", newFakeAPI())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "owner-1/sessions/s1/dataset.parquet")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	_, err = store.Stat(context.Background(), "owner-1/sessions/s1/dataset.parquet")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestDeleteIgnoresMissingObject(t *testing.T) {
	api := newFakeAPI()
	api.removeErr = storage.ErrObjectNotFound
	store, err := newStore("bucket-a", "", api)
	require.NoError(t, err)
	assert.NoError(t, store.Delete(context.Background(), "missing/file.parquet"))

	api.removeErr = errors.New("access denied")
	assert.Error(t, store.Delete(context.Background(), "owner-1/sessions/s1/source.csv"))
}

func TestDeletePrefixRemovesSessionFolder(t *testing.T) {
	api := newFakeAPI()
	store, err := newStore("bucket-a", "prod", api)
	require.NoError(t, err)

	for _, key := range []string{
		"owner-1/sessions/s1/source.csv",
		"owner-1/sessions/s1/dataset.parquet",
		"owner-1/sessions/s10/source.csv",
	} {
		_, err := store.Put(context.Background(), key, bytes.NewBufferString("x"), 1, storage.PutOptions{})
		require.NoError(t, err)
	}

	prefix, err := storage.SessionPrefix("owner-1", "s1")
	require.NoError(t, err)
	removed, err := store.DeletePrefix(context.Background(), prefix)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.ElementsMatch(t, []string{"prod/owner-1/sessions/s1/dataset.parquet", "prod/owner-1/sessions/s1/source.csv"}, api.removed)
	assert.Contains(t, api.objects, "prod/owner-1/sessions/s10/source.csv")

	_, err = store.DeletePrefix(context.Background(), "/")
	assert.Error(t, err)
}

func TestDeletePrefixPropagatesListErrors(t *testing.T) {
	api := newFakeAPI()
	api.listErr = errors.New("timeout")
	store, err := newStore("bucket-a", "", api)
	require.NoError(t, err)

	_, err = store.DeletePrefix(context.Background(), "owner-1/sessions/s1/")
	assert.ErrorContains(t, err, "timeout")
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	api := newFakeAPI()
	store, err := newStore("bucket-a", "", api)
	require.NoError(t, err)

	require.NoError(t, store.ensureBucket(context.Background(), "us-east-1"))
	assert.Equal(t, "bucket-a", api.madeBucket)

	api.madeBucket = ""
	api.bucketExists = true
	require.NoError(t, store.ensureBucket(context.Background(), "us-east-1"))
	assert.Empty(t, api.madeBucket)
}

func TestNewStoreValidation(t *testing.T) {
	_, err := newStore("", "", newFakeAPI())
	assert.Error(t, err)
	_, err = newStore("bucket", "", nil)
	assert.Error(t, err)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw      string
		useSSL   bool
		endpoint string
		secure   bool
		wantErr  bool
	}{
		{raw: "localhost:9000", endpoint: "localhost:9000"},
		{raw: "localhost:9000", useSSL: true, endpoint: "localhost:9000", secure: true},
		{raw: "https://minio.example.com", endpoint: "minio.example.com", secure: true},
		{raw: "http://minio:9000", endpoint: "minio:9000"},
		{raw: "ftp://minio", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tc := range tests {
		endpoint, secure, err := parseEndpoint(tc.raw, tc.useSSL)
		if tc.wantErr {
			assert.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.endpoint, endpoint, tc.raw)
		assert.Equal(t, tc.secure, secure, tc.raw)
	}
}

func TestNormalizeMetadata(t *testing.T) {
	got := normalizeMetadata(map[string]string{"X-Amz-Meta-Session-Id": "s1", "Owner-Id": "o1"})
	assert.Equal(t, map[string]string{"session-id": "s1", "owner-id": "o1"}, got)
	assert.Nil(t, normalizeMetadata(nil))
}
