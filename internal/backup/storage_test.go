package backup

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	appErrors "dbvault/internal/errors"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

const testOwner = "111122223333"

// fakeS3 answers HeadBucket and PutObject the way S3 does, including the
// 403 returned when x-amz-expected-bucket-owner does not match
type fakeS3 struct {
	mu       sync.Mutex
	requests []string
	body     bytes.Buffer
	putCode  int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	if owner := r.Header.Get("X-Amz-Expected-Bucket-Owner"); owner != "" && owner != testOwner {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		if f.putCode != 0 {
			w.WriteHeader(f.putCode)
			return
		}
		io.Copy(&f.body, r.Body)
		w.Header().Set("ETag", `"9b2cf535f27731c974343645a3985328"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeS3) received() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.body.String()
}

func newTestS3Sink(t *testing.T, handler http.Handler) *S3Sink {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sink, err := NewS3Sink(S3Config{
		Region:         "us-east-1",
		AccessKey:      "AKIAEXAMPLE",
		SecretKey:      "secret",
		Endpoint:       srv.URL,
		ForcePathStyle: true,
		DisableSSL:     true,
	}, nil)
	require.NoError(t, err)
	return sink
}

func writeArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.sql.gz")
	require.NoError(t, os.WriteFile(path, []byte("compressed bytes"), 0600))
	return path
}

func TestS3SinkUpload(t *testing.T) {
	fake := &fakeS3{}
	sink := newTestS3Sink(t, fake)
	path := writeArtifact(t)

	ref, err := sink.Upload(context.Background(), path, CloudTarget{
		Backend:       BackendS3,
		Bucket:        "backups",
		Object:        "nightly/orders.sql.gz",
		ExpectedOwner: testOwner,
	})
	require.NoError(t, err)

	assert.Equal(t, BackendS3, ref.Backend)
	assert.Equal(t, "backups", ref.Bucket)
	assert.Equal(t, "nightly/orders.sql.gz", ref.Object)
	assert.Contains(t, ref.URL, "/backups/nightly/orders.sql.gz")

	assert.Equal(t, []string{"HEAD /backups", "PUT /backups/nightly/orders.sql.gz"}, fake.seen())
	assert.Equal(t, "compressed bytes", fake.received())
}

func TestS3SinkOwnerMismatch(t *testing.T) {
	fake := &fakeS3{}
	sink := newTestS3Sink(t, fake)

	_, err := sink.Upload(context.Background(), writeArtifact(t), CloudTarget{
		Backend:       BackendS3,
		Bucket:        "backups",
		ExpectedOwner: "999999999999",
	})
	require.Error(t, err)

	assert.Equal(t, appErrors.ErrorTypeOwnerMismatch, appErrors.GetErrorType(err))
	assert.False(t, appErrors.IsTransient(err))
	assert.Equal(t, []string{"HEAD /backups"}, fake.seen(), "nothing is written to a foreign bucket")
}

func TestS3SinkServerErrorIsTransient(t *testing.T) {
	sink := newTestS3Sink(t, &fakeS3{putCode: http.StatusInternalServerError})

	_, err := sink.Upload(context.Background(), writeArtifact(t), CloudTarget{Backend: BackendS3, Bucket: "backups"})
	require.Error(t, err)

	assert.Equal(t, appErrors.ErrorTypeUpload, appErrors.GetErrorType(err))
	assert.True(t, appErrors.IsTransient(err))
}

func TestS3SinkRejectsBadTargets(t *testing.T) {
	fake := &fakeS3{}
	sink := newTestS3Sink(t, fake)

	_, err := sink.Upload(context.Background(), writeArtifact(t), CloudTarget{Backend: BackendS3})
	assert.Equal(t, appErrors.ErrorTypeConfiguration, appErrors.GetErrorType(err))

	_, err = sink.Upload(context.Background(), writeArtifact(t), CloudTarget{Backend: BackendGCS, Bucket: "backups"})
	assert.Equal(t, appErrors.ErrorTypeConfiguration, appErrors.GetErrorType(err))

	assert.Empty(t, fake.seen())
}

func TestParseAzureConnectionString(t *testing.T) {
	tests := []struct {
		name     string
		conn     string
		want     azureAccount
		wantFail bool
	}{
		{
			name: "defaults",
			conn: "DefaultEndpointsProtocol=https;AccountName=vault;AccountKey=a2V5;EndpointSuffix=core.windows.net",
			want: azureAccount{name: "vault", key: "a2V5", endpoint: "https://vault.blob.core.windows.net"},
		},
		{
			name: "explicit blob endpoint",
			conn: "AccountName=devstoreaccount1;AccountKey=a2V5==;BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;",
			want: azureAccount{name: "devstoreaccount1", key: "a2V5==", endpoint: "http://127.0.0.1:10000/devstoreaccount1"},
		},
		{
			name: "sovereign cloud",
			conn: "AccountName=vault;AccountKey=a2V5;EndpointSuffix=core.chinacloudapi.cn",
			want: azureAccount{name: "vault", key: "a2V5", endpoint: "https://vault.blob.core.chinacloudapi.cn"},
		},
		{name: "missing key", conn: "AccountName=vault", wantFail: true},
		{name: "malformed", conn: "AccountName", wantFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAzureConnectionString(tt.conn)
			if tt.wantFail {
				require.Error(t, err)
				assert.Equal(t, appErrors.ErrorTypeConfiguration, appErrors.GetErrorType(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAzureSink(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("not-a-real-account-key"))

	_, err := NewAzureSink(AzureConfig{AccountName: "vault"}, nil)
	assert.Equal(t, appErrors.ErrorTypeConfiguration, appErrors.GetErrorType(err))

	sink, err := NewAzureSink(AzureConfig{AccountName: "vault", AccountKey: key}, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendAzure, sink.Backend())

	_, err = sink.Upload(context.Background(), writeArtifact(t), CloudTarget{
		Backend:       BackendAzure,
		Bucket:        "backups",
		ExpectedOwner: testOwner,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypeConfiguration, appErrors.GetErrorType(err),
		"an owner guard that cannot be enforced fails closed")
}

func TestMinIOSink(t *testing.T) {
	_, err := NewMinIOSink(MinIOConfig{}, nil)
	assert.Equal(t, appErrors.ErrorTypeConfiguration, appErrors.GetErrorType(err))

	sink, err := NewMinIOSink(MinIOConfig{Endpoint: "minio.local:9000", AccessKey: "minio", SecretKey: "minio123"}, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendMinIO, sink.Backend())

	_, err = sink.Upload(context.Background(), writeArtifact(t), CloudTarget{
		Backend:       BackendMinIO,
		Bucket:        "backups",
		ExpectedOwner: testOwner,
	})
	assert.Equal(t, appErrors.ErrorTypeConfiguration, appErrors.GetErrorType(err))
}

func TestCheckProjectOwner(t *testing.T) {
	target := CloudTarget{Backend: BackendGCS, Bucket: "backups", ExpectedOwner: "123456789012"}

	assert.NoError(t, checkProjectOwner(target, 123456789012))

	err := checkProjectOwner(target, 42)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypeOwnerMismatch, appErrors.GetErrorType(err))
	assert.False(t, appErrors.IsTransient(err))
}

func TestClassifyGCSError(t *testing.T) {
	target := CloudTarget{Backend: BackendGCS, Bucket: "backups"}

	tests := []struct {
		name      string
		err       error
		wantType  appErrors.ErrorType
		transient bool
	}{
		{"missing bucket", storage.ErrBucketNotExist, appErrors.ErrorTypeConfiguration, false},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, appErrors.ErrorTypeUpload, false},
		{"not found", &googleapi.Error{Code: http.StatusNotFound}, appErrors.ErrorTypeConfiguration, false},
		{"unavailable", &googleapi.Error{Code: http.StatusServiceUnavailable}, appErrors.ErrorTypeUpload, true},
		{"network", errors.New("connection reset by peer"), appErrors.ErrorTypeUpload, true},
		{"canceled", context.Canceled, appErrors.ErrorTypeInterruption, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyGCSError(tt.err, target)
			assert.Equal(t, tt.wantType, appErrors.GetErrorType(err))
			assert.Equal(t, tt.transient, appErrors.IsTransient(err))
		})
	}
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "orders.sql.gz", objectName("/var/backups/orders.sql.gz", CloudTarget{}))
	assert.Equal(t, "nightly/orders.sql.gz", objectName("/var/backups/orders.sql.gz", CloudTarget{Object: "nightly/orders.sql.gz"}))
}

func TestUploadAsync(t *testing.T) {
	sink := &fakeSink{}
	f := UploadAsync(context.Background(), sink, "/var/backups/orders.sql.gz", CloudTarget{Backend: BackendS3, Bucket: "backups"})

	ref, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, "orders.sql.gz", ref.Object)
	assert.Equal(t, 1, sink.calls)
}

func TestSinkFactory(t *testing.T) {
	factory := NewSinkFactory(CloudConfig{
		MinIO: MinIOConfig{Endpoint: "minio.local:9000", AccessKey: "minio", SecretKey: "minio123"},
	}, nil)

	first, err := factory.Resolve(context.Background(), BackendMinIO)
	require.NoError(t, err)
	second, err := factory.Resolve(context.Background(), BackendMinIO)
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = factory.Resolve(context.Background(), "ftp")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypeConfiguration, appErrors.GetErrorType(err))
	assert.Contains(t, err.Error(), "s3, azure, gcs, minio")

	_, err = factory.Resolve(context.Background(), BackendAzure)
	assert.Equal(t, appErrors.ErrorTypeConfiguration, appErrors.GetErrorType(err), "missing credentials")
}

func TestStaticSinks(t *testing.T) {
	sink := &fakeSink{}
	resolver := StaticSinks{BackendS3: sink}

	got, err := resolver.Resolve(context.Background(), BackendS3)
	require.NoError(t, err)
	assert.Same(t, sink, got)

	_, err = resolver.Resolve(context.Background(), BackendGCS)
	assert.Equal(t, appErrors.ErrorTypeConfiguration, appErrors.GetErrorType(err))
}
