package backup

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOSink uploads artifacts to a MinIO server, creating the bucket when
// it does not exist yet
type MinIOSink struct {
	client   *minio.Client
	region   string
	endpoint string
	secure   bool
	logger   *logging.Logger
}

// NewMinIOSink creates a MinIO sink
func NewMinIOSink(config MinIOConfig, logger *logging.Logger) (*MinIOSink, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if config.Endpoint == "" {
		return nil, appErrors.NewConfigurationError("minio upload requires an endpoint", nil)
	}

	secure := config.Secure == nil || *config.Secure
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: secure,
		Region: config.Region,
	})
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to create MinIO client", err)
	}

	return &MinIOSink{
		client:   client,
		region:   config.Region,
		endpoint: config.Endpoint,
		secure:   secure,
		logger:   logger,
	}, nil
}

// Backend implements Sink
func (m *MinIOSink) Backend() Backend {
	return BackendMinIO
}

// Upload ensures the bucket exists and puts the file
func (m *MinIOSink) Upload(ctx context.Context, path string, target CloudTarget) (*RemoteReference, error) {
	if err := checkTarget(BackendMinIO, target); err != nil {
		return nil, err
	}
	if err := ownerGuardUnsupported(BackendMinIO, target); err != nil {
		return nil, err
	}
	name := objectName(path, target)

	if err := m.makeBucket(ctx, target.Bucket); err != nil {
		return nil, classifyMinIOError(err, target)
	}

	info, err := m.client.FPutObject(ctx, target.Bucket, name, path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return nil, classifyMinIOError(err, target)
	}

	m.logger.WithFields(map[string]interface{}{
		"bucket": target.Bucket,
		"object": name,
		"size":   info.Size,
	}).Debug("Uploaded artifact to MinIO")

	scheme := "http"
	if m.secure {
		scheme = "https"
	}
	return &RemoteReference{
		Backend: BackendMinIO,
		Bucket:  target.Bucket,
		Object:  name,
		URL:     fmt.Sprintf("%s://%s/%s/%s", scheme, m.endpoint, target.Bucket, name),
		ETag:    info.ETag,
	}, nil
}

func (m *MinIOSink) makeBucket(ctx context.Context, bucket string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	err = m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: m.region})
	if err != nil && minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
		return nil
	}
	return err
}

func classifyMinIOError(err error, target CloudTarget) error {
	if errors.Is(err, context.Canceled) {
		return appErrors.NewCanceledError("minio upload canceled", err)
	}

	resp := minio.ToErrorResponse(err)
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusUnauthorized:
		return appErrors.NewAppError(appErrors.ErrorTypeUpload,
			fmt.Sprintf("minio access to bucket %q denied (%s)", target.Bucket, resp.Code), err)
	}

	return appErrors.NewUploadError("minio upload failed", err).WithContext("bucket", target.Bucket)
}
