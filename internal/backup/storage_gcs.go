package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSSink uploads artifacts to Google Cloud Storage. The expected owner of
// a GCS target is the project number the bucket must belong to.
type GCSSink struct {
	client *storage.Client
	logger *logging.Logger
}

// NewGCSSink creates a GCS sink. Without a credentials file Application
// Default Credentials are used.
func NewGCSSink(ctx context.Context, config GCSConfig, logger *logging.Logger) (*GCSSink, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	var opts []option.ClientOption
	if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	}
	if config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(config.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to create GCS client", err)
	}

	return &GCSSink{
		client: client,
		logger: logger,
	}, nil
}

// Backend implements Sink
func (g *GCSSink) Backend() Backend {
	return BackendGCS
}

// Upload verifies the bucket project when an owner is expected, then
// streams the file into a new object
func (g *GCSSink) Upload(ctx context.Context, path string, target CloudTarget) (*RemoteReference, error) {
	if err := checkTarget(BackendGCS, target); err != nil {
		return nil, err
	}
	name := objectName(path, target)
	bucket := g.client.Bucket(target.Bucket)

	if target.ExpectedOwner != "" {
		attrs, err := bucket.Attrs(ctx)
		if err != nil {
			return nil, classifyGCSError(err, target)
		}
		if err := checkProjectOwner(target, attrs.ProjectNumber); err != nil {
			return nil, err
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, appErrors.NewIOError("failed to open artifact for upload", err)
	}
	defer file.Close()

	// canceling the writer context discards a partial object
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := bucket.Object(name).NewWriter(wctx)
	writer.ContentType = "application/octet-stream"

	if _, err := io.Copy(writer, file); err != nil {
		cancel()
		writer.Close()
		return nil, classifyGCSError(err, target)
	}
	if err := writer.Close(); err != nil {
		return nil, classifyGCSError(err, target)
	}

	g.logger.WithFields(map[string]interface{}{
		"bucket": target.Bucket,
		"object": name,
	}).Debug("Uploaded artifact to GCS")

	ref := &RemoteReference{
		Backend: BackendGCS,
		Bucket:  target.Bucket,
		Object:  name,
		URL:     fmt.Sprintf("gs://%s/%s", target.Bucket, name),
	}
	if attrs := writer.Attrs(); attrs != nil {
		ref.ETag = attrs.Etag
	}
	return ref, nil
}

// Close releases the underlying client
func (g *GCSSink) Close() error {
	return g.client.Close()
}

func checkProjectOwner(target CloudTarget, projectNumber uint64) error {
	if strconv.FormatUint(projectNumber, 10) != target.ExpectedOwner {
		return appErrors.NewOwnerMismatchError(target.Bucket, target.ExpectedOwner, nil).
			WithContext("actual_owner", projectNumber)
	}
	return nil
}

func classifyGCSError(err error, target CloudTarget) error {
	if errors.Is(err, context.Canceled) {
		return appErrors.NewCanceledError("gcs upload canceled", err)
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return appErrors.NewConfigurationError(fmt.Sprintf("gcs bucket %q does not exist", target.Bucket), err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusForbidden, http.StatusUnauthorized:
			return appErrors.NewAppError(appErrors.ErrorTypeUpload,
				fmt.Sprintf("gcs access to bucket %q denied", target.Bucket), err)
		case http.StatusNotFound:
			return appErrors.NewConfigurationError(fmt.Sprintf("gcs bucket %q does not exist", target.Bucket), err)
		}
	}

	return appErrors.NewUploadError("gcs upload failed", err).WithContext("bucket", target.Bucket)
}
