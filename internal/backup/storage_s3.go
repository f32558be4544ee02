package backup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Sink uploads artifacts to Amazon S3 or an S3 compatible endpoint. When
// the target names an expected owner every request carries it, so S3
// itself refuses to touch a bucket owned by another account.
type S3Sink struct {
	client   s3iface.S3API
	uploader *s3manager.Uploader
	logger   *logging.Logger
}

// NewS3Sink creates an S3 sink. Without static keys the default AWS
// credential chain applies.
func NewS3Sink(config S3Config, logger *logging.Logger) (*S3Sink, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	awsConfig := &aws.Config{
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(config.ForcePathStyle),
		DisableSSL:       aws.Bool(config.DisableSSL),
		// whole uploads are retried by the pipeline
		MaxRetries: aws.Int(0),
	}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			config.SessionToken,
		)
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to create AWS session", err)
	}

	client := s3.New(sess)
	uploader := s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
		if config.PartSize > 0 {
			u.PartSize = config.PartSize
		}
		u.LeavePartsOnError = false
	})

	return &S3Sink{
		client:   client,
		uploader: uploader,
		logger:   logger,
	}, nil
}

// Backend implements Sink
func (s *S3Sink) Backend() Backend {
	return BackendS3
}

// Upload checks bucket ownership with HeadBucket, then streams the file
// through the multipart uploader
func (s *S3Sink) Upload(ctx context.Context, path string, target CloudTarget) (*RemoteReference, error) {
	if err := checkTarget(BackendS3, target); err != nil {
		return nil, err
	}
	key := objectName(path, target)

	head := &s3.HeadBucketInput{Bucket: aws.String(target.Bucket)}
	if target.ExpectedOwner != "" {
		head.ExpectedBucketOwner = aws.String(target.ExpectedOwner)
	}
	if _, err := s.client.HeadBucketWithContext(ctx, head); err != nil {
		return nil, classifyS3Error(err, target, "bucket preflight failed")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, appErrors.NewIOError("failed to open artifact for upload", err)
	}
	defer file.Close()

	input := &s3manager.UploadInput{
		Bucket:      aws.String(target.Bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("application/octet-stream"),
	}
	if target.ExpectedOwner != "" {
		input.ExpectedBucketOwner = aws.String(target.ExpectedOwner)
	}

	out, err := s.uploader.UploadWithContext(ctx, input)
	if err != nil {
		return nil, classifyS3Error(err, target, "upload failed")
	}

	s.logger.WithFields(map[string]interface{}{
		"bucket": target.Bucket,
		"key":    key,
	}).Debug("Uploaded artifact to S3")

	return &RemoteReference{
		Backend: BackendS3,
		Bucket:  target.Bucket,
		Object:  key,
		URL:     out.Location,
	}, nil
}

// classifyS3Error maps S3 failures onto the error taxonomy. A 403 with an
// expected owner set is how S3 reports an ownership mismatch.
func classifyS3Error(err error, target CloudTarget, message string) error {
	if errors.Is(err, context.Canceled) {
		return appErrors.NewCanceledError("S3 "+message, err)
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == request.CanceledErrorCode {
		return appErrors.NewCanceledError("S3 "+message, err)
	}

	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		switch reqErr.StatusCode() {
		case http.StatusForbidden:
			if target.ExpectedOwner != "" {
				return appErrors.NewOwnerMismatchError(target.Bucket, target.ExpectedOwner, err)
			}
			return appErrors.NewAppError(appErrors.ErrorTypeUpload,
				fmt.Sprintf("S3 %s: access to bucket %q denied", message, target.Bucket), err)
		case http.StatusNotFound:
			return appErrors.NewConfigurationError(fmt.Sprintf("S3 bucket %q does not exist", target.Bucket), err)
		}
	}

	return appErrors.NewUploadError("S3 "+message, err).WithContext("bucket", target.Bucket)
}
