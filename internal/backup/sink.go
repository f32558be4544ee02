package backup

import (
	"context"
	"fmt"
	"path/filepath"

	appErrors "dbvault/internal/errors"
)

// Sink uploads a finished artifact to one storage backend. Owner mismatches
// are permanent; other failures are transient and retry from scratch.
type Sink interface {
	Backend() Backend
	Upload(ctx context.Context, path string, target CloudTarget) (*RemoteReference, error)
}

// SinkResolver hands out the sink for a backend
type SinkResolver interface {
	Resolve(ctx context.Context, backend Backend) (Sink, error)
}

// UploadAsync starts sink.Upload on its own goroutine
func UploadAsync(ctx context.Context, sink Sink, path string, target CloudTarget) *Future[*RemoteReference] {
	return Go(func() (*RemoteReference, error) {
		return sink.Upload(ctx, path, target)
	})
}

// objectName defaults the remote name to the artifact file name
func objectName(path string, target CloudTarget) string {
	if target.Object != "" {
		return target.Object
	}
	return filepath.Base(path)
}

func checkTarget(backend Backend, target CloudTarget) error {
	if target.Backend != backend {
		return appErrors.NewConfigurationError(
			fmt.Sprintf("%s sink cannot upload to backend %q", backend, target.Backend), nil)
	}
	if target.Bucket == "" {
		return appErrors.NewConfigurationError(fmt.Sprintf("%s upload requires a bucket", backend), nil)
	}
	return nil
}

// ownerGuardUnsupported fails uploads whose expected-owner guard the
// backend has no way to enforce
func ownerGuardUnsupported(backend Backend, target CloudTarget) error {
	if target.ExpectedOwner == "" {
		return nil
	}
	return appErrors.NewConfigurationError(
		fmt.Sprintf("%s does not support an expected bucket owner", backend), nil).
		WithContext("expected_owner", target.ExpectedOwner)
}
