package backup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureSink uploads artifacts as block blobs, overwriting existing blobs
type AzureSink struct {
	serviceURL  azblob.ServiceURL
	accountName string
	logger      *logging.Logger
}

// NewAzureSink creates an Azure sink from a connection string, or from an
// account name and key
func NewAzureSink(config AzureConfig, logger *logging.Logger) (*AzureSink, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	account := azureAccount{name: config.AccountName, key: config.AccountKey, endpoint: config.Endpoint}
	if config.ConnectionString != "" {
		parsed, err := parseAzureConnectionString(config.ConnectionString)
		if err != nil {
			return nil, err
		}
		account = parsed
	}
	if account.name == "" || account.key == "" {
		return nil, appErrors.NewConfigurationError("azure upload requires a connection string or account name and key", nil)
	}
	if account.endpoint == "" {
		account.endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", account.name)
	}

	credential, err := azblob.NewSharedKeyCredential(account.name, account.key)
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{
		Retry: azblob.RetryOptions{MaxTries: 1},
	})

	serviceURL, err := url.Parse(account.endpoint)
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to parse Azure service URL", err)
	}

	return &AzureSink{
		serviceURL:  azblob.NewServiceURL(*serviceURL, pipeline),
		accountName: account.name,
		logger:      logger,
	}, nil
}

// Backend implements Sink
func (az *AzureSink) Backend() Backend {
	return BackendAzure
}

// Upload streams the file into the container named by target.Bucket
func (az *AzureSink) Upload(ctx context.Context, path string, target CloudTarget) (*RemoteReference, error) {
	if err := checkTarget(BackendAzure, target); err != nil {
		return nil, err
	}
	if err := ownerGuardUnsupported(BackendAzure, target); err != nil {
		return nil, err
	}
	name := objectName(path, target)

	file, err := os.Open(path)
	if err != nil {
		return nil, appErrors.NewIOError("failed to open artifact for upload", err)
	}
	defer file.Close()

	blobURL := az.serviceURL.NewContainerURL(target.Bucket).NewBlockBlobURL(name)
	resp, err := azblob.UploadFileToBlockBlob(ctx, file, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 16,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return nil, classifyAzureError(err, target)
	}

	blob := blobURL.URL()
	az.logger.WithFields(map[string]interface{}{
		"container": target.Bucket,
		"blob":      name,
	}).Debug("Uploaded artifact to Azure Blob Storage")

	return &RemoteReference{
		Backend: BackendAzure,
		Bucket:  target.Bucket,
		Object:  name,
		URL:     blob.String(),
		ETag:    string(resp.ETag()),
	}, nil
}

func classifyAzureError(err error, target CloudTarget) error {
	if errors.Is(err, context.Canceled) {
		return appErrors.NewCanceledError("azure upload canceled", err)
	}

	var serr azblob.StorageError
	if errors.As(err, &serr) && serr.Response() != nil {
		switch serr.Response().StatusCode {
		case http.StatusForbidden, http.StatusUnauthorized:
			return appErrors.NewAppError(appErrors.ErrorTypeUpload,
				fmt.Sprintf("azure access to container %q denied (%s)", target.Bucket, serr.ServiceCode()), err)
		case http.StatusNotFound:
			return appErrors.NewConfigurationError(fmt.Sprintf("azure container %q does not exist", target.Bucket), err)
		}
	}

	return appErrors.NewUploadError("azure upload failed", err).WithContext("container", target.Bucket)
}

type azureAccount struct {
	name     string
	key      string
	endpoint string
}

// parseAzureConnectionString reads AccountName, AccountKey and the blob
// endpoint out of a storage connection string
func parseAzureConnectionString(conn string) (azureAccount, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(conn, ";") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return azureAccount{}, appErrors.NewConfigurationError("malformed azure connection string", nil)
		}
		fields[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	account := azureAccount{
		name:     fields["accountname"],
		key:      fields["accountkey"],
		endpoint: fields["blobendpoint"],
	}
	if account.name == "" || account.key == "" {
		return azureAccount{}, appErrors.NewConfigurationError("azure connection string lacks AccountName or AccountKey", nil)
	}

	if account.endpoint == "" {
		protocol := fields["defaultendpointsprotocol"]
		if protocol == "" {
			protocol = "https"
		}
		suffix := fields["endpointsuffix"]
		if suffix == "" {
			suffix = "core.windows.net"
		}
		account.endpoint = fmt.Sprintf("%s://%s.blob.%s", protocol, account.name, suffix)
	}
	return account, nil
}
