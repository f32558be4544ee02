package backup

import (
	"context"
	"fmt"
	"strings"
	"sync"

	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/samber/lo"
)

// SinkFactory creates sinks from configuration and reuses them across jobs
type SinkFactory struct {
	config CloudConfig
	logger *logging.Logger

	mu    sync.Mutex
	sinks map[Backend]Sink
}

// NewSinkFactory creates a new sink factory
func NewSinkFactory(config CloudConfig, logger *logging.Logger) *SinkFactory {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &SinkFactory{
		config: config,
		logger: logger,
		sinks:  make(map[Backend]Sink),
	}
}

// Resolve returns the sink for backend, creating it on first use
func (sf *SinkFactory) Resolve(ctx context.Context, backend Backend) (Sink, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sink, ok := sf.sinks[backend]; ok {
		return sink, nil
	}

	sink, err := sf.CreateSink(ctx, backend)
	if err != nil {
		return nil, err
	}
	sf.sinks[backend] = sink
	return sink, nil
}

// CreateSink builds a new sink for backend
func (sf *SinkFactory) CreateSink(ctx context.Context, backend Backend) (Sink, error) {
	switch backend {
	case BackendS3:
		return NewS3Sink(sf.config.S3, sf.logger)

	case BackendAzure:
		return NewAzureSink(sf.config.Azure, sf.logger)

	case BackendGCS:
		return NewGCSSink(ctx, sf.config.GCS, sf.logger)

	case BackendMinIO:
		return NewMinIOSink(sf.config.MinIO, sf.logger)

	default:
		return nil, appErrors.NewConfigurationError(
			fmt.Sprintf("unsupported cloud backend %q (supported: %s)", backend, strings.Join(SupportedBackendNames(), ", ")), nil)
	}
}

// GetSupportedBackends returns every backend a sink exists for
func GetSupportedBackends() []Backend {
	return []Backend{
		BackendS3,
		BackendAzure,
		BackendGCS,
		BackendMinIO,
	}
}

// SupportedBackendNames returns GetSupportedBackends as strings
func SupportedBackendNames() []string {
	return lo.Map(GetSupportedBackends(), func(b Backend, _ int) string {
		return string(b)
	})
}

// StaticSinks resolves backends from a fixed set of sinks
type StaticSinks map[Backend]Sink

// Resolve implements SinkResolver
func (s StaticSinks) Resolve(_ context.Context, backend Backend) (Sink, error) {
	sink, ok := s[backend]
	if !ok {
		return nil, appErrors.NewConfigurationError(fmt.Sprintf("no sink configured for %q", backend), nil)
	}
	return sink, nil
}
