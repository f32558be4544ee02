package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"dbvault/internal/logging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PipelineLogger logs pipeline events under a per-job correlation ID and
// optionally appends an audit trail. Keys never reach it; only their
// fingerprints do.
type PipelineLogger struct {
	logger        *logging.Logger
	auditLogger   *logrus.Logger
	auditFile     io.Closer
	correlationID string
}

// PipelineLoggerConfig holds configuration for pipeline logging
type PipelineLoggerConfig struct {
	Logger        *logging.Logger
	AuditLogFile  string
	CorrelationID string
}

// LogEntry is a structured pipeline event
type LogEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Operation     string                 `json:"operation"`
	Engine        string                 `json:"engine,omitempty"`
	Attempt       int                    `json:"attempt,omitempty"`
	Status        string                 `json:"status"`
	Duration      string                 `json:"duration,omitempty"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// NewPipelineLogger creates a pipeline logger. An empty AuditLogFile
// disables the audit trail.
func NewPipelineLogger(config PipelineLoggerConfig) (*PipelineLogger, error) {
	logger := config.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	correlationID := config.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	pl := &PipelineLogger{
		logger:        logger,
		correlationID: correlationID,
	}

	if config.AuditLogFile != "" {
		auditDir := filepath.Dir(config.AuditLogFile)
		if err := os.MkdirAll(auditDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}

		auditFile, err := os.OpenFile(config.AuditLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}

		auditLogger := logrus.New()
		auditLogger.SetOutput(auditFile)
		auditLogger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
		auditLogger.SetLevel(logrus.InfoLevel)

		pl.auditLogger = auditLogger
		pl.auditFile = auditFile
	}

	return pl, nil
}

// GetCorrelationID returns the current correlation ID
func (pl *PipelineLogger) GetCorrelationID() string {
	return pl.correlationID
}

// WithCorrelationID returns a logger sharing the same sinks under another ID
func (pl *PipelineLogger) WithCorrelationID(correlationID string) *PipelineLogger {
	return &PipelineLogger{
		logger:        pl.logger,
		auditLogger:   pl.auditLogger,
		correlationID: correlationID,
	}
}

// Close closes the audit log file
func (pl *PipelineLogger) Close() error {
	if pl.auditFile == nil {
		return nil
	}
	return pl.auditFile.Close()
}

// LogRunStart logs the start of a run and returns its completion callback
func (pl *PipelineLogger) LogRunStart(ctx context.Context, job BackupJob) func(*PipelineResult, error) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: pl.correlationID,
		Operation:     "backup_run",
		Engine:        job.Engine,
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"database": job.Params.Database,
			"host":     job.Params.Host,
			"encrypt":  job.Encrypt,
		},
	}
	if job.Cloud.Enabled() {
		entry.Metadata["backend"] = string(job.Cloud.Backend)
		entry.Metadata["bucket"] = job.Cloud.Bucket
	}

	pl.logStructured(entry)
	pl.logAudit(ctx, "backup", "run", "started", map[string]interface{}{
		"engine":   job.Engine,
		"database": job.Params.Database,
	})

	return func(result *PipelineResult, err error) {
		duration := time.Since(startTime)
		entry.Timestamp = time.Now()
		entry.Status = "completed"
		entry.Duration = duration.String()
		entry.Success = err == nil

		if err != nil {
			entry.Error = err.Error()
			entry.Status = "failed"
		}

		details := map[string]interface{}{
			"engine":   job.Engine,
			"database": job.Params.Database,
			"duration": duration.String(),
			"error":    entry.Error,
		}
		if result != nil {
			entry.Attempt = result.Attempts
			entry.Metadata["status"] = string(result.Status)
			entry.Metadata["artifact"] = result.ArtifactPath
			entry.Metadata["checksum"] = result.DumpChecksum
			details["status"] = string(result.Status)
			details["attempts"] = result.Attempts
			details["artifact"] = result.ArtifactPath
			if result.KeyFingerprint != "" {
				entry.Metadata["key_fingerprint"] = result.KeyFingerprint
				details["key_fingerprint"] = result.KeyFingerprint
			}
			if result.Remote != nil {
				details["remote"] = result.Remote.URL
			}
		}

		pl.logStructured(entry)

		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		pl.logAudit(ctx, "backup", "run", outcome, details)
	}
}

// LogStage logs one stage of one attempt and returns its completion callback
func (pl *PipelineLogger) LogStage(ctx context.Context, engine string, attempt int, stage Stage) func(error, map[string]interface{}) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: pl.correlationID,
		Operation:     "stage_" + string(stage),
		Engine:        engine,
		Attempt:       attempt,
		Status:        "started",
		Success:       true,
		Metadata:      map[string]interface{}{},
	}

	pl.logStructured(entry)

	return func(err error, metadata map[string]interface{}) {
		entry.Timestamp = time.Now()
		entry.Status = "completed"
		entry.Duration = time.Since(startTime).String()
		entry.Success = err == nil
		if err != nil {
			entry.Error = err.Error()
			entry.Status = "failed"
		}
		for k, v := range metadata {
			entry.Metadata[k] = v
		}

		pl.logStructured(entry)

		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		pl.logAudit(ctx, "stage", string(stage), outcome, map[string]interface{}{
			"engine":   engine,
			"attempt":  attempt,
			"duration": entry.Duration,
			"error":    entry.Error,
		})
	}
}

// LogRetry logs a transient failure that will be retried after delay
func (pl *PipelineLogger) LogRetry(attempt int, delay time.Duration, err error) {
	pl.logger.WithFields(map[string]interface{}{
		"correlation_id": pl.correlationID,
		"attempt":        attempt,
		"delay":          delay.String(),
		"error":          err.Error(),
	}).Warn("Attempt failed, retrying")
}

// logStructured logs a structured log entry
func (pl *PipelineLogger) logStructured(entry LogEntry) {
	fields := map[string]interface{}{
		"correlation_id": entry.CorrelationID,
		"operation":      entry.Operation,
		"status":         entry.Status,
		"success":        entry.Success,
	}

	if entry.Engine != "" {
		fields["engine"] = entry.Engine
	}
	if entry.Attempt > 0 {
		fields["attempt"] = entry.Attempt
	}
	if entry.Duration != "" {
		fields["duration"] = entry.Duration
	}
	if entry.Error != "" {
		fields["error"] = entry.Error
	}

	for k, v := range entry.Metadata {
		fields[k] = v
	}

	logEntry := pl.logger.WithFields(fields)

	switch {
	case !entry.Success:
		logEntry.Error("Pipeline operation failed")
	case entry.Status == "started":
		logEntry.Debug("Pipeline operation started")
	default:
		logEntry.Info("Pipeline operation completed")
	}
}

// logAudit appends an audit trail entry
func (pl *PipelineLogger) logAudit(ctx context.Context, resource, action, result string, details map[string]interface{}) {
	if pl.auditLogger == nil {
		return
	}

	fields := logrus.Fields{
		"correlation_id": pl.correlationID,
		"operation":      fmt.Sprintf("%s_%s", resource, action),
		"resource":       resource,
		"action":         action,
		"result":         result,
		"details":        details,
	}
	if jobID := logging.GetJobIDFromContext(ctx); jobID != "" {
		fields["job_id"] = jobID
	}
	if user := os.Getenv("USER"); user != "" {
		fields["user"] = user
	}

	pl.auditLogger.WithFields(fields).Info("Audit log entry")
}
