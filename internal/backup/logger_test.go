package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dbvault/internal/engine"
	"dbvault/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineLoggerAuditTrail(t *testing.T) {
	var out bytes.Buffer
	logger, err := logging.NewLogger(logging.Config{Level: logging.LogLevelDebug, Output: &out, Format: "json"})
	require.NoError(t, err)

	auditPath := filepath.Join(t.TempDir(), "audit", "dbvault.log")
	pl, err := NewPipelineLogger(PipelineLoggerConfig{
		Logger:        logger,
		AuditLogFile:  auditPath,
		CorrelationID: "corr-123",
	})
	require.NoError(t, err)
	assert.Equal(t, "corr-123", pl.GetCorrelationID())

	ctx := logging.CreateContextWithJobID(context.Background(), "job-42")
	job := BackupJob{Engine: "postgres", Params: engine.Params{Host: "db.local", Database: "orders"}}

	done := pl.LogRunStart(ctx, job)
	endStage := pl.LogStage(ctx, "postgres", 1, StageDumping)
	endStage(errors.New("pg_dump exited with status 1"), map[string]interface{}{"bytes": 0})
	pl.LogRetry(1, 2*time.Second, errors.New("pg_dump exited with status 1"))
	done(&PipelineResult{Status: StatusSuccess, Attempts: 2, KeyFingerprint: "ab12cd34"}, nil)
	require.NoError(t, pl.Close())

	audit, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(audit)), "\n")
	require.Len(t, lines, 3, "run start, dumping stage, run end")
	for _, line := range lines {
		assert.Contains(t, line, `"correlation_id":"corr-123"`)
		assert.Contains(t, line, `"job_id":"job-42"`)
	}
	assert.Contains(t, lines[0], `"operation":"backup_run"`)
	assert.Contains(t, lines[1], `"operation":"stage_dumping"`)
	assert.Contains(t, lines[1], `"result":"failure"`)
	assert.Contains(t, lines[2], `"key_fingerprint":"ab12cd34"`)

	info, err := os.Stat(auditPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	logged := out.String()
	assert.Contains(t, logged, "Attempt failed, retrying")
	assert.Contains(t, logged, `"operation":"stage_dumping"`)
}

func TestPipelineLoggerWithoutAudit(t *testing.T) {
	pl, err := NewPipelineLogger(PipelineLoggerConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, pl.GetCorrelationID())

	other := pl.WithCorrelationID("job-7")
	assert.Equal(t, "job-7", other.GetCorrelationID())

	done := other.LogRunStart(context.Background(), BackupJob{Engine: "redis"})
	done(nil, errors.New("boom"))
	assert.NoError(t, other.Close())
	assert.NoError(t, pl.Close())
}
