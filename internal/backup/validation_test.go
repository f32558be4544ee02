package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dbvault/internal/engine"
	appErrors "dbvault/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDump(t *testing.T) *engine.DumpArtifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.sql")
	require.NoError(t, os.WriteFile(path, []byte("SELECT 1;\n"), 0600))
	return &engine.DumpArtifact{Path: path, Size: 10, Checksum: "c0ffee", Engine: "fake"}
}

func TestNewValidationTarget(t *testing.T) {
	a := NewValidationTarget()
	b := NewValidationTarget()

	assert.Regexp(t, `^dbvault_validate_[0-9a-f]{8}$`, a)
	assert.NotEqual(t, a, b)
}

func TestValidatorValid(t *testing.T) {
	adapter := newFakeAdapter()
	v := NewValidator(ValidationConfig{}, nil)

	result, err := v.Validate(context.Background(), adapter, fakeConn{}, testDump(t))
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Equal(t, engine.MethodRestore, result.Method)
	assert.Equal(t, "c0ffee", result.Checksum)
	require.Len(t, adapter.restores, 1)
	assert.Equal(t, adapter.restores, adapter.teardowns)
	assert.Regexp(t, `^dbvault_validate_`, adapter.restores[0])
}

func TestValidatorFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeAdapter)
	}{
		{"invalid restore", func(a *fakeAdapter) { a.invalid = true }},
		{"restore error", func(a *fakeAdapter) {
			a.restoreErr = appErrors.NewConnectionError("server went away", nil)
		}},
		{"unclassified restore error", func(a *fakeAdapter) { a.restoreErr = errors.New("exit status 1") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newFakeAdapter()
			tt.setup(adapter)

			result, err := NewValidator(ValidationConfig{}, nil).Validate(context.Background(), adapter, fakeConn{}, testDump(t))
			require.Error(t, err)
			require.NotNil(t, result)

			assert.False(t, result.Valid)
			assert.NotEmpty(t, result.Detail)
			assert.Equal(t, appErrors.ErrorTypeValidation, appErrors.GetErrorType(err))
			assert.False(t, appErrors.IsTransient(err), "a restore that fails is never retried")
			assert.Equal(t, adapter.restores, adapter.teardowns, "the target is torn down on every path")
		})
	}
}

func TestValidatorTimeout(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.restoreDelay = time.Minute

	v := NewValidator(ValidationConfig{Timeout: 20 * time.Millisecond}, nil)
	_, err := v.Validate(context.Background(), adapter, fakeConn{}, testDump(t))

	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypeValidation, appErrors.GetErrorType(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, adapter.teardowns, 1)
}

func TestValidatorTearsDownAfterCancel(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.restoreDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := NewValidator(ValidationConfig{}, nil).Validate(ctx, adapter, fakeConn{}, testDump(t))
	require.Error(t, err)
	assert.Len(t, adapter.teardowns, 1)
}
