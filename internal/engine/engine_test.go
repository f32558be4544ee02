package engine

import (
	"context"
	"strings"
	"sync"
	"testing"

	appErrors "dbvault/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records invocations and delegates to handle
type fakeRunner struct {
	mu     sync.Mutex
	calls  []Command
	handle func(cmd Command) ([]byte, error)
}

func (f *fakeRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()
	if f.handle == nil {
		return nil, nil
	}
	return f.handle(cmd)
}

func (f *fakeRunner) last() Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func argValue(args []string, prefix string) string {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return strings.TrimPrefix(a, prefix)
		}
	}
	return ""
}

func TestDefaultRegistryNames(t *testing.T) {
	r := NewDefaultRegistry(Options{})
	assert.Equal(t, []string{"db2", "mongo", "mysql", "postgres", "redis", "sqlite"}, r.Names())
}

func TestRegistryGet(t *testing.T) {
	r := NewDefaultRegistry(Options{Runner: &fakeRunner{}})

	tests := []struct {
		alias     string
		extension string
		method    ValidationMethod
	}{
		{"mysql", "sql", MethodRestore},
		{"POSTGRES", "dump", MethodRestoreDiff},
		{"mongo", "archive", MethodRestoreDiff},
		{"redis", "rdb", MethodMagicByte},
		{"sqlite", "db", MethodIntegrityCheck},
		{"db2", "img", MethodImageCheck},
	}

	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			adapter, err := r.Get(tt.alias)
			require.NoError(t, err)
			assert.Equal(t, strings.ToLower(tt.alias), adapter.Name())
			assert.Equal(t, tt.extension, adapter.Extension())
			assert.Equal(t, tt.method, adapter.ValidationMethod())
		})
	}
}

func TestRegistryRejectsUnknownEngine(t *testing.T) {
	r := NewDefaultRegistry(Options{})

	_, err := r.Get("oracle")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypeConfiguration, appErrors.GetErrorType(err))
	assert.False(t, appErrors.IsTransient(err))
	assert.Contains(t, err.Error(), "sqlite")
}

func TestRegistryRegisterOverrides(t *testing.T) {
	r := NewRegistry(Options{})
	r.Register("Custom", NewRedisAdapter)

	adapter, err := r.Get("custom")
	require.NoError(t, err)
	assert.Equal(t, "redis", adapter.Name())
	assert.Equal(t, []string{"custom"}, r.Names())
}

func TestParamsAddress(t *testing.T) {
	assert.Equal(t, "localhost:5432", Params{}.Address(5432))
	assert.Equal(t, "db.internal:6000", Params{Host: "db.internal", Port: 6000}.Address(5432))
	assert.Equal(t, "[::1]:3306", Params{Host: "::1"}.Address(3306))
}

func TestParamsStringOmitsPassword(t *testing.T) {
	p := Params{Host: "h", Port: 1, User: "u", Password: "hunter2", Database: "d"}
	assert.NotContains(t, p.String(), "hunter2")
}

func TestForeignConnectionRejected(t *testing.T) {
	adapter := NewPostgresAdapter(Options{Runner: &fakeRunner{}})
	_, err := adapter.Dump(context.Background(), &redisConnection{}, "/tmp/x")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypeConfiguration, appErrors.GetErrorType(err))
}

func TestCompareCounts(t *testing.T) {
	ok := compareCounts(MethodRestoreDiff, "tables", 4, 4)
	assert.True(t, ok.Valid)
	assert.Equal(t, MethodRestoreDiff, ok.Method)

	bad := compareCounts(MethodRestoreDiff, "tables", 4, 3)
	assert.False(t, bad.Valid)
	assert.Contains(t, bad.Detail, "source has 4 tables, restore has 3")
}
