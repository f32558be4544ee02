package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRDBHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		valid  bool
	}{
		{"current format", "REDIS0011", true},
		{"old format", "REDIS0006", true},
		{"wrong magic", "RADIS0011", false},
		{"letters in version", "REDIS00x1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := checkRDBHeader([]byte(tt.header))
			assert.Equal(t, tt.valid, outcome.Valid)
			assert.Equal(t, MethodMagicByte, outcome.Method)
		})
	}
}

func TestRedisRestoreForValidation(t *testing.T) {
	dir := t.TempDir()
	adapter := NewRedisAdapter(Options{Runner: &fakeRunner{}})

	good := filepath.Join(dir, "good.rdb")
	require.NoError(t, os.WriteFile(good, []byte("REDIS0011\xfa\x09redis-ver"), 0600))
	outcome, err := adapter.RestoreForValidation(context.Background(), nil, &DumpArtifact{Path: good}, "ignored")
	require.NoError(t, err)
	assert.True(t, outcome.Valid)
	assert.Equal(t, "RDB version 0011", outcome.Detail)

	short := filepath.Join(dir, "short.rdb")
	require.NoError(t, os.WriteFile(short, []byte("RED"), 0600))
	outcome, err = adapter.RestoreForValidation(context.Background(), nil, &DumpArtifact{Path: short}, "ignored")
	require.NoError(t, err)
	assert.False(t, outcome.Valid)
}

func TestRedisDump(t *testing.T) {
	runner := &fakeRunner{handle: func(cmd Command) ([]byte, error) {
		path := cmd.Args[len(cmd.Args)-1]
		return nil, os.WriteFile(path, []byte("REDIS0011payload"), 0600)
	}}
	adapter := NewRedisAdapter(Options{Runner: runner})

	conn := &redisConnection{params: Params{Host: "cache", Port: 6380, Password: "tok3n"}}
	dest := filepath.Join(t.TempDir(), "cache.rdb")

	artifact, err := adapter.Dump(context.Background(), conn, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len("REDIS0011payload")), artifact.Size)

	cmd := runner.last()
	assert.Equal(t, "redis-cli", cmd.Name)
	assert.Equal(t, []string{"-h", "cache", "-p", "6380", "--rdb", dest}, cmd.Args)
	assert.Equal(t, []string{"REDISCLI_AUTH=tok3n"}, cmd.Env)
	assert.NotContains(t, strings.Join(cmd.Args, " "), "tok3n")
}

func TestRedisOptions(t *testing.T) {
	opts := redisOptions(Params{Host: "cache", Database: "3", Password: "pw"})
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, "pw", opts.Password)

	assert.Equal(t, 0, redisOptions(Params{Database: "sessions"}).DB)
}
