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

// db2Fake emulates the CLP: BACKUP DATABASE drops an image into the target dir
func db2Fake(t *testing.T, scripts *[]string, backupRC int) *fakeRunner {
	return &fakeRunner{handle: func(cmd Command) ([]byte, error) {
		if cmd.Name != "db2" {
			return []byte("Image Verification Complete - successful.\n"), nil
		}
		data, err := os.ReadFile(cmd.Args[1])
		if err != nil {
			return nil, err
		}
		script := string(data)
		*scripts = append(*scripts, script)

		if strings.HasPrefix(script, "BACKUP DATABASE") {
			fields := strings.Fields(script)
			var dir string
			for i, f := range fields {
				if f == "TO" {
					dir = fields[i+1]
				}
			}
			image := filepath.Join(dir, "SAMPLE.0.db2inst1.DBPART000.20240101120000.001")
			if err := os.WriteFile(image, []byte("db2 image"), 0600); err != nil {
				return nil, err
			}
			if backupRC != 0 {
				return nil, &CommandError{Name: "db2", ExitCode: backupRC}
			}
		}
		return nil, nil
	}}
}

func TestDB2ConnectAndDump(t *testing.T) {
	var scripts []string
	runner := db2Fake(t, &scripts, 1)
	adapter := NewDB2Adapter(Options{Runner: runner, ScratchDir: t.TempDir()})
	ctx := context.Background()

	params := Params{User: "db2inst1", Password: "db2pw", Database: "sample"}
	conn, err := adapter.Connect(ctx, params)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "sample.img")
	artifact, err := adapter.Dump(ctx, conn, dest)
	require.NoError(t, err)
	assert.Equal(t, dest, artifact.Path)
	assert.NoDirExists(t, dest+".stage")

	require.Len(t, scripts, 2)
	assert.Contains(t, scripts[0], "CONNECT TO sample USER db2inst1 USING db2pw")
	assert.Contains(t, scripts[1], "COMPRESS WITHOUT PROMPTING")

	for _, call := range runner.calls {
		assert.NotContains(t, strings.Join(call.Args, " "), "db2pw")
	}
}

func TestDB2BackupErrorFails(t *testing.T) {
	var scripts []string
	adapter := NewDB2Adapter(Options{Runner: db2Fake(t, &scripts, 4), ScratchDir: t.TempDir()})

	dest := filepath.Join(t.TempDir(), "sample.img")
	_, err := adapter.Dump(context.Background(), &db2Connection{params: Params{Database: "sample"}}, dest)
	require.Error(t, err)
	assert.NoFileExists(t, dest)
}

func TestDB2ImageCheck(t *testing.T) {
	var scripts []string
	adapter := NewDB2Adapter(Options{Runner: db2Fake(t, &scripts, 0)})

	outcome, err := adapter.RestoreForValidation(context.Background(), nil, &DumpArtifact{Path: "/x/sample.img"}, "unused")
	require.NoError(t, err)
	assert.True(t, outcome.Valid)
	assert.Equal(t, MethodImageCheck, outcome.Method)
	assert.Equal(t, "Image Verification Complete - successful.", outcome.Detail)
}

func TestDB2ImageCheckFailure(t *testing.T) {
	runner := &fakeRunner{handle: func(cmd Command) ([]byte, error) {
		return nil, &CommandError{Name: "db2ckbkp", ExitCode: 1, Stderr: "ERROR! No match for backup image"}
	}}
	adapter := NewDB2Adapter(Options{Runner: runner})

	outcome, err := adapter.RestoreForValidation(context.Background(), nil, &DumpArtifact{Path: "/x/sample.img"}, "unused")
	require.NoError(t, err)
	assert.False(t, outcome.Valid)
}

func TestFindDB2ImagePicksNewest(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"SAMPLE.0.db2inst1.DBPART000.20240101120000.001",
		"SAMPLE.0.db2inst1.DBPART000.20240301120000.001",
		"OTHER.0.db2inst1.DBPART000.20250101120000.001",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0600))
	}

	image, err := findDB2Image(dir, "sample")
	require.NoError(t, err)
	assert.Equal(t, "SAMPLE.0.db2inst1.DBPART000.20240301120000.001", filepath.Base(image))

	_, err = findDB2Image(t.TempDir(), "sample")
	assert.Error(t, err)
}
