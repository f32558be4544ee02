package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"
)

// Command describes one external tool invocation
type Command struct {
	Name string
	Args []string
	// Env entries are appended to the current environment. Secrets go here,
	// never into Args.
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandRunner executes external tools. Tests substitute a fake.
type CommandRunner interface {
	// Run executes cmd and returns its stdout when cmd.Stdout is nil
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// CommandError reports a tool that exited unsuccessfully
type CommandError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Name, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + logging.SanitizeSecrets(strings.TrimSpace(e.Stderr))
	}
	return msg
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	logger *logging.Logger
}

// NewExecRunner creates a runner that logs invocations at debug level
func NewExecRunner(logger *logging.Logger) *ExecRunner {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ExecRunner{logger: logger}
}

// Run implements CommandRunner
func (r *ExecRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdin = cmd.Stdin

	var stdout, stderr bytes.Buffer
	if cmd.Stdout != nil {
		c.Stdout = cmd.Stdout
	} else {
		c.Stdout = &stdout
	}
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	r.logger.LogCommand(cmd.Name, cmd.Args, time.Since(start), err)

	if err == nil {
		// tools report warnings on stderr even when they succeed
		if stderr.Len() > 0 && r.logger.IsLevelEnabled(logging.LogLevelDebug) {
			r.logger.WithField("command", cmd.Name).
				Trace("Tool stderr: " + logging.SanitizeSecrets(strings.TrimSpace(stderr.String())))
		}
		return stdout.Bytes(), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, appErrors.NewConfigurationError(
			fmt.Sprintf("%s not found in PATH; install the client tools for this engine", cmd.Name), err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), &CommandError{
			Name:     cmd.Name,
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
		}
	}
	return nil, err
}

// createDumpFile opens path for a tool that streams its dump to stdout
func createDumpFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, appErrors.NewIOError("failed to create dump file", err)
	}
	return f, nil
}

// checksumFile hashes an existing file
func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, appErrors.NewIOError("failed to open dump file", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, appErrors.NewIOError("failed to checksum dump file", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// newArtifact stats and checksums a finished dump file
func newArtifact(engine, path string, now time.Time) (*DumpArtifact, error) {
	sum, size, err := checksumFile(path)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, appErrors.NewDumpError(fmt.Sprintf("%s produced an empty dump", engine), nil)
	}
	return &DumpArtifact{
		Path:      path,
		Size:      size,
		Checksum:  sum,
		Engine:    engine,
		CreatedAt: now,
	}, nil
}

// dumpFailed turns a tool failure into a dump error and removes partial output
func dumpFailed(engine, path string, err error) error {
	os.Remove(path)
	var appErr *appErrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return appErrors.NewErrorClassifier().ClassifyError(err)
	}
	return appErrors.NewDumpError(fmt.Sprintf("%s dump failed", engine), err)
}
