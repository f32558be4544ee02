package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"
)

type db2Connection struct {
	params Params
}

func (c *db2Connection) Close() error { return nil }

// DB2Adapter drives the IBM Db2 command line processor. Statements carrying
// credentials are written to a private script and run with db2 -tf so the
// password never appears in a process listing.
type DB2Adapter struct {
	runner     CommandRunner
	logger     *logging.Logger
	scratchDir string
	now        func() time.Time
}

// NewDB2Adapter creates the db2 engine
func NewDB2Adapter(opts Options) Adapter {
	opts = opts.withDefaults()
	return &DB2Adapter{
		runner:     opts.Runner,
		logger:     opts.Logger,
		scratchDir: opts.ScratchDir,
		now:        time.Now,
	}
}

func (a *DB2Adapter) Name() string                       { return "db2" }
func (a *DB2Adapter) Extension() string                  { return "img" }
func (a *DB2Adapter) ValidationMethod() ValidationMethod { return MethodImageCheck }

// runScript executes CLP statements. Return codes 0 and 1 (no rows) are success.
func (a *DB2Adapter) runScript(ctx context.Context, statements ...string) error {
	f, err := os.CreateTemp(a.scratchDir, "dbvault-db2-*.clp")
	if err != nil {
		return appErrors.NewIOError("failed to create db2 script", err)
	}
	defer os.Remove(f.Name())

	script := strings.Join(statements, ";\n") + ";\n"
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		return appErrors.NewIOError("failed to write db2 script", err)
	}
	if err := f.Close(); err != nil {
		return appErrors.NewIOError("failed to write db2 script", err)
	}

	_, err = a.runner.Run(ctx, Command{Name: "db2", Args: []string{"-tf", f.Name()}})
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode < 2 {
		return nil
	}
	return err
}

func db2Credentials(p Params) string {
	if p.User == "" {
		return ""
	}
	return fmt.Sprintf(" USER %s USING %s", p.User, p.Password)
}

// Connect verifies the database accepts a connection, then resets it
func (a *DB2Adapter) Connect(ctx context.Context, params Params) (Connection, error) {
	start := time.Now()

	if params.Database == "" {
		return nil, appErrors.NewConfigurationError("db2 database name is required", nil)
	}

	err := a.runScript(ctx,
		"CONNECT TO "+params.Database+db2Credentials(params),
		"CONNECT RESET",
	)

	a.logger.LogDatabaseConnection(a.Name(), params.HostOr(), params.Database, time.Since(start), err)
	if err != nil {
		var appErr *appErrors.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, appErrors.NewConnectionError("failed to connect to db2", err)
	}
	return &db2Connection{params: params}, nil
}

// Dump takes a compressed BACKUP DATABASE image into a staging directory and
// moves the image to destination
func (a *DB2Adapter) Dump(ctx context.Context, conn Connection, destination string) (*DumpArtifact, error) {
	c, err := connectionAs[*db2Connection](conn, a.Name())
	if err != nil {
		return nil, err
	}

	staging := destination + ".stage"
	if err := os.MkdirAll(staging, 0700); err != nil {
		return nil, appErrors.NewIOError("failed to create db2 staging directory", err)
	}
	defer os.RemoveAll(staging)

	stmt := fmt.Sprintf("BACKUP DATABASE %s%s TO %s COMPRESS WITHOUT PROMPTING",
		c.params.Database, db2Credentials(c.params), staging)
	if err := a.runScript(ctx, stmt); err != nil {
		return nil, dumpFailed(a.Name(), destination, err)
	}

	image, err := findDB2Image(staging, c.params.Database)
	if err != nil {
		return nil, dumpFailed(a.Name(), destination, err)
	}
	if err := os.Rename(image, destination); err != nil {
		return nil, dumpFailed(a.Name(), destination, appErrors.NewIOError("failed to move db2 image", err))
	}

	return newArtifact(a.Name(), destination, a.now())
}

// findDB2Image returns the newest image whose name starts with the database alias
func findDB2Image(dir, database string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", appErrors.NewIOError("failed to read db2 staging directory", err)
	}

	var images []string
	prefix := strings.ToUpper(database)
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(strings.ToUpper(e.Name()), prefix) {
			images = append(images, e.Name())
		}
	}
	if len(images) == 0 {
		return "", appErrors.NewDumpError("no backup image found after db2 BACKUP", nil)
	}

	// Image names end in a timestamp, so the lexically last one is newest.
	sort.Strings(images)
	return filepath.Join(dir, images[len(images)-1]), nil
}

// RestoreForValidation verifies the image with db2ckbkp
func (a *DB2Adapter) RestoreForValidation(ctx context.Context, conn Connection, dump *DumpArtifact, target string) (*ValidationOutcome, error) {
	out, err := a.runner.Run(ctx, Command{Name: "db2ckbkp", Args: []string{dump.Path}})
	if err != nil {
		var appErr *appErrors.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return &ValidationOutcome{Valid: false, Method: MethodImageCheck, Detail: err.Error()}, nil
	}

	detail := "image verification successful"
	if lines := strings.Split(strings.TrimSpace(string(out)), "\n"); len(lines) > 0 && lines[len(lines)-1] != "" {
		detail = strings.TrimSpace(lines[len(lines)-1])
	}
	return &ValidationOutcome{Valid: true, Method: MethodImageCheck, Detail: detail}, nil
}

// TeardownIsolatedTarget has nothing to remove
func (a *DB2Adapter) TeardownIsolatedTarget(ctx context.Context, conn Connection, target string) error {
	return nil
}
