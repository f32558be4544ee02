package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type sqliteConnection struct {
	db   *gorm.DB
	path string
}

func (c *sqliteConnection) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLiteAdapter copies a SQLite file with VACUUM INTO and validates the copy
// with PRAGMA integrity_check
type SQLiteAdapter struct {
	logger     *logging.Logger
	scratchDir string
	now        func() time.Time
}

// NewSQLiteAdapter creates the sqlite engine
func NewSQLiteAdapter(opts Options) Adapter {
	opts = opts.withDefaults()
	return &SQLiteAdapter{
		logger:     opts.Logger,
		scratchDir: opts.ScratchDir,
		now:        time.Now,
	}
}

func (a *SQLiteAdapter) Name() string                       { return "sqlite" }
func (a *SQLiteAdapter) Extension() string                  { return "db" }
func (a *SQLiteAdapter) ValidationMethod() ValidationMethod { return MethodIntegrityCheck }

func openSQLite(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}

// Connect opens the database file named by params.Database. A missing file
// is a configuration error, not a transient one.
func (a *SQLiteAdapter) Connect(ctx context.Context, params Params) (Connection, error) {
	start := time.Now()
	path := params.Database

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = appErrors.NewConfigurationError(fmt.Sprintf("sqlite database %s does not exist", path), err)
	case err == nil && info.IsDir():
		err = appErrors.NewConfigurationError(fmt.Sprintf("sqlite database %s is a directory", path), nil)
	case err != nil:
		err = appErrors.NewConfigurationError(fmt.Sprintf("cannot access sqlite database %s", path), err)
	}

	var db *gorm.DB
	if err == nil {
		db, err = openSQLite(path)
		if err == nil {
			err = db.WithContext(ctx).Exec("SELECT 1").Error
		}
		if err != nil {
			err = appErrors.NewConnectionError("failed to open sqlite database", err)
		}
	}

	a.logger.LogDatabaseConnection(a.Name(), "local", path, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return &sqliteConnection{db: db, path: path}, nil
}

// Dump writes a consistent copy of the database with VACUUM INTO
func (a *SQLiteAdapter) Dump(ctx context.Context, conn Connection, destination string) (*DumpArtifact, error) {
	c, err := connectionAs[*sqliteConnection](conn, a.Name())
	if err != nil {
		return nil, err
	}

	// VACUUM INTO refuses to overwrite
	os.Remove(destination)

	if err := c.db.WithContext(ctx).Exec("VACUUM INTO ?", destination).Error; err != nil {
		return nil, dumpFailed(a.Name(), destination, err)
	}
	if err := os.Chmod(destination, 0600); err != nil {
		return nil, dumpFailed(a.Name(), destination, appErrors.NewIOError("failed to restrict dump permissions", err))
	}

	return newArtifact(a.Name(), destination, a.now())
}

func (a *SQLiteAdapter) targetPath(target string) string {
	dir := a.scratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, target+".db")
}

// RestoreForValidation copies the dump into a scratch file and runs
// PRAGMA integrity_check on it
func (a *SQLiteAdapter) RestoreForValidation(ctx context.Context, conn Connection, dump *DumpArtifact, target string) (*ValidationOutcome, error) {
	path := a.targetPath(target)
	if err := copyFile(dump.Path, path); err != nil {
		return nil, appErrors.NewValidationError("failed to copy dump into validation target", err)
	}

	db, err := openSQLite(path)
	if err != nil {
		return &ValidationOutcome{Valid: false, Method: MethodIntegrityCheck, Detail: err.Error()}, nil
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	results, err := integrityCheck(ctx, db)
	if err != nil {
		return &ValidationOutcome{Valid: false, Method: MethodIntegrityCheck, Detail: err.Error()}, nil
	}

	if len(results) == 1 && results[0] == "ok" {
		return &ValidationOutcome{Valid: true, Method: MethodIntegrityCheck, Detail: "ok"}, nil
	}
	detail := "no result"
	if len(results) > 0 {
		detail = results[0]
	}
	return &ValidationOutcome{Valid: false, Method: MethodIntegrityCheck, Detail: detail}, nil
}

// TeardownIsolatedTarget removes the scratch copy
func (a *SQLiteAdapter) TeardownIsolatedTarget(ctx context.Context, conn Connection, target string) error {
	path := a.targetPath(target)
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return appErrors.NewIOError("failed to remove validation target", err)
		}
	}
	return nil
}

func integrityCheck(ctx context.Context, db *gorm.DB) ([]string, error) {
	rows, err := db.WithContext(ctx).Raw("PRAGMA integrity_check").Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		results = append(results, line)
	}
	return results, rows.Err()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
