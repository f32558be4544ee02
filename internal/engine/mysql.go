package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/go-sql-driver/mysql"
)

const mysqlDefaultPort = 3306

// sqlOpener lets tests hand in a sqlmock database
type sqlOpener func(driver, dsn string) (*sql.DB, error)

type sqlConnection struct {
	db     *sql.DB
	params Params
}

func (c *sqlConnection) Close() error {
	return c.db.Close()
}

// MySQLAdapter backs up MySQL and MariaDB with mysqldump and validates by
// importing the dump into a scratch database
type MySQLAdapter struct {
	runner CommandRunner
	logger *logging.Logger
	open   sqlOpener
	now    func() time.Time
}

// NewMySQLAdapter creates the mysql engine
func NewMySQLAdapter(opts Options) Adapter {
	opts = opts.withDefaults()
	return &MySQLAdapter{
		runner: opts.Runner,
		logger: opts.Logger,
		open:   sql.Open,
		now:    time.Now,
	}
}

func (a *MySQLAdapter) Name() string                       { return "mysql" }
func (a *MySQLAdapter) Extension() string                  { return "sql" }
func (a *MySQLAdapter) ValidationMethod() ValidationMethod { return MethodRestore }

func mysqlDSN(p Params) string {
	cfg := mysql.NewConfig()
	cfg.User = p.User
	cfg.Passwd = p.Password
	cfg.Net = "tcp"
	cfg.Addr = p.Address(mysqlDefaultPort)
	cfg.DBName = p.Database
	cfg.ParseTime = true
	cfg.Timeout = 30 * time.Second
	cfg.MultiStatements = false
	return cfg.FormatDSN()
}

// Connect opens and pings the source database
func (a *MySQLAdapter) Connect(ctx context.Context, params Params) (Connection, error) {
	start := time.Now()

	db, err := a.open("mysql", mysqlDSN(params))
	if err == nil {
		db.SetMaxOpenConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err = db.PingContext(ctx); err != nil {
			db.Close()
		}
	}

	a.logger.LogDatabaseConnection(a.Name(), params.HostOr(), params.Database, time.Since(start), err)
	if err != nil {
		return nil, classifyConnectError(a.Name(), err)
	}
	return &sqlConnection{db: db, params: params}, nil
}

func (a *MySQLAdapter) clientArgs(p Params) []string {
	return []string{
		"--host=" + p.HostOr(),
		"--port=" + strconv.Itoa(p.PortOr(mysqlDefaultPort)),
		"--user=" + p.User,
	}
}

func mysqlEnv(p Params) []string {
	if p.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + p.Password}
}

// Dump runs mysqldump with a consistent snapshot
func (a *MySQLAdapter) Dump(ctx context.Context, conn Connection, destination string) (*DumpArtifact, error) {
	c, err := connectionAs[*sqlConnection](conn, a.Name())
	if err != nil {
		return nil, err
	}

	out, err := createDumpFile(destination)
	if err != nil {
		return nil, err
	}

	args := append(a.clientArgs(c.params),
		"--single-transaction",
		"--routines",
		"--triggers",
		"--events",
		"--set-gtid-purged=OFF",
		// A bare database name keeps CREATE DATABASE and USE out of the dump
		c.params.Database,
	)

	_, runErr := a.runner.Run(ctx, Command{
		Name:   "mysqldump",
		Args:   args,
		Env:    mysqlEnv(c.params),
		Stdout: out,
	})
	closeErr := out.Close()
	if runErr != nil {
		return nil, dumpFailed(a.Name(), destination, runErr)
	}
	if closeErr != nil {
		return nil, dumpFailed(a.Name(), destination, appErrors.NewIOError("failed to close dump file", closeErr))
	}

	return newArtifact(a.Name(), destination, a.now())
}

// RestoreForValidation creates target and imports the dump into it
func (a *MySQLAdapter) RestoreForValidation(ctx context.Context, conn Connection, dump *DumpArtifact, target string) (*ValidationOutcome, error) {
	c, err := connectionAs[*sqlConnection](conn, a.Name())
	if err != nil {
		return nil, err
	}

	if _, err := c.db.ExecContext(ctx, "CREATE DATABASE "+quoteMySQLIdent(target)); err != nil {
		return nil, appErrors.NewValidationError("failed to create validation database", err)
	}

	in, err := os.Open(dump.Path)
	if err != nil {
		return nil, appErrors.NewValidationError("failed to open dump for restore", err)
	}
	defer in.Close()

	args := append(a.clientArgs(c.params), target)
	if _, err := a.runner.Run(ctx, Command{
		Name:  "mysql",
		Args:  args,
		Env:   mysqlEnv(c.params),
		Stdin: in,
	}); err != nil {
		return &ValidationOutcome{Valid: false, Method: MethodRestore, Detail: err.Error()}, nil
	}

	var tables int
	err = c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ?", target).Scan(&tables)
	if err != nil {
		return nil, appErrors.NewValidationError("failed to inspect restored database", err)
	}

	return &ValidationOutcome{
		Valid:  true,
		Method: MethodRestore,
		Detail: fmt.Sprintf("restored %d tables", tables),
	}, nil
}

// TeardownIsolatedTarget drops the scratch database
func (a *MySQLAdapter) TeardownIsolatedTarget(ctx context.Context, conn Connection, target string) error {
	c, err := connectionAs[*sqlConnection](conn, a.Name())
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoteMySQLIdent(target)); err != nil {
		return appErrors.NewValidationError("failed to drop validation database", err)
	}
	return nil
}

func quoteMySQLIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// classifyConnectError maps driver errors onto the pipeline taxonomy; anything
// unrecognised counts as a transient connection failure
func classifyConnectError(engine string, err error) error {
	appErr := appErrors.NewErrorClassifier().ClassifyError(err)
	if appErr.Type == appErrors.ErrorTypeUnknown {
		return appErrors.NewConnectionError(fmt.Sprintf("failed to connect to %s", engine), err)
	}
	return appErr
}
