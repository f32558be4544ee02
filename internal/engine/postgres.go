package engine

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const postgresDefaultPort = 5432

const postgresTableCountQuery = `SELECT count(*) FROM information_schema.tables
WHERE table_type = 'BASE TABLE' AND table_schema NOT IN ('pg_catalog', 'information_schema')`

// pgSession is the part of *pgx.Conn the adapter uses
type pgSession interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func pgxConnect(ctx context.Context, dsn string) (pgSession, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type pgConnection struct {
	conn   pgSession
	params Params
}

func (c *pgConnection) Close() error {
	if c.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.conn.Close(ctx)
}

// PostgresAdapter backs up PostgreSQL in pg_dump custom format. Validation
// restores into a scratch database and compares table counts with the source.
type PostgresAdapter struct {
	runner  CommandRunner
	logger  *logging.Logger
	connect func(ctx context.Context, dsn string) (pgSession, error)
	now     func() time.Time
}

// NewPostgresAdapter creates the postgres engine
func NewPostgresAdapter(opts Options) Adapter {
	opts = opts.withDefaults()
	return &PostgresAdapter{
		runner:  opts.Runner,
		logger:  opts.Logger,
		connect: pgxConnect,
		now:     time.Now,
	}
}

func (a *PostgresAdapter) Name() string                       { return "postgres" }
func (a *PostgresAdapter) Extension() string                  { return "dump" }
func (a *PostgresAdapter) ValidationMethod() ValidationMethod { return MethodRestoreDiff }

func postgresDSN(p Params, database string) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   p.Address(postgresDefaultPort),
		Path:   "/" + database,
	}
	if p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	} else if p.User != "" {
		u.User = url.User(p.User)
	}
	q := url.Values{}
	q.Set("connect_timeout", "30")
	q.Set("application_name", "dbvault")
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens a session against the source database
func (a *PostgresAdapter) Connect(ctx context.Context, params Params) (Connection, error) {
	start := time.Now()

	conn, err := a.connect(ctx, postgresDSN(params, params.Database))
	if err == nil {
		if err = conn.Ping(ctx); err != nil {
			conn.Close(ctx)
		}
	}

	a.logger.LogDatabaseConnection(a.Name(), params.HostOr(), params.Database, time.Since(start), err)
	if err != nil {
		return nil, classifyConnectError(a.Name(), err)
	}
	return &pgConnection{conn: conn, params: params}, nil
}

func postgresClientArgs(p Params) []string {
	return []string{
		"--host=" + p.HostOr(),
		"--port=" + strconv.Itoa(p.PortOr(postgresDefaultPort)),
		"--username=" + p.User,
		"--no-password",
	}
}

func postgresEnv(p Params) []string {
	if p.Password == "" {
		return nil
	}
	return []string{"PGPASSWORD=" + p.Password}
}

// Dump runs pg_dump in custom format
func (a *PostgresAdapter) Dump(ctx context.Context, conn Connection, destination string) (*DumpArtifact, error) {
	c, err := connectionAs[*pgConnection](conn, a.Name())
	if err != nil {
		return nil, err
	}

	args := append(postgresClientArgs(c.params),
		"--format=custom",
		"--file="+destination,
		"--dbname="+c.params.Database,
	)
	if _, err := a.runner.Run(ctx, Command{Name: "pg_dump", Args: args, Env: postgresEnv(c.params)}); err != nil {
		return nil, dumpFailed(a.Name(), destination, err)
	}

	return newArtifact(a.Name(), destination, a.now())
}

// RestoreForValidation restores into target and diffs the table count
func (a *PostgresAdapter) RestoreForValidation(ctx context.Context, conn Connection, dump *DumpArtifact, target string) (*ValidationOutcome, error) {
	c, err := connectionAs[*pgConnection](conn, a.Name())
	if err != nil {
		return nil, err
	}

	if _, err := c.conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{target}.Sanitize()); err != nil {
		return nil, appErrors.NewValidationError("failed to create validation database", err)
	}

	if _, err := os.Stat(dump.Path); err != nil {
		return nil, appErrors.NewValidationError("dump file is missing", err)
	}

	args := append(postgresClientArgs(c.params),
		"--no-owner",
		"--no-privileges",
		"--exit-on-error",
		"--dbname="+target,
		dump.Path,
	)
	if _, err := a.runner.Run(ctx, Command{Name: "pg_restore", Args: args, Env: postgresEnv(c.params)}); err != nil {
		return &ValidationOutcome{Valid: false, Method: MethodRestoreDiff, Detail: err.Error()}, nil
	}

	var sourceTables int
	if err := c.conn.QueryRow(ctx, postgresTableCountQuery).Scan(&sourceTables); err != nil {
		return nil, appErrors.NewValidationError("failed to count source tables", err)
	}

	restored, err := a.connect(ctx, postgresDSN(c.params, target))
	if err != nil {
		return nil, appErrors.NewValidationError("failed to connect to validation database", err)
	}
	defer restored.Close(context.WithoutCancel(ctx))

	var restoredTables int
	if err := restored.QueryRow(ctx, postgresTableCountQuery).Scan(&restoredTables); err != nil {
		return nil, appErrors.NewValidationError("failed to count restored tables", err)
	}

	return compareCounts(MethodRestoreDiff, "tables", sourceTables, restoredTables), nil
}

// TeardownIsolatedTarget drops the scratch database
func (a *PostgresAdapter) TeardownIsolatedTarget(ctx context.Context, conn Connection, target string) error {
	c, err := connectionAs[*pgConnection](conn, a.Name())
	if err != nil {
		return err
	}
	if _, err := c.conn.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{target}.Sanitize()); err != nil {
		return appErrors.NewValidationError("failed to drop validation database", err)
	}
	return nil
}

func compareCounts(method ValidationMethod, what string, source, restored int) *ValidationOutcome {
	if source != restored {
		return &ValidationOutcome{
			Valid:  false,
			Method: method,
			Detail: fmt.Sprintf("source has %d %s, restore has %d", source, what, restored),
		}
	}
	return &ValidationOutcome{
		Valid:  true,
		Method: method,
		Detail: fmt.Sprintf("%d %s match", restored, what),
	}
}
