package engine

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	appErrors "dbvault/internal/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockedMySQL(t *testing.T, runner CommandRunner) (*MySQLAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual),
		sqlmock.MonitorPingsOption(true),
	)
	require.NoError(t, err)

	adapter := NewMySQLAdapter(Options{Runner: runner}).(*MySQLAdapter)
	adapter.open = func(driver, dsn string) (*sql.DB, error) {
		return db, nil
	}
	return adapter, mock
}

var mysqlTestParams = Params{Host: "db.local", Port: 3307, User: "backup", Password: "s3cret", Database: "shop"}

func TestMySQLDSN(t *testing.T) {
	dsn := mysqlDSN(mysqlTestParams)
	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)

	assert.Equal(t, "backup", cfg.User)
	assert.Equal(t, "s3cret", cfg.Passwd)
	assert.Equal(t, "db.local:3307", cfg.Addr)
	assert.Equal(t, "shop", cfg.DBName)
}

func TestMySQLConnect(t *testing.T) {
	adapter, mock := newMockedMySQL(t, &fakeRunner{})
	mock.ExpectPing()

	conn, err := adapter.Connect(context.Background(), mysqlTestParams)
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, conn.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLConnectAccessDenied(t *testing.T) {
	adapter, mock := newMockedMySQL(t, &fakeRunner{})
	mock.ExpectPing().WillReturnError(&mysql.MySQLError{Number: 1045, Message: "Access denied"})
	mock.ExpectClose()

	_, err := adapter.Connect(context.Background(), mysqlTestParams)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypeConnection, appErrors.GetErrorType(err))
	assert.False(t, appErrors.IsTransient(err))
}

func TestMySQLConnectUnreachableIsTransient(t *testing.T) {
	adapter, mock := newMockedMySQL(t, &fakeRunner{})
	mock.ExpectPing().WillReturnError(errors.New("dial tcp: connection refused"))
	mock.ExpectClose()

	_, err := adapter.Connect(context.Background(), mysqlTestParams)
	require.Error(t, err)
	assert.True(t, appErrors.IsTransient(err))
}

func TestMySQLDump(t *testing.T) {
	runner := &fakeRunner{handle: func(cmd Command) ([]byte, error) {
		_, err := io.WriteString(cmd.Stdout, "CREATE TABLE orders (id INT);\n")
		return nil, err
	}}
	adapter, mock := newMockedMySQL(t, runner)
	mock.ExpectPing()

	conn, err := adapter.Connect(context.Background(), mysqlTestParams)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "shop.sql")
	artifact, err := adapter.Dump(context.Background(), conn, dest)
	require.NoError(t, err)

	assert.Equal(t, dest, artifact.Path)
	assert.Equal(t, "mysql", artifact.Engine)
	assert.Equal(t, int64(len("CREATE TABLE orders (id INT);\n")), artifact.Size)
	assert.Len(t, artifact.Checksum, 64)

	cmd := runner.last()
	assert.Equal(t, "mysqldump", cmd.Name)
	assert.Contains(t, cmd.Args, "--single-transaction")
	assert.Contains(t, cmd.Args, "--port=3307")
	assert.Equal(t, "shop", cmd.Args[len(cmd.Args)-1])
	assert.Contains(t, cmd.Env, "MYSQL_PWD=s3cret")
	assert.NotContains(t, strings.Join(cmd.Args, " "), "s3cret")

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestMySQLDumpFailureRemovesPartialFile(t *testing.T) {
	runner := &fakeRunner{handle: func(cmd Command) ([]byte, error) {
		io.WriteString(cmd.Stdout, "partial")
		return nil, &CommandError{Name: "mysqldump", ExitCode: 2, Stderr: "Lost connection"}
	}}
	adapter, mock := newMockedMySQL(t, runner)
	mock.ExpectPing()
	conn, err := adapter.Connect(context.Background(), mysqlTestParams)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "shop.sql")
	_, err = adapter.Dump(context.Background(), conn, dest)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypeDump, appErrors.GetErrorType(err))
	assert.True(t, appErrors.IsTransient(err))
	assert.NoFileExists(t, dest)
}

func TestMySQLRestoreForValidation(t *testing.T) {
	dumpPath := filepath.Join(t.TempDir(), "shop.sql")
	require.NoError(t, os.WriteFile(dumpPath, []byte("CREATE TABLE t (id INT);"), 0600))

	var restored string
	runner := &fakeRunner{handle: func(cmd Command) ([]byte, error) {
		b, err := io.ReadAll(cmd.Stdin)
		restored = string(b)
		return nil, err
	}}
	adapter, mock := newMockedMySQL(t, runner)
	mock.ExpectPing()
	conn, err := adapter.Connect(context.Background(), mysqlTestParams)
	require.NoError(t, err)

	target := "dbvault_validate_0a1b2c3d"
	mock.ExpectExec("CREATE DATABASE `dbvault_validate_0a1b2c3d`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ?").
		WithArgs(target).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(1))

	outcome, err := adapter.RestoreForValidation(context.Background(), conn, &DumpArtifact{Path: dumpPath}, target)
	require.NoError(t, err)
	assert.True(t, outcome.Valid)
	assert.Equal(t, MethodRestore, outcome.Method)
	assert.Equal(t, "restored 1 tables", outcome.Detail)
	assert.Equal(t, "CREATE TABLE t (id INT);", restored)

	cmd := runner.last()
	assert.Equal(t, "mysql", cmd.Name)
	assert.Equal(t, target, cmd.Args[len(cmd.Args)-1])

	mock.ExpectExec("DROP DATABASE IF EXISTS `dbvault_validate_0a1b2c3d`").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, adapter.TeardownIsolatedTarget(context.Background(), conn, target))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRestoreFailureIsInvalid(t *testing.T) {
	dumpPath := filepath.Join(t.TempDir(), "shop.sql")
	require.NoError(t, os.WriteFile(dumpPath, []byte("garbage"), 0600))

	runner := &fakeRunner{handle: func(cmd Command) ([]byte, error) {
		return nil, &CommandError{Name: "mysql", ExitCode: 1, Stderr: "ERROR 1064 (42000): syntax error"}
	}}
	adapter, mock := newMockedMySQL(t, runner)
	mock.ExpectPing()
	conn, err := adapter.Connect(context.Background(), mysqlTestParams)
	require.NoError(t, err)

	mock.ExpectExec("CREATE DATABASE `dbvault_validate_ffffffff`").WillReturnResult(sqlmock.NewResult(0, 1))

	outcome, err := adapter.RestoreForValidation(context.Background(), conn, &DumpArtifact{Path: dumpPath}, "dbvault_validate_ffffffff")
	require.NoError(t, err)
	assert.False(t, outcome.Valid)
	assert.Contains(t, outcome.Detail, "syntax error")
}

func TestQuoteMySQLIdent(t *testing.T) {
	assert.Equal(t, "`plain`", quoteMySQLIdent("plain"))
	assert.Equal(t, "`we``ird`", quoteMySQLIdent("we`ird"))
}
