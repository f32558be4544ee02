package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/redis/go-redis/v9"
)

const redisDefaultPort = 6379

var rdbMagic = []byte("REDIS")

type redisConnection struct {
	client *redis.Client
	params Params
}

func (c *redisConnection) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// RedisAdapter snapshots Redis with redis-cli --rdb. An RDB file has no
// isolated restore target, so validation checks the file header.
type RedisAdapter struct {
	runner CommandRunner
	logger *logging.Logger
	now    func() time.Time
}

// NewRedisAdapter creates the redis engine
func NewRedisAdapter(opts Options) Adapter {
	opts = opts.withDefaults()
	return &RedisAdapter{runner: opts.Runner, logger: opts.Logger, now: time.Now}
}

func (a *RedisAdapter) Name() string                       { return "redis" }
func (a *RedisAdapter) Extension() string                  { return "rdb" }
func (a *RedisAdapter) ValidationMethod() ValidationMethod { return MethodMagicByte }

func redisOptions(p Params) *redis.Options {
	opts := &redis.Options{
		Addr:        p.Address(redisDefaultPort),
		Username:    p.User,
		Password:    p.Password,
		DialTimeout: 30 * time.Second,
	}
	// Database may name a logical DB index
	if n, err := strconv.Atoi(p.Database); err == nil {
		opts.DB = n
	}
	return opts
}

// Connect pings the server
func (a *RedisAdapter) Connect(ctx context.Context, params Params) (Connection, error) {
	start := time.Now()

	client := redis.NewClient(redisOptions(params))
	err := client.Ping(ctx).Err()
	if err != nil {
		client.Close()
	}

	a.logger.LogDatabaseConnection(a.Name(), params.HostOr(), params.Database, time.Since(start), err)
	if err != nil {
		return nil, classifyConnectError(a.Name(), err)
	}
	return &redisConnection{client: client, params: params}, nil
}

// Dump streams an RDB snapshot from the server
func (a *RedisAdapter) Dump(ctx context.Context, conn Connection, destination string) (*DumpArtifact, error) {
	c, err := connectionAs[*redisConnection](conn, a.Name())
	if err != nil {
		return nil, err
	}

	args := []string{
		"-h", c.params.HostOr(),
		"-p", strconv.Itoa(c.params.PortOr(redisDefaultPort)),
	}
	if c.params.User != "" {
		args = append(args, "--user", c.params.User)
	}
	args = append(args, "--rdb", destination)

	var env []string
	if c.params.Password != "" {
		env = append(env, "REDISCLI_AUTH="+c.params.Password)
	}

	if _, err := a.runner.Run(ctx, Command{Name: "redis-cli", Args: args, Env: env}); err != nil {
		return nil, dumpFailed(a.Name(), destination, err)
	}

	return newArtifact(a.Name(), destination, a.now())
}

// RestoreForValidation checks the RDB signature: "REDIS" plus a four digit version
func (a *RedisAdapter) RestoreForValidation(ctx context.Context, conn Connection, dump *DumpArtifact, target string) (*ValidationOutcome, error) {
	f, err := os.Open(dump.Path)
	if err != nil {
		return nil, appErrors.NewValidationError("failed to open dump", err)
	}
	defer f.Close()

	header := make([]byte, len(rdbMagic)+4)
	if _, err := io.ReadFull(f, header); err != nil {
		return &ValidationOutcome{Valid: false, Method: MethodMagicByte, Detail: "file too short for an RDB header"}, nil
	}
	return checkRDBHeader(header), nil
}

func checkRDBHeader(header []byte) *ValidationOutcome {
	if !bytes.Equal(header[:len(rdbMagic)], rdbMagic) {
		return &ValidationOutcome{Valid: false, Method: MethodMagicByte, Detail: "missing REDIS signature"}
	}
	version := header[len(rdbMagic):]
	for _, b := range version {
		if b < '0' || b > '9' {
			return &ValidationOutcome{Valid: false, Method: MethodMagicByte, Detail: "malformed RDB version"}
		}
	}
	return &ValidationOutcome{
		Valid:  true,
		Method: MethodMagicByte,
		Detail: fmt.Sprintf("RDB version %s", version),
	}
}

// TeardownIsolatedTarget has nothing to remove
func (a *RedisAdapter) TeardownIsolatedTarget(ctx context.Context, conn Connection, target string) error {
	return nil
}
