package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"gopkg.in/yaml.v3"
)

const mongoDefaultPort = 27017

type mongoConnection struct {
	client *mongo.Client
	params Params
}

func (c *mongoConnection) Close() error {
	if c.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
}

// MongoAdapter backs up MongoDB with mongodump archives. Validation restores
// the archive under a scratch database name and compares collection sets.
type MongoAdapter struct {
	runner     CommandRunner
	logger     *logging.Logger
	scratchDir string
	now        func() time.Time
}

// NewMongoAdapter creates the mongo engine
func NewMongoAdapter(opts Options) Adapter {
	opts = opts.withDefaults()
	return &MongoAdapter{
		runner:     opts.Runner,
		logger:     opts.Logger,
		scratchDir: opts.ScratchDir,
		now:        time.Now,
	}
}

func (a *MongoAdapter) Name() string                       { return "mongo" }
func (a *MongoAdapter) Extension() string                  { return "archive" }
func (a *MongoAdapter) ValidationMethod() ValidationMethod { return MethodRestoreDiff }

func mongoURI(p Params) string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   p.Address(mongoDefaultPort),
		Path:   "/",
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	q := url.Values{}
	q.Set("authSource", "admin")
	q.Set("appName", "dbvault")
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens a client and pings the primary
func (a *MongoAdapter) Connect(ctx context.Context, params Params) (Connection, error) {
	start := time.Now()

	clientOpts := options.Client().
		ApplyURI(mongoURI(params)).
		SetConnectTimeout(30 * time.Second).
		SetServerSelectionTimeout(30 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err == nil {
		if err = client.Ping(ctx, readpref.Primary()); err != nil {
			client.Disconnect(ctx)
		}
	}

	a.logger.LogDatabaseConnection(a.Name(), params.HostOr(), params.Database, time.Since(start), err)
	if err != nil {
		return nil, classifyMongoError(err)
	}
	return &mongoConnection{client: client, params: params}, nil
}

func classifyMongoError(err error) error {
	var cmdErr mongo.CommandError
	// 13 Unauthorized, 18 AuthenticationFailed
	if errors.As(err, &cmdErr) && (cmdErr.Code == 13 || cmdErr.Code == 18) {
		return appErrors.NewAppError(appErrors.ErrorTypeConnection, "mongo authentication failed", err)
	}
	return classifyConnectError("mongo", err)
}

// mongoToolConfig writes the password into a private --config file so it
// never appears on a command line
func (a *MongoAdapter) mongoToolConfig(p Params) (string, func(), error) {
	if p.Password == "" {
		return "", func() {}, nil
	}

	data, err := yaml.Marshal(map[string]string{"password": p.Password})
	if err != nil {
		return "", nil, appErrors.NewConfigurationError("failed to encode mongo tool config", err)
	}

	f, err := os.CreateTemp(a.scratchDir, "dbvault-mongo-*.yaml")
	if err != nil {
		return "", nil, appErrors.NewIOError("failed to create mongo tool config", err)
	}
	cleanup := func() { os.Remove(f.Name()) }

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, appErrors.NewIOError("failed to write mongo tool config", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, appErrors.NewIOError("failed to write mongo tool config", err)
	}
	return f.Name(), cleanup, nil
}

func mongoToolArgs(p Params, configPath string) []string {
	args := []string{
		"--host=" + p.HostOr(),
		"--port=" + strconv.Itoa(p.PortOr(mongoDefaultPort)),
	}
	if p.User != "" {
		args = append(args, "--username="+p.User, "--authenticationDatabase=admin")
	}
	if configPath != "" {
		args = append(args, "--config="+configPath)
	}
	return args
}

// Dump writes a mongodump archive of the configured database
func (a *MongoAdapter) Dump(ctx context.Context, conn Connection, destination string) (*DumpArtifact, error) {
	c, err := connectionAs[*mongoConnection](conn, a.Name())
	if err != nil {
		return nil, err
	}

	configPath, cleanup, err := a.mongoToolConfig(c.params)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := append(mongoToolArgs(c.params, configPath),
		"--db="+c.params.Database,
		"--archive="+destination,
	)
	if _, err := a.runner.Run(ctx, Command{Name: "mongodump", Args: args}); err != nil {
		return nil, dumpFailed(a.Name(), destination, err)
	}

	return newArtifact(a.Name(), destination, a.now())
}

// RestoreForValidation restores the archive renamed into target and compares
// the collection list against the source
func (a *MongoAdapter) RestoreForValidation(ctx context.Context, conn Connection, dump *DumpArtifact, target string) (*ValidationOutcome, error) {
	c, err := connectionAs[*mongoConnection](conn, a.Name())
	if err != nil {
		return nil, err
	}

	configPath, cleanup, err := a.mongoToolConfig(c.params)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := append(mongoToolArgs(c.params, configPath),
		"--archive="+dump.Path,
		fmt.Sprintf("--nsFrom=%s.*", c.params.Database),
		fmt.Sprintf("--nsTo=%s.*", target),
		"--drop",
	)
	if _, err := a.runner.Run(ctx, Command{Name: "mongorestore", Args: args}); err != nil {
		return &ValidationOutcome{Valid: false, Method: MethodRestoreDiff, Detail: err.Error()}, nil
	}

	source, err := c.client.Database(c.params.Database).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, appErrors.NewValidationError("failed to list source collections", err)
	}
	restored, err := c.client.Database(target).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, appErrors.NewValidationError("failed to list restored collections", err)
	}

	return compareCounts(MethodRestoreDiff, "collections", len(source), len(restored)), nil
}

// TeardownIsolatedTarget drops the scratch database
func (a *MongoAdapter) TeardownIsolatedTarget(ctx context.Context, conn Connection, target string) error {
	c, err := connectionAs[*mongoConnection](conn, a.Name())
	if err != nil {
		return err
	}
	if err := c.client.Database(target).Drop(ctx); err != nil {
		return appErrors.NewValidationError("failed to drop validation database", err)
	}
	return nil
}
