// Package engine defines the contract every database engine satisfies to take
// part in a backup: connect, dump, restore into an isolated target for
// validation, and tear that target down again. The backup pipeline only ever
// talks to engines through Adapter.
package engine

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/samber/lo"
)

// ValidationMethod tags how a dump was verified
type ValidationMethod string

const (
	MethodIntegrityCheck ValidationMethod = "integrity-check"
	MethodMagicByte      ValidationMethod = "magic-byte"
	MethodRestoreDiff    ValidationMethod = "restore-diff"
	MethodRestore        ValidationMethod = "restore"
	MethodImageCheck     ValidationMethod = "image-check"
)

// Params identifies the database to back up
type Params struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"-" mapstructure:"password"`
	// Database is the database name, or the file path for SQLite
	Database string `yaml:"database" mapstructure:"database"`
}

// Address joins host and port, applying the engine default port when unset
func (p Params) Address(defaultPort int) string {
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	port := p.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// PortOr returns the configured port or def
func (p Params) PortOr(def int) int {
	if p.Port == 0 {
		return def
	}
	return p.Port
}

// HostOr returns the configured host or localhost
func (p Params) HostOr() string {
	if p.Host == "" {
		return "localhost"
	}
	return p.Host
}

// String omits the password
func (p Params) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", p.User, p.HostOr(), p.Port, p.Database)
}

// Connection is an open handle to the source database
type Connection interface {
	Close() error
}

// DumpArtifact is the raw output of an engine dump
type DumpArtifact struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"` // hex SHA-256 of the raw dump
	Engine    string    `json:"engine"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidationOutcome is the verdict of RestoreForValidation
type ValidationOutcome struct {
	Valid  bool             `json:"valid"`
	Method ValidationMethod `json:"method"`
	Detail string           `json:"detail,omitempty"`
}

// Adapter is implemented once per database engine
type Adapter interface {
	// Name is the alias the adapter is registered under
	Name() string
	// Extension is the dump file extension, without the dot
	Extension() string
	// ValidationMethod reports how RestoreForValidation verifies a dump
	ValidationMethod() ValidationMethod

	Connect(ctx context.Context, params Params) (Connection, error)
	Dump(ctx context.Context, conn Connection, destination string) (*DumpArtifact, error)
	// RestoreForValidation restores dump into the isolated target and
	// verifies it. Engines without a restorable target ignore target.
	RestoreForValidation(ctx context.Context, conn Connection, dump *DumpArtifact, target string) (*ValidationOutcome, error)
	// TeardownIsolatedTarget removes target. It must succeed when the
	// target was never created.
	TeardownIsolatedTarget(ctx context.Context, conn Connection, target string) error
}

// Options carries shared collaborators into adapters
type Options struct {
	Runner CommandRunner
	Logger *logging.Logger
	// ScratchDir holds file-based validation targets; defaults to the OS temp dir
	ScratchDir string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.NewNopLogger()
	}
	if o.Runner == nil {
		o.Runner = NewExecRunner(o.Logger)
	}
	return o
}

// Factory builds an adapter
type Factory func(Options) Adapter

// Registry maps engine aliases to adapter factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	options   Options
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		options:   opts.withDefaults(),
	}
}

// NewDefaultRegistry creates a registry with every built-in engine
func NewDefaultRegistry(opts Options) *Registry {
	r := NewRegistry(opts)
	r.Register("mysql", NewMySQLAdapter)
	r.Register("postgres", NewPostgresAdapter)
	r.Register("mongo", NewMongoAdapter)
	r.Register("redis", NewRedisAdapter)
	r.Register("sqlite", NewSQLiteAdapter)
	r.Register("db2", NewDB2Adapter)
	return r
}

// Register adds or replaces an engine
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = factory
}

// Get builds the adapter registered under name
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()

	if !ok {
		return nil, appErrors.NewConfigurationError(
			fmt.Sprintf("unsupported engine %q (supported: %s)", name, strings.Join(r.Names(), ", ")), nil)
	}
	return factory(r.options), nil
}

// Names returns the registered aliases in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := lo.Keys(r.factories)
	sort.Strings(names)
	return names
}

// connectionAs asserts the concrete connection type an adapter handed out
func connectionAs[T Connection](conn Connection, engine string) (T, error) {
	c, ok := conn.(T)
	if !ok {
		var zero T
		return zero, appErrors.NewConfigurationError(
			fmt.Sprintf("%s adapter received a foreign connection %T", engine, conn), nil)
	}
	return c, nil
}
