package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"dbvault/internal/backup"
	"dbvault/internal/crypto"
	"dbvault/internal/engine"
	appErrors "dbvault/internal/errors"

	"github.com/mattn/go-isatty"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// backupOptions holds the flags of the backup command
type backupOptions struct {
	engine    string
	host      string
	port      int
	user      string
	password  string
	databases []string
	output    string

	encrypt bool
	key     string
	keyFile string

	cloud         string
	bucket        string
	object        string
	expectedOwner string

	async   bool
	timeout time.Duration
}

func newBackupCommand() *cobra.Command {
	opts := &backupOptions{}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Dump, validate, compress, encrypt and upload a database",
		Long: `Run the backup pipeline for one or more databases of a single engine.

Every dump is restored into a throwaway target before it is trusted. Only
transient failures are retried, up to three attempts with 2s and 4s waits.

When --encrypt is given without a key, a new key is generated and printed
exactly once. Store it: the artifact cannot be decrypted without it.

The password is read from --password, DBVAULT_PASSWORD, or prompted for
without echo when stdin is a terminal.

Examples:
  # SQLite, no encryption, no upload
  dbvault backup --db sqlite --database ./inventory.db --output ./backups

  # Two PostgreSQL databases in parallel with a generated key
  dbvault backup --db postgres --host db.internal --user backup \
                 --database orders --database billing --encrypt

  # Redis to S3 with an ownership guard
  dbvault backup --db redis --host cache.internal --cloud s3 --bucket backups \
                 --expected-owner 111122223333

  # Start in the background and wait for the result
  dbvault backup --db mysql --database shop --async`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.engine, "db", "", "database engine (mysql, postgres, mongo, redis, sqlite, db2)")
	flags.StringVar(&opts.host, "host", "", "database host")
	flags.IntVar(&opts.port, "port", 0, "database port (default: engine default)")
	flags.StringVar(&opts.user, "user", "", "database user")
	flags.StringVar(&opts.password, "password", "", "database password")
	flags.StringArrayVar(&opts.databases, "database", nil, "database name, or file path for sqlite (repeatable)")
	flags.StringVarP(&opts.output, "output", "o", ".", "directory for the finished artifact")

	flags.BoolVar(&opts.encrypt, "encrypt", false, "encrypt the artifact")
	flags.StringVar(&opts.key, "key", "", "encryption key (generated when omitted)")
	flags.StringVar(&opts.keyFile, "key-file", "", "read the encryption key from a file")

	flags.StringVar(&opts.cloud, "cloud", "", "upload backend (s3, azure, gcs, minio)")
	flags.StringVar(&opts.bucket, "bucket", "", "bucket or container name")
	flags.StringVar(&opts.object, "object", "", "remote object name (default: artifact file name)")
	flags.StringVar(&opts.expectedOwner, "expected-owner", "", "refuse to upload unless the bucket belongs to this account")

	flags.BoolVar(&opts.async, "async", false, "run the pipeline in the background and wait for its result")
	flags.DurationVar(&opts.timeout, "timeout", 0, "cancel the backup after this long (0 = no limit)")

	cmd.MarkFlagRequired("db")
	cmd.MarkFlagsMutuallyExclusive("key", "key-file")

	viper.BindPFlag("backup.host", flags.Lookup("host"))
	viper.BindPFlag("backup.port", flags.Lookup("port"))
	viper.BindPFlag("backup.user", flags.Lookup("user"))
	viper.BindPFlag("backup.output", flags.Lookup("output"))
	viper.BindPFlag("backup.bucket", flags.Lookup("bucket"))

	return cmd
}

func runBackup(cmd *cobra.Command, opts *backupOptions) error {
	logger := commandLogger()

	config, err := loadPipelineConfig()
	if err != nil {
		return err
	}

	reporter, err := newReporter(cmd)
	if err != nil {
		return err
	}

	if err := resolveBackupOptions(opts, os.Stdin, cmd.ErrOrStderr()); err != nil {
		return err
	}

	jobs, err := buildJobs(opts)
	if err != nil {
		return err
	}

	orchestrator, err := backup.NewOrchestrator(config, backup.WithLogger(logger))
	if err != nil {
		return err
	}
	defer orchestrator.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	var results []*backup.PipelineResult
	var runErr error

	switch {
	case len(jobs) > 1:
		results, runErr = orchestrator.RunAll(ctx, jobs)

	case opts.async:
		future := orchestrator.RunAsync(ctx, jobs[0])
		logger.WithField("database", jobs[0].Params.Database).Info("Backup started in the background")
		var result *backup.PipelineResult
		result, runErr = future.Get()
		results = append(results, result)

	default:
		var result *backup.PipelineResult
		result, runErr = orchestrator.Run(ctx, jobs[0])
		results = append(results, result)
	}

	if err := reporter.PrintResults(results); err != nil {
		return err
	}
	for _, result := range results {
		if result != nil && result.GeneratedKey != nil {
			reporter.PrintGeneratedKey(*result.GeneratedKey)
		}
		if result != nil && result.Status == backup.StatusUploadFailed {
			reporter.Warn("upload failed; the validated artifact was kept at %s", result.ArtifactPath)
		}
	}

	if runErr != nil {
		failed := lo.CountBy(results, func(r *backup.PipelineResult) bool {
			return r == nil || r.Status != backup.StatusSuccess
		})
		return fmt.Errorf("%d of %d backups failed", failed, len(jobs))
	}
	return nil
}

// resolveBackupOptions fills values from the config file and environment,
// reads the key and prompts for a missing password
func resolveBackupOptions(opts *backupOptions, stdin *os.File, prompt io.Writer) error {
	if opts.host == "" {
		opts.host = viper.GetString("backup.host")
	}
	if opts.port == 0 {
		opts.port = viper.GetInt("backup.port")
	}
	if opts.user == "" {
		opts.user = viper.GetString("backup.user")
	}
	if opts.bucket == "" {
		opts.bucket = viper.GetString("backup.bucket")
	}
	if opts.password == "" {
		opts.password = viper.GetString("password")
	}
	if opts.key == "" && opts.keyFile == "" {
		opts.key = viper.GetString("encryption_key")
	}

	if opts.keyFile != "" {
		data, err := os.ReadFile(opts.keyFile)
		if err != nil {
			return appErrors.WrapError(err, "failed to read key file "+opts.keyFile)
		}
		opts.key = strings.TrimSpace(string(data))
	}

	if opts.password == "" && opts.user != "" && needsPassword(opts.engine) && isInteractive(stdin) {
		password, err := readPassword(stdin, prompt, fmt.Sprintf("Password for %s: ", opts.user))
		if err != nil {
			return err
		}
		opts.password = password
	}
	return nil
}

// buildJobs turns the flags into one job per database
func buildJobs(opts *backupOptions) ([]backup.BackupJob, error) {
	if len(opts.databases) == 0 {
		return nil, errors.New("at least one --database is required")
	}
	if opts.key != "" && !opts.encrypt {
		return nil, errors.New("--key and --key-file require --encrypt")
	}
	if (opts.bucket != "" || opts.expectedOwner != "" || opts.object != "") && opts.cloud == "" {
		return nil, errors.New("--bucket, --object and --expected-owner require --cloud")
	}
	if opts.object != "" && len(opts.databases) > 1 {
		return nil, errors.New("--object cannot be combined with several databases")
	}

	var key crypto.Key
	if opts.key != "" {
		parsed, err := crypto.ParseKey(opts.key)
		if err != nil {
			return nil, err
		}
		key = parsed
	}

	// the same file spelled two ways is one job; distinct databases that
	// share an artifact name are rejected by the orchestrator
	databases := lo.UniqBy(opts.databases, func(database string) string {
		return filepath.Clean(database)
	})

	jobs := make([]backup.BackupJob, 0, len(databases))
	for _, database := range databases {
		jobs = append(jobs, backup.BackupJob{
			Engine: strings.ToLower(opts.engine),
			Params: engine.Params{
				Host:     opts.host,
				Port:     opts.port,
				User:     opts.user,
				Password: opts.password,
				Database: database,
			},
			OutputDir: opts.output,
			Encrypt:   opts.encrypt,
			Key:       key,
			Cloud: backup.CloudTarget{
				Backend:       backup.Backend(strings.ToLower(opts.cloud)),
				Bucket:        opts.bucket,
				Object:        opts.object,
				ExpectedOwner: opts.expectedOwner,
			},
		})
	}
	return jobs, nil
}

// needsPassword is false for engines that never authenticate with one
func needsPassword(engineName string) bool {
	return strings.ToLower(engineName) != "sqlite"
}

func isInteractive(f *os.File) bool {
	return f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// readPassword reads a secret from the terminal without echo
func readPassword(stdin *os.File, prompt io.Writer, label string) (string, error) {
	fmt.Fprint(prompt, label)
	secret, err := term.ReadPassword(int(stdin.Fd()))
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(secret), nil
}
