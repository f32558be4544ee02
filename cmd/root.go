package cmd

import (
	"fmt"
	"os"
	"strings"

	"dbvault/internal/backup"
	"dbvault/internal/display"
	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// Global flag variables
var (
	verbose   bool
	quiet     bool
	debug     bool
	logFile   string
	logFormat string

	noColor      bool
	noIcons      bool
	theme        string
	outputFormat string
	tableStyle   string
)

// appLogger is built once flags are parsed
var appLogger *logging.Logger

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dbvault",
	Short: "Back up databases into validated, compressed, encrypted artifacts",
	Long: `dbvault dumps a database, proves the dump restores, compresses it,
optionally encrypts it and optionally uploads it to cloud storage.

Supported engines: mysql, postgres, mongo, redis, sqlite, db2.
Supported storage: s3, azure, gcs, minio.

Examples:
  # Back up a SQLite file into ./backups
  dbvault backup --db sqlite --database ./app.db --output ./backups

  # Encrypted PostgreSQL backup; a key is generated and printed once
  dbvault backup --db postgres --host db.internal --user backup --database orders --encrypt

  # Upload to S3, refusing buckets owned by another account
  dbvault backup --db mysql --database shop --cloud s3 --bucket backups --expected-owner 111122223333

  # Decrypt and decompress an artifact
  dbvault decrypt --file orders.dump.gz.enc --key-file vault.key --decompress`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose && quiet {
			return fmt.Errorf("--verbose and --quiet flags are mutually exclusive")
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		appLogger = logger
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, errorMessage(err, verbose || debug))
		os.Exit(1)
	}
}

// errorMessage renders a command failure. Classified errors show their
// user message; the full chain is added when detailed is set.
func errorMessage(err error, detailed bool) string {
	user := appErrors.FormatUserError(err)
	msg := "Error: " + user + "\n"
	if detailed && user != err.Error() {
		msg += "Details: " + err.Error() + "\n"
	}
	return msg
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dbvault.yaml)")

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show stage-level detail")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "show everything, including subprocess arguments")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color output")
	rootCmd.PersistentFlags().BoolVar(&noIcons, "no-icons", false, "disable Unicode icons")
	rootCmd.PersistentFlags().StringVar(&theme, "theme", "dark", "color theme (dark, light, high-contrast, auto, plain)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "result format (table, json, yaml, compact)")
	rootCmd.PersistentFlags().StringVar(&tableStyle, "table-style", "default", "table style (default, rounded, minimal)")

	viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("display.theme", rootCmd.PersistentFlags().Lookup("theme"))
	viper.BindPFlag("display.output_format", rootCmd.PersistentFlags().Lookup("format"))
	viper.BindPFlag("display.table_style", rootCmd.PersistentFlags().Lookup("table-style"))

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newKeygenCommand())
	rootCmd.AddCommand(newDecryptCommand())
	rootCmd.AddCommand(newEnginesCommand())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".dbvault")
	}

	viper.SetEnvPrefix("DBVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose || debug {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// loadPipelineConfig loads the pipeline section of the config file that
// viper found, then applies DBVAULT_* overrides
func loadPipelineConfig() (*backup.Config, error) {
	path := cfgFile
	if path == "" {
		path = viper.ConfigFileUsed()
	}
	config, err := backup.NewConfigLoader(path).LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return config, nil
}

func newLogger() (*logging.Logger, error) {
	level := logging.LogLevelNormal
	switch {
	case debug:
		level = logging.LogLevelDebug
	case verbose:
		level = logging.LogLevelVerbose
	case quiet:
		level = logging.LogLevelQuiet
	}

	return logging.NewLogger(logging.Config{
		Level:      level,
		Output:     os.Stderr,
		Format:     viper.GetString("log_format"),
		ShowCaller: debug,
		LogFile:    viper.GetString("log_file"),
	})
}

// commandLogger returns the logger set up by the root command
func commandLogger() *logging.Logger {
	if appLogger == nil {
		return logging.NewNopLogger()
	}
	return appLogger
}

func newReporter(cmd *cobra.Command) (*display.Reporter, error) {
	config := display.Config{
		Format:       display.OutputFormat(viperString("display.output_format", outputFormat)),
		Theme:        viperString("display.theme", theme),
		TableStyle:   viperString("display.table_style", tableStyle),
		ColorEnabled: !noColor && !viper.GetBool("no_color"),
		UseIcons:     !noIcons && !viper.GetBool("no_icons"),
		Writer:       cmd.OutOrStdout(),
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return display.NewReporter(config), nil
}

func viperString(key, fallback string) string {
	if v := viper.GetString(key); v != "" {
		return v
	}
	return fallback
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dbvault version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}

// createConfigCommand creates the config subcommand for generating sample config
func createConfigCommand() *cobra.Command {
	var savePath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate a sample configuration file",
		Long: `Print a commented configuration file with every default, or save the
effective configuration (file plus DBVAULT_* overrides) with --save.

Examples:
  dbvault config > ~/.dbvault.yaml
  chmod 600 ~/.dbvault.yaml

  # Freeze the current environment into a file readable only by you
  DBVAULT_CONCURRENCY=4 dbvault config --save /etc/dbvault/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if savePath != "" {
				return saveEffectiveConfig(cmd, savePath)
			}
			cmd.OutOrStdout().Write(backup.GenerateDefaultConfigYAML())
			fmt.Fprint(cmd.OutOrStdout(), `
# Output settings used by the CLI
display:
  theme: dark             # dark, light, high-contrast, auto, plain
  output_format: table    # table, json, yaml, compact
  table_style: default    # default, rounded, minimal
`)
			return nil
		},
	}

	cmd.Flags().StringVar(&savePath, "save", "", "write the effective configuration to this file (mode 0600)")
	return cmd
}

// saveEffectiveConfig writes the loaded configuration, refusing to replace
// an existing file
func saveEffectiveConfig(cmd *cobra.Command, path string) error {
	if _, err := os.Stat(path); err == nil {
		return appErrors.NewConfigurationError(fmt.Sprintf("%s already exists; remove it first", path), nil)
	}

	config, err := loadPipelineConfig()
	if err != nil {
		return err
	}
	if err := backup.NewConfigLoader(path).SaveConfig(config); err != nil {
		return appErrors.WrapError(err, "failed to save configuration")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
	return nil
}
