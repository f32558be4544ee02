package backup

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigLoader handles loading and parsing pipeline configuration
type ConfigLoader struct {
	configPath string
}

// NewConfigLoader creates a new configuration loader
func NewConfigLoader(configPath string) *ConfigLoader {
	return &ConfigLoader{
		configPath: configPath,
	}
}

// LoadConfig applies defaults, then the file, then DBVAULT_* variables, and
// validates the result
func (cl *ConfigLoader) LoadConfig() (*Config, error) {
	data, err := cl.readFile()
	if err != nil {
		return nil, fmt.Errorf("failed to load config from file: %w", err)
	}
	return LoadConfigFromBytes(data)
}

// readFile returns the raw config file. A missing file reads as empty.
func (cl *ConfigLoader) readFile() ([]byte, error) {
	if cl.configPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(cl.configPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cl.configPath, err)
	}
	return data, nil
}

// SaveConfig writes the configuration as YAML. The file may hold cloud
// credentials so it is created owner-only.
func (cl *ConfigLoader) SaveConfig(config *Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	dir := filepath.Dir(cl.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(cl.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadConfigFromBytes loads configuration from YAML bytes
func LoadConfigFromBytes(data []byte) (*Config, error) {
	config := &Config{}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.LoadFromEnvironment()
	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// GenerateDefaultConfigYAML returns a commented configuration file
func GenerateDefaultConfigYAML() []byte {
	return []byte(`# dbvault configuration
# Every value can be overridden with a DBVAULT_* environment variable.

# Scratch space for dumps in progress (default: OS temp dir)
# work_dir: /var/tmp/dbvault

# Jobs run in parallel by "backup" with several --database flags
concurrency: 2

# JSON audit trail of every pipeline stage (disabled when empty)
# audit_log: /var/log/dbvault/audit.log

# Retry envelope around a whole run. Only transient failures are retried.
retry:
  max_attempts: 3
  initial_interval: 2s
  max_interval: 10s
  multiplier: 2

# Every dump is compressed. Algorithm: gzip, zstd, lz4
compression:
  algorithm: gzip
  # 1-9 for gzip, 1-12 for lz4, 1-22 for zstd
  level: 6

validation:
  # Limit for the restore-and-verify step (0 = no limit)
  timeout: 0s
  # Limit for dropping the temporary restore target
  teardown_timeout: 1m

# Credentials per backend. Buckets are chosen per job.
cloud:
  s3:
    region: us-east-1
    # access_key: ""
    # secret_key: ""
    # endpoint: http://localhost:4566
    # force_path_style: true
  azure:
    # connection_string: "DefaultEndpointsProtocol=https;AccountName=...;AccountKey=..."
  gcs:
    # credentials_path: /path/to/service-account.json
  minio:
    # endpoint: minio.local:9000
    # access_key: ""
    # secret_key: ""
    secure: true
`)
}
