package backup

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete pipeline configuration. Connection details of the
// database being backed up belong to the job, not here.
type Config struct {
	// WorkDir holds per-attempt scratch directories; defaults to the OS temp dir
	WorkDir     string            `yaml:"work_dir"`
	Concurrency int               `yaml:"concurrency"`
	AuditLog    string            `yaml:"audit_log"`
	Retry       RetryConfig       `yaml:"retry"`
	Compression CompressionConfig `yaml:"compression"`
	Validation  ValidationConfig  `yaml:"validation"`
	Cloud       CloudConfig       `yaml:"cloud"`
}

// RetryConfig bounds the retry envelope wrapped around a whole run
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CompressionConfig selects the codec applied to every dump
type CompressionConfig struct {
	Algorithm CompressionType `yaml:"algorithm"`
	Level     int             `yaml:"level"`
}

// ValidationConfig bounds the restore-and-verify step
type ValidationConfig struct {
	// Timeout caps RestoreForValidation; zero means no limit
	Timeout         time.Duration `yaml:"timeout"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`
}

// CloudConfig holds per-backend credentials. Targets name only the bucket.
type CloudConfig struct {
	S3    S3Config    `yaml:"s3"`
	Azure AzureConfig `yaml:"azure"`
	GCS   GCSConfig   `yaml:"gcs"`
	MinIO MinIOConfig `yaml:"minio"`
}

// S3Config configures the S3 sink. Empty keys fall back to the default AWS
// credential chain.
type S3Config struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	SessionToken   string `yaml:"session_token"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	DisableSSL     bool   `yaml:"disable_ssl"`
	PartSize       int64  `yaml:"part_size"`
}

// AzureConfig configures the Azure Blob sink
type AzureConfig struct {
	ConnectionString string `yaml:"connection_string"`
	AccountName      string `yaml:"account_name"`
	AccountKey       string `yaml:"account_key"`
	// Endpoint overrides https://<account>.blob.core.windows.net
	Endpoint string `yaml:"endpoint"`
}

// GCSConfig configures the Google Cloud Storage sink. Without a credentials
// file Application Default Credentials are used.
type GCSConfig struct {
	CredentialsPath string `yaml:"credentials_path"`
	Endpoint        string `yaml:"endpoint"`
}

// MinIOConfig configures the MinIO sink
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Secure    *bool  `yaml:"secure"`
}

// DefaultConfig returns a Config with every default applied
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// Validate validates the Config
func (c *Config) Validate() error {
	var errors ConfigErrors

	if c.Concurrency < 0 {
		errors.Add("concurrency", "concurrency cannot be negative", c.Concurrency)
	}

	errors.Merge("retry", c.Retry.Validate())
	errors.Merge("compression", c.Compression.Validate())
	errors.Merge("validation", c.Validation.Validate())
	errors.Merge("cloud", c.Cloud.Validate())

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// SetDefaults sets default values for every section
func (c *Config) SetDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.Concurrency == 0 {
		c.Concurrency = 2
	}
	c.Retry.SetDefaults()
	c.Compression.SetDefaults()
	c.Validation.SetDefaults()
	c.Cloud.SetDefaults()
}

// LoadFromEnvironment overrides values from DBVAULT_* environment variables
func (c *Config) LoadFromEnvironment() {
	if val := os.Getenv("DBVAULT_WORK_DIR"); val != "" {
		c.WorkDir = val
	}

	if val := os.Getenv("DBVAULT_CONCURRENCY"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			c.Concurrency = parsed
		}
	}

	if val := os.Getenv("DBVAULT_AUDIT_LOG"); val != "" {
		c.AuditLog = val
	}

	c.Retry.LoadFromEnvironment()
	c.Compression.LoadFromEnvironment()
	c.Validation.LoadFromEnvironment()
	c.Cloud.LoadFromEnvironment()
}

// Validate validates the RetryConfig
func (rc *RetryConfig) Validate() error {
	var errors ConfigErrors

	if rc.MaxAttempts < 1 {
		errors.Add("max_attempts", "at least one attempt is required", rc.MaxAttempts)
	}

	if rc.InitialInterval < 0 {
		errors.Add("initial_interval", "initial interval cannot be negative", rc.InitialInterval)
	}

	if rc.MaxInterval < rc.InitialInterval {
		errors.Add("max_interval", "max interval must not be shorter than the initial interval", rc.MaxInterval)
	}

	if rc.Multiplier < 1 {
		errors.Add("multiplier", "multiplier must be at least 1", rc.Multiplier)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// SetDefaults applies three attempts with 2s, 4s, 8s capped at 10s
func (rc *RetryConfig) SetDefaults() {
	if rc.MaxAttempts == 0 {
		rc.MaxAttempts = 3
	}
	if rc.InitialInterval == 0 {
		rc.InitialInterval = 2 * time.Second
	}
	if rc.MaxInterval == 0 {
		rc.MaxInterval = 10 * time.Second
	}
	if rc.Multiplier == 0 {
		rc.Multiplier = 2
	}
}

// LoadFromEnvironment loads retry configuration from environment variables
func (rc *RetryConfig) LoadFromEnvironment() {
	if val := os.Getenv("DBVAULT_RETRY_MAX_ATTEMPTS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			rc.MaxAttempts = parsed
		}
	}

	if val := os.Getenv("DBVAULT_RETRY_INITIAL_INTERVAL"); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			rc.InitialInterval = parsed
		}
	}

	if val := os.Getenv("DBVAULT_RETRY_MAX_INTERVAL"); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			rc.MaxInterval = parsed
		}
	}
}

// Validate validates the CompressionConfig
func (cc *CompressionConfig) Validate() error {
	var errors ConfigErrors

	switch cc.Algorithm {
	case CompressionTypeGzip:
		if cc.Level < 1 || cc.Level > 9 {
			errors.Add("level", "gzip compression level must be between 1 and 9", cc.Level)
		}
	case CompressionTypeLZ4:
		if cc.Level < 1 || cc.Level > 12 {
			errors.Add("level", "lz4 compression level must be between 1 and 12", cc.Level)
		}
	case CompressionTypeZstd:
		if cc.Level < 1 || cc.Level > 22 {
			errors.Add("level", "zstd compression level must be between 1 and 22", cc.Level)
		}
	default:
		errors.Add("algorithm", "invalid compression algorithm", cc.Algorithm)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// SetDefaults sets default values for compression configuration
func (cc *CompressionConfig) SetDefaults() {
	if cc.Algorithm == "" {
		cc.Algorithm = CompressionTypeGzip
	}

	if cc.Level == 0 {
		switch cc.Algorithm {
		case CompressionTypeGzip:
			cc.Level = 6
		case CompressionTypeLZ4:
			cc.Level = 1
		case CompressionTypeZstd:
			cc.Level = 3
		}
	}
}

// LoadFromEnvironment loads compression configuration from environment variables
func (cc *CompressionConfig) LoadFromEnvironment() {
	if val := os.Getenv("DBVAULT_COMPRESSION_ALGORITHM"); val != "" {
		cc.Algorithm = CompressionType(strings.ToLower(val))
	}

	if val := os.Getenv("DBVAULT_COMPRESSION_LEVEL"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			cc.Level = parsed
		}
	}
}

// Validate validates the ValidationConfig
func (vc *ValidationConfig) Validate() error {
	var errors ConfigErrors

	if vc.Timeout < 0 {
		errors.Add("timeout", "validation timeout cannot be negative", vc.Timeout)
	}

	if vc.TeardownTimeout <= 0 {
		errors.Add("teardown_timeout", "teardown timeout must be positive", vc.TeardownTimeout)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// SetDefaults sets default values for validation configuration
func (vc *ValidationConfig) SetDefaults() {
	if vc.TeardownTimeout == 0 {
		vc.TeardownTimeout = time.Minute
	}
}

// LoadFromEnvironment loads validation configuration from environment variables
func (vc *ValidationConfig) LoadFromEnvironment() {
	if val := os.Getenv("DBVAULT_VALIDATION_TIMEOUT"); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			vc.Timeout = parsed
		}
	}
}

// Validate validates the credentials that were supplied. Missing sections
// are reported by the sink that needs them.
func (cc *CloudConfig) Validate() error {
	var errors ConfigErrors

	if (cc.S3.AccessKey == "") != (cc.S3.SecretKey == "") {
		errors.Add("s3.secret_key", "access key and secret key must be set together", nil)
	}

	if cc.S3.PartSize < 0 {
		errors.Add("s3.part_size", "part size cannot be negative", cc.S3.PartSize)
	}

	if cc.Azure.ConnectionString == "" && (cc.Azure.AccountName == "") != (cc.Azure.AccountKey == "") {
		errors.Add("azure.account_key", "account name and account key must be set together", nil)
	}

	if cc.GCS.CredentialsPath != "" {
		if _, err := os.Stat(cc.GCS.CredentialsPath); err != nil {
			errors.Add("gcs.credentials_path", "credentials file is not readable", cc.GCS.CredentialsPath)
		}
	}

	if cc.MinIO.Endpoint != "" && (cc.MinIO.AccessKey == "" || cc.MinIO.SecretKey == "") {
		errors.Add("minio.access_key", "access key and secret key are required with an endpoint", nil)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// SetDefaults sets default values for every backend
func (cc *CloudConfig) SetDefaults() {
	if cc.S3.Region == "" {
		cc.S3.Region = os.Getenv("AWS_REGION")
	}
	if cc.S3.Region == "" {
		cc.S3.Region = "us-east-1"
	}

	if cc.GCS.CredentialsPath == "" {
		cc.GCS.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}

	if cc.MinIO.Secure == nil {
		secure := true
		cc.MinIO.Secure = &secure
	}
}

// LoadFromEnvironment loads backend credentials from environment variables
func (cc *CloudConfig) LoadFromEnvironment() {
	if val := os.Getenv("DBVAULT_S3_REGION"); val != "" {
		cc.S3.Region = val
	}
	if val := os.Getenv("DBVAULT_S3_ACCESS_KEY"); val != "" {
		cc.S3.AccessKey = val
	}
	if val := os.Getenv("DBVAULT_S3_SECRET_KEY"); val != "" {
		cc.S3.SecretKey = val
	}
	if val := os.Getenv("DBVAULT_S3_ENDPOINT"); val != "" {
		cc.S3.Endpoint = val
	}

	if val := os.Getenv("DBVAULT_AZURE_CONNECTION_STRING"); val != "" {
		cc.Azure.ConnectionString = val
	}
	if val := os.Getenv("DBVAULT_AZURE_ACCOUNT_NAME"); val != "" {
		cc.Azure.AccountName = val
	}
	if val := os.Getenv("DBVAULT_AZURE_ACCOUNT_KEY"); val != "" {
		cc.Azure.AccountKey = val
	}

	if val := os.Getenv("DBVAULT_GCS_CREDENTIALS_PATH"); val != "" {
		cc.GCS.CredentialsPath = val
	}

	if val := os.Getenv("DBVAULT_MINIO_ENDPOINT"); val != "" {
		cc.MinIO.Endpoint = val
	}
	if val := os.Getenv("DBVAULT_MINIO_ACCESS_KEY"); val != "" {
		cc.MinIO.AccessKey = val
	}
	if val := os.Getenv("DBVAULT_MINIO_SECRET_KEY"); val != "" {
		cc.MinIO.SecretKey = val
	}
	if val := os.Getenv("DBVAULT_MINIO_SECURE"); val != "" {
		secure := strings.ToLower(val) == "true"
		cc.MinIO.Secure = &secure
	}
}
