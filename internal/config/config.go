// Package config handles loading and parsing of BleepBackup configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bleepstore/bleepbackup/internal/codec"
	"github.com/bleepstore/bleepbackup/internal/lock"
	"github.com/bleepstore/bleepbackup/internal/policy"
	"github.com/bleepstore/bleepbackup/internal/sweep"
)

// Config is the top-level configuration for BleepBackup.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Node        NodeConfig        `yaml:"node"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metadata    MetadataConfig    `yaml:"metadata"`
	Local       LocalConfig       `yaml:"local"`
	Offsite     OffsiteConfig     `yaml:"offsite"`
	Logs        TierConfig        `yaml:"logs"`
	Lock        LockConfig        `yaml:"lock"`
	Compression CompressionConfig `yaml:"compression"`
	// Encryption is off when absent.
	Encryption *codec.EncryptionConfig `yaml:"encryption"`

	// ChunkSize is the most original bytes stored per chunk.
	ChunkSize int64 `yaml:"chunk_size"`
	// TimeoutDuration is how long a backup or verification may run.
	TimeoutDuration               time.Duration `yaml:"timeout_duration"`
	BackupRequiredFrequency       time.Duration `yaml:"backup_required_frequency"`
	VerificationRequiredFrequency time.Duration `yaml:"verification_required_frequency"`
	Sweeps                        sweep.Config  `yaml:"sweeps"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// NodeConfig identifies this process. Entities are owned by the node that
// created them.
type NodeConfig struct {
	// Name defaults to the host name.
	Name string `yaml:"name"`
	// URL is where other nodes redirect clients for entities this node owns.
	// Defaults to http://{name}:{server.port}.
	URL string `yaml:"url"`
}

// NodeURL returns the configured node URL or its default.
func (c *Config) NodeURL() string {
	if c.Node.URL != "" {
		return c.Node.URL
	}
	return "http://" + net.JoinHostPort(c.Node.Name, strconv.Itoa(c.Server.Port))
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	// Engine is one of memory, local, sqlite, dynamodb, cosmos or firestore.
	Engine    string              `yaml:"engine"`
	SQLite    SQLiteConfig        `yaml:"sqlite"`
	Local     LocalMetadataConfig `yaml:"local"`
	DynamoDB  DynamoDBConfig      `yaml:"dynamodb"`
	Cosmos    CosmosConfig        `yaml:"cosmos"`
	Firestore FirestoreConfig     `yaml:"firestore"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// LocalMetadataConfig holds settings for the JSON lines metadata engine.
type LocalMetadataConfig struct {
	RootDir          string `yaml:"root_dir"`
	CompactOnStartup bool   `yaml:"compact_on_startup"`
}

type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

type FirestoreConfig struct {
	ProjectID        string `yaml:"project_id"`
	CredentialsFile  string `yaml:"credentials_file"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// TierConfig selects and configures a file storage tier.
type TierConfig struct {
	// Backend is one of memory, local, sqlite, aws, azure or gcp.
	Backend string `yaml:"backend"`
	// RootDir is the base directory of the local backend.
	RootDir string `yaml:"root_dir"`
	// SQLitePath is the database file of the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`
	// QuotaBytes is the capacity reported by memory, sqlite and cloud backends.
	// Zero means unlimited.
	QuotaBytes int64 `yaml:"quota_bytes"`

	AWSBucket          string `yaml:"aws_bucket"`
	AWSRegion          string `yaml:"aws_region"`
	AWSPrefix          string `yaml:"aws_prefix"`
	AWSEndpointURL     string `yaml:"aws_endpoint_url"`
	AWSUsePathStyle    bool   `yaml:"aws_use_path_style"`
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`

	GCPBucket          string `yaml:"gcp_bucket"`
	GCPProject         string `yaml:"gcp_project"`
	GCPPrefix          string `yaml:"gcp_prefix"`
	GCPCredentialsFile string `yaml:"gcp_credentials_file"`

	AzureContainer string `yaml:"azure_container"`
	// AzureAccountURL defaults to https://{azure_account}.blob.core.windows.net.
	AzureAccount            string `yaml:"azure_account"`
	AzureAccountURL         string `yaml:"azure_account_url"`
	AzurePrefix             string `yaml:"azure_prefix"`
	AzureConnectionString   string `yaml:"azure_connection_string"`
	AzureUseManagedIdentity bool   `yaml:"azure_use_managed_identity"`
}

// LocalConfig is the local tier, always on disk.
type LocalConfig struct {
	RootDir   string        `yaml:"root_dir"`
	Retention policy.Config `yaml:"retention"`
}

// OffsiteConfig is the offsite tier.
type OffsiteConfig struct {
	TierConfig       `yaml:",inline"`
	UploaderPoolSize int           `yaml:"uploader_pool_size"`
	Retention        policy.Config `yaml:"retention"`
}

// LockConfig selects the lease medium of the distributed lock.
type LockConfig struct {
	// Backend is one of memory, sqlite, dynamodb or azure.
	Backend        string        `yaml:"backend"`
	LeaseTimeout   time.Duration `yaml:"lease_timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`

	SQLite   SQLiteConfig    `yaml:"sqlite"`
	DynamoDB DynamoDBConfig  `yaml:"dynamodb"`
	Azure    AzureLockConfig `yaml:"azure"`
}

// AzureLockConfig places lease blobs in a container.
type AzureLockConfig struct {
	Container          string `yaml:"container"`
	Prefix             string `yaml:"prefix"`
	AccountURL         string `yaml:"account_url"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// LockManagerConfig returns the timing part of the lock settings.
func (c LockConfig) LockManagerConfig() lock.Config {
	return lock.Config{
		LeaseTimeout:   c.LeaseTimeout,
		AcquireTimeout: c.AcquireTimeout,
		RetryDelay:     c.RetryDelay,
	}
}

// CompressionConfig selects the default chunk compression.
type CompressionConfig struct {
	Codec string `yaml:"codec"`
	// FileExtensions mark files that are already compressed and are stored
	// without further compression.
	FileExtensions []string `yaml:"file_extensions"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed, validated Config. It applies defaults for unset values.
// If the primary path fails, it falls back to bleepbackup.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "bleepbackup.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "bleepbackup.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return Parse(data)
}

// Parse decodes YAML configuration over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for empty fields that YAML didn't set
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	lockCfg := lock.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metadata: MetadataConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/metadata.db",
			},
		},
		Local: LocalConfig{
			RootDir:   "./data/local",
			Retention: policy.DefaultConfig(),
		},
		Offsite: OffsiteConfig{
			TierConfig:       TierConfig{Backend: "local", RootDir: "./data/offsite"},
			UploaderPoolSize: 10,
			Retention:        policy.DefaultConfig(),
		},
		Lock: LockConfig{
			Backend:        "memory",
			LeaseTimeout:   lockCfg.LeaseTimeout,
			AcquireTimeout: lockCfg.AcquireTimeout,
			RetryDelay:     lockCfg.RetryDelay,
		},
		Compression: CompressionConfig{
			Codec:          string(codec.Snappy),
			FileExtensions: []string{".gz", ".bz2", ".zip"},
		},
		ChunkSize:                     10 << 30,
		TimeoutDuration:               24 * time.Hour,
		BackupRequiredFrequency:       25 * time.Hour,
		VerificationRequiredFrequency: 8 * 24 * time.Hour,
		Sweeps: sweep.Config{
			InitialDelay: sweep.DefaultInitialDelay,
			Frequency:    sweep.DefaultFrequency,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Node.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Node.Name = host
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = def.Metadata.Engine
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = def.Metadata.SQLite.Path
	}
	if cfg.Local.RootDir == "" {
		cfg.Local.RootDir = def.Local.RootDir
	}
	if cfg.Offsite.Backend == "" {
		cfg.Offsite.Backend = def.Offsite.Backend
	}
	if cfg.Offsite.Backend == "local" && cfg.Offsite.RootDir == "" {
		cfg.Offsite.RootDir = def.Offsite.RootDir
	}
	if cfg.Offsite.UploaderPoolSize == 0 {
		cfg.Offsite.UploaderPoolSize = def.Offsite.UploaderPoolSize
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = def.Lock.Backend
	}
	if cfg.Lock.LeaseTimeout == 0 {
		cfg.Lock.LeaseTimeout = def.Lock.LeaseTimeout
	}
	if cfg.Lock.AcquireTimeout == 0 {
		cfg.Lock.AcquireTimeout = def.Lock.AcquireTimeout
	}
	if cfg.Lock.RetryDelay == 0 {
		cfg.Lock.RetryDelay = def.Lock.RetryDelay
	}
	if cfg.Compression.Codec == "" {
		cfg.Compression.Codec = def.Compression.Codec
	}
	if cfg.Encryption != nil {
		if cfg.Encryption.Iterations == 0 {
			cfg.Encryption.Iterations = codec.DefaultIterations
		}
		if cfg.Encryption.Length == 0 {
			cfg.Encryption.Length = codec.DefaultKeyLength
		}
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.TimeoutDuration == 0 {
		cfg.TimeoutDuration = def.TimeoutDuration
	}
	if cfg.BackupRequiredFrequency == 0 {
		cfg.BackupRequiredFrequency = def.BackupRequiredFrequency
	}
	if cfg.VerificationRequiredFrequency == 0 {
		cfg.VerificationRequiredFrequency = def.VerificationRequiredFrequency
	}
	if cfg.Sweeps.Frequency == 0 {
		cfg.Sweeps.Frequency = def.Sweeps.Frequency
	}
}

var tierBackends = []string{"memory", "local", "sqlite", "aws", "azure", "gcp"}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown value %q (want one of %s)", field, value, strings.Join(allowed, ", "))
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if c.Node.Name == "" {
		errs = append(errs, fmt.Errorf("node.name is required"))
	}
	if c.Node.URL != "" {
		if u, err := url.Parse(c.Node.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("node.url: %q is not an absolute URL", c.Node.URL))
		}
	}
	errs = append(errs,
		oneOf("metadata.engine", c.Metadata.Engine, "memory", "local", "sqlite", "dynamodb", "cosmos", "firestore"),
		oneOf("offsite.backend", c.Offsite.Backend, tierBackends...),
		oneOf("lock.backend", c.Lock.Backend, "memory", "sqlite", "dynamodb", "azure"),
		oneOf("logging.format", c.Logging.Format, "text", "json"),
	)
	if c.Logs.Backend != "" {
		errs = append(errs, oneOf("logs.backend", c.Logs.Backend, tierBackends...))
	}
	if c.Offsite.UploaderPoolSize < 1 || c.Offsite.UploaderPoolSize > 100 {
		errs = append(errs, fmt.Errorf("offsite.uploader_pool_size: %d outside [1, 100]", c.Offsite.UploaderPoolSize))
	}
	lockCfg := c.Lock.LockManagerConfig()
	if err := lockCfg.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("lock: %w", err))
	}
	if _, err := codec.ParseCompression(c.Compression.Codec); err != nil {
		errs = append(errs, fmt.Errorf("compression.codec: %w", err))
	}
	if c.Encryption != nil {
		if err := c.Encryption.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("encryption: %w", err))
		}
	}
	if err := c.Local.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("local.retention: %w", err))
	}
	if err := c.Offsite.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("offsite.retention: %w", err))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive"))
	}
	if c.TimeoutDuration <= 0 || c.BackupRequiredFrequency <= 0 || c.VerificationRequiredFrequency <= 0 {
		errs = append(errs, fmt.Errorf("timeout_duration and required frequencies must be positive"))
	}
	if c.Sweeps.InitialDelay < 0 || c.Sweeps.Frequency <= 0 {
		errs = append(errs, fmt.Errorf("sweeps: initial_delay must not be negative and frequency must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
