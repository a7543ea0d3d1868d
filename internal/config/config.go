package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/elfregistry/registry/internal/core/services"
)

// Storage backend names accepted by storage.backend.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendS3     = "s3"
	BackendMinio  = "minio"
	BackendAzure  = "azure"
	BackendSQLite = "sqlite"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Port            int    `yaml:"port" validate:"min=1,max=65535"`
	MaxBodyBytes    int64  `yaml:"maxBodyBytes" validate:"min=1"`
	CORSAllowOrigin string `yaml:"corsAllowOrigin"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=trace debug info warn error"`
}

type AuthConfig struct {
	APIKeys []string `yaml:"apiKeys" validate:"dive,required"`
}

type StorageConfig struct {
	Backend        string       `yaml:"backend"`
	DataDir        string       `yaml:"dataDir" validate:"required"`
	LocalDirectory string       `yaml:"localDirectory"`
	GCS            GCSConfig    `yaml:"gcs"`
	S3             S3Config     `yaml:"s3"`
	Minio          MinioConfig  `yaml:"minio"`
	Azure          AzureConfig  `yaml:"azure"`
	SQLite         SQLiteConfig `yaml:"sqlite"`
}

type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	UsePathStyle    bool   `yaml:"usePathStyle"`
}

type MinioConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	Insecure        bool   `yaml:"insecure"`
}

type AzureConfig struct {
	Account    string `yaml:"account"`
	AccountKey string `yaml:"accountKey"`
	Endpoint   string `yaml:"endpoint"`
	Container  string `yaml:"container"`
	Prefix     string `yaml:"prefix"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9003,
			MaxBodyBytes:    100 << 20,
			CORSAllowOrigin: "*",
		},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{Backend: BackendLocal, DataDir: "./data"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads and parses a YAML config file on top of the defaults, applies
// overrides in order and validates the result. An empty path skips the file.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	for _, o := range overrides {
		o(cfg)
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the selected backend's settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", services.ErrInvalidConfig, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", services.ErrInvalidConfig, err)
	}

	if len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("%w: no api keys configured", services.ErrInvalidConfig)
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("%w: metrics.path is required when metrics are enabled", services.ErrInvalidConfig)
	}

	s := c.Storage
	switch s.Backend {
	case BackendLocal, BackendSQLite:
	case BackendGCS:
		if s.GCS.Bucket == "" {
			return fmt.Errorf("%w: storage.gcs.bucket is required", services.ErrInvalidConfig)
		}
	case BackendS3:
		if s.S3.Bucket == "" {
			return fmt.Errorf("%w: storage.s3.bucket is required", services.ErrInvalidConfig)
		}
	case BackendMinio:
		if s.Minio.Bucket == "" || s.Minio.Endpoint == "" {
			return fmt.Errorf("%w: storage.minio.endpoint and storage.minio.bucket are required", services.ErrInvalidConfig)
		}
	case BackendAzure:
		if s.Azure.Account == "" || s.Azure.AccountKey == "" || s.Azure.Container == "" {
			return fmt.Errorf("%w: storage.azure.account, accountKey and container are required", services.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %q", services.ErrUnsupportedBackend, s.Backend)
	}
	return nil
}

// LocalRoot is the directory used by the local backend.
func (s StorageConfig) LocalRoot() string {
	if s.LocalDirectory != "" {
		return s.LocalDirectory
	}
	return filepath.Join(s.DataDir, "registry")
}

// SQLitePath is the database file used by the sqlite backend.
func (s StorageConfig) SQLitePath() string {
	if s.SQLite.Path != "" {
		return s.SQLite.Path
	}
	return filepath.Join(s.DataDir, "registry.db")
}
