package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full application configuration loaded from env / config file.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Storage  StorageConfig  `mapstructure:"storage"`
	S3       S3Config       `mapstructure:"s3"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Fallback FallbackConfig `mapstructure:"fallback"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"` // development | production
	Version string `mapstructure:"version"`
	// LogFile is an additional log sink next to stderr.
	LogFile string `mapstructure:"log_file"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"` // "s3", "fs", "multi"
	FSRoot  string `mapstructure:"fs_root"` // Root directory for filesystem (secondary in "multi")
}

// S3Config holds credentials for an S3-compatible provider (AWS, Ozone S3 gateway, MinIO, ...).
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	// ForcePathStyle must be true for Ozone / MinIO
	ForcePathStyle bool `mapstructure:"force_path_style"`
	// StorageClass e.g. STANDARD, REDUCED_REDUNDANCY
	StorageClass   string        `mapstructure:"storage_class"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type ArchiveConfig struct {
	// BaseFolder may contain several components, e.g. "clusterA/wal_backups/psqld3".
	BaseFolder string `mapstructure:"base_folder"`
	// PartitionSource selects the date used for the partition: "mtime" or "upload".
	PartitionSource string `mapstructure:"partition_source"`
	PartitionUTC    bool   `mapstructure:"partition_utc"`

	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	Exponential    bool          `mapstructure:"exponential_backoff"`
	MaxRetryDelay  time.Duration `mapstructure:"max_retry_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	// RateLimit caps PUT attempts per second against the store; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit"`

	RetentionDays    int  `mapstructure:"retention_days"`
	PruneAfterUpload bool `mapstructure:"prune_after_upload"`
}

type FallbackConfig struct {
	Dir string `mapstructure:"dir"`
}

type DaemonConfig struct {
	SourceDir     string        `mapstructure:"source_dir"`
	SegmentPrefix string        `mapstructure:"segment_prefix"`
	SegmentSuffix string        `mapstructure:"segment_suffix"`
	SegmentLength int           `mapstructure:"segment_length"`
	Interval      time.Duration `mapstructure:"interval"`
	Concurrency   int           `mapstructure:"concurrency"`
	// ListenAddr serves /health and /metrics; empty disables the status server.
	ListenAddr string `mapstructure:"listen_addr"`
}

type AlertsConfig struct {
	WebhookURL        string        `mapstructure:"webhook_url"`
	QueueAgeThreshold time.Duration `mapstructure:"queue_age_threshold"`
	// RepeatInterval re-sends a standing backlog alert; 0 sends it once per episode.
	RepeatInterval time.Duration `mapstructure:"repeat_interval"`
}

const (
	PartitionFromModTime = "mtime"
	PartitionFromUpload  = "upload"
)

// Load reads configuration from environment variables and optional config file.
// Environment variable prefix: RAINWAL_
// Example: RAINWAL_S3_BUCKET=wal-archive.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// ---------- config file (optional) ----------
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("rainwal")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rainwal")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	// ---------- env vars ----------
	v.SetEnvPrefix("RAINWAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "rainwal")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.log_file", "")

	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.fs_root", "./data/wal")

	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.force_path_style", true)
	v.SetDefault("s3.storage_class", "")
	v.SetDefault("s3.connect_timeout", "10s")
	v.SetDefault("s3.request_timeout", "30s")

	v.SetDefault("archive.base_folder", "wal_backups")
	v.SetDefault("archive.partition_source", PartitionFromModTime)
	v.SetDefault("archive.partition_utc", false)
	v.SetDefault("archive.max_attempts", 3)
	v.SetDefault("archive.retry_delay", "5s")
	v.SetDefault("archive.exponential_backoff", false)
	v.SetDefault("archive.max_retry_delay", "1m")
	v.SetDefault("archive.attempt_timeout", "2m")
	v.SetDefault("archive.rate_limit", 0)
	v.SetDefault("archive.retention_days", 20)
	v.SetDefault("archive.prune_after_upload", true)

	v.SetDefault("fallback.dir", "/var/lib/postgresql/wal_archive_fallback")

	v.SetDefault("daemon.source_dir", "/var/lib/postgresql/data/pg_wal")
	v.SetDefault("daemon.segment_prefix", "0000")
	v.SetDefault("daemon.segment_suffix", "")
	v.SetDefault("daemon.segment_length", 24)
	v.SetDefault("daemon.interval", "600s")
	v.SetDefault("daemon.concurrency", 4)
	v.SetDefault("daemon.listen_addr", ":9187")

	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.queue_age_threshold", "1h")
	v.SetDefault("alerts.repeat_interval", "6h")
}

// Validate rejects configurations the archiver cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "s3", "multi":
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.bucket is required"))
		}
		if c.Storage.Backend == "multi" && c.Storage.FSRoot == "" {
			errs = append(errs, errors.New("storage.fs_root is required for multi backend"))
		}
	case "fs":
		if c.Storage.FSRoot == "" {
			errs = append(errs, errors.New("storage.fs_root is required for fs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	if strings.Trim(c.Archive.BaseFolder, "/") == "" {
		errs = append(errs, errors.New("archive.base_folder must not be empty"))
	}
	switch c.Archive.PartitionSource {
	case PartitionFromModTime, PartitionFromUpload:
	default:
		errs = append(errs, fmt.Errorf("unknown archive.partition_source %q", c.Archive.PartitionSource))
	}
	if c.Archive.MaxAttempts < 1 {
		errs = append(errs, errors.New("archive.max_attempts must be at least 1"))
	}
	if c.Archive.RetryDelay < 0 {
		errs = append(errs, errors.New("archive.retry_delay must not be negative"))
	}
	if c.Archive.RetentionDays < 0 {
		errs = append(errs, errors.New("archive.retention_days must not be negative"))
	}
	if c.Archive.RateLimit < 0 {
		errs = append(errs, errors.New("archive.rate_limit must not be negative"))
	}
	if c.Alerts.RepeatInterval < 0 {
		errs = append(errs, errors.New("alerts.repeat_interval must not be negative"))
	}
	if c.Fallback.Dir == "" {
		errs = append(errs, errors.New("fallback.dir is required"))
	}
	if c.Daemon.Concurrency < 1 {
		errs = append(errs, errors.New("daemon.concurrency must be at least 1"))
	}
	if c.Daemon.Interval <= 0 {
		errs = append(errs, errors.New("daemon.interval must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}
