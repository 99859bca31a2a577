package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/justapithecus/bale/log"
)

// Config holds every tunable the service recognizes. Values resolve in
// three layers: built-in defaults, an optional YAML defaults file, then
// environment variables, which always win.
type Config struct {
	DistributionBucket string `yaml:"distribution_bucket"`
	IdempotencyTable   string `yaml:"idempotency_table"`
	ServiceName        string `yaml:"service_name"`
	Environment        string `yaml:"environment"`

	IdempotencyTTLDays     int    `yaml:"idempotency_ttl_days"`
	MaxBundleInputMB       int64  `yaml:"max_bundle_input_mb"`
	MaxBundleOnDiskMB      int64  `yaml:"max_bundle_on_disk_mb"`
	SpoolFileMaxSizeMB     int64  `yaml:"spool_file_max_size_mb"`
	TimeoutGuardSeconds    int    `yaml:"timeout_guard_seconds"`
	MaxFetchWorkers        int    `yaml:"max_fetch_workers"`
	QueuePutTimeoutSeconds int    `yaml:"queue_put_timeout_seconds"`
	EncryptionKeyID        string `yaml:"encryption_key_id"`
	LogLevel               string `yaml:"log_level"`

	QueueURL    string `yaml:"queue_url"`
	EndpointURL string `yaml:"endpoint_url"`
}

// ConfigurationError names the offending key so operators can fix the
// deployment without reading source.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Reason)
}

// Defaults returns a Config carrying only the built-in defaults.
func Defaults() Config {
	return Config{
		IdempotencyTTLDays:     7,
		MaxBundleInputMB:       100,
		MaxBundleOnDiskMB:      400,
		SpoolFileMaxSizeMB:     64,
		TimeoutGuardSeconds:    10,
		MaxFetchWorkers:        8,
		QueuePutTimeoutSeconds: 5,
		LogLevel:               "INFO",
	}
}

// envKeys maps environment variable names onto Config fields.
var envKeys = []struct {
	name  string
	apply func(c *Config, v string) error
}{
	{"DISTRIBUTION_BUCKET_NAME", func(c *Config, v string) error { c.DistributionBucket = v; return nil }},
	{"IDEMPOTENCY_TABLE_NAME", func(c *Config, v string) error { c.IdempotencyTable = v; return nil }},
	{"SERVICE_NAME", func(c *Config, v string) error { c.ServiceName = v; return nil }},
	{"ENVIRONMENT", func(c *Config, v string) error { c.Environment = v; return nil }},
	{"IDEMPOTENCY_TTL_DAYS", func(c *Config, v string) error { return setInt(&c.IdempotencyTTLDays, v) }},
	{"MAX_BUNDLE_INPUT_MB", func(c *Config, v string) error { return setInt64(&c.MaxBundleInputMB, v) }},
	{"MAX_BUNDLE_ON_DISK_MB", func(c *Config, v string) error { return setInt64(&c.MaxBundleOnDiskMB, v) }},
	{"SPOOL_FILE_MAX_SIZE_MB", func(c *Config, v string) error { return setInt64(&c.SpoolFileMaxSizeMB, v) }},
	{"TIMEOUT_GUARD_THRESHOLD_SECONDS", func(c *Config, v string) error { return setInt(&c.TimeoutGuardSeconds, v) }},
	{"MAX_FETCH_WORKERS", func(c *Config, v string) error { return setInt(&c.MaxFetchWorkers, v) }},
	{"QUEUE_PUT_TIMEOUT_SECONDS", func(c *Config, v string) error { return setInt(&c.QueuePutTimeoutSeconds, v) }},
	{"BUNDLE_ENCRYPTION_KEY_ID", func(c *Config, v string) error { c.EncryptionKeyID = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{"QUEUE_URL", func(c *Config, v string) error { c.QueueURL = v; return nil }},
	{"AWS_ENDPOINT_URL", func(c *Config, v string) error { c.EndpointURL = v; return nil }},
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("not an integer: %q", v)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %q", v)
	}
	*dst = n
	return nil
}

// FromEnv resolves the full configuration and fails fast on the first
// invalid or missing value. defaultsFile may be empty.
func FromEnv(defaultsFile string) (*Config, error) {
	cfg := Defaults()

	if defaultsFile != "" {
		loaded, err := Load(defaultsFile)
		if err != nil {
			return nil, err
		}
		cfg = cfg.merged(loaded)
	}

	for _, key := range envKeys {
		v, ok := os.LookupEnv(key.name)
		if !ok || v == "" {
			continue
		}
		if err := key.apply(&cfg, v); err != nil {
			return nil, &ConfigurationError{Key: key.name, Reason: err.Error()}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// merged overlays non-zero values from the defaults file onto the built-in
// defaults.
func (c Config) merged(file *Config) Config {
	out := c
	if file.DistributionBucket != "" {
		out.DistributionBucket = file.DistributionBucket
	}
	if file.IdempotencyTable != "" {
		out.IdempotencyTable = file.IdempotencyTable
	}
	if file.ServiceName != "" {
		out.ServiceName = file.ServiceName
	}
	if file.Environment != "" {
		out.Environment = file.Environment
	}
	if file.IdempotencyTTLDays != 0 {
		out.IdempotencyTTLDays = file.IdempotencyTTLDays
	}
	if file.MaxBundleInputMB != 0 {
		out.MaxBundleInputMB = file.MaxBundleInputMB
	}
	if file.MaxBundleOnDiskMB != 0 {
		out.MaxBundleOnDiskMB = file.MaxBundleOnDiskMB
	}
	if file.SpoolFileMaxSizeMB != 0 {
		out.SpoolFileMaxSizeMB = file.SpoolFileMaxSizeMB
	}
	if file.TimeoutGuardSeconds != 0 {
		out.TimeoutGuardSeconds = file.TimeoutGuardSeconds
	}
	if file.MaxFetchWorkers != 0 {
		out.MaxFetchWorkers = file.MaxFetchWorkers
	}
	if file.QueuePutTimeoutSeconds != 0 {
		out.QueuePutTimeoutSeconds = file.QueuePutTimeoutSeconds
	}
	if file.EncryptionKeyID != "" {
		out.EncryptionKeyID = file.EncryptionKeyID
	}
	if file.LogLevel != "" {
		out.LogLevel = file.LogLevel
	}
	if file.QueueURL != "" {
		out.QueueURL = file.QueueURL
	}
	if file.EndpointURL != "" {
		out.EndpointURL = file.EndpointURL
	}
	return out
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	if c.DistributionBucket == "" {
		return &ConfigurationError{Key: "DISTRIBUTION_BUCKET_NAME", Reason: "required"}
	}
	if c.IdempotencyTable == "" {
		return &ConfigurationError{Key: "IDEMPOTENCY_TABLE_NAME", Reason: "required"}
	}
	if c.ServiceName == "" {
		return &ConfigurationError{Key: "SERVICE_NAME", Reason: "required"}
	}
	if c.Environment == "" {
		return &ConfigurationError{Key: "ENVIRONMENT", Reason: "required"}
	}
	if c.IdempotencyTTLDays < 3 {
		return &ConfigurationError{
			Key:    "IDEMPOTENCY_TTL_DAYS",
			Reason: fmt.Sprintf("must be >= 3 to outlast the store's TTL sweep, got %d", c.IdempotencyTTLDays),
		}
	}
	for key, v := range map[string]int64{
		"MAX_BUNDLE_INPUT_MB":             c.MaxBundleInputMB,
		"MAX_BUNDLE_ON_DISK_MB":           c.MaxBundleOnDiskMB,
		"SPOOL_FILE_MAX_SIZE_MB":          c.SpoolFileMaxSizeMB,
		"TIMEOUT_GUARD_THRESHOLD_SECONDS": int64(c.TimeoutGuardSeconds),
		"MAX_FETCH_WORKERS":               int64(c.MaxFetchWorkers),
		"QUEUE_PUT_TIMEOUT_SECONDS":       int64(c.QueuePutTimeoutSeconds),
	} {
		if v <= 0 {
			return &ConfigurationError{Key: key, Reason: fmt.Sprintf("must be positive, got %d", v)}
		}
	}
	if _, ok := log.ParseLevel(c.LogLevel); !ok {
		return &ConfigurationError{
			Key:    "LOG_LEVEL",
			Reason: fmt.Sprintf("unknown level %q", c.LogLevel),
		}
	}
	return nil
}

// Derived accessors in the units the rest of the system wants.

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLDays) * 24 * time.Hour
}

func (c *Config) MaxInputBytes() int64 {
	return c.MaxBundleInputMB * 1024 * 1024
}

func (c *Config) MaxOnDiskBytes() int64 {
	return c.MaxBundleOnDiskMB * 1024 * 1024
}

func (c *Config) SpoolThresholdBytes() int64 {
	return c.SpoolFileMaxSizeMB * 1024 * 1024
}

func (c *Config) TimeoutGuard() time.Duration {
	return time.Duration(c.TimeoutGuardSeconds) * time.Second
}

func (c *Config) QueuePutTimeout() time.Duration {
	return time.Duration(c.QueuePutTimeoutSeconds) * time.Second
}
