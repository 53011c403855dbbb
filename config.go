package lockstep

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration.
type Config struct {
	// Path is the file path for the SQLite queue database. Required
	// unless Store is provided.
	Path string

	// Store is an optional storage backend override. If provided, Path
	// is ignored and the engine persists through this store instead.
	Store Store

	// Operator performs queued actions against the remote. Required.
	Operator Operator

	// Queue holds durable queue settings.
	Queue QueueConfig

	// RateLimit configures outbound request admission.
	RateLimit RateLimitConfig

	// Breaker configures the per-class circuit breakers.
	Breaker BreakerConfig

	// Retry configures backoff between delivery attempts.
	Retry RetryConfig

	// Sync configures the drain cycle.
	Sync SyncConfig

	// Conflicts configures conflict resolution.
	Conflicts ConflictConfig

	// Health configures the health monitor.
	Health HealthConfig

	// Connectivity configures the reachability prober.
	// If nil, connectivity is driven only by SetOnline.
	Connectivity *ConnectivityConfig

	// Compression configures payload compression at rest.
	Compression CompressionConfig

	// Encryption configures payload encryption at rest.
	// If nil or Enabled is false, payloads are stored unencrypted.
	Encryption *EncryptionConfig

	// StatusFeed configures the local status HTTP server.
	// If nil or Enabled is false, no server is started.
	StatusFeed *StatusFeedConfig

	// Archive configures export of terminal items and resolved conflicts
	// to S3-compatible object storage. If nil or Enabled is false,
	// nothing is exported.
	Archive *ArchiveConfig
}

// QueueConfig groups durable queue settings.
type QueueConfig struct {
	// MaxItems is the maximum number of queued actions. Enqueue returns
	// ErrQueueFull beyond it. Default: 10,000. Negative disables the cap.
	MaxItems int

	// DefaultMaxAttempts is the per-item attempt budget used when an
	// action is enqueued without an explicit one. Default: 5.
	DefaultMaxAttempts int

	// CompletedRetention is how long completed items are kept before
	// removal. Default: 0, meaning completed items are removed at the
	// end of the cycle that delivered them.
	CompletedRetention time.Duration

	// FailedRetention is how long failed items stay queryable before the
	// retention sweep removes them. Default: 7 days.
	FailedRetention time.Duration

	// SweepInterval is how often the retention sweep runs.
	// Default: 1 hour.
	SweepInterval time.Duration
}

// RateLimitConfig groups request admission settings. The limiter counts
// requests per action key in fixed windows.
type RateLimitConfig struct {
	// MaxRequests is the number of requests allowed per key per window.
	// Default: 60. Set to 0 to disable rate limiting.
	MaxRequests int

	// Window is the fixed window length. Default: 1 minute.
	Window time.Duration

	// SweepInterval is how often expired windows are purged.
	// Default: 5 minutes.
	SweepInterval time.Duration
}

// BreakerConfig groups circuit breaker settings. The engine keeps one
// breaker per operation class so one failing backend cannot block
// unrelated operations.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker waits before allowing
	// a half-open probe. Default: 30 seconds.
	RecoveryTimeout time.Duration

	// Classify maps an action to its operation class. Defaults to the
	// item's table, or the action name for actions without a table.
	Classify func(action, table string) string
}

// RetryConfig groups retry backoff settings for delivery attempts.
type RetryConfig struct {
	// MaxAttempts is the maximum delivery attempts per item within one
	// sync cycle. The item's own attempt budget still applies on top.
	// Default: 3.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries. Default: 30 seconds.
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential growth factor. Default: 2.0.
	BackoffMultiplier float64

	// RetryIf decides whether an error is worth another attempt.
	// Defaults to IsRetryable.
	RetryIf func(error) bool
}

// SyncConfig groups drain cycle settings.
type SyncConfig struct {
	// Interval is how often a drain cycle runs on the timer trigger.
	// Default: 30 seconds. Set to 0 to disable the timer; cycles then
	// run only on connectivity changes and ForceSync.
	Interval time.Duration

	// BatchSize is the maximum number of items claimed per cycle.
	// Default: 50.
	BatchSize int

	// OpTimeout bounds a single delivery attempt. Default: 15 seconds.
	OpTimeout time.Duration

	// BandwidthLimit throttles outbound payload bytes per second.
	// Default: 0, meaning unlimited.
	BandwidthLimit int
}

// ConflictConfig groups conflict resolution settings.
type ConflictConfig struct {
	// DefaultStrategy is used by Resolve when no strategy is given and
	// the table has no strategy of its own. Default: manual, which
	// refuses to resolve without an explicit choice.
	DefaultStrategy Strategy

	// ResolvedRetention is how long resolved conflicts are kept before
	// the retention sweep removes them. Default: 24 hours.
	ResolvedRetention time.Duration
}

// HealthConfig groups health monitor settings.
type HealthConfig struct {
	// Interval is how often the health snapshot is re-evaluated and
	// published to status subscribers. Default: 10 seconds.
	Interval time.Duration

	// FailureWindow is how far back delivery failures count toward the
	// health score. Default: 5 minutes.
	FailureWindow time.Duration
}

// ConnectivityConfig groups reachability probe settings.
type ConnectivityConfig struct {
	// ProbeURL is requested with HEAD to decide whether the remote is
	// reachable. Required when the prober is enabled.
	ProbeURL string

	// Interval is how often the probe runs. Default: 30 seconds.
	Interval time.Duration

	// Timeout bounds a single probe. Default: 5 seconds.
	Timeout time.Duration
}

// CompressionConfig groups payload compression settings.
type CompressionConfig struct {
	// Disabled turns off snappy compression of stored payloads.
	Disabled bool

	// MinSize is the payload size in bytes below which compression is
	// skipped. Default: 256.
	MinSize int
}

// EncryptionConfig configures payload encryption at rest.
type EncryptionConfig struct {
	// Enabled turns on AES-256-GCM encryption of stored payloads.
	Enabled bool

	// Key is the 32-byte encryption key. Takes precedence over
	// KeyPassword when both are set.
	Key []byte

	// KeyPassword derives the key via PBKDF2 when Key is not provided.
	KeyPassword string
}

// StatusFeedConfig groups the local status HTTP server settings.
type StatusFeedConfig struct {
	// Enabled starts the status server.
	Enabled bool

	// Addr is the listen address. Default: "127.0.0.1".
	Addr string

	// Port is the listen port. Default: 7600.
	Port int
}

// ArchiveConfig configures export to S3-compatible object storage.
type ArchiveConfig struct {
	// Enabled turns on the archive exporter.
	Enabled bool

	// Endpoint is a custom S3 endpoint URL. Empty uses AWS.
	Endpoint string

	// Region is the S3 region. Default: "us-east-1".
	Region string

	// Bucket is the destination bucket. Required.
	Bucket string

	// Prefix is prepended to object keys. Default: "lockstep".
	Prefix string

	// AccessKeyID and SecretAccessKey are static credentials. Empty
	// falls back to the default AWS credential chain.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle forces path-style addressing, needed by MinIO and
	// most self-hosted S3 implementations.
	UsePathStyle bool

	// Interval is how often a batch is exported. Default: 1 hour.
	Interval time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path: path,
		Queue: QueueConfig{
			MaxItems:           10_000,
			DefaultMaxAttempts: 5,
			CompletedRetention: 0,
			FailedRetention:    7 * 24 * time.Hour,
			SweepInterval:      time.Hour,
		},
		RateLimit: RateLimitConfig{
			MaxRequests:   60,
			Window:        time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		},
		Sync: SyncConfig{
			Interval:  30 * time.Second,
			BatchSize: 50,
			OpTimeout: 15 * time.Second,
		},
		Conflicts: ConflictConfig{
			DefaultStrategy:   StrategyManual,
			ResolvedRetention: 24 * time.Hour,
		},
		Health: HealthConfig{
			Interval:      10 * time.Second,
			FailureWindow: 5 * time.Minute,
		},
		Compression: CompressionConfig{
			MinSize: 256,
		},
	}
}

// normalize fills zero values with defaults so a partially populated
// Config behaves like DefaultConfig for the fields it leaves unset.
func (c *Config) normalize() {
	def := DefaultConfig(c.Path)
	if c.Queue.MaxItems == 0 {
		c.Queue.MaxItems = def.Queue.MaxItems
	}
	if c.Queue.DefaultMaxAttempts == 0 {
		c.Queue.DefaultMaxAttempts = def.Queue.DefaultMaxAttempts
	}
	if c.Queue.FailedRetention == 0 {
		c.Queue.FailedRetention = def.Queue.FailedRetention
	}
	if c.Queue.SweepInterval == 0 {
		c.Queue.SweepInterval = def.Queue.SweepInterval
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = def.RateLimit.Window
	}
	if c.RateLimit.SweepInterval == 0 {
		c.RateLimit.SweepInterval = def.RateLimit.SweepInterval
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if c.Breaker.RecoveryTimeout == 0 {
		c.Breaker.RecoveryTimeout = def.Breaker.RecoveryTimeout
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = def.Retry.InitialBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = def.Retry.MaxBackoff
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = def.Retry.BackoffMultiplier
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = def.Sync.BatchSize
	}
	if c.Sync.OpTimeout == 0 {
		c.Sync.OpTimeout = def.Sync.OpTimeout
	}
	if c.Conflicts.DefaultStrategy == "" {
		c.Conflicts.DefaultStrategy = def.Conflicts.DefaultStrategy
	}
	if c.Conflicts.ResolvedRetention == 0 {
		c.Conflicts.ResolvedRetention = def.Conflicts.ResolvedRetention
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = def.Health.Interval
	}
	if c.Health.FailureWindow == 0 {
		c.Health.FailureWindow = def.Health.FailureWindow
	}
	if c.Compression.MinSize == 0 {
		c.Compression.MinSize = def.Compression.MinSize
	}
	if c.Connectivity != nil {
		if c.Connectivity.Interval == 0 {
			c.Connectivity.Interval = 30 * time.Second
		}
		if c.Connectivity.Timeout == 0 {
			c.Connectivity.Timeout = 5 * time.Second
		}
	}
	if c.StatusFeed != nil {
		if c.StatusFeed.Addr == "" {
			c.StatusFeed.Addr = "127.0.0.1"
		}
		if c.StatusFeed.Port == 0 {
			c.StatusFeed.Port = 7600
		}
	}
	if c.Archive != nil {
		if c.Archive.Region == "" {
			c.Archive.Region = "us-east-1"
		}
		if c.Archive.Prefix == "" {
			c.Archive.Prefix = "lockstep"
		}
		if c.Archive.Interval == 0 {
			c.Archive.Interval = time.Hour
		}
	}
}

// validate rejects configurations the engine cannot run with.
func (c *Config) validate() error {
	if c.Path == "" && c.Store == nil {
		return newValidationError("config", "either Path or Store is required", 0, nil)
	}
	if c.Operator == nil {
		return newValidationError("config", "Operator is required", 0, nil)
	}
	if !c.Conflicts.DefaultStrategy.Valid() {
		return newValidationError("config",
			fmt.Sprintf("unknown conflict strategy %q", c.Conflicts.DefaultStrategy), 0, nil)
	}
	if c.Retry.BackoffMultiplier < 1 {
		return newValidationError("config", "BackoffMultiplier must be >= 1", 0, nil)
	}
	if c.Encryption != nil && c.Encryption.Enabled &&
		len(c.Encryption.Key) == 0 && c.Encryption.KeyPassword == "" {
		return newValidationError("config", "encryption enabled without a key", 0, nil)
	}
	if c.Connectivity != nil && c.Connectivity.ProbeURL == "" {
		return newValidationError("config", "Connectivity.ProbeURL is required", 0, nil)
	}
	if c.Archive != nil && c.Archive.Enabled && c.Archive.Bucket == "" {
		return newValidationError("config", "Archive.Bucket is required", 0, nil)
	}
	return nil
}

// configFile is the YAML-friendly mirror of Config. Durations are
// strings in Go duration syntax, e.g. "30s" or "1h".
type configFile struct {
	Path  string `yaml:"path"`
	Queue struct {
		MaxItems           int    `yaml:"max_items"`
		DefaultMaxAttempts int    `yaml:"default_max_attempts"`
		CompletedRetention string `yaml:"completed_retention"`
		FailedRetention    string `yaml:"failed_retention"`
		SweepInterval      string `yaml:"sweep_interval"`
	} `yaml:"queue"`
	RateLimit struct {
		MaxRequests   int    `yaml:"max_requests"`
		Window        string `yaml:"window"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"rate_limit"`
	Breaker struct {
		FailureThreshold int    `yaml:"failure_threshold"`
		RecoveryTimeout  string `yaml:"recovery_timeout"`
	} `yaml:"breaker"`
	Retry struct {
		MaxAttempts       int     `yaml:"max_attempts"`
		InitialBackoff    string  `yaml:"initial_backoff"`
		MaxBackoff        string  `yaml:"max_backoff"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	} `yaml:"retry"`
	Sync struct {
		Interval       string `yaml:"interval"`
		BatchSize      int    `yaml:"batch_size"`
		OpTimeout      string `yaml:"op_timeout"`
		BandwidthLimit int    `yaml:"bandwidth_limit"`
	} `yaml:"sync"`
	Conflicts struct {
		DefaultStrategy   string `yaml:"default_strategy"`
		ResolvedRetention string `yaml:"resolved_retention"`
	} `yaml:"conflicts"`
	Health struct {
		Interval      string `yaml:"interval"`
		FailureWindow string `yaml:"failure_window"`
	} `yaml:"health"`
	Connectivity *struct {
		ProbeURL string `yaml:"probe_url"`
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"connectivity"`
	Compression struct {
		Disabled bool `yaml:"disabled"`
		MinSize  int  `yaml:"min_size"`
	} `yaml:"compression"`
	Encryption *struct {
		Enabled     bool   `yaml:"enabled"`
		KeyPassword string `yaml:"key_password"`
	} `yaml:"encryption"`
	StatusFeed *struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		Port    int    `yaml:"port"`
	} `yaml:"status_feed"`
	Archive *struct {
		Enabled         bool   `yaml:"enabled"`
		Endpoint        string `yaml:"endpoint"`
		Region          string `yaml:"region"`
		Bucket          string `yaml:"bucket"`
		Prefix          string `yaml:"prefix"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
		UsePathStyle    bool   `yaml:"use_path_style"`
		Interval        string `yaml:"interval"`
	} `yaml:"archive"`
}

// LoadConfigFile reads a YAML configuration file and applies it over
// DefaultConfig. Fields absent from the file keep their defaults.
// Operator, Store, and merge functions cannot come from a file and must
// be set on the returned Config before Open.
func LoadConfigFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := DefaultConfig(f.Path)
	if f.Queue.MaxItems != 0 {
		cfg.Queue.MaxItems = f.Queue.MaxItems
	}
	if f.Queue.DefaultMaxAttempts != 0 {
		cfg.Queue.DefaultMaxAttempts = f.Queue.DefaultMaxAttempts
	}
	if err := setDuration(&cfg.Queue.CompletedRetention, f.Queue.CompletedRetention); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.Queue.FailedRetention, f.Queue.FailedRetention); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.Queue.SweepInterval, f.Queue.SweepInterval); err != nil {
		return Config{}, err
	}
	if f.RateLimit.MaxRequests != 0 {
		cfg.RateLimit.MaxRequests = f.RateLimit.MaxRequests
	}
	if err := setDuration(&cfg.RateLimit.Window, f.RateLimit.Window); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.RateLimit.SweepInterval, f.RateLimit.SweepInterval); err != nil {
		return Config{}, err
	}
	if f.Breaker.FailureThreshold != 0 {
		cfg.Breaker.FailureThreshold = f.Breaker.FailureThreshold
	}
	if err := setDuration(&cfg.Breaker.RecoveryTimeout, f.Breaker.RecoveryTimeout); err != nil {
		return Config{}, err
	}
	if f.Retry.MaxAttempts != 0 {
		cfg.Retry.MaxAttempts = f.Retry.MaxAttempts
	}
	if err := setDuration(&cfg.Retry.InitialBackoff, f.Retry.InitialBackoff); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.Retry.MaxBackoff, f.Retry.MaxBackoff); err != nil {
		return Config{}, err
	}
	if f.Retry.BackoffMultiplier != 0 {
		cfg.Retry.BackoffMultiplier = f.Retry.BackoffMultiplier
	}
	if err := setDuration(&cfg.Sync.Interval, f.Sync.Interval); err != nil {
		return Config{}, err
	}
	if f.Sync.BatchSize != 0 {
		cfg.Sync.BatchSize = f.Sync.BatchSize
	}
	if err := setDuration(&cfg.Sync.OpTimeout, f.Sync.OpTimeout); err != nil {
		return Config{}, err
	}
	if f.Sync.BandwidthLimit != 0 {
		cfg.Sync.BandwidthLimit = f.Sync.BandwidthLimit
	}
	if f.Conflicts.DefaultStrategy != "" {
		cfg.Conflicts.DefaultStrategy = Strategy(f.Conflicts.DefaultStrategy)
	}
	if err := setDuration(&cfg.Conflicts.ResolvedRetention, f.Conflicts.ResolvedRetention); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.Health.Interval, f.Health.Interval); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.Health.FailureWindow, f.Health.FailureWindow); err != nil {
		return Config{}, err
	}
	if f.Connectivity != nil {
		cfg.Connectivity = &ConnectivityConfig{ProbeURL: f.Connectivity.ProbeURL}
		if err := setDuration(&cfg.Connectivity.Interval, f.Connectivity.Interval); err != nil {
			return Config{}, err
		}
		if err := setDuration(&cfg.Connectivity.Timeout, f.Connectivity.Timeout); err != nil {
			return Config{}, err
		}
	}
	cfg.Compression.Disabled = f.Compression.Disabled
	if f.Compression.MinSize != 0 {
		cfg.Compression.MinSize = f.Compression.MinSize
	}
	if f.Encryption != nil {
		cfg.Encryption = &EncryptionConfig{
			Enabled:     f.Encryption.Enabled,
			KeyPassword: f.Encryption.KeyPassword,
		}
	}
	if f.StatusFeed != nil {
		cfg.StatusFeed = &StatusFeedConfig{
			Enabled: f.StatusFeed.Enabled,
			Addr:    f.StatusFeed.Addr,
			Port:    f.StatusFeed.Port,
		}
	}
	if f.Archive != nil {
		cfg.Archive = &ArchiveConfig{
			Enabled:         f.Archive.Enabled,
			Endpoint:        f.Archive.Endpoint,
			Region:          f.Archive.Region,
			Bucket:          f.Archive.Bucket,
			Prefix:          f.Archive.Prefix,
			AccessKeyID:     f.Archive.AccessKeyID,
			SecretAccessKey: f.Archive.SecretAccessKey,
			UsePathStyle:    f.Archive.UsePathStyle,
		}
		if err := setDuration(&cfg.Archive.Interval, f.Archive.Interval); err != nil {
			return Config{}, err
		}
	}
	cfg.normalize()
	return cfg, nil
}

// setDuration parses s into dst when s is non-empty.
func setDuration(dst *time.Duration, s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*dst = d
	return nil
}
