package lockstep

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/tmp/queue.db")

	if cfg.Path != "/tmp/queue.db" {
		t.Errorf("Path = %q, want %q", cfg.Path, "/tmp/queue.db")
	}
	if cfg.Queue.MaxItems != 10_000 {
		t.Errorf("Queue.MaxItems = %d, want 10000", cfg.Queue.MaxItems)
	}
	if cfg.Queue.DefaultMaxAttempts != 5 {
		t.Errorf("Queue.DefaultMaxAttempts = %d, want 5", cfg.Queue.DefaultMaxAttempts)
	}
	if cfg.Queue.FailedRetention != 7*24*time.Hour {
		t.Errorf("Queue.FailedRetention = %v, want 168h", cfg.Queue.FailedRetention)
	}
	if cfg.RateLimit.MaxRequests != 60 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("RateLimit = %d/%v, want 60/1m", cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.RecoveryTimeout != 30*time.Second {
		t.Errorf("Breaker = %d/%v, want 5/30s", cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BackoffMultiplier != 2.0 {
		t.Errorf("Retry = %d/%v, want 3/2.0", cfg.Retry.MaxAttempts, cfg.Retry.BackoffMultiplier)
	}
	if cfg.Sync.Interval != 30*time.Second || cfg.Sync.BatchSize != 50 {
		t.Errorf("Sync = %v/%d, want 30s/50", cfg.Sync.Interval, cfg.Sync.BatchSize)
	}
	if cfg.Conflicts.DefaultStrategy != StrategyManual {
		t.Errorf("Conflicts.DefaultStrategy = %q, want %q", cfg.Conflicts.DefaultStrategy, StrategyManual)
	}
	if cfg.Compression.MinSize != 256 {
		t.Errorf("Compression.MinSize = %d, want 256", cfg.Compression.MinSize)
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{Path: "/tmp/queue.db"}
	cfg.normalize()

	def := DefaultConfig("/tmp/queue.db")
	if cfg.Queue.MaxItems != def.Queue.MaxItems {
		t.Errorf("Queue.MaxItems = %d, want %d", cfg.Queue.MaxItems, def.Queue.MaxItems)
	}
	if cfg.Retry.InitialBackoff != def.Retry.InitialBackoff {
		t.Errorf("Retry.InitialBackoff = %v, want %v", cfg.Retry.InitialBackoff, def.Retry.InitialBackoff)
	}
	if cfg.Conflicts.DefaultStrategy != StrategyManual {
		t.Errorf("Conflicts.DefaultStrategy = %q, want %q", cfg.Conflicts.DefaultStrategy, StrategyManual)
	}

	t.Run("explicit values kept", func(t *testing.T) {
		cfg := Config{Path: "/tmp/queue.db"}
		cfg.Queue.MaxItems = 25
		cfg.Retry.MaxAttempts = 1
		cfg.normalize()
		if cfg.Queue.MaxItems != 25 {
			t.Errorf("Queue.MaxItems = %d, want 25", cfg.Queue.MaxItems)
		}
		if cfg.Retry.MaxAttempts != 1 {
			t.Errorf("Retry.MaxAttempts = %d, want 1", cfg.Retry.MaxAttempts)
		}
	})

	t.Run("optional sections", func(t *testing.T) {
		cfg := Config{
			Path:         "/tmp/queue.db",
			Connectivity: &ConnectivityConfig{ProbeURL: "https://remote/health"},
			StatusFeed:   &StatusFeedConfig{Enabled: true},
			Archive:      &ArchiveConfig{Enabled: true, Bucket: "b"},
		}
		cfg.normalize()
		if cfg.Connectivity.Interval != 30*time.Second || cfg.Connectivity.Timeout != 5*time.Second {
			t.Errorf("Connectivity = %v/%v, want 30s/5s", cfg.Connectivity.Interval, cfg.Connectivity.Timeout)
		}
		if cfg.StatusFeed.Addr != "127.0.0.1" || cfg.StatusFeed.Port != 7600 {
			t.Errorf("StatusFeed = %s:%d, want 127.0.0.1:7600", cfg.StatusFeed.Addr, cfg.StatusFeed.Port)
		}
		if cfg.Archive.Region != "us-east-1" || cfg.Archive.Prefix != "lockstep" {
			t.Errorf("Archive = %s/%s, want us-east-1/lockstep", cfg.Archive.Region, cfg.Archive.Prefix)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	base := DefaultConfig("/tmp/queue.db")
	base.Operator = OperatorFunc(func(ctx context.Context, action string, payload []byte) (*OperationResult, error) {
		return &OperationResult{}, nil
	})

	tests := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{"valid", func(c *Config) {}, true},
		{"store instead of path", func(c *Config) { c.Path = ""; c.Store = NewMemoryStore() }, true},
		{"no path no store", func(c *Config) { c.Path = "" }, false},
		{"no operator", func(c *Config) { c.Operator = nil }, false},
		{"bad strategy", func(c *Config) { c.Conflicts.DefaultStrategy = "coin_flip" }, false},
		{"multiplier below one", func(c *Config) { c.Retry.BackoffMultiplier = 0.5 }, false},
		{"encryption without key", func(c *Config) { c.Encryption = &EncryptionConfig{Enabled: true} }, false},
		{"connectivity without url", func(c *Config) { c.Connectivity = &ConnectivityConfig{} }, false},
		{"archive without bucket", func(c *Config) { c.Archive = &ArchiveConfig{Enabled: true} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mut(&cfg)
			err := cfg.validate()
			if tt.ok && err != nil {
				t.Errorf("validate() = %v, want nil", err)
			}
			if !tt.ok {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("validate() = %v, want *ValidationError", err)
				}
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	raw := `
path: /var/lib/app/queue.db
queue:
  max_items: 500
  default_max_attempts: 2
  failed_retention: 48h
rate_limit:
  max_requests: 10
  window: 30s
breaker:
  failure_threshold: 3
  recovery_timeout: 1m
retry:
  max_attempts: 4
  initial_backoff: 250ms
  backoff_multiplier: 1.5
sync:
  interval: 2m
  batch_size: 20
  bandwidth_limit: 65536
conflicts:
  default_strategy: merge
  resolved_retention: 12h
connectivity:
  probe_url: https://api.example.com/health
  interval: 45s
compression:
  min_size: 1024
encryption:
  enabled: true
  key_password: hunter2
status_feed:
  enabled: true
  port: 9100
archive:
  enabled: true
  endpoint: http://127.0.0.1:9000
  bucket: sync-archive
  use_path_style: true
  interval: 15m
`
	path := filepath.Join(t.TempDir(), "lockstep.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile() error = %v", err)
	}

	if cfg.Path != "/var/lib/app/queue.db" {
		t.Errorf("Path = %q, want %q", cfg.Path, "/var/lib/app/queue.db")
	}
	if cfg.Queue.MaxItems != 500 || cfg.Queue.DefaultMaxAttempts != 2 {
		t.Errorf("Queue = %d/%d, want 500/2", cfg.Queue.MaxItems, cfg.Queue.DefaultMaxAttempts)
	}
	if cfg.Queue.FailedRetention != 48*time.Hour {
		t.Errorf("Queue.FailedRetention = %v, want 48h", cfg.Queue.FailedRetention)
	}
	// Absent from the file, so the default survives.
	if cfg.Queue.SweepInterval != time.Hour {
		t.Errorf("Queue.SweepInterval = %v, want 1h", cfg.Queue.SweepInterval)
	}
	if cfg.RateLimit.MaxRequests != 10 || cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("RateLimit = %d/%v, want 10/30s", cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
	}
	if cfg.Breaker.FailureThreshold != 3 || cfg.Breaker.RecoveryTimeout != time.Minute {
		t.Errorf("Breaker = %d/%v, want 3/1m", cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout)
	}
	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.InitialBackoff != 250*time.Millisecond || cfg.Retry.BackoffMultiplier != 1.5 {
		t.Errorf("Retry = %+v, want 4/250ms/1.5", cfg.Retry)
	}
	if cfg.Sync.Interval != 2*time.Minute || cfg.Sync.BatchSize != 20 || cfg.Sync.BandwidthLimit != 65536 {
		t.Errorf("Sync = %+v, want 2m/20/65536", cfg.Sync)
	}
	if cfg.Conflicts.DefaultStrategy != StrategyMerge || cfg.Conflicts.ResolvedRetention != 12*time.Hour {
		t.Errorf("Conflicts = %+v, want merge/12h", cfg.Conflicts)
	}
	if cfg.Connectivity == nil {
		t.Fatal("Connectivity = nil, want populated")
	}
	if cfg.Connectivity.ProbeURL != "https://api.example.com/health" || cfg.Connectivity.Interval != 45*time.Second {
		t.Errorf("Connectivity = %+v, want url/45s", cfg.Connectivity)
	}
	if cfg.Connectivity.Timeout != 5*time.Second {
		t.Errorf("Connectivity.Timeout = %v, want 5s default", cfg.Connectivity.Timeout)
	}
	if cfg.Compression.MinSize != 1024 {
		t.Errorf("Compression.MinSize = %d, want 1024", cfg.Compression.MinSize)
	}
	if cfg.Encryption == nil || !cfg.Encryption.Enabled || cfg.Encryption.KeyPassword != "hunter2" {
		t.Errorf("Encryption = %+v, want enabled with password", cfg.Encryption)
	}
	if cfg.StatusFeed == nil || !cfg.StatusFeed.Enabled || cfg.StatusFeed.Port != 9100 {
		t.Errorf("StatusFeed = %+v, want enabled on 9100", cfg.StatusFeed)
	}
	if cfg.StatusFeed.Addr != "127.0.0.1" {
		t.Errorf("StatusFeed.Addr = %q, want default 127.0.0.1", cfg.StatusFeed.Addr)
	}
	if cfg.Archive == nil || cfg.Archive.Bucket != "sync-archive" || !cfg.Archive.UsePathStyle {
		t.Errorf("Archive = %+v, want bucket sync-archive path-style", cfg.Archive)
	}
	if cfg.Archive.Interval != 15*time.Minute || cfg.Archive.Region != "us-east-1" {
		t.Errorf("Archive = %v/%s, want 15m/us-east-1", cfg.Archive.Interval, cfg.Archive.Region)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("LoadConfigFile() = nil, want error")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte("queue: [unclosed"), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := LoadConfigFile(path); err == nil {
			t.Error("LoadConfigFile() = nil, want error")
		}
	})

	t.Run("invalid duration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dur.yaml")
		if err := os.WriteFile(path, []byte("sync:\n  interval: soon\n"), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := LoadConfigFile(path); err == nil {
			t.Error("LoadConfigFile() = nil, want error")
		}
	})
}
