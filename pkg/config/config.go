package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "HANGAR"

// Dispatch engine selection.
const (
	DispatchModeLocking = "locking"
	DispatchModeSerial  = "serial"
)

// MemoryDatabaseURL selects the in-memory store (development only;
// state does not survive a restart).
const MemoryDatabaseURL = "memory"

// minAPIKeyLen is the shortest admin key the server will start with.
const minAPIKeyLen = 32

// Config holds every process-wide knob. It is materialized once at
// startup from environment (and an optional YAML file) and never
// mutated afterwards.
type Config struct {
	APIKey      string
	StorageRoot string
	DatabaseURL string
	HTTPBind    string

	WorkerTokenTTL        time.Duration
	WorkerPollInterval    time.Duration
	BuildHeartbeatTimeout time.Duration
	WorkerOfflineTimeout  time.Duration
	LivenessScanInterval  time.Duration
	MaxUploadBytes        int64

	DispatchMode         string
	QueueHighWater       int
	MaxConcurrentUploads int
	DBMaxOpenConns       int
	DBMaxIdleConns       int
	AutoMigrate          bool
	ShutdownGrace        time.Duration

	LogLevel string
	LogJSON  bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_bind", ":8080")
	v.SetDefault("worker_token_ttl_seconds", 90)
	v.SetDefault("worker_poll_interval_seconds", 30)
	v.SetDefault("build_heartbeat_timeout_seconds", 300)
	v.SetDefault("worker_offline_timeout_seconds", 300)
	v.SetDefault("liveness_scan_interval_seconds", 60)
	v.SetDefault("max_upload_bytes", int64(2)<<30)
	v.SetDefault("dispatch_mode", DispatchModeLocking)
	v.SetDefault("queue_high_water", 1000)
	v.SetDefault("max_concurrent_uploads", 8)
	v.SetDefault("db_max_open_conns", 10)
	v.SetDefault("db_max_idle_conns", 5)
	v.SetDefault("auto_migrate", true)
	v.SetDefault("shutdown_grace_seconds", 15)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
}

// Load reads configuration from HANGAR_-prefixed environment variables
// and, when configFile is non-empty, a YAML file. Environment wins over
// the file; both win over defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		APIKey:      v.GetString("api_key"),
		StorageRoot: v.GetString("storage_root"),
		DatabaseURL: v.GetString("database_url"),
		HTTPBind:    v.GetString("http_bind"),

		WorkerTokenTTL:        seconds(v, "worker_token_ttl_seconds"),
		WorkerPollInterval:    seconds(v, "worker_poll_interval_seconds"),
		BuildHeartbeatTimeout: seconds(v, "build_heartbeat_timeout_seconds"),
		WorkerOfflineTimeout:  seconds(v, "worker_offline_timeout_seconds"),
		LivenessScanInterval:  seconds(v, "liveness_scan_interval_seconds"),
		MaxUploadBytes:        v.GetInt64("max_upload_bytes"),

		DispatchMode:         v.GetString("dispatch_mode"),
		QueueHighWater:       v.GetInt("queue_high_water"),
		MaxConcurrentUploads: v.GetInt("max_concurrent_uploads"),
		DBMaxOpenConns:       v.GetInt("db_max_open_conns"),
		DBMaxIdleConns:       v.GetInt("db_max_idle_conns"),
		AutoMigrate:          v.GetBool("auto_migrate"),
		ShutdownGrace:        seconds(v, "shutdown_grace_seconds"),

		LogLevel: v.GetString("log_level"),
		LogJSON:  v.GetBool("log_json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

// Validate rejects configurations the server must not start with.
// Callers exit non-zero on error.
func (c *Config) Validate() error {
	if len(c.APIKey) < minAPIKeyLen {
		return fmt.Errorf("api_key must be at least %d characters", minAPIKeyLen)
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("storage_root is required")
	}
	if !filepath.IsAbs(c.StorageRoot) {
		return fmt.Errorf("storage_root must be an absolute path: %q", c.StorageRoot)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (use %q for the in-memory dev store)", MemoryDatabaseURL)
	}
	if c.DispatchMode != DispatchModeLocking && c.DispatchMode != DispatchModeSerial {
		return fmt.Errorf("dispatch_mode must be %q or %q", DispatchModeLocking, DispatchModeSerial)
	}
	if c.WorkerTokenTTL < 3*c.WorkerPollInterval {
		return fmt.Errorf("worker_token_ttl_seconds must be at least three poll intervals (ttl %s, poll %s)",
			c.WorkerTokenTTL, c.WorkerPollInterval)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}
	if c.QueueHighWater <= 0 {
		return fmt.Errorf("queue_high_water must be positive")
	}
	return nil
}

// InMemory reports whether the in-memory dev store is selected instead
// of Postgres.
func (c *Config) InMemory() bool {
	return c.DatabaseURL == MemoryDatabaseURL
}
