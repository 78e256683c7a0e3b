// Package config loads and validates spiderwho configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrSkipDoneWithArchive rejects skip-done in archive mode: results inside a
// compressed archive cannot be checked cheaply before a lookup.
var ErrSkipDoneWithArchive = errors.New("--skip is only compatible with --files")

// Config captures all run configuration knobs loaded via Viper.
type Config struct {
	Proxies ProxiesConfig `mapstructure:"proxies"`
	Input   InputConfig   `mapstructure:"input"`
	Output  OutputConfig  `mapstructure:"output"`
	Lookup  LookupConfig  `mapstructure:"lookup"`
	Status  StatusConfig  `mapstructure:"status"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ProxiesConfig selects the proxy list.
type ProxiesConfig struct {
	Path string `mapstructure:"path"`
	Max  int    `mapstructure:"max"`
}

// InputConfig controls the domain producer.
type InputConfig struct {
	Domains   string `mapstructure:"domains"`
	SkipDone  bool   `mapstructure:"skip_done"`
	SkipCount int64  `mapstructure:"skip_count"`
	MaxQueue  int    `mapstructure:"max_queue"`
}

// OutputConfig controls where results are written.
type OutputConfig struct {
	Dir        string `mapstructure:"dir"`
	Archive    bool   `mapstructure:"archive"`
	SplitThick bool   `mapstructure:"split_thick"`
	GCSBucket  string `mapstructure:"gcs_bucket"`
	MaxQueue   int    `mapstructure:"max_queue"`
}

// LookupConfig tunes the whois worker pool.
type LookupConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	EmailVerify      bool          `mapstructure:"email_verify"`
	Lazy             bool          `mapstructure:"lazy"`
	LazyRateLimits   int           `mapstructure:"lazy_ratelimits"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	MaxProxyErrors   int           `mapstructure:"max_proxy_errors"`
	RateLimitBackoff time.Duration `mapstructure:"ratelimit_backoff"`
	ServerRPS        float64       `mapstructure:"server_rps"`
	ServerBurst      int           `mapstructure:"server_burst"`
}

// StatusConfig controls the terminal status display.
type StatusConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Basis        string        `mapstructure:"basis"`
	Interval     time.Duration `mapstructure:"interval"`
	ReadyPoll    time.Duration `mapstructure:"ready_poll"`
	StartDelay   time.Duration `mapstructure:"start_delay"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
}

// LoggingConfig toggles zap development features and log saving.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	SaveLogs    bool `mapstructure:"save_logs"`
}

// MetricsConfig enables the optional Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// New returns a Viper instance with defaults and environment bindings in
// place. Callers may bind flags onto it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SPIDERWHO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from the Viper instance, reading path first when set.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxies.path", "")
	v.SetDefault("proxies.max", 0)
	v.SetDefault("input.domains", "")
	v.SetDefault("input.skip_done", false)
	v.SetDefault("input.skip_count", 0)
	v.SetDefault("input.max_queue", 10000)
	v.SetDefault("output.dir", "results")
	v.SetDefault("output.archive", true)
	v.SetDefault("output.split_thick", false)
	v.SetDefault("output.gcs_bucket", "")
	v.SetDefault("output.max_queue", 10000)
	v.SetDefault("lookup.timeout", "15s")
	v.SetDefault("lookup.email_verify", false)
	v.SetDefault("lookup.lazy", false)
	v.SetDefault("lookup.lazy_ratelimits", 5)
	v.SetDefault("lookup.max_attempts", 3)
	v.SetDefault("lookup.max_proxy_errors", 10)
	v.SetDefault("lookup.ratelimit_backoff", "30s")
	v.SetDefault("lookup.server_rps", 0)
	v.SetDefault("lookup.server_burst", 1)
	v.SetDefault("status.enabled", true)
	v.SetDefault("status.basis", "domains")
	v.SetDefault("status.interval", "1s")
	v.SetDefault("status.ready_poll", "200ms")
	v.SetDefault("status.start_delay", "1s")
	v.SetDefault("status.ready_timeout", "0s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.save_logs", false)
	v.SetDefault("metrics.listen_addr", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Proxies.Path) == "" {
		return fmt.Errorf("proxies.path is required")
	}
	if strings.TrimSpace(c.Input.Domains) == "" {
		return fmt.Errorf("input.domains is required")
	}
	if c.Input.SkipDone && c.Output.Archive {
		return ErrSkipDoneWithArchive
	}
	if c.Proxies.Max < 0 {
		return fmt.Errorf("proxies.max must be >= 0")
	}
	if c.Input.SkipCount < 0 {
		return fmt.Errorf("input.skip_count must be >= 0")
	}
	if c.Input.MaxQueue <= 0 {
		return fmt.Errorf("input.max_queue must be > 0")
	}
	if c.Output.MaxQueue <= 0 {
		return fmt.Errorf("output.max_queue must be > 0")
	}
	if c.Output.GCSBucket != "" && c.Output.Archive {
		return fmt.Errorf("output.gcs_bucket requires files mode")
	}
	if c.Output.GCSBucket == "" && strings.TrimSpace(c.Output.Dir) == "" {
		return fmt.Errorf("output.dir is required")
	}
	if c.Lookup.Timeout <= 0 {
		return fmt.Errorf("lookup.timeout must be > 0")
	}
	if c.Lookup.MaxAttempts <= 0 {
		return fmt.Errorf("lookup.max_attempts must be > 0")
	}
	if c.Lookup.MaxProxyErrors <= 0 {
		return fmt.Errorf("lookup.max_proxy_errors must be > 0")
	}
	if c.Lookup.Lazy && c.Lookup.LazyRateLimits <= 0 {
		return fmt.Errorf("lookup.lazy_ratelimits must be > 0 when lazy mode is enabled")
	}
	if c.Lookup.ServerRPS < 0 {
		return fmt.Errorf("lookup.server_rps must be >= 0")
	}
	if c.Lookup.ServerRPS > 0 && c.Lookup.ServerBurst <= 0 {
		return fmt.Errorf("lookup.server_burst must be > 0 when server_rps is set")
	}
	if c.Status.Interval <= 0 {
		return fmt.Errorf("status.interval must be > 0")
	}
	if c.Status.ReadyPoll <= 0 {
		return fmt.Errorf("status.ready_poll must be > 0")
	}
	if c.Status.ReadyTimeout < 0 {
		return fmt.Errorf("status.ready_timeout must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.Status.Basis)) {
	case "", "domains", "dps", "lookups", "lps":
	default:
		return fmt.Errorf("status.basis must be domains or lookups")
	}
	return nil
}
