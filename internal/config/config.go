// Package config loads layered runtime configuration: viper defaults,
// then an optional config file, then environment variables under a fixed
// prefix.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the replay engine.
type Config struct {
	Upstream ReplayUpstreamConfig `mapstructure:"upstream"`
	Replay   ReplayConfig         `mapstructure:"replay"`
	Metrics  MetricsConfig        `mapstructure:"metrics"`
	Logging  LoggingConfig        `mapstructure:"logging"`
}

// ReplayUpstreamConfig carries the endpoint and channel tuning for the
// upstream data provider.
type ReplayUpstreamConfig struct {
	Endpoint              string `mapstructure:"endpoint"`
	Insecure              bool   `mapstructure:"insecure"`
	KeepaliveTimeSecs     int    `mapstructure:"keepalive_time_secs"`
	KeepaliveTimeoutSecs  int    `mapstructure:"keepalive_timeout_secs"`
	MinConnectTimeoutSecs int    `mapstructure:"min_connect_timeout_secs"`
	MaxRecvMsgSize        int    `mapstructure:"max_recv_msg_size"`
	MaxSendMsgSize        int    `mapstructure:"max_send_msg_size"`
}

// ReplayConfig controls handover/backfill tuning shared by every engine
// instance constructed by this process.
type ReplayConfig struct {
	StartSlot            uint64        `mapstructure:"start_slot"`
	SafetyMargin         uint64        `mapstructure:"safety_margin"`
	PageSize             int           `mapstructure:"page_size"`
	ConnectionTimeout    time.Duration `mapstructure:"connection_timeout"`
	MiniBackfillBudget   time.Duration `mapstructure:"mini_backfill_budget"`
	MaxEmptyPageAttempts int           `mapstructure:"max_empty_page_attempts"`
	MaxGetAccountRetries int           `mapstructure:"max_get_account_retries"`
	BackoffInitial       time.Duration `mapstructure:"backoff_initial"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	BackoffJitter        float64       `mapstructure:"backoff_jitter"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from defaults, an optional config file named
// "replay" on the search path, and REPLAY_-prefixed environment
// variables, in that order of increasing precedence.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("upstream.endpoint", "localhost:4003")
	v.SetDefault("upstream.insecure", false)
	v.SetDefault("upstream.keepalive_time_secs", 30)
	v.SetDefault("upstream.keepalive_timeout_secs", 5)
	v.SetDefault("upstream.min_connect_timeout_secs", 10)
	v.SetDefault("upstream.max_recv_msg_size", 1024*1024*1024)
	v.SetDefault("upstream.max_send_msg_size", 32*1024*1024)

	v.SetDefault("replay.start_slot", 0)
	v.SetDefault("replay.safety_margin", 20)
	v.SetDefault("replay.page_size", 256)
	v.SetDefault("replay.connection_timeout", 30*time.Second)
	v.SetDefault("replay.mini_backfill_budget", 30*time.Second)
	v.SetDefault("replay.max_empty_page_attempts", 20)
	v.SetDefault("replay.max_get_account_retries", 3)
	v.SetDefault("replay.backoff_initial", 500*time.Millisecond)
	v.SetDefault("replay.backoff_max", 30*time.Second)
	v.SetDefault("replay.backoff_jitter", 0.2)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("replay")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("REPLAY")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Replay.PageSize <= 0 {
		cfg.Replay.PageSize = 256
	}
	if cfg.Replay.MaxEmptyPageAttempts <= 0 {
		cfg.Replay.MaxEmptyPageAttempts = 20
	}

	return cfg, nil
}
