package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the configuration file looked up in the working directory.
const FileName = "where-am-i.toml"

type Config struct {
	LogsPath string `mapstructure:"logs_path" toml:"logs_path"`
	Address  string `mapstructure:"address" toml:"address"`
	Content  string `mapstructure:"content" toml:"content"`
	Cache    string `mapstructure:"cache" toml:"cache"`

	Server     ServerConfig     `mapstructure:"server" toml:"server"`
	Tail       TailConfig       `mapstructure:"tail" toml:"tail"`
	Location   LocationConfig   `mapstructure:"location" toml:"location"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast" toml:"broadcast"`
	ImageCache ImageCacheConfig `mapstructure:"image_cache" toml:"image_cache"`
	API        APIConfig        `mapstructure:"api" toml:"api"`
	Logging    LoggingConfig    `mapstructure:"logging" toml:"logging"`
}

type ServerConfig struct {
	Heartbeat       time.Duration `mapstructure:"heartbeat" toml:"heartbeat"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" toml:"shutdown_timeout"`
	WSEnabled       bool          `mapstructure:"ws_enabled" toml:"ws_enabled"`
	Gzip            bool          `mapstructure:"gzip" toml:"gzip"`
}

type TailConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval" toml:"poll_interval"`
	MaxLineBytes   int           `mapstructure:"max_line_bytes" toml:"max_line_bytes"`
	FromStart      bool          `mapstructure:"from_start" toml:"from_start"`
	RescanInterval time.Duration `mapstructure:"rescan_interval" toml:"rescan_interval"`
}

type LocationConfig struct {
	ExposeJoinLink []string `mapstructure:"expose_join_link" toml:"expose_join_link"`
}

type BroadcastConfig struct {
	QueueSize int `mapstructure:"queue_size" toml:"queue_size"`
}

type ImageCacheConfig struct {
	RevalidateAfter time.Duration `mapstructure:"revalidate_after" toml:"revalidate_after"`
	MaxAge          time.Duration `mapstructure:"max_age" toml:"max_age"`
	PruneInterval   time.Duration `mapstructure:"prune_interval" toml:"prune_interval"`
	Prefetch        bool          `mapstructure:"prefetch" toml:"prefetch"`
}

type APIConfig struct {
	Enabled       bool          `mapstructure:"enabled" toml:"enabled"`
	BaseURL       string        `mapstructure:"base_url" toml:"base_url"`
	AuthCookie    string        `mapstructure:"auth_cookie" toml:"auth_cookie"`
	RatePerSecond float64       `mapstructure:"rate_per_second" toml:"rate_per_second"`
	Timeout       time.Duration `mapstructure:"timeout" toml:"timeout"`
	RetryCount    int           `mapstructure:"retry_count" toml:"retry_count"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" toml:"retry_delay"`
	CacheSize     int           `mapstructure:"cache_size" toml:"cache_size"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" toml:"cache_ttl"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" toml:"level"`
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
}

// DefaultJoinAccess mirrors location.DefaultJoinAccess; config stays free of
// domain imports.
var DefaultJoinAccess = []string{"public", "friends+", "friends", "group-public", "group+"}

// Load reads the configuration with Read and validates it.
func Load(configPath string) (*Config, error) {
	cfg, err := Read(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Read loads configPath, or where-am-i.toml from the working directory when
// configPath is empty, without validating. A missing default file is not an
// error. WHEREAMI_* environment variables override file values.
func Read(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("WHEREAMI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.LogsPath == "" {
		if p, err := AutodetectLogsPath(); err == nil {
			cfg.LogsPath = p
		}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logs_path", "")
	v.SetDefault("address", "127.0.0.1:37544")
	v.SetDefault("content", "static")
	v.SetDefault("cache", "cache")

	v.SetDefault("server.heartbeat", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.ws_enabled", true)
	v.SetDefault("server.gzip", true)

	v.SetDefault("tail.poll_interval", 100*time.Millisecond)
	v.SetDefault("tail.max_line_bytes", 1<<20)
	v.SetDefault("tail.from_start", true)
	v.SetDefault("tail.rescan_interval", 5*time.Second)

	v.SetDefault("location.expose_join_link", DefaultJoinAccess)

	v.SetDefault("broadcast.queue_size", 64)

	v.SetDefault("image_cache.revalidate_after", time.Duration(0))
	v.SetDefault("image_cache.max_age", 30*24*time.Hour)
	v.SetDefault("image_cache.prune_interval", time.Hour)
	v.SetDefault("image_cache.prefetch", true)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.base_url", "https://vrchat.com/api")
	v.SetDefault("api.auth_cookie", "auth=JlE5Jldo5Jibnk5O5hTx6XVqsJu4WJ26")
	v.SetDefault("api.rate_per_second", 1.0)
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.retry_count", 3)
	v.SetDefault("api.retry_delay", 500*time.Millisecond)
	v.SetDefault("api.cache_size", 256)
	v.SetDefault("api.cache_ttl", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// AutodetectLogsPath returns the client's log directory on Windows.
func AutodetectLogsPath() (string, error) {
	if runtime.GOOS != "windows" {
		return "", errors.New("log directory can only be detected on windows; set logs_path")
	}
	local := os.Getenv("LOCALAPPDATA")
	if local == "" {
		return "", errors.New("LOCALAPPDATA is not set")
	}
	return filepath.Join(filepath.Dir(local), "LocalLow", "VRChat", "VRChat"), nil
}
