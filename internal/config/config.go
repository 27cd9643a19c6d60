// Package config holds the root configuration for partnergate.
package config

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	mu       sync.RWMutex
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger"`
	Store   StoreConfig   `mapstructure:"store"`
	Browser BrowserConfig `mapstructure:"browser"`
	Auth    AuthConfig    `mapstructure:"auth"`
}

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug"`
	Info  string `mapstructure:"info"`
	Warn  string `mapstructure:"warn"`
	Error string `mapstructure:"error"`
	Fatal string `mapstructure:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level"`
	Format      string      `mapstructure:"format"`
	AddSource   bool        `mapstructure:"add_source"`
	ServiceName string      `mapstructure:"service_name"`
	LogFile     string      `mapstructure:"log_file"`
	MaxSize     int         `mapstructure:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups"`
	MaxAge      int         `mapstructure:"max_age"`
	Compress    bool        `mapstructure:"compress"`
	Colors      ColorConfig `mapstructure:"colors"`
}

// StoreConfig selects and configures the ephemeral session-state store.
type StoreConfig struct {
	// Backend is either "memory" or "redis".
	Backend   string        `mapstructure:"backend"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Redis     RedisConfig   `mapstructure:"redis"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`
	OTPTTL    time.Duration `mapstructure:"otp_ttl"`
}

// RedisConfig holds the connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BrowserConfig holds settings for the headless browser.
type BrowserConfig struct {
	Headless        bool   `mapstructure:"headless"`
	IgnoreTLSErrors bool   `mapstructure:"ignore_tls_errors"`
	UserAgent       string `mapstructure:"user_agent"`
	ViewportWidth   int    `mapstructure:"viewport_width"`
	ViewportHeight  int    `mapstructure:"viewport_height"`
	Locale          string `mapstructure:"locale"`
	Timezone        string `mapstructure:"timezone"`
	// HumanoidClicks enables the jittered hover-then-click model for
	// challenge interaction.
	HumanoidClicks bool `mapstructure:"humanoid_clicks"`
}

// AuthConfig holds settings for the authentication session engine.
type AuthConfig struct {
	// TargetURL is the partner portal login entry point.
	TargetURL string `mapstructure:"target_url"`
	// MaxConcurrentSessions caps the number of live browser instances.
	MaxConcurrentSessions int64 `mapstructure:"max_concurrent_sessions"`
	// DebugDumps writes HTML snapshots of interesting phases to DebugDumpDir.
	DebugDumps   bool   `mapstructure:"debug_dumps"`
	DebugDumpDir string `mapstructure:"debug_dump_dir"`
}

// SetDefaults registers default values so the app can run with a minimal config.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "partnergate")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.key_prefix", "partner_auth")
	v.SetDefault("store.redis.addr", "127.0.0.1:6379")
	v.SetDefault("store.status_ttl", 10*time.Minute)
	v.SetDefault("store.otp_ttl", 5*time.Minute)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36")
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 768)
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "America/New_York")
	v.SetDefault("browser.humanoid_clicks", true)

	v.SetDefault("auth.max_concurrent_sessions", 4)
	v.SetDefault("auth.debug_dumps", false)
	v.SetDefault("auth.debug_dump_dir", "debug_dumps")
}

// Validate checks the configuration for inconsistencies that would otherwise
// only surface deep inside a session run.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("store.backend must be \"memory\" or \"redis\", got %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required for the redis backend")
	}
	if c.Store.StatusTTL <= 0 || c.Store.OTPTTL <= 0 {
		return fmt.Errorf("store TTLs must be positive")
	}
	if c.Auth.TargetURL != "" {
		if _, err := url.ParseRequestURI(c.Auth.TargetURL); err != nil {
			return fmt.Errorf("auth.target_url is not a valid URL: %w", err)
		}
	}
	if c.Auth.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("auth.max_concurrent_sessions must be positive")
	}
	return nil
}

// Load unmarshals the viper state into the configuration singleton.
func Load(v *viper.Viper) error {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	Set(&cfg)
	return nil
}

// Set stores the configuration globally.
func Set(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if instance == nil {
		panic("configuration not initialized: call config.Load() in the root command")
	}
	return instance
}
