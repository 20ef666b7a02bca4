package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahrdadan/agentab/internal/browser"
	"github.com/spf13/viper"
)

const (
	// Version is the current version of agentab
	Version = "1"
	// AppName is the application name
	AppName = "agentab"
	// EnvPrefix prefixes every environment override, e.g. AGENTAB_SERVER_PORT.
	EnvPrefix = "AGENTAB"
)

// Config holds all configuration options for the agentab server and CLI
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Security SecurityConfig `mapstructure:"security"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// BaseURL prefixes links in API responses (e.g., http://localhost:8000)
	BaseURL   string `mapstructure:"base_url"`
	BodyLimit int    `mapstructure:"body_limit"`
}

// BrowserConfig is the file/env form of browser.Config.
type BrowserConfig struct {
	Headless       bool          `mapstructure:"headless"`
	Stealth        bool          `mapstructure:"stealth"`
	ViewportWidth  int           `mapstructure:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Proxy          ProxyConfig   `mapstructure:"proxy"`
	BinaryPath     string        `mapstructure:"binary_path"`
	// Revision pins the Chromium build `agentab install` downloads; 0 uses
	// the default.
	Revision int `mapstructure:"revision"`
	// MaxPages caps the pages open at once through the API.
	MaxPages int `mapstructure:"max_pages"`
}

type ProxyConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// NATSConfig points at an external NATS server with JetStream enabled.
type NATSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Stream   string `mapstructure:"stream"`
	Subject  string `mapstructure:"subject"`
	Consumer string `mapstructure:"consumer"`
	Workers  int    `mapstructure:"workers"`
}

type SecurityConfig struct {
	RateLimit      int           `mapstructure:"rate_limit"`  // requests per window
	RateWindow     time.Duration `mapstructure:"rate_window"` // time window for rate limiting
	Burst          int           `mapstructure:"burst"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
}

type JobsConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	ResultTTL      time.Duration `mapstructure:"result_ttl"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SetDefaults initializes default values for every key.
func SetDefaults(v *viper.Viper) {
	// -- Server --
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.body_limit", 1<<20)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.viewport_width", browser.DefaultViewportWidth)
	v.SetDefault("browser.viewport_height", browser.DefaultViewportHeight)
	v.SetDefault("browser.timeout", browser.DefaultTimeout)
	v.SetDefault("browser.proxy.url", "")
	v.SetDefault("browser.proxy.username", "")
	v.SetDefault("browser.proxy.password", "")
	v.SetDefault("browser.binary_path", "")
	v.SetDefault("browser.revision", 0)
	v.SetDefault("browser.max_pages", 16)

	// -- NATS --
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.stream", "AGENTAB_JOBS")
	v.SetDefault("nats.subject", "agentab.jobs")
	v.SetDefault("nats.consumer", "agentab-workers")
	v.SetDefault("nats.workers", 2)

	// -- Security --
	v.SetDefault("security.rate_limit", 100)
	v.SetDefault("security.rate_window", time.Minute)
	v.SetDefault("security.burst", 20)
	v.SetDefault("security.idempotency_ttl", 24*time.Hour)
	v.SetDefault("security.webhook_secret", "")

	// -- Jobs --
	v.SetDefault("jobs.default_timeout", 60*time.Second)
	v.SetDefault("jobs.max_timeout", 5*time.Minute)
	v.SetDefault("jobs.result_ttl", 7*24*time.Hour)

	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
}

// NewViper returns a viper instance with defaults, the optional config file
// and AGENTAB_* environment overrides. A missing default config file is not
// an error; a missing explicit one is.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("agentab")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return v, nil
}

// Load unmarshals v, fills derived values and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration built from defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		panic(fmt.Sprintf("failed to load default config: %v", err))
	}
	return cfg
}

func (c *Config) normalize() {
	// Auto-generate BaseURL if not provided
	if c.Server.BaseURL == "" {
		host := c.Server.Host
		if host == "0.0.0.0" || host == "" {
			host = "localhost"
		}
		c.Server.BaseURL = fmt.Sprintf("http://%s:%d", host, c.Server.Port)
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")

	if c.Security.RateLimit < 1 {
		c.Security.RateLimit = 100
	}
	if c.Security.Burst < 1 {
		c.Security.Burst = 1
	}
	if c.NATS.Workers < 1 {
		c.NATS.Workers = 1
	}
	if c.Jobs.DefaultTimeout > c.Jobs.MaxTimeout {
		c.Jobs.DefaultTimeout = c.Jobs.MaxTimeout
	}
}

// Validate checks the configuration for sane values. Browser settings are
// validated by browser.NewConfig.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.BodyLimit < 1 {
		errs = append(errs, errors.New("server.body_limit must be positive"))
	}
	if c.Browser.MaxPages < 1 {
		errs = append(errs, errors.New("browser.max_pages must be positive"))
	}
	if c.Security.RateWindow <= 0 {
		errs = append(errs, errors.New("security.rate_window must be positive"))
	}
	if c.Jobs.MaxTimeout <= 0 || c.Jobs.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("jobs timeouts must be positive"))
	}
	if c.Jobs.ResultTTL <= 0 {
		errs = append(errs, errors.New("jobs.result_ttl must be positive"))
	}
	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Stream == "" || c.NATS.Subject == "") {
		errs = append(errs, errors.New("nats.url, nats.stream and nats.subject are required when nats is enabled"))
	}
	if _, err := c.Browser.SessionConfig(); err != nil {
		errs = append(errs, fmt.Errorf("browser: %w", err))
	}
	return errors.Join(errs...)
}

// SessionConfig converts the browser section into a validated session
// configuration.
func (b BrowserConfig) SessionConfig() (browser.Config, error) {
	return browser.NewConfig(
		browser.WithHeadless(b.Headless),
		browser.WithStealth(b.Stealth),
		browser.WithViewport(b.ViewportWidth, b.ViewportHeight),
		browser.WithTimeout(b.Timeout),
		browser.WithProxy(b.Proxy.URL, b.Proxy.Username, b.Proxy.Password),
		browser.WithBinaryPath(b.BinaryPath),
	)
}

// Addr is the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ClampJobTimeout bounds a requested job timeout; zero selects the default.
func (j JobsConfig) ClampJobTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return j.DefaultTimeout
	}
	if d > j.MaxTimeout {
		return j.MaxTimeout
	}
	return d
}
