package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/cafenote/internal/provider"
)

// Config is the main configuration structure
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Browser   BrowserConfig   `yaml:"browser"`
	Providers ProvidersConfig `yaml:"providers"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Send      SendConfig      `yaml:"send"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Security  SecurityConfig  `yaml:"security"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path        string        `yaml:"path"`         // SQLite database (accounts, cafes, templates, members)
	JournalPath string        `yaml:"journal_path"` // bbolt batch journal and sandbox capture
	Retention   time.Duration `yaml:"retention"`    // Delete journal batches older than this (0 = keep forever)
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// BrowserConfig contains automation browser settings
type BrowserConfig struct {
	Headless     bool          `yaml:"headless"`
	ExecPath     string        `yaml:"exec_path"` // Chrome binary (empty = autodetect)
	UserAgent    string        `yaml:"user_agent"`
	UserDataDir  string        `yaml:"user_data_dir"` // Persistent profile keeps login cookies between runs
	WindowWidth  int           `yaml:"window_width"`
	WindowHeight int           `yaml:"window_height"`
	LoadTimeout  time.Duration `yaml:"load_timeout"`
	SettleDelay  time.Duration `yaml:"settle_delay"` // Pause between surface teardown and recreation
}

// ProvidersConfig contains per-provider settings
type ProvidersConfig struct {
	Naver ProviderConfig `yaml:"naver"`
	Daum  ProviderConfig `yaml:"daum"`
}

// ProviderConfig contains settings for one provider
type ProviderConfig struct {
	DailyCap int `yaml:"daily_cap"`
}

// DiscoveryConfig contains crawler settings
type DiscoveryConfig struct {
	PageDelay       time.Duration `yaml:"page_delay"`
	MaxPages        int           `yaml:"max_pages"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	DaumMinRoleCode int           `yaml:"daum_min_role_code"` // Eligible when role code is above this
	NaverAPIBase    string        `yaml:"naver_api_base"`
	DaumBase        string        `yaml:"daum_base"`
}

// SendConfig contains orchestrator and send session settings
type SendConfig struct {
	MinDelay      time.Duration `yaml:"min_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	CaptchaPoll   time.Duration `yaml:"captcha_poll"`
	PostSendWait  time.Duration `yaml:"post_send_wait"`
	LoadRetries   int           `yaml:"load_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	SwitchTimeout time.Duration `yaml:"switch_timeout"` // How long a suspended batch waits for re-login
	Sandbox       bool          `yaml:"sandbox"`        // Capture messages instead of sending
}

// APIConfig contains HTTP control API settings
type APIConfig struct {
	Enabled     bool          `yaml:"enabled"`
	ListenAddr  string        `yaml:"listen_addr"`
	APIKey      string        `yaml:"api_key"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// SecurityConfig contains secret handling settings
type SecurityConfig struct {
	SecretKey string `yaml:"secret_key"` // Passphrase for account secret encryption
}

// envOverrides are applied on top of the YAML file
type envOverrides struct {
	SecretKey string `env:"CAFENOTE_SECRET_KEY"`
	APIKey    string `env:"CAFENOTE_API_KEY"`
	DBPath    string `env:"CAFENOTE_DB_PATH"`
	Headless  *bool  `env:"CAFENOTE_HEADLESS"`
	LogLevel  string `env:"CAFENOTE_LOG_LEVEL"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied, for running without a file
func Default() (*Config, error) {
	cfg := &Config{}
	cfg.Browser.Headless = true
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	if o.SecretKey != "" {
		c.Security.SecretKey = o.SecretKey
	}
	if o.APIKey != "" {
		c.API.APIKey = o.APIKey
	}
	if o.DBPath != "" {
		c.Storage.Path = o.DBPath
	}
	if o.Headless != nil {
		c.Browser.Headless = *o.Headless
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/cafenote/cafenote.db"
	}
	if c.Storage.JournalPath == "" {
		c.Storage.JournalPath = "/var/lib/cafenote/journal.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Browser.UserAgent == "" {
		c.Browser.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if c.Browser.WindowWidth == 0 {
		c.Browser.WindowWidth = 600
	}
	if c.Browser.WindowHeight == 0 {
		c.Browser.WindowHeight = 700
	}
	if c.Browser.LoadTimeout == 0 {
		c.Browser.LoadTimeout = 15 * time.Second
	}
	if c.Browser.SettleDelay == 0 {
		c.Browser.SettleDelay = 500 * time.Millisecond
	}

	if c.Providers.Naver.DailyCap == 0 {
		c.Providers.Naver.DailyCap = provider.Naver.Info().DefaultCap
	}
	if c.Providers.Daum.DailyCap == 0 {
		c.Providers.Daum.DailyCap = provider.Daum.Info().DefaultCap
	}

	if c.Discovery.PageDelay == 0 {
		c.Discovery.PageDelay = 500 * time.Millisecond
	}
	if c.Discovery.MaxPages == 0 {
		c.Discovery.MaxPages = 100
	}
	if c.Discovery.RequestTimeout == 0 {
		c.Discovery.RequestTimeout = 10 * time.Second
	}
	if c.Discovery.DaumMinRoleCode == 0 {
		c.Discovery.DaumMinRoleCode = 1
	}
	if c.Discovery.NaverAPIBase == "" {
		c.Discovery.NaverAPIBase = "https://apis.naver.com"
	}
	if c.Discovery.DaumBase == "" {
		c.Discovery.DaumBase = "https://cafe.daum.net"
	}

	if c.Send.MinDelay == 0 {
		c.Send.MinDelay = 5000 * time.Millisecond
	}
	if c.Send.MaxDelay == 0 {
		c.Send.MaxDelay = 6000 * time.Millisecond
	}
	if c.Send.CaptchaPoll == 0 {
		c.Send.CaptchaPoll = 2 * time.Second
	}
	if c.Send.PostSendWait == 0 {
		c.Send.PostSendWait = time.Second
	}
	if c.Send.LoadRetries == 0 {
		c.Send.LoadRetries = 2
	}
	if c.Send.RetryBackoff == 0 {
		c.Send.RetryBackoff = time.Second
	}
	if c.Send.SwitchTimeout == 0 {
		c.Send.SwitchTimeout = time.Hour
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = "127.0.0.1:8686"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Providers.Naver.DailyCap < 0 || c.Providers.Daum.DailyCap < 0 {
		return fmt.Errorf("providers daily_cap must not be negative")
	}

	if c.Send.MaxDelay <= c.Send.MinDelay {
		return fmt.Errorf("send.max_delay (%s) must be greater than send.min_delay (%s)", c.Send.MaxDelay, c.Send.MinDelay)
	}

	if c.Send.LoadRetries < 0 {
		return fmt.Errorf("send.load_retries must not be negative")
	}

	if c.Discovery.MaxPages < 0 {
		return fmt.Errorf("discovery.max_pages must not be negative")
	}

	if c.API.Enabled && c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required when the API is enabled")
	}

	return nil
}

// DailyCap returns the configured daily send cap for a provider
func (c *Config) DailyCap(p provider.Provider) int {
	switch p {
	case provider.Naver:
		return c.Providers.Naver.DailyCap
	case provider.Daum:
		return c.Providers.Daum.DailyCap
	}
	return 0
}

// Caps returns the daily caps of every provider
func (c *Config) Caps() map[provider.Provider]int {
	caps := make(map[provider.Provider]int)
	for _, p := range provider.All() {
		caps[p] = c.DailyCap(p)
	}
	return caps
}
