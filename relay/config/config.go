package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	relay "github.com/ZanzyTHEbar/chat-relay/relay"
)

// Config stores all configuration of the relay.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Access     AccessConfig     `mapstructure:"access"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig stores inbound HTTP settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// LogConfig stores logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // zerolog level name
	Format string `mapstructure:"format"` // "json" | "console"
}

// ProviderConfig stores the upstream chat-completions settings.
type ProviderConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"` // per attempt
	Referer     string        `mapstructure:"referer"` // OpenRouter attribution
	Title       string        `mapstructure:"title"`
}

// AccessConfig stores the caller checks.
type AccessConfig struct {
	Key                string   `mapstructure:"key"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	AllowMissingOrigin bool     `mapstructure:"allow_missing_origin"`
}

// RateLimitConfig stores the per-client sliding window.
type RateLimitConfig struct {
	MaxRequests           int           `mapstructure:"max_requests"`
	Window                time.Duration `mapstructure:"window"`
	TrustForwardedHeaders bool          `mapstructure:"trust_forwarded_headers"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
}

// RetryConfig stores the upstream retry budget.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"` // cap on any single wait, provider hints included
}

// LimitsConfig bounds inbound message content, measured in runes.
type LimitsConfig struct {
	MinMessageLength int `mapstructure:"min_message_length"`
	MaxMessageLength int `mapstructure:"max_message_length"`
}

// ExtractionConfig controls how the final answer is isolated.
type ExtractionConfig struct {
	OpenMarker        string   `mapstructure:"open_marker"`
	CloseMarker       string   `mapstructure:"close_marker"`
	InlineMarker      string   `mapstructure:"inline_marker"`
	MinResponseLength int      `mapstructure:"min_response_length"`
	ReasoningPrefixes []string `mapstructure:"reasoning_prefixes"`
	SystemInstruction string   `mapstructure:"system_instruction"`
}

// TracingConfig toggles span logging.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// legacyEnv maps config keys to the environment names older deployments use.
var legacyEnv = map[string][]string{
	"provider.api_key": {"RELAY_PROVIDER_API_KEY", "API_KEY"},
	"access.key":       {"RELAY_ACCESS_KEY", "key"},
}

// Loader reads configuration and optionally watches the config file.
type Loader struct {
	v    *viper.Viper
	path string

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader. An empty path searches the default locations.
func NewLoader(configPath string) *Loader {
	return &Loader{v: viper.New(), path: configPath}
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// Load reads the configuration once.
func (l *Loader) Load() (*Config, error) {
	v := l.v
	if l.path != "" {
		v.SetConfigFile(l.path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", relay.DefaultAppName))
		v.AddConfigPath(relay.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(relay.DefaultEnvPrefix)
	v.AutomaticEnv()
	// provider.max_tokens becomes RELAY_PROVIDER_MAX_TOKENS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, names := range legacyEnv {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file; defaults and environment apply.
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	return cfg, nil
}

// Watch reloads the config file on change and hands the new value to fn.
// Decoding or validation failures keep the previous configuration.
func (l *Loader) Watch(fn func(cfg *Config, ev fsnotify.Event), onErr func(error)) {
	l.v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		fn(cfg, ev)
	})
	l.v.WatchConfig()
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// ConfigFileUsed reports the file viper read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "180s") // must exceed UpstreamBudget
	v.SetDefault("server.shutdown_timeout", relay.DefaultShutdownDeadline.String())
	v.SetDefault("server.max_body_bytes", relay.DefaultMaxBodyBytes)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("provider.base_url", relay.DefaultProviderURL)
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.model", relay.DefaultProviderModel)
	v.SetDefault("provider.temperature", 0.7)
	v.SetDefault("provider.max_tokens", 1024)
	v.SetDefault("provider.timeout", relay.DefaultProviderTimeout.String())
	v.SetDefault("provider.referer", "")
	v.SetDefault("provider.title", relay.DefaultAppName)

	v.SetDefault("access.key", "")
	v.SetDefault("access.allowed_origins", []string{relay.DefaultAllowedOrigin})
	v.SetDefault("access.allow_missing_origin", true)

	v.SetDefault("rate_limit.max_requests", 10)
	v.SetDefault("rate_limit.window", relay.DefaultRateLimitWindow.String())
	v.SetDefault("rate_limit.trust_forwarded_headers", true)
	v.SetDefault("rate_limit.sweep_interval", relay.DefaultSweepInterval.String())

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", relay.DefaultRetryBaseDelay.String())
	v.SetDefault("retry.max_delay", relay.DefaultRetryMaxDelay.String())

	v.SetDefault("limits.min_message_length", 1)
	v.SetDefault("limits.max_message_length", 4000)

	v.SetDefault("extraction.open_marker", relay.DefaultOpenMarker)
	v.SetDefault("extraction.close_marker", relay.DefaultCloseMarker)
	v.SetDefault("extraction.inline_marker", relay.DefaultInlineMarker)
	v.SetDefault("extraction.min_response_length", 1)
	v.SetDefault("extraction.reasoning_prefixes", relay.DefaultReasoningPrefixes)
	v.SetDefault("extraction.system_instruction", relay.DefaultSystemInstruction)

	v.SetDefault("tracing.enabled", true)
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.RateLimit.MaxRequests < 1:
		return fmt.Errorf("rate_limit.max_requests must be at least 1, got %d", c.RateLimit.MaxRequests)
	case c.RateLimit.Window <= 0:
		return fmt.Errorf("rate_limit.window must be positive, got %s", c.RateLimit.Window)
	case c.Retry.MaxRetries < 0:
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	case c.Retry.BaseDelay < 0:
		return fmt.Errorf("retry.base_delay must not be negative, got %s", c.Retry.BaseDelay)
	case c.Retry.MaxDelay <= 0:
		return fmt.Errorf("retry.max_delay must be positive, got %s", c.Retry.MaxDelay)
	case c.Provider.Timeout <= 0:
		return fmt.Errorf("provider.timeout must be positive, got %s", c.Provider.Timeout)
	case c.Limits.MinMessageLength < 0 || c.Limits.MaxMessageLength < c.Limits.MinMessageLength:
		return fmt.Errorf("limits: invalid message length bounds [%d, %d]", c.Limits.MinMessageLength, c.Limits.MaxMessageLength)
	case c.Extraction.OpenMarker == "" || c.Extraction.CloseMarker == "":
		return fmt.Errorf("extraction markers must not be empty")
	case c.Extraction.MinResponseLength < 0:
		return fmt.Errorf("extraction.min_response_length must not be negative, got %d", c.Extraction.MinResponseLength)
	case c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.UpstreamBudget():
		return fmt.Errorf("server.write_timeout %s must exceed the worst-case upstream time %s (provider.timeout, retry.max_retries, retry.max_delay)",
			c.Server.WriteTimeout, c.UpstreamBudget())
	}
	return nil
}

// UpstreamBudget is the longest a chat request can spend on the provider:
// every attempt timing out and every retry waiting the maximum delay.
func (c *Config) UpstreamBudget() time.Duration {
	retries := min(max(c.Retry.MaxRetries, 0), relay.MaxRetryCeiling)
	return time.Duration(retries+1)*c.Provider.Timeout + time.Duration(retries)*c.Retry.MaxDelay
}
