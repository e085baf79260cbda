package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	relay "github.com/ZanzyTHEbar/chat-relay/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	suite.tempDir = suite.T().TempDir()

	// Change to temp directory so no stray config.yaml is picked up
	err = os.Chdir(suite.tempDir)
	require.NoError(suite.T(), err)
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		_ = os.Chdir(suite.origDir)
	}
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), ":8080", cfg.Server.Addr)
	assert.Equal(suite.T(), int64(relay.DefaultMaxBodyBytes), cfg.Server.MaxBodyBytes)
	assert.Equal(suite.T(), relay.DefaultProviderURL, cfg.Provider.BaseURL)
	assert.Equal(suite.T(), relay.DefaultProviderModel, cfg.Provider.Model)
	assert.Equal(suite.T(), 30*time.Second, cfg.Provider.Timeout)
	assert.Equal(suite.T(), 10, cfg.RateLimit.MaxRequests)
	assert.Equal(suite.T(), time.Minute, cfg.RateLimit.Window)
	assert.Equal(suite.T(), 3, cfg.Retry.MaxRetries)
	assert.Equal(suite.T(), time.Second, cfg.Retry.BaseDelay)
	assert.Equal(suite.T(), []string{relay.DefaultAllowedOrigin}, cfg.Access.AllowedOrigins)
	assert.True(suite.T(), cfg.Access.AllowMissingOrigin)
	assert.Equal(suite.T(), relay.DefaultOpenMarker, cfg.Extraction.OpenMarker)
	assert.Equal(suite.T(), relay.DefaultCloseMarker, cfg.Extraction.CloseMarker)
	assert.NotEmpty(suite.T(), cfg.Extraction.ReasoningPrefixes)
	assert.Equal(suite.T(), 4000, cfg.Limits.MaxMessageLength)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	configContent := `
server:
  addr: ":9090"
provider:
  model: "test/model"
  timeout: "5s"
access:
  allowed_origins:
    - "https://example.org"
    - "https://example.com"
rate_limit:
  max_requests: 2
  window: "10s"
retry:
  max_retries: 1
  base_delay: "250ms"
`

	configFile := filepath.Join(suite.tempDir, "config.yaml")
	err := os.WriteFile(configFile, []byte(configContent), 0o644)
	require.NoError(suite.T(), err)

	loader := NewLoader(configFile)
	cfg, err := loader.Load()

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), ":9090", cfg.Server.Addr)
	assert.Equal(suite.T(), "test/model", cfg.Provider.Model)
	assert.Equal(suite.T(), 5*time.Second, cfg.Provider.Timeout)
	assert.Equal(suite.T(), []string{"https://example.org", "https://example.com"}, cfg.Access.AllowedOrigins)
	assert.Equal(suite.T(), 2, cfg.RateLimit.MaxRequests)
	assert.Equal(suite.T(), 10*time.Second, cfg.RateLimit.Window)
	assert.Equal(suite.T(), 1, cfg.Retry.MaxRetries)
	assert.Equal(suite.T(), 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(suite.T(), configFile, loader.ConfigFileUsed())
	assert.Same(suite.T(), cfg, loader.Current())
}

func (suite *ConfigTestSuite) TestDefaultWriteTimeoutCoversUpstreamBudget() {
	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	// 4 attempts of 30s plus 3 waits of at most 10s.
	assert.Equal(suite.T(), 150*time.Second, cfg.UpstreamBudget())
	assert.Equal(suite.T(), 10*time.Second, cfg.Retry.MaxDelay)
	assert.Greater(suite.T(), cfg.Server.WriteTimeout, cfg.UpstreamBudget())
}

func (suite *ConfigTestSuite) TestShortWriteTimeoutIsRejected() {
	configFile := filepath.Join(suite.tempDir, "config.yaml")
	require.NoError(suite.T(), os.WriteFile(configFile, []byte("server:\n  write_timeout: \"90s\"\n"), 0o644))

	cfg, err := LoadConfig(configFile)
	require.Error(suite.T(), err)
	assert.Contains(suite.T(), err.Error(), "server.write_timeout")
	assert.Nil(suite.T(), cfg)
}

func TestUpstreamBudget(t *testing.T) {
	c := Config{
		Provider: ProviderConfig{Timeout: 10 * time.Second},
		Retry:    RetryConfig{MaxRetries: 2, MaxDelay: 3 * time.Second},
	}
	assert.Equal(t, 36*time.Second, c.UpstreamBudget())

	c.Retry.MaxRetries = 50 // clamped like the provider client
	assert.Equal(t, 11*10*time.Second+10*3*time.Second, c.UpstreamBudget())
}

func (suite *ConfigTestSuite) TestLegacyEnvironmentNames() {
	suite.T().Setenv("API_KEY", "provider-secret")
	suite.T().Setenv("key", "shared-secret")

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "provider-secret", cfg.Provider.APIKey)
	assert.Equal(suite.T(), "shared-secret", cfg.Access.Key)
}

func (suite *ConfigTestSuite) TestPrefixedEnvironmentWins() {
	suite.T().Setenv("API_KEY", "legacy")
	suite.T().Setenv("RELAY_PROVIDER_API_KEY", "prefixed")
	suite.T().Setenv("RELAY_RATE_LIMIT_MAX_REQUESTS", "7")

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "prefixed", cfg.Provider.APIKey)
	assert.Equal(suite.T(), 7, cfg.RateLimit.MaxRequests)
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	malformedContent := `
server:
  addr: ":9090"
    broken: [unclosed
`
	configFile := filepath.Join(suite.tempDir, "config.yaml")
	err := os.WriteFile(configFile, []byte(malformedContent), 0o644)
	require.NoError(suite.T(), err)

	cfg, err := LoadConfig(configFile)
	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestValidationRejectsBadValues() {
	configContent := `
rate_limit:
  max_requests: 0
`
	configFile := filepath.Join(suite.tempDir, "config.yaml")
	require.NoError(suite.T(), os.WriteFile(configFile, []byte(configContent), 0o644))

	cfg, err := LoadConfig(configFile)
	require.Error(suite.T(), err)
	assert.Contains(suite.T(), err.Error(), "rate_limit.max_requests")
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestWatchReloadsOnWrite() {
	configFile := filepath.Join(suite.tempDir, "config.yaml")
	write := func(origin string) {
		content := "access:\n  allowed_origins:\n    - \"" + origin + "\"\n"
		require.NoError(suite.T(), os.WriteFile(configFile, []byte(content), 0o644))
	}
	write("https://before.example")

	loader := NewLoader(configFile)
	_, err := loader.Load()
	require.NoError(suite.T(), err)

	reloaded := make(chan *Config, 16)
	loader.Watch(func(cfg *Config, ev fsnotify.Event) { reloaded <- cfg }, nil)

	write("https://after.example")

	assert.Eventually(suite.T(), func() bool {
		select {
		case cfg := <-reloaded:
			return len(cfg.Access.AllowedOrigins) == 1 && cfg.Access.AllowedOrigins[0] == "https://after.example"
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(suite.T(), []string{"https://after.example"}, loader.Current().Access.AllowedOrigins)
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Provider:   ProviderConfig{Timeout: time.Second},
			RateLimit:  RateLimitConfig{MaxRequests: 1, Window: time.Second},
			Retry:      RetryConfig{MaxRetries: 2, MaxDelay: time.Second},
			Limits:     LimitsConfig{MinMessageLength: 1, MaxMessageLength: 10},
			Extraction: ExtractionConfig{OpenMarker: "<a>", CloseMarker: "</a>"},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }, false},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, false},
		{"inverted bounds", func(c *Config) { c.Limits.MaxMessageLength = 0 }, false},
		{"empty marker", func(c *Config) { c.Extraction.CloseMarker = "" }, false},
		{"zero timeout", func(c *Config) { c.Provider.Timeout = 0 }, false},
		{"zero max delay", func(c *Config) { c.Retry.MaxDelay = 0 }, false},
		{"write timeout disabled", func(c *Config) { c.Server.WriteTimeout = 0 }, true},
		{"write timeout above budget", func(c *Config) { c.Server.WriteTimeout = 6 * time.Second }, true},
		{"write timeout equal to budget", func(c *Config) { c.Server.WriteTimeout = 5 * time.Second }, false},
		{"write timeout below budget", func(c *Config) { c.Server.WriteTimeout = 2 * time.Second }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
