// Package config loads the library configuration. The loaded struct is
// passed explicitly into each constructor; there are no package-level
// mutable settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the ESI token library.
// Tags use mapstructure for Viper unmarshalling.
type Config struct {
	// SSO application credentials. Required for the code exchange and
	// refresh grants.
	ClientID     string `mapstructure:"ESI_SSO_CLIENT_ID"`
	ClientSecret string `mapstructure:"ESI_SSO_CLIENT_SECRET"`

	// CallbackURL is the redirect URI registered with the SSO
	// application, e.g. https://example.com/sso/callback.
	CallbackURL string `mapstructure:"ESI_SSO_CALLBACK_URL"`

	// Datasource selects the upstream environment, e.g. "tranquility"
	// for production or "singularity" for the test server.
	Datasource string `mapstructure:"ESI_API_DATASOURCE"`

	// APIBaseURL is the root of the ESI API.
	APIBaseURL string `mapstructure:"ESI_API_URL"`

	// APIVersion selects the API revision used by default.
	APIVersion string `mapstructure:"ESI_API_VERSION"`

	// OAuthBaseURL derives the authorize, token and verify endpoints.
	OAuthBaseURL string `mapstructure:"ESI_OAUTH_URL"`

	// TokenValidDuration is the validity window of an access token,
	// measured from the moment it was issued.
	TokenValidDuration time.Duration `mapstructure:"ESI_TOKEN_VALID_DURATION"`

	// SpecCacheDuration bounds how long a fetched API description is
	// reused before it is fetched again.
	SpecCacheDuration time.Duration `mapstructure:"ESI_SPEC_CACHE_DURATION"`

	// CacheResponses toggles the per-response cache of the API client.
	CacheResponses bool `mapstructure:"ESI_CACHE_RESPONSE"`

	// AlwaysCreateToken disables deduplication of equivalent tokens on
	// callback completion.
	AlwaysCreateToken bool `mapstructure:"ESI_ALWAYS_CREATE_TOKEN"`

	// CallbackMaxAge is how long a pending callback state survives
	// before the sweeper removes it.
	CallbackMaxAge time.Duration `mapstructure:"ESI_CALLBACK_MAX_AGE"`

	// HTTPTimeout bounds every upstream call (exchange, refresh,
	// verify, API fetch). No call may block indefinitely.
	HTTPTimeout time.Duration `mapstructure:"ESI_HTTP_TIMEOUT"`

	// BulkRefreshConcurrency limits how many records are refreshed in
	// parallel during bulk operations.
	BulkRefreshConcurrency int `mapstructure:"ESI_BULK_REFRESH_CONCURRENCY"`

	LogLevel  string `mapstructure:"ESI_LOG_LEVEL"`
	LogPretty bool   `mapstructure:"ESI_LOG_PRETTY"`

	// Settings below apply to the bundled daemon only; library users
	// construct their own storage and ignore these.

	// ListenAddr is the bind address of the daemon's HTTP server.
	ListenAddr string `mapstructure:"ESI_LISTEN_ADDR"`

	// Store selects the persistence backend: "sqlite", "mongodb" or
	// "memory".
	Store      string `mapstructure:"ESI_STORE"`
	SQLitePath string `mapstructure:"ESI_SQLITE_PATH"`
	MongoURI   string `mapstructure:"ESI_MONGO_URI"`
	MongoDB    string `mapstructure:"ESI_MONGO_DB"`

	// RedisAddr enables the shared access-token cache; empty keeps the
	// in-process cache.
	RedisAddr   string `mapstructure:"ESI_REDIS_ADDR"`
	RedisPrefix string `mapstructure:"ESI_REDIS_PREFIX"`
}

// AuthorizeURL returns the SSO authorization endpoint.
func (c *Config) AuthorizeURL() string {
	return strings.TrimSuffix(c.OAuthBaseURL, "/") + "/authorize"
}

// TokenURL returns the SSO token endpoint.
func (c *Config) TokenURL() string {
	return strings.TrimSuffix(c.OAuthBaseURL, "/") + "/token"
}

// VerifyURL returns the SSO verify endpoint.
func (c *Config) VerifyURL() string {
	return strings.TrimSuffix(c.OAuthBaseURL, "/") + "/verify"
}

// SwaggerURL returns the API description endpoint for a given version.
func (c *Config) SwaggerURL(version string) string {
	if version == "" {
		version = c.APIVersion
	}
	return fmt.Sprintf("%s/%s/swagger.json", strings.TrimSuffix(c.APIBaseURL, "/"), version)
}

// Validate checks the settings SSO cannot function without.
func (c *Config) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("ESI_SSO_CLIENT_ID and ESI_SSO_CLIENT_SECRET must be set")
	}
	if c.CallbackURL == "" {
		return fmt.Errorf("ESI_SSO_CALLBACK_URL must be set")
	}
	return nil
}

// Default returns a Config populated with the stock ESI endpoints and
// durations. Credentials are left empty.
func Default() *Config {
	return &Config{
		Datasource:             "tranquility",
		APIBaseURL:             "https://esi.evetech.net",
		APIVersion:             "latest",
		OAuthBaseURL:           "https://login.eveonline.com/oauth",
		TokenValidDuration:     1200 * time.Second,
		SpecCacheDuration:      time.Hour,
		CacheResponses:         true,
		AlwaysCreateToken:      false,
		CallbackMaxAge:         300 * time.Second,
		HTTPTimeout:            30 * time.Second,
		BulkRefreshConcurrency: 10,
		LogLevel:               "info",
		ListenAddr:             ":8080",
		Store:                  "sqlite",
		SQLitePath:             "esi.db",
		MongoDB:                "esi",
		RedisPrefix:            "esi",
	}
}

// Load reads configuration from file, environment variables, and
// defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("esi")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/esi/")
	v.AddConfigPath("$HOME/.esi")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	def := Default()
	v.SetDefault("ESI_API_DATASOURCE", def.Datasource)
	v.SetDefault("ESI_API_URL", def.APIBaseURL)
	v.SetDefault("ESI_API_VERSION", def.APIVersion)
	v.SetDefault("ESI_OAUTH_URL", def.OAuthBaseURL)
	v.SetDefault("ESI_TOKEN_VALID_DURATION", def.TokenValidDuration)
	v.SetDefault("ESI_SPEC_CACHE_DURATION", def.SpecCacheDuration)
	v.SetDefault("ESI_CACHE_RESPONSE", def.CacheResponses)
	v.SetDefault("ESI_ALWAYS_CREATE_TOKEN", def.AlwaysCreateToken)
	v.SetDefault("ESI_CALLBACK_MAX_AGE", def.CallbackMaxAge)
	v.SetDefault("ESI_HTTP_TIMEOUT", def.HTTPTimeout)
	v.SetDefault("ESI_BULK_REFRESH_CONCURRENCY", def.BulkRefreshConcurrency)
	v.SetDefault("ESI_LOG_LEVEL", def.LogLevel)
	v.SetDefault("ESI_LISTEN_ADDR", def.ListenAddr)
	v.SetDefault("ESI_STORE", def.Store)
	v.SetDefault("ESI_SQLITE_PATH", def.SQLitePath)
	v.SetDefault("ESI_MONGO_DB", def.MongoDB)
	v.SetDefault("ESI_REDIS_PREFIX", def.RedisPrefix)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, we fall back to defaults and
		// environment variables. Anything else is a real error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
