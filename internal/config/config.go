package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "FLASHCARDS"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DriverSQLite
	defaultDatabasePath    = "flashcards.db"
	defaultLogLevel        = "info"
	defaultAuthIssuer      = "tauth"
	defaultCookieName      = "app_session"
	defaultTokenTTL        = 30 * time.Minute
	defaultProviderBaseURL = "https://openrouter.ai/api/v1"
	defaultProviderTimeout = 20 * time.Second
	defaultProviderModel   = "openai/gpt-4.1-mini"
	defaultMaxRetries      = 2
	defaultBackoffBase     = 500 * time.Millisecond
	defaultMaxRetryWait    = 10 * time.Second
	defaultCardCount       = 10
	defaultLocale          = "pl"
	defaultReviewTTL       = time.Hour
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ProviderConfig captures the completion provider settings.
type ProviderConfig struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	AllowedModels   []string
	DefaultModel    string
	Temperature     float64
	MaxTokens       int
	TopP            float64
	PresencePenalty float64
	HTTPReferer     string
	AppTitle        string
	MaxRetries      int
	BackoffBase     time.Duration
	MaxRetryWait    time.Duration
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	AllowedOrigins   []string
	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	LogLevel         string
	SigningSecret    string
	SessionIssuer    string
	SessionAudience  string
	SessionCookie    string
	TokenTTL         time.Duration
	Provider         ProviderConfig
	CardCount        int
	DefaultLocale    string
	ReviewSessionTTL time.Duration
	MCPUserID        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("provider.base_url", defaultProviderBaseURL)
	configViper.SetDefault("provider.timeout", defaultProviderTimeout)
	configViper.SetDefault("provider.allowed_models", []string{defaultProviderModel})
	configViper.SetDefault("provider.default_model", defaultProviderModel)
	configViper.SetDefault("provider.temperature", 0.7)
	configViper.SetDefault("provider.max_tokens", 800)
	configViper.SetDefault("provider.top_p", 0.9)
	configViper.SetDefault("provider.presence_penalty", 0.0)
	configViper.SetDefault("provider.max_retries", defaultMaxRetries)
	configViper.SetDefault("provider.backoff_base", defaultBackoffBase)
	configViper.SetDefault("provider.max_retry_wait", defaultMaxRetryWait)
	configViper.SetDefault("generation.card_count", defaultCardCount)
	configViper.SetDefault("generation.default_locale", defaultLocale)
	configViper.SetDefault("review.session_ttl", defaultReviewTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		SessionIssuer:   configViper.GetString("auth.issuer"),
		SessionAudience: strings.TrimSpace(configViper.GetString("auth.audience")),
		SessionCookie:   configViper.GetString("auth.cookie_name"),
		TokenTTL:        configViper.GetDuration("auth.token_ttl"),
		Provider: ProviderConfig{
			APIKey:          configViper.GetString("provider.api_key"),
			BaseURL:         configViper.GetString("provider.base_url"),
			Timeout:         configViper.GetDuration("provider.timeout"),
			AllowedModels:   configViper.GetStringSlice("provider.allowed_models"),
			DefaultModel:    configViper.GetString("provider.default_model"),
			Temperature:     configViper.GetFloat64("provider.temperature"),
			MaxTokens:       configViper.GetInt("provider.max_tokens"),
			TopP:            configViper.GetFloat64("provider.top_p"),
			PresencePenalty: configViper.GetFloat64("provider.presence_penalty"),
			HTTPReferer:     configViper.GetString("provider.http_referer"),
			AppTitle:        configViper.GetString("provider.app_title"),
			MaxRetries:      configViper.GetInt("provider.max_retries"),
			BackoffBase:     configViper.GetDuration("provider.backoff_base"),
			MaxRetryWait:    configViper.GetDuration("provider.max_retry_wait"),
		},
		CardCount:        configViper.GetInt("generation.card_count"),
		DefaultLocale:    strings.ToLower(strings.TrimSpace(configViper.GetString("generation.default_locale"))),
		ReviewSessionTTL: configViper.GetDuration("review.session_ttl"),
		MCPUserID:        strings.TrimSpace(configViper.GetString("mcp.user_id")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookie) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.CardCount <= 0 {
		return fmt.Errorf("generation.card_count must be positive")
	}
	if c.DefaultLocale != "pl" && c.DefaultLocale != "en" {
		return fmt.Errorf("generation.default_locale %q is not supported", c.DefaultLocale)
	}
	if c.ReviewSessionTTL <= 0 {
		return fmt.Errorf("review.session_ttl must be positive")
	}
	return nil
}
