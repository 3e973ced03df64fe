package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"

	"github.com/ishenwei/smart-trip-quote/internal/provider"
	"github.com/ishenwei/smart-trip-quote/internal/ratelimit"
)

type Config struct {
	ListenAddr                  string
	LogLevel                    string
	RequestTimeout              time.Duration
	LLMConfigFile               string
	DefaultProvider             provider.ID
	Providers                   map[provider.ID]provider.Config
	RateLimit                   ratelimit.Limits
	MaxClarificationRetries     int
	CacheCleanupInterval        time.Duration
	ConversationCleanupInterval time.Duration
	DatabaseDSN                 string
	RedisAddr                   string
	RedisPassword               string
	RedisDB                     int
}

type providerEnv struct {
	APIKey string `env:"API_KEY"`
	APIURL string `env:"API_URL"`
	Model  string `env:"MODEL"`
}

type envConfig struct {
	ListenAddr                         string      `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel                           string      `env:"LOG_LEVEL" envDefault:"info"`
	RequestTimeoutSeconds              int         `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"60"`
	LLMConfigFile                      string      `env:"LLM_CONFIG_FILE"`
	DefaultProvider                    string      `env:"DEFAULT_PROVIDER"`
	RateLimitPerMinute                 int         `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`
	RateLimitPerHour                   int         `env:"RATE_LIMIT_PER_HOUR" envDefault:"1000"`
	RateLimitBurst                     int         `env:"RATE_LIMIT_BURST" envDefault:"10"`
	RateLimitEnabled                   bool        `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	MaxClarificationRetries            int         `env:"MAX_CLARIFICATION_RETRIES" envDefault:"3"`
	CacheCleanupIntervalSeconds        int         `env:"CACHE_CLEANUP_INTERVAL_SECONDS" envDefault:"300"`
	ConversationCleanupIntervalSeconds int         `env:"CONVERSATION_CLEANUP_INTERVAL_SECONDS" envDefault:"600"`
	DatabaseDSN                        string      `env:"DATABASE_DSN"`
	RedisAddr                          string      `env:"REDIS_ADDR"`
	RedisPassword                      string      `env:"REDIS_PASSWORD"`
	RedisDB                            int         `env:"REDIS_DB" envDefault:"0"`
	DeepSeek                           providerEnv `envPrefix:"DEEPSEEK_"`
	Gemini                             providerEnv `envPrefix:"GEMINI_"`
	OpenAI                             providerEnv `envPrefix:"OPENAI_"`
}

// Load reads the process environment and, when LLM_CONFIG_FILE is set and
// present, the provider file.
func Load() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      strings.TrimSpace(raw.ListenAddr),
		LogLevel:        strings.ToLower(strings.TrimSpace(raw.LogLevel)),
		RequestTimeout:  time.Duration(raw.RequestTimeoutSeconds) * time.Second,
		LLMConfigFile:   strings.TrimSpace(raw.LLMConfigFile),
		DefaultProvider: provider.ParseID(raw.DefaultProvider),
		RateLimit: ratelimit.Limits{
			PerMinute: raw.RateLimitPerMinute,
			PerHour:   raw.RateLimitPerHour,
			Burst:     raw.RateLimitBurst,
			Enabled:   raw.RateLimitEnabled,
		},
		MaxClarificationRetries:     raw.MaxClarificationRetries,
		CacheCleanupInterval:        time.Duration(raw.CacheCleanupIntervalSeconds) * time.Second,
		ConversationCleanupInterval: time.Duration(raw.ConversationCleanupIntervalSeconds) * time.Second,
		DatabaseDSN:                 strings.TrimSpace(raw.DatabaseDSN),
		RedisAddr:                   strings.TrimSpace(raw.RedisAddr),
		RedisPassword:               raw.RedisPassword,
		RedisDB:                     raw.RedisDB,
	}

	providers, limits, err := loadProviders(cfg.LLMConfigFile, map[provider.ID]providerEnv{
		provider.DeepSeek: raw.DeepSeek,
		provider.Gemini:   raw.Gemini,
		provider.OpenAI:   raw.OpenAI,
	}, cfg.RateLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.Providers = providers
	cfg.RateLimit = limits

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.MaxClarificationRetries <= 0 {
		return errors.New("MAX_CLARIFICATION_RETRIES must be > 0")
	}
	if c.RateLimit.Enabled && (c.RateLimit.PerMinute <= 0 || c.RateLimit.PerHour <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("rate limits must be > 0 when rate limiting is enabled")
	}
	if c.RedisDB < 0 {
		return errors.New("REDIS_DB must be >= 0")
	}
	if c.DefaultProvider != "" && !slices.Contains(provider.DefaultOrder, c.DefaultProvider) {
		return fmt.Errorf("DEFAULT_PROVIDER %q is not a known provider", c.DefaultProvider)
	}
	for id, p := range c.Providers {
		if p.Timeout <= 0 {
			return fmt.Errorf("provider %s: timeout must be > 0", id)
		}
		if p.MaxTokens <= 0 {
			return fmt.Errorf("provider %s: max_tokens must be > 0", id)
		}
	}
	return nil
}

// ResolveDefaultProvider returns DEFAULT_PROVIDER when it is configured,
// otherwise the first configured provider in preference order.
func (c Config) ResolveDefaultProvider() (provider.ID, bool) {
	if c.DefaultProvider != "" {
		if p, ok := c.Providers[c.DefaultProvider]; ok && p.Valid() {
			return c.DefaultProvider, true
		}
	}
	for _, id := range provider.DefaultOrder {
		if p, ok := c.Providers[id]; ok && p.Valid() {
			return id, true
		}
	}
	return "", false
}

// ConfiguredProviders lists providers with usable credentials in preference
// order.
func (c Config) ConfiguredProviders() []provider.ID {
	var out []provider.ID
	for _, id := range provider.DefaultOrder {
		if p, ok := c.Providers[id]; ok && p.Valid() {
			out = append(out, id)
		}
	}
	return out
}
