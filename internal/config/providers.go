package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ishenwei/smart-trip-quote/internal/provider"
	"github.com/ishenwei/smart-trip-quote/internal/ratelimit"
)

var providerDefaults = map[provider.ID]struct {
	endpoint string
	model    string
}{
	provider.DeepSeek: {"https://api.deepseek.com/v1", "deepseek-chat"},
	provider.Gemini:   {"https://generativelanguage.googleapis.com", "gemini-pro"},
	provider.OpenAI:   {"https://api.openai.com/v1", "gpt-4"},
}

// providerFile is the LLM_CONFIG_FILE layout. JSON files parse too since
// JSON is valid YAML. Durations are in seconds.
type providerFile struct {
	Providers map[string]providerEntry `yaml:"providers"`
	RateLimit *rateLimitEntry          `yaml:"rate_limit"`
}

type providerEntry struct {
	APIKey      string   `yaml:"api_key"`
	APIURL      string   `yaml:"api_url"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   *int     `yaml:"max_tokens"`
	Timeout     *float64 `yaml:"timeout"`
	MaxRetries  *int     `yaml:"max_retries"`
	RetryDelay  *float64 `yaml:"retry_delay"`
	EnableCache *bool    `yaml:"enable_cache"`
	CacheTTL    *float64 `yaml:"cache_ttl"`
}

type rateLimitEntry struct {
	PerMinute *int  `yaml:"requests_per_minute"`
	PerHour   *int  `yaml:"requests_per_hour"`
	Burst     *int  `yaml:"burst_size"`
	Enabled   *bool `yaml:"enabled"`
}

func loadProviders(path string, env map[provider.ID]providerEnv, limits ratelimit.Limits) (map[provider.ID]provider.Config, ratelimit.Limits, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			return parseProviderFile(data, limits)
		case errors.Is(err, fs.ErrNotExist):
			// Fall back to the environment.
		default:
			return nil, limits, fmt.Errorf("read LLM_CONFIG_FILE: %w", err)
		}
	}
	return providersFromEnv(env), limits, nil
}

func providersFromEnv(env map[provider.ID]providerEnv) map[provider.ID]provider.Config {
	out := make(map[provider.ID]provider.Config)
	for _, id := range provider.DefaultOrder {
		e := env[id]
		if strings.TrimSpace(e.APIKey) == "" {
			continue
		}
		cfg := withDefaults(provider.NewConfig(id))
		cfg.APIKey = strings.TrimSpace(e.APIKey)
		if v := strings.TrimSpace(e.APIURL); v != "" {
			cfg.Endpoint = strings.TrimRight(v, "/")
		}
		if v := strings.TrimSpace(e.Model); v != "" {
			cfg.Model = v
		}
		out[id] = cfg
	}
	return out
}

func parseProviderFile(data []byte, limits ratelimit.Limits) (map[provider.ID]provider.Config, ratelimit.Limits, error) {
	var file providerFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, limits, fmt.Errorf("parse LLM_CONFIG_FILE: %w", err)
	}

	out := make(map[provider.ID]provider.Config, len(file.Providers))
	for name, entry := range file.Providers {
		id := provider.ParseID(name)
		if _, known := providerDefaults[id]; !known {
			return nil, limits, fmt.Errorf("parse LLM_CONFIG_FILE: unknown provider %q", name)
		}
		out[id] = entry.apply(withDefaults(provider.NewConfig(id)))
	}

	if rl := file.RateLimit; rl != nil {
		if rl.PerMinute != nil {
			limits.PerMinute = *rl.PerMinute
		}
		if rl.PerHour != nil {
			limits.PerHour = *rl.PerHour
		}
		if rl.Burst != nil {
			limits.Burst = *rl.Burst
		}
		if rl.Enabled != nil {
			limits.Enabled = *rl.Enabled
		}
	}
	return out, limits, nil
}

func (e providerEntry) apply(cfg provider.Config) provider.Config {
	cfg.APIKey = strings.TrimSpace(e.APIKey)
	if v := strings.TrimSpace(e.APIURL); v != "" {
		cfg.Endpoint = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(e.Model); v != "" {
		cfg.Model = v
	}
	if e.Temperature != nil {
		cfg.Temperature = *e.Temperature
	}
	if e.MaxTokens != nil {
		cfg.MaxTokens = *e.MaxTokens
	}
	if e.Timeout != nil {
		cfg.Timeout = seconds(*e.Timeout)
	}
	if e.MaxRetries != nil {
		cfg.MaxRetries = *e.MaxRetries
	}
	if e.RetryDelay != nil {
		cfg.RetryDelay = seconds(*e.RetryDelay)
	}
	if e.EnableCache != nil {
		cfg.CacheEnabled = *e.EnableCache
	}
	if e.CacheTTL != nil {
		cfg.CacheTTL = seconds(*e.CacheTTL)
	}
	return cfg
}

func withDefaults(cfg provider.Config) provider.Config {
	d := providerDefaults[cfg.ID]
	cfg.Endpoint = d.endpoint
	cfg.Model = d.model
	return cfg
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
