// Package provider defines the uniform generation contract over the
// configured text-generation backends and the registry that builds them.
package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

type ID string

const (
	DeepSeek ID = "deepseek"
	Gemini   ID = "gemini"
	OpenAI   ID = "openai"
)

// DefaultOrder is the preference order used when no provider is requested.
var DefaultOrder = []ID{DeepSeek, Gemini, OpenAI}

func ParseID(s string) ID {
	return ID(strings.ToLower(strings.TrimSpace(s)))
}

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = time.Second
	DefaultCacheTTL    = time.Hour
)

// Config is the per-provider configuration. It is replaced wholesale on reload.
type Config struct {
	ID           ID
	APIKey       string
	Endpoint     string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	CacheEnabled bool
	CacheTTL     time.Duration
}

// NewConfig returns a Config for id populated with the package defaults.
func NewConfig(id ID) Config {
	return Config{
		ID:           id,
		Temperature:  DefaultTemperature,
		MaxTokens:    DefaultMaxTokens,
		Timeout:      DefaultTimeout,
		MaxRetries:   DefaultMaxRetries,
		RetryDelay:   DefaultRetryDelay,
		CacheEnabled: true,
		CacheTTL:     DefaultCacheTTL,
	}
}

func (c Config) Valid() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.Endpoint) != ""
}

type Request struct {
	Prompt       string
	SystemPrompt string
	// Temperature and MaxTokens override the provider config when set.
	Temperature *float64
	MaxTokens   *int
}

type Response struct {
	Content    string
	Provider   ID
	Model      string
	TokensUsed int
	Latency    time.Duration
	Raw        json.RawMessage
}

type ModelInfo struct {
	Provider ID     `json:"provider"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint"`
}

type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
	ValidateConfig() bool
	ModelInfo() ModelInfo
}

// Checker is implemented by backends that can verify their endpoint and
// credentials without generating text.
type Checker interface {
	Check(ctx context.Context) error
}

type Result struct {
	Response Response
	Err      error
}

// GenerateAsync runs Generate on its own goroutine. The returned channel
// receives exactly one Result and is then closed.
func GenerateAsync(ctx context.Context, p Provider, req Request) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		resp, err := p.Generate(ctx, req)
		out <- Result{Response: resp, Err: err}
	}()
	return out
}

func (r Request) temperature(cfg Config) float64 {
	if r.Temperature != nil {
		return *r.Temperature
	}
	return cfg.Temperature
}

func (r Request) maxTokens(cfg Config) int {
	if r.MaxTokens != nil && *r.MaxTokens > 0 {
		return *r.MaxTokens
	}
	return cfg.MaxTokens
}
