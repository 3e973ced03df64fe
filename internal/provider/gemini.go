package provider

import (
	"context"
	"time"

	"github.com/ishenwei/smart-trip-quote/internal/upstream/gemini"
)

type geminiBackend struct {
	cfg    Config
	client *gemini.Client
}

func newGeminiProvider(ctx context.Context, cfg Config, deps Deps) (Provider, error) {
	client, err := gemini.New(ctx, cfg.Endpoint, cfg.APIKey, deps.HTTPClient, gemini.WithObserver(gemini.ObserverFunc(deps.Observer)))
	if err != nil {
		return nil, err
	}
	return &geminiBackend{cfg: cfg, client: client}, nil
}

func (b *geminiBackend) Generate(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	started := time.Now()
	out, err := b.client.Generate(ctx, gemini.GenerateRequest{
		Model:           b.cfg.Model,
		SystemPrompt:    req.SystemPrompt,
		Prompt:          req.Prompt,
		Temperature:     req.temperature(b.cfg),
		MaxOutputTokens: req.maxTokens(b.cfg),
	})
	if err != nil {
		return Response{}, wrapError(b.cfg.ID, err)
	}

	resp := Response{
		Content:    out.Content,
		Provider:   b.cfg.ID,
		Model:      out.Model,
		TokensUsed: out.TotalTokens,
		Latency:    time.Since(started),
		Raw:        out.Raw,
	}
	if resp.TokensUsed == 0 {
		resp.TokensUsed = EstimateTokens(req.SystemPrompt, req.Prompt, out.Content)
	}
	return resp, nil
}

func (b *geminiBackend) ValidateConfig() bool {
	return b.cfg.Valid()
}

func (b *geminiBackend) ModelInfo() ModelInfo {
	return ModelInfo{Provider: b.cfg.ID, Model: b.cfg.Model, Endpoint: b.cfg.Endpoint}
}
