package provider

import (
	"context"
	"strings"
	"time"

	"github.com/ishenwei/smart-trip-quote/internal/upstream/openai"
)

// ChatClient is the OpenAI-compatible upstream used by the openai and deepseek backends.
type ChatClient interface {
	ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type modelLister interface {
	CheckModels(ctx context.Context) error
}

type chatBackend struct {
	cfg    Config
	client ChatClient
}

// NewChatBackend adapts an OpenAI-compatible client to the Provider contract.
func NewChatBackend(cfg Config, client ChatClient) Provider {
	return &chatBackend{cfg: cfg, client: client}
}

func newChatProvider(_ context.Context, cfg Config, deps Deps) (Provider, error) {
	client := openai.New(cfg.Endpoint, cfg.APIKey, deps.HTTPClient,
		openai.WithLabel(string(cfg.ID)),
		openai.WithObserver(openai.ObserverFunc(deps.Observer)),
	)
	return NewChatBackend(cfg, client), nil
}

func (b *chatBackend) Generate(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	messages := make([]openai.ChatMessage, 0, 2)
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		messages = append(messages, openai.ChatMessage{Role: "system", Content: system})
	}
	messages = append(messages, openai.ChatMessage{Role: "user", Content: req.Prompt})

	started := time.Now()
	chatResp, err := b.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       b.cfg.Model,
		Temperature: req.temperature(b.cfg),
		MaxTokens:   req.maxTokens(b.cfg),
		Messages:    messages,
	})
	if err != nil {
		return Response{}, wrapError(b.cfg.ID, err)
	}

	resp := Response{
		Content:  chatResp.Content,
		Provider: b.cfg.ID,
		Model:    b.cfg.Model,
		Latency:  time.Since(started),
		Raw:      chatResp.Raw,
	}
	if chatResp.Model != "" {
		resp.Model = chatResp.Model
	}
	if chatResp.Usage != nil && chatResp.Usage.TotalTokens > 0 {
		resp.TokensUsed = chatResp.Usage.TotalTokens
	} else {
		resp.TokensUsed = EstimateTokens(req.SystemPrompt, req.Prompt, chatResp.Content)
	}
	return resp, nil
}

func (b *chatBackend) ValidateConfig() bool {
	return b.cfg.Valid()
}

func (b *chatBackend) ModelInfo() ModelInfo {
	return ModelInfo{Provider: b.cfg.ID, Model: b.cfg.Model, Endpoint: b.cfg.Endpoint}
}

// Check lists the upstream models when the client supports it.
func (b *chatBackend) Check(ctx context.Context) error {
	lister, ok := b.client.(modelLister)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	if err := lister.CheckModels(ctx); err != nil {
		return wrapError(b.cfg.ID, err)
	}
	return nil
}
