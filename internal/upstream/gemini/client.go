package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

type ObserverFunc func(endpoint string, status int, duration time.Duration)

type Option func(*Client)

// Client wraps the genai SDK for the Gemini API backend.
type Client struct {
	sdk      *genai.Client
	baseURL  string
	observer ObserverFunc
}

// Error is a non-2xx answer from the Gemini API.
type Error struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gemini request failed with status %d: %s", e.StatusCode, e.Message)
}

type GenerateRequest struct {
	Model           string
	SystemPrompt    string
	Prompt          string
	Temperature     float64
	MaxOutputTokens int
}

type GenerateResponse struct {
	Content     string
	Model       string
	TotalTokens int
	Raw         json.RawMessage
}

func WithObserver(observer ObserverFunc) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

// New builds a client against baseURL. The Gemini REST convention of full
// ".../models/<model>:generateContent" URLs is accepted and trimmed to the host.
func New(ctx context.Context, baseURL, apiKey string, httpClient *http.Client, opts ...Option) (*Client, error) {
	c := &Client{baseURL: trimEndpoint(baseURL)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	cfg := &genai.ClientConfig{
		APIKey:     strings.TrimSpace(apiKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL + "/"}
	}
	sdk, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	c.sdk = sdk
	return c, nil
}

func (c *Client) Generate(ctx context.Context, in GenerateRequest) (GenerateResponse, error) {
	started := time.Now()
	statusCode := 0
	defer func() { c.observe("gemini_generate_content", statusCode, time.Since(started)) }()

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(in.Temperature)),
		MaxOutputTokens: int32(in.MaxOutputTokens),
	}
	if strings.TrimSpace(in.SystemPrompt) != "" {
		config.SystemInstruction = genai.NewContentFromText(in.SystemPrompt, genai.RoleUser)
	}

	resp, err := c.sdk.Models.GenerateContent(ctx, in.Model, genai.Text(in.Prompt), config)
	if err != nil {
		if apiErr := asAPIError(err); apiErr != nil {
			statusCode = apiErr.StatusCode
			return GenerateResponse{}, apiErr
		}
		return GenerateResponse{}, err
	}
	statusCode = http.StatusOK

	content := responseText(resp)
	if content == "" {
		return GenerateResponse{}, errors.New("missing candidates[0].content.parts[0].text")
	}

	out := GenerateResponse{Content: content, Model: in.Model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if raw, err := json.Marshal(resp); err == nil {
		out.Raw = raw
	}
	return out, nil
}

func (c *Client) observe(endpoint string, status int, duration time.Duration) {
	if c.observer != nil {
		c.observer(endpoint, status, duration)
	}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

func asAPIError(err error) *Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Error{StatusCode: apiErr.Code, Status: apiErr.Status, Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &Error{StatusCode: apiErrPtr.Code, Status: apiErrPtr.Status, Message: apiErrPtr.Message}
	}
	return nil
}

func trimEndpoint(endpoint string) string {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	for _, marker := range []string{"/v1beta/", "/v1/"} {
		if i := strings.Index(endpoint, marker); i >= 0 {
			return endpoint[:i]
		}
	}
	return strings.TrimSuffix(strings.TrimSuffix(endpoint, "/v1beta"), "/v1")
}
