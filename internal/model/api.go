package model

import (
	"github.com/ishenwei/smart-trip-quote/internal/extract"
	"github.com/ishenwei/smart-trip-quote/internal/ratelimit"
)

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorResponse carries the partial processing result when there is one, so
// a client can show clarification prompts or the rejected payload.
type ErrorResponse struct {
	Error     APIError         `json:"error"`
	RequestID string           `json:"request_id,omitempty"`
	Result    *ProcessResponse `json:"result,omitempty"`
}

type HealthResponse struct {
	OK bool `json:"ok"`
}

type ReadyResponse struct {
	OK          bool   `json:"ok"`
	ServiceName string `json:"service_name,omitempty"`
}

type ProcessRequest struct {
	Text           string `json:"text"`
	Provider       string `json:"provider,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Persist        bool   `json:"persist,omitempty"`
}

type ProviderUsage struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
	LatencyMS  int64  `json:"latency_ms"`
	Cached     bool   `json:"cached"`
}

type Clarification struct {
	Status         string   `json:"status"`
	State          string   `json:"state,omitempty"`
	ShouldContinue bool     `json:"should_continue"`
	UserMessage    string   `json:"user_message,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`
	RetryCount     int      `json:"retry_count"`
	MaxRetries     int      `json:"max_retries"`
	Suggestions    []string `json:"suggestions,omitempty"`
}

type ProcessTimings struct {
	Generation int64 `json:"generation"`
	Total      int64 `json:"total"`
}

type ProcessResponse struct {
	Success        bool                 `json:"success"`
	RequirementID  string               `json:"requirement_id,omitempty"`
	Persisted      bool                 `json:"persisted"`
	Requirement    *extract.Requirement `json:"requirement,omitempty"`
	Validation     *extract.Validation  `json:"validation,omitempty"`
	RawResponse    string               `json:"raw_response,omitempty"`
	Provider       *ProviderUsage       `json:"provider,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
	Clarification  *Clarification       `json:"clarification,omitempty"`
	TimingsMS      ProcessTimings       `json:"timings_ms"`
}

type CacheClearResponse struct {
	OK bool `json:"ok"`
}

type ReloadResponse struct {
	OK              bool             `json:"ok"`
	DefaultProvider string           `json:"default_provider,omitempty"`
	Providers       []string         `json:"providers"`
	RateLimit       ratelimit.Limits `json:"rate_limit"`
}
