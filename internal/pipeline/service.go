package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ishenwei/smart-trip-quote/internal/cache"
	"github.com/ishenwei/smart-trip-quote/internal/clarify"
	"github.com/ishenwei/smart-trip-quote/internal/config"
	"github.com/ishenwei/smart-trip-quote/internal/conversation"
	"github.com/ishenwei/smart-trip-quote/internal/extract"
	"github.com/ishenwei/smart-trip-quote/internal/observability"
	"github.com/ishenwei/smart-trip-quote/internal/persistence"
	"github.com/ishenwei/smart-trip-quote/internal/provider"
	"github.com/ishenwei/smart-trip-quote/internal/ratelimit"
)

// Providers resolves a ready generation client. *provider.Registry
// implements it.
type Providers interface {
	Client(ctx context.Context, id provider.ID) (provider.Provider, provider.Config, error)
}

// ResponseCache is satisfied by *cache.Layered.
type ResponseCache interface {
	Get(ctx context.Context, key string) (cache.Payload, bool)
	Set(ctx context.Context, key string, payload cache.Payload, ttl time.Duration)
	Stats() cache.Stats
	Clear(ctx context.Context)
}

type Persister interface {
	CreateFromStructured(ctx context.Context, req *extract.Requirement) (string, error)
}

// Reloader re-reads configuration. *config.Manager implements it.
type Reloader interface {
	Reload() (config.Config, error)
}

type Dependencies struct {
	Providers Providers
	Limiter   *ratelimit.Limiter
	Cache     ResponseCache
	Clarifier *clarify.Handler
	// Store may be nil, which disables persistence.
	Store    Persister
	Reloader Reloader
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

type Service struct {
	providers Providers
	limiter   *ratelimit.Limiter
	cache     ResponseCache
	clarifier *clarify.Handler
	store     Persister
	reloader  Reloader
	metrics   *observability.Metrics
	logger    *slog.Logger
}

type ProcessInput struct {
	Text           string
	Provider       string
	CallerID       string
	ConversationID string
	Persist        bool
}

type ProviderMeta struct {
	Provider   provider.ID
	Model      string
	TokensUsed int
	Latency    time.Duration
	Cached     bool
}

type Timings struct {
	Generation time.Duration
	Total      time.Duration
}

// ProcessResult is populated as far as the pipeline got, including on error.
type ProcessResult struct {
	Success             bool
	RawResponse         string
	Requirement         *extract.Requirement
	Validation          *extract.Validation
	RequirementID       string
	Persisted           bool
	Provider            ProviderMeta
	Clarification       *clarify.Result
	ClarificationPrompt string
	ConversationID      string
	Timings             Timings
}

type AsyncResult struct {
	Result ProcessResult
	Err    error
}

func New(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultLimits())
	}
	clarifier := deps.Clarifier
	if clarifier == nil {
		clarifier = clarify.NewHandler(conversation.NewStore(), clarify.DefaultMaxRetries, clarify.WithLogger(logger))
	}
	responses := deps.Cache
	if responses == nil {
		responses = cache.NewLayered(cache.New(), nil, logger)
	}
	return &Service{
		providers: deps.Providers,
		limiter:   limiter,
		cache:     responses,
		clarifier: clarifier,
		store:     deps.Store,
		reloader:  deps.Reloader,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// Process turns free text into a validated travel requirement. The steps
// are provider resolution, rate limiting, cached generation, extraction,
// normalization, location clarification, validation and optional
// persistence. The returned result is filled as far as processing got.
func (s *Service) Process(ctx context.Context, in ProcessInput) (ProcessResult, error) {
	started := time.Now()
	result := ProcessResult{ConversationID: strings.TrimSpace(in.ConversationID)}

	err := s.process(ctx, in, &result)
	result.Timings.Total = time.Since(started)
	s.metrics.ObservePipeline(string(result.Provider.Provider), outcome(err), result.Timings.Total)
	return result, err
}

// ProcessAsync runs Process on its own goroutine. The channel receives one
// value and is then closed.
func (s *Service) ProcessAsync(ctx context.Context, in ProcessInput) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	go func() {
		defer close(out)
		res, err := s.Process(ctx, in)
		out <- AsyncResult{Result: res, Err: err}
	}()
	return out
}

func (s *Service) process(ctx context.Context, in ProcessInput, result *ProcessResult) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return newError(KindInvalidInput, "text must not be empty", false, nil)
	}
	if s.providers == nil {
		return newError(KindConfiguration, "no provider registry configured", false, nil)
	}

	client, cfg, err := s.providers.Client(ctx, provider.ParseID(in.Provider))
	if err != nil {
		return newError(KindConfiguration, "resolve provider", false, err)
	}
	info := client.ModelInfo()
	result.Provider = ProviderMeta{Provider: info.Provider, Model: info.Model}

	prompt := text
	conv, active := s.clarifier.Active(result.ConversationID, in.CallerID)
	if active {
		prompt = clarify.FollowUpPrompt(conv, text)
	}

	if ok, reason := s.limiter.Allow(in.CallerID); !ok {
		scope := "global"
		if strings.HasPrefix(reason, "client") {
			scope = "client"
		}
		s.metrics.IncRateLimitDenied(scope)
		s.logger.WarnContext(ctx, "rate_limit_denied", "caller_id", in.CallerID, "scope", scope, "reason", reason)
		return newError(KindRateLimit, reason, true, nil)
	}

	payload, err := s.generate(ctx, client, cfg, prompt, result)
	if err != nil {
		return err
	}
	result.RawResponse = payload.Content

	req, err := extract.ExtractJSON(payload.Content)
	if err != nil {
		s.logger.WarnContext(ctx, "extraction", "provider", string(cfg.ID), "success", false, "error", err)
		return newError(KindExtraction, "model response held no structured payload", false, err)
	}
	req.OriginInput = text
	extract.Normalize(req)
	if active {
		s.clarifier.Merge(result.ConversationID, req)
	}
	result.Requirement = req
	s.logger.InfoContext(ctx, "extraction", "provider", string(cfg.ID), "success", true, "requirement_id", req.RequirementID)

	// Locations are checked before full validation so a request that names
	// no places gets a clarification turn rather than a field error list.
	clar, err := s.clarifier.Handle(ctx, clarify.Input{
		ConversationID: result.ConversationID,
		CallerID:       in.CallerID,
		UserInput:      text,
		Requirement:    req,
	})
	if err != nil {
		return newError(KindLocationUnresolvable, "track clarification", false, err)
	}
	s.metrics.IncClarification(string(clar.Status))
	result.ConversationID = clar.ConversationID
	if !clar.Success {
		result.Clarification = &clar
		result.ClarificationPrompt = clar.EnhancedPrompt
		if clar.ShouldContinue {
			return newError(KindClarificationNeeded, clar.Error, true, nil)
		}
		return newError(KindLocationUnresolvable, clar.Error, false, nil)
	}

	validation := extract.Validate(req)
	result.Validation = &validation
	if len(validation.Warnings) > 0 {
		s.logger.InfoContext(ctx, "validation_warnings", "requirement_id", req.RequirementID, "warnings", strings.Join(validation.Warnings, "; "))
	}
	if !validation.Valid {
		return newError(KindValidation, "requirement failed validation", false, validation)
	}

	if in.Persist {
		if err := s.persist(ctx, req, result); err != nil {
			return err
		}
	}

	result.Success = true
	return nil
}

func (s *Service) generate(ctx context.Context, client provider.Provider, cfg provider.Config, prompt string, result *ProcessResult) (cache.Payload, error) {
	info := client.ModelInfo()
	key := ""
	if cfg.CacheEnabled {
		k, err := cache.Key(prompt, string(cfg.ID), info.Model, map[string]any{
			"temperature": cfg.Temperature,
			"max_tokens":  cfg.MaxTokens,
			"system":      extract.SystemPrompt,
		})
		if err == nil {
			key = k
		}
	}

	if key != "" {
		if hit, ok := s.cache.Get(ctx, key); ok {
			s.metrics.ObserveCache(true)
			s.logger.InfoContext(ctx, "llm_cache_hit", "provider", string(cfg.ID), "model", hit.Model)
			result.Provider = ProviderMeta{
				Provider:   cfg.ID,
				Model:      hit.Model,
				TokensUsed: hit.TokensUsed,
				Latency:    time.Duration(hit.LatencyMS) * time.Millisecond,
				Cached:     true,
			}
			return hit, nil
		}
		s.metrics.ObserveCache(false)
		s.logger.DebugContext(ctx, "llm_cache_miss", "provider", string(cfg.ID))
	}

	s.logger.InfoContext(ctx, "llm_request", "provider", string(cfg.ID), "model", info.Model, "prompt_chars", len(prompt))
	genStarted := time.Now()
	resp, err := client.Generate(ctx, provider.Request{Prompt: prompt, SystemPrompt: extract.SystemPrompt})
	result.Timings.Generation = time.Since(genStarted)
	if err != nil {
		s.logger.ErrorContext(ctx, "llm_response", "provider", string(cfg.ID), "success", false, "error", err)
		return cache.Payload{}, newError(KindProvider, "generation failed", provider.IsRetryable(err), err)
	}

	s.logger.InfoContext(ctx, "llm_response",
		"provider", string(resp.Provider),
		"model", resp.Model,
		"success", true,
		"tokens_used", resp.TokensUsed,
		"latency_ms", resp.Latency.Milliseconds(),
	)
	s.metrics.AddTokens(string(resp.Provider), resp.TokensUsed)
	result.Provider = ProviderMeta{
		Provider:   resp.Provider,
		Model:      resp.Model,
		TokensUsed: resp.TokensUsed,
		Latency:    resp.Latency,
	}

	payload := cache.Payload{
		Content:    resp.Content,
		TokensUsed: resp.TokensUsed,
		LatencyMS:  resp.Latency.Milliseconds(),
		Provider:   string(resp.Provider),
		Model:      resp.Model,
	}
	if key != "" {
		s.cache.Set(ctx, key, payload, cfg.CacheTTL)
	}
	return payload, nil
}

func (s *Service) persist(ctx context.Context, req *extract.Requirement, result *ProcessResult) error {
	if s.store == nil {
		s.logger.WarnContext(ctx, "persistence", "requirement_id", req.RequirementID, "skipped", true, "reason", "no database configured")
		return nil
	}
	id, err := s.store.CreateFromStructured(ctx, req)
	if err != nil {
		s.logger.ErrorContext(ctx, "persistence", "requirement_id", req.RequirementID, "success", false, "error", err)
		msg := "store requirement"
		if errors.Is(err, persistence.ErrDuplicate) {
			msg = "requirement id already stored"
		}
		return newError(KindPersistence, msg, false, err)
	}
	s.logger.InfoContext(ctx, "persistence", "requirement_id", id, "success", true)
	result.RequirementID = id
	result.Persisted = true
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
