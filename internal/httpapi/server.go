package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ishenwei/smart-trip-quote/internal/cache"
	"github.com/ishenwei/smart-trip-quote/internal/config"
	"github.com/ishenwei/smart-trip-quote/internal/conversation"
	"github.com/ishenwei/smart-trip-quote/internal/extract"
	"github.com/ishenwei/smart-trip-quote/internal/model"
	"github.com/ishenwei/smart-trip-quote/internal/persistence"
	"github.com/ishenwei/smart-trip-quote/internal/pipeline"
	"github.com/ishenwei/smart-trip-quote/internal/provider"
	"github.com/ishenwei/smart-trip-quote/internal/ratelimit"
)

type PipelineService interface {
	Process(ctx context.Context, in pipeline.ProcessInput) (pipeline.ProcessResult, error)
	ProcessAsync(ctx context.Context, in pipeline.ProcessInput) <-chan pipeline.AsyncResult
	ProviderInfo(ctx context.Context, id string) (provider.ModelInfo, error)
	RateLimitStats(callerID string) ratelimit.Stats
	CacheStats() cache.Stats
	ClearCache(ctx context.Context)
	ReloadConfig(ctx context.Context) (config.Config, error)
	Conversation(id string) (conversation.Context, bool)
	ConversationStats() conversation.Stats
	Ready(ctx context.Context) error
}

type RequirementReader interface {
	Get(ctx context.Context, requirementID string) (*extract.Requirement, error)
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type Dependencies struct {
	Pipeline PipelineService
	// Requirements is optional. Without it the stored-requirement route is
	// not mounted.
	Requirements   RequirementReader
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	pipeline     PipelineService
	requirements RequirementReader
	metrics      MetricsObserver
	metricsRoute http.Handler
}

type ctxKey string

const (
	requestIDHeader  = "X-Request-Id"
	clientIDHeader   = "X-Client-Id"
	requestIDContext = ctxKey("request_id")
	maxJSONBodyBytes = 1 << 20
	serviceName      = "smart-trip-quote"
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Pipeline == nil {
		panic("httpapi: pipeline dependency is required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		pipeline:     deps.Pipeline,
		requirements: deps.Requirements,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/requirements/process", s.handleProcess)
		r.Post("/requirements/process-async", s.handleProcessAsync)
		if s.requirements != nil {
			r.Get("/requirements/{id}", s.handleGetRequirement)
		}
		r.Get("/providers/{provider}", s.handleProviderInfo)
		r.Get("/rate-limit/stats", s.handleRateLimitStats)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache", s.handleClearCache)
		r.Post("/config/reload", s.handleReload)
		r.Get("/conversations/stats", s.handleConversationStats)
		r.Get("/conversations/{id}", s.handleConversation)
	})

	return r
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{OK: true})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.pipeline.Ready(ctx); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "not_ready", "no provider is configured", map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: serviceName})
}

func (s *server) handleProcess(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeProcessRequest(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	result, err := s.pipeline.Process(ctx, in)
	s.writeProcessResult(w, r, result, err)
}

func (s *server) handleProcessAsync(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeProcessRequest(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	select {
	case out, ok := <-s.pipeline.ProcessAsync(ctx, in):
		if !ok {
			s.writeError(w, r, http.StatusInternalServerError, "internal_error", "processing ended without a result", nil)
			return
		}
		s.writeProcessResult(w, r, out.Result, out.Err)
	case <-ctx.Done():
		s.writeMappedError(w, r, ctx.Err(), nil)
	}
}

func (s *server) handleGetRequirement(w http.ResponseWriter, r *http.Request) {
	req, err := s.requirements.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, "not_found", "requirement not found", nil)
		return
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, "persistence_error", "load requirement", map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *server) handleProviderInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.pipeline.ProviderInfo(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		s.writeMappedError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.RateLimitStats(callerID(r)))
}

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.CacheStats())
}

func (s *server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.pipeline.ClearCache(r.Context())
	writeJSON(w, http.StatusOK, model.CacheClearResponse{OK: true})
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.pipeline.ReloadConfig(r.Context())
	if err != nil {
		s.writeMappedError(w, r, err, nil)
		return
	}
	resp := model.ReloadResponse{OK: true, RateLimit: cfg.RateLimit, Providers: []string{}}
	if id, ok := cfg.ResolveDefaultProvider(); ok {
		resp.DefaultProvider = string(id)
	}
	for _, id := range cfg.ConfiguredProviders() {
		resp.Providers = append(resp.Providers, string(id))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleConversationStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.ConversationStats())
}

func (s *server) handleConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.pipeline.Conversation(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "not_found", "conversation not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *server) decodeProcessRequest(w http.ResponseWriter, r *http.Request) (pipeline.ProcessInput, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() { _ = r.Body.Close() }()

	var req model.ProcessRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return pipeline.ProcessInput{}, false
	}
	if err := ensureBodyFullyConsumed(decoder); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return pipeline.ProcessInput{}, false
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "text is required", nil)
		return pipeline.ProcessInput{}, false
	}

	return pipeline.ProcessInput{
		Text:           req.Text,
		Provider:       req.Provider,
		CallerID:       callerID(r),
		ConversationID: req.ConversationID,
		Persist:        req.Persist,
	}, true
}

func (s *server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout > 0 {
		return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	}
	return context.WithCancel(r.Context())
}

func (s *server) writeProcessResult(w http.ResponseWriter, r *http.Request, result pipeline.ProcessResult, err error) {
	resp := toProcessResponse(result)
	if err != nil {
		s.writeMappedError(w, r, err, &resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleJSONDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "JSON body too large", nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body", nil)
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error, result *model.ProcessResponse) {
	status, code := statusForError(err)
	message := "request failed"
	var pe *pipeline.Error
	if errors.As(err, &pe) && pe.Message != "" {
		message = pe.Message
	}

	rid := requestIDFromContext(r.Context())
	if rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error: model.APIError{
			Code:      code,
			Message:   message,
			Retryable: pipeline.RetryableOf(err),
			Details:   detailsForError(err),
		},
		RequestID: rid,
		Result:    result,
	})
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     model.APIError{Code: code, Message: message, Details: details},
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"client_id", callerID(r),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusForError maps a processing failure to an HTTP status and error code.
// Bare context errors count only when no stage classified the failure.
func statusForError(err error) (int, string) {
	kind := pipeline.KindOf(err)
	switch kind {
	case "":
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return http.StatusGatewayTimeout, "timeout"
		case errors.Is(err, context.Canceled):
			return 499, "canceled"
		}
		return http.StatusInternalServerError, "internal_error"
	case pipeline.KindInvalidInput, pipeline.KindConfiguration:
		return http.StatusBadRequest, string(kind)
	case pipeline.KindRateLimit:
		return http.StatusTooManyRequests, string(kind)
	case pipeline.KindProvider:
		var pe *provider.Error
		if errors.As(err, &pe) && pe.Timeout {
			return http.StatusGatewayTimeout, string(kind)
		}
		return http.StatusBadGateway, string(kind)
	case pipeline.KindExtraction, pipeline.KindValidation, pipeline.KindLocationUnresolvable:
		return http.StatusUnprocessableEntity, string(kind)
	case pipeline.KindClarificationNeeded:
		return http.StatusConflict, string(kind)
	case pipeline.KindPersistence:
		return http.StatusInternalServerError, string(kind)
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func toProcessResponse(res pipeline.ProcessResult) model.ProcessResponse {
	resp := model.ProcessResponse{
		Success:        res.Success,
		RequirementID:  res.RequirementID,
		Persisted:      res.Persisted,
		Requirement:    res.Requirement,
		Validation:     res.Validation,
		RawResponse:    res.RawResponse,
		ConversationID: res.ConversationID,
		TimingsMS: model.ProcessTimings{
			Generation: res.Timings.Generation.Milliseconds(),
			Total:      res.Timings.Total.Milliseconds(),
		},
	}
	if res.Provider.Provider != "" {
		resp.Provider = &model.ProviderUsage{
			Provider:   string(res.Provider.Provider),
			Model:      res.Provider.Model,
			TokensUsed: res.Provider.TokensUsed,
			LatencyMS:  res.Provider.Latency.Milliseconds(),
			Cached:     res.Provider.Cached,
		}
	}
	if c := res.Clarification; c != nil {
		resp.Clarification = &model.Clarification{
			Status:         string(c.Status),
			State:          string(c.State),
			ShouldContinue: c.ShouldContinue,
			UserMessage:    c.UserMessage,
			Prompt:         res.ClarificationPrompt,
			RetryCount:     c.RetryCount,
			MaxRetries:     c.MaxRetries,
			Suggestions:    c.Suggestions,
		}
	}
	return resp
}

func detailsForError(err error) map[string]any {
	if err == nil {
		return nil
	}
	details := map[string]any{"error": err.Error()}
	var upstreamErr *provider.Error
	if errors.As(err, &upstreamErr) {
		details["provider"] = string(upstreamErr.Provider)
		if upstreamErr.StatusCode != 0 {
			details["upstream_status"] = upstreamErr.StatusCode
		}
	}
	var validation extract.Validation
	if errors.As(err, &validation) {
		details["validation_errors"] = validation.Errors
	}
	return details
}

// callerID identifies the client for per-caller rate limiting. The
// X-Client-Id header wins and the remote IP is the fallback.
func callerID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(clientIDHeader)); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func ensureBodyFullyConsumed(decoder *json.Decoder) error {
	var extra any
	if err := decoder.Decode(&extra); err != io.EOF {
		if err == nil {
			return fmt.Errorf("multiple JSON values")
		}
		return err
	}
	return nil
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func newRequestID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
