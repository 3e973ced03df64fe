package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ishenwei/smart-trip-quote/internal/cache"
	"github.com/ishenwei/smart-trip-quote/internal/config"
	"github.com/ishenwei/smart-trip-quote/internal/conversation"
	"github.com/ishenwei/smart-trip-quote/internal/provider"
	"github.com/ishenwei/smart-trip-quote/internal/ratelimit"
)

// ProviderInfo describes the backend that would serve id. An empty id means
// the default provider.
func (s *Service) ProviderInfo(ctx context.Context, id string) (provider.ModelInfo, error) {
	if s.providers == nil {
		return provider.ModelInfo{}, newError(KindConfiguration, "no provider registry configured", false, nil)
	}
	client, _, err := s.providers.Client(ctx, provider.ParseID(id))
	if err != nil {
		return provider.ModelInfo{}, newError(KindConfiguration, "resolve provider", false, err)
	}
	return client.ModelInfo(), nil
}

func (s *Service) RateLimitStats(callerID string) ratelimit.Stats {
	return s.limiter.Stats(callerID)
}

func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

func (s *Service) ClearCache(ctx context.Context) {
	s.cache.Clear(ctx)
	s.logger.InfoContext(ctx, "cache_cleared")
}

func (s *Service) Conversation(id string) (conversation.Context, bool) {
	return s.clarifier.Store().Get(id)
}

func (s *Service) ConversationStats() conversation.Stats {
	return s.clarifier.Store().Stats()
}

// CleanupConversations drops expired conversations and returns how many
// were removed.
func (s *Service) CleanupConversations(ctx context.Context) int {
	removed := s.clarifier.Store().CleanupExpired()
	if removed > 0 {
		s.logger.InfoContext(ctx, "conversations_cleaned", "removed", removed)
	}
	return removed
}

// ReloadConfig swaps in freshly loaded configuration. Cached provider clients
// are dropped and rebuilt on next use, and the limiter takes the new limits
// immediately.
func (s *Service) ReloadConfig(ctx context.Context) (config.Config, error) {
	if s.reloader == nil {
		return config.Config{}, newError(KindConfiguration, "config reload is not available", false, nil)
	}
	cfg, err := s.reloader.Reload()
	if err != nil {
		s.logger.ErrorContext(ctx, "config_reload", "success", false, "error", err)
		return config.Config{}, newError(KindConfiguration, "reload configuration", false, err)
	}
	s.limiter.SetLimits(cfg.RateLimit)
	if inv, ok := s.providers.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
	s.logger.InfoContext(ctx, "config_reload", "success", true, "providers", len(cfg.ConfiguredProviders()))
	return cfg, nil
}

// Ready reports whether a default provider can be resolved and, when the
// backend supports it, reached.
func (s *Service) Ready(ctx context.Context) error {
	if s.providers == nil {
		return errors.New("no provider registry configured")
	}
	client, cfg, err := s.providers.Client(ctx, "")
	if err != nil {
		return err
	}
	if checker, ok := client.(provider.Checker); ok {
		if err := checker.Check(ctx); err != nil {
			return fmt.Errorf("check %s: %w", cfg.ID, err)
		}
	}
	return nil
}
