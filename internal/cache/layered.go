package cache

import (
	"context"
	"log/slog"
	"time"
)

// Remote is a shared second tier, typically Redis, consulted on local misses.
type Remote interface {
	Get(ctx context.Context, key string) (Payload, time.Duration, bool, error)
	Set(ctx context.Context, key string, payload Payload, ttl time.Duration) error
	Clear(ctx context.Context) error
}

// Layered fronts a process-local Cache with an optional Remote tier.
// Remote failures are logged and treated as misses.
type Layered struct {
	local  *Cache
	remote Remote
	logger *slog.Logger
}

func NewLayered(local *Cache, remote Remote, logger *slog.Logger) *Layered {
	if local == nil {
		local = New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Layered{local: local, remote: remote, logger: logger}
}

func (l *Layered) Get(ctx context.Context, key string) (Payload, bool) {
	if payload, ok := l.local.Get(key); ok {
		return payload, true
	}
	if l.remote == nil {
		return Payload{}, false
	}

	payload, ttl, ok, err := l.remote.Get(ctx, key)
	if err != nil {
		l.logger.Warn("cache_remote_get_failed", "key", key, "error", err)
		return Payload{}, false
	}
	if !ok {
		return Payload{}, false
	}
	if ttl > 0 {
		l.local.Set(key, payload, ttl)
	}
	return payload, true
}

func (l *Layered) Set(ctx context.Context, key string, payload Payload, ttl time.Duration) {
	l.local.Set(key, payload, ttl)
	if l.remote == nil || ttl <= 0 {
		return
	}
	if err := l.remote.Set(ctx, key, payload, ttl); err != nil {
		l.logger.Warn("cache_remote_set_failed", "key", key, "error", err)
	}
}

func (l *Layered) Stats() Stats {
	return l.local.Stats()
}

func (l *Layered) Clear(ctx context.Context) {
	l.local.Clear()
	if l.remote == nil {
		return
	}
	if err := l.remote.Clear(ctx); err != nil {
		l.logger.Warn("cache_remote_clear_failed", "error", err)
	}
}
