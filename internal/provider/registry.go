package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

type ObserverFunc func(endpoint string, status int, duration time.Duration)

// Deps are the shared resources handed to every constructor.
type Deps struct {
	HTTPClient *http.Client
	Observer   ObserverFunc
}

type Constructor func(ctx context.Context, cfg Config, deps Deps) (Provider, error)

// ConfigSource resolves provider configs. Generation changes whenever the
// underlying configuration is swapped so cached clients can be rebuilt.
type ConfigSource interface {
	ProviderConfig(id ID) (Config, bool)
	DefaultProvider() (ID, bool)
	Generation() uint64
}

type cachedClient struct {
	provider   Provider
	config     Config
	generation uint64
}

type Registry struct {
	mu           sync.Mutex
	constructors map[ID]Constructor
	clients      map[ID]cachedClient
	source       ConfigSource
	deps         Deps
}

// NewRegistry returns a registry with the built-in deepseek, gemini and openai backends.
func NewRegistry(source ConfigSource, deps Deps) *Registry {
	r := &Registry{
		constructors: make(map[ID]Constructor),
		clients:      make(map[ID]cachedClient),
		source:       source,
		deps:         deps,
	}
	r.Register(DeepSeek, newChatProvider)
	r.Register(OpenAI, newChatProvider)
	r.Register(Gemini, newGeminiProvider)
	return r
}

func (r *Registry) Register(id ID, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[id] = ctor
	delete(r.clients, id)
}

// New builds a fresh client for cfg, wrapped with its retry budget.
func (r *Registry) New(ctx context.Context, cfg Config) (Provider, error) {
	r.mu.Lock()
	ctor, ok := r.constructors[cfg.ID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.ID)
	}
	if !cfg.Valid() {
		return nil, fmt.Errorf("%w: %s requires an api key and endpoint", ErrNotConfigured, cfg.ID)
	}
	p, err := ctor(ctx, cfg, r.deps)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotConfigured, cfg.ID, err)
	}
	return Retrying(p, cfg.MaxRetries, cfg.RetryDelay), nil
}

// Client returns the cached client for id, building it on first use or after
// a config reload. An empty id selects the default provider.
func (r *Registry) Client(ctx context.Context, id ID) (Provider, Config, error) {
	if r.source == nil {
		return nil, Config{}, fmt.Errorf("%w: no configuration source", ErrNotConfigured)
	}
	if id == "" {
		def, ok := r.source.DefaultProvider()
		if !ok {
			return nil, Config{}, fmt.Errorf("%w: no available provider configured", ErrNotConfigured)
		}
		id = def
	}

	r.mu.Lock()
	_, known := r.constructors[id]
	r.mu.Unlock()
	if !known {
		return nil, Config{}, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}

	// Generation is read first so a reload that lands in between tags the
	// new config with the old generation and forces a rebuild next time.
	generation := r.source.Generation()
	cfg, ok := r.source.ProviderConfig(id)
	if !ok {
		return nil, Config{}, fmt.Errorf("%w: no configuration found for provider %s", ErrNotConfigured, id)
	}

	r.mu.Lock()
	cached, hit := r.clients[id]
	r.mu.Unlock()
	if hit && cached.generation == generation {
		return cached.provider, cached.config, nil
	}

	p, err := r.New(ctx, cfg)
	if err != nil {
		return nil, Config{}, err
	}

	r.mu.Lock()
	r.clients[id] = cachedClient{provider: p, config: cfg, generation: generation}
	r.mu.Unlock()
	return p, cfg, nil
}

// Invalidate drops every cached client.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[ID]cachedClient)
}
