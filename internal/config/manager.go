package config

import (
	"sync"
	"sync/atomic"

	"github.com/ishenwei/smart-trip-quote/internal/provider"
)

// Manager holds the active Config and swaps it atomically on reload. It is
// the provider.ConfigSource used by the registry.
type Manager struct {
	current atomic.Pointer[Config]
	gen     atomic.Uint64
	loader  func() (Config, error)
	mu      sync.Mutex
}

// NewManager starts from cfg. loader is called by Reload; nil means Load.
func NewManager(cfg Config, loader func() (Config, error)) *Manager {
	if loader == nil {
		loader = Load
	}
	m := &Manager{loader: loader}
	m.current.Store(&cfg)
	m.gen.Store(1)
	return m
}

func (m *Manager) Current() Config {
	return *m.current.Load()
}

// Reload re-reads configuration. The active config is left untouched when
// loading or validation fails.
func (m *Manager) Reload() (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.loader()
	if err != nil {
		return m.Current(), err
	}
	if err := cfg.Validate(); err != nil {
		return m.Current(), err
	}
	m.current.Store(&cfg)
	m.gen.Add(1)
	return cfg, nil
}

func (m *Manager) Generation() uint64 {
	return m.gen.Load()
}

func (m *Manager) ProviderConfig(id provider.ID) (provider.Config, bool) {
	cfg, ok := m.current.Load().Providers[id]
	return cfg, ok
}

func (m *Manager) DefaultProvider() (provider.ID, bool) {
	return m.current.Load().ResolveDefaultProvider()
}
