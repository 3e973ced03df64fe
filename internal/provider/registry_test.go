package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

type staticSource struct {
	configs    map[ID]Config
	def        ID
	generation uint64
}

func (s *staticSource) ProviderConfig(id ID) (Config, bool) {
	cfg, ok := s.configs[id]
	return cfg, ok
}

func (s *staticSource) DefaultProvider() (ID, bool) {
	return s.def, s.def != ""
}

func (s *staticSource) Generation() uint64 { return s.generation }

type stubProvider struct {
	cfg   Config
	errs  []error
	calls int
}

func (s *stubProvider) Generate(context.Context, Request) (Response, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return Response{}, err
		}
	}
	return Response{Content: "ok", Provider: s.cfg.ID, Model: s.cfg.Model}, nil
}

func (s *stubProvider) ValidateConfig() bool { return s.cfg.Valid() }

func (s *stubProvider) ModelInfo() ModelInfo {
	return ModelInfo{Provider: s.cfg.ID, Model: s.cfg.Model, Endpoint: s.cfg.Endpoint}
}

func TestRegistryClientUsesDefaultAndCachesPerGeneration(t *testing.T) {
	source := &staticSource{configs: map[ID]Config{DeepSeek: testConfig(DeepSeek)}, def: DeepSeek, generation: 1}
	reg := NewRegistry(source, Deps{})
	built := 0
	reg.Register(DeepSeek, func(_ context.Context, cfg Config, _ Deps) (Provider, error) {
		built++
		return &stubProvider{cfg: cfg}, nil
	})

	p1, cfg, err := reg.Client(context.Background(), "")
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if cfg.ID != DeepSeek || p1.ModelInfo().Provider != DeepSeek {
		t.Fatalf("unexpected default provider: %+v", cfg)
	}
	if _, _, err := reg.Client(context.Background(), DeepSeek); err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if built != 1 {
		t.Fatalf("expected one construction, got %d", built)
	}

	source.generation = 2
	if _, _, err := reg.Client(context.Background(), DeepSeek); err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if built != 2 {
		t.Fatalf("expected rebuild after reload, got %d constructions", built)
	}
}

func TestRegistryRejectsUnknownAndUnconfigured(t *testing.T) {
	source := &staticSource{configs: map[ID]Config{}}
	reg := NewRegistry(source, Deps{})

	if _, _, err := reg.Client(context.Background(), "anthropic"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if _, _, err := reg.Client(context.Background(), Gemini); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, _, err := reg.Client(context.Background(), ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured without default, got %v", err)
	}

	blank := NewConfig(OpenAI)
	if _, err := reg.New(context.Background(), blank); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for blank credential, got %v", err)
	}
}

// reloadingSource swaps its config the first time it is read, as a reload
// racing with Client would.
type reloadingSource struct {
	staticSource
	next Config
}

func (s *reloadingSource) ProviderConfig(id ID) (Config, bool) {
	cfg, ok := s.staticSource.ProviderConfig(id)
	if s.next.ID != "" {
		s.configs = map[ID]Config{id: s.next}
		s.next = Config{}
		s.generation++
	}
	return cfg, ok
}

func TestRegistryRebuildsAfterReloadDuringLookup(t *testing.T) {
	updated := testConfig(DeepSeek)
	updated.Model = "updated-model"
	source := &reloadingSource{
		staticSource: staticSource{configs: map[ID]Config{DeepSeek: testConfig(DeepSeek)}, def: DeepSeek, generation: 1},
		next:         updated,
	}
	reg := NewRegistry(source, Deps{})
	reg.Register(DeepSeek, func(_ context.Context, cfg Config, _ Deps) (Provider, error) {
		return &stubProvider{cfg: cfg}, nil
	})

	_, first, err := reg.Client(context.Background(), DeepSeek)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if first.Model != "test-model" {
		t.Fatalf("unexpected first config: %+v", first)
	}

	p, second, err := reg.Client(context.Background(), DeepSeek)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if second.Model != "updated-model" || p.ModelInfo().Model != "updated-model" {
		t.Fatalf("stale client served after reload: %+v", second)
	}
}

func TestRetryingRetriesTransientFailures(t *testing.T) {
	stub := &stubProvider{cfg: testConfig(DeepSeek), errs: []error{
		&Error{Provider: DeepSeek, StatusCode: 503, Err: errors.New("overloaded")},
		&Error{Provider: DeepSeek, Timeout: true, Err: context.DeadlineExceeded},
	}}
	p := Retrying(stub, 3, time.Millisecond).(*retrying)
	p.sleep = func(context.Context, time.Duration) error { return nil }

	resp, err := p.Generate(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Content != "ok" || stub.calls != 3 {
		t.Fatalf("unexpected result after retries: %+v calls=%d", resp, stub.calls)
	}
}

func TestRetryingStopsOnPermanentFailure(t *testing.T) {
	stub := &stubProvider{cfg: testConfig(DeepSeek), errs: []error{
		&Error{Provider: DeepSeek, StatusCode: 401, Err: errors.New("unauthorized")},
	}}
	p := Retrying(stub, 3, time.Millisecond).(*retrying)
	p.sleep = func(context.Context, time.Duration) error { return nil }

	if _, err := p.Generate(context.Background(), Request{Prompt: "hi"}); err == nil {
		t.Fatal("expected error")
	}
	if stub.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", stub.calls)
	}
}

func TestRetryingBackoffGrows(t *testing.T) {
	r := &retrying{baseDelay: 100 * time.Millisecond}
	first := r.backoff(0)
	third := r.backoff(2)
	if first < 100*time.Millisecond || first > 120*time.Millisecond {
		t.Fatalf("unexpected first backoff: %v", first)
	}
	if third < 400*time.Millisecond || third > 480*time.Millisecond {
		t.Fatalf("unexpected third backoff: %v", third)
	}
}
