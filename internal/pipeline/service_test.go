package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ishenwei/smart-trip-quote/internal/clarify"
	"github.com/ishenwei/smart-trip-quote/internal/config"
	"github.com/ishenwei/smart-trip-quote/internal/conversation"
	"github.com/ishenwei/smart-trip-quote/internal/extract"
	"github.com/ishenwei/smart-trip-quote/internal/location"
	"github.com/ishenwei/smart-trip-quote/internal/persistence"
	"github.com/ishenwei/smart-trip-quote/internal/provider"
	"github.com/ishenwei/smart-trip-quote/internal/ratelimit"
)

type fakeProvider struct {
	mu       sync.Mutex
	contents []string
	err      error
	checkErr error
	calls    int
	prompts  []string
}

func (f *fakeProvider) Generate(_ context.Context, req provider.Request) (provider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, req.Prompt)
	if f.err != nil {
		return provider.Response{}, f.err
	}
	content := f.contents[0]
	if len(f.contents) > 1 {
		f.contents = f.contents[1:]
	}
	return provider.Response{
		Content:    content,
		Provider:   provider.DeepSeek,
		Model:      "deepseek-chat",
		TokensUsed: 42,
		Latency:    5 * time.Millisecond,
	}, nil
}

func (f *fakeProvider) ValidateConfig() bool { return true }

func (f *fakeProvider) Check(context.Context) error { return f.checkErr }

func (f *fakeProvider) ModelInfo() provider.ModelInfo {
	return provider.ModelInfo{Provider: provider.DeepSeek, Model: "deepseek-chat", Endpoint: "https://api.deepseek.com/v1"}
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProviders struct {
	p           *fakeProvider
	err         error
	invalidated int
}

func (f *fakeProviders) Invalidate() { f.invalidated++ }

func (f *fakeProviders) Client(_ context.Context, id provider.ID) (provider.Provider, provider.Config, error) {
	if f.err != nil {
		return nil, provider.Config{}, f.err
	}
	cfg := provider.NewConfig(provider.DeepSeek)
	cfg.APIKey = "k"
	cfg.Endpoint = "https://api.deepseek.com/v1"
	cfg.Model = "deepseek-chat"
	return f.p, cfg, nil
}

type fakeStore struct {
	saved []*extract.Requirement
	err   error
}

func (f *fakeStore) CreateFromStructured(_ context.Context, req *extract.Requirement) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, req)
	return req.RequirementID, nil
}

type fakeReloader struct {
	cfg config.Config
	err error
}

func (f *fakeReloader) Reload() (config.Config, error) { return f.cfg, f.err }

func payload(origin string, destinations []string, days int) string {
	quoted := make([]string, 0, len(destinations))
	for _, d := range destinations {
		quoted = append(quoted, fmt.Sprintf(`{"name": %q}`, d))
	}
	return fmt.Sprintf("```json\n"+`{
  "base_info": {
    "origin": {"name": %q},
    "destination_cities": [%s],
    "trip_days": %d,
    "group_size": {"adults": 2, "children": 0, "seniors": 0, "total": 2},
    "travel_date": {"start_date": null, "end_date": null, "is_flexible": true}
  },
  "preferences": {"transportation": {"type": "HighSpeedTrain"}},
  "budget": {"level": "Comfort", "currency": "CNY", "range": {"min": 3000, "max": 6000}},
  "metadata": {"source_type": "NaturalLanguage", "status": "PendingReview", "assumptions": []}
}`+"\n```", origin, strings.Join(quoted, ", "), days)
}

type testDeps struct {
	provider  *fakeProvider
	providers *fakeProviders
	store     *fakeStore
	limiter   *ratelimit.Limiter
	reloader  *fakeReloader
}

func newTestService(contents ...string) (*Service, *testDeps) {
	deps := &testDeps{
		provider: &fakeProvider{contents: contents},
		store:    &fakeStore{},
		limiter:  ratelimit.New(ratelimit.DefaultLimits()),
		reloader: &fakeReloader{},
	}
	deps.providers = &fakeProviders{p: deps.provider}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(Dependencies{
		Providers: deps.providers,
		Limiter:   deps.limiter,
		Clarifier: clarify.NewHandler(conversation.NewStore(), 3, clarify.WithLogger(logger)),
		Store:     deps.store,
		Reloader:  deps.reloader,
		Logger:    logger,
	})
	return svc, deps
}

func TestProcessExplicitRequestSucceeds(t *testing.T) {
	svc, deps := newTestService(payload("Beijing", []string{"Shanghai"}, 5))

	res, err := svc.Process(context.Background(), ProcessInput{
		Text:     "From Beijing to Shanghai for 5 days, 2 adults",
		CallerID: "client-a",
		Persist:  true,
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !res.Success {
		t.Fatal("expected success")
	}
	req := res.Requirement
	if req.BaseInfo.Origin.Name != "Beijing" {
		t.Fatalf("unexpected origin: %q", req.BaseInfo.Origin.Name)
	}
	if got := req.DestinationNames(); len(got) != 1 || got[0] != "Shanghai" {
		t.Fatalf("unexpected destinations: %v", got)
	}
	if *req.BaseInfo.GroupSize.Total != 2 {
		t.Fatalf("unexpected group total: %d", *req.BaseInfo.GroupSize.Total)
	}
	if req.OriginInput != "From Beijing to Shanghai for 5 days, 2 adults" {
		t.Fatalf("origin input not kept: %q", req.OriginInput)
	}
	if !strings.HasPrefix(req.RequirementID, "REQ-") {
		t.Fatalf("unexpected requirement id: %q", req.RequirementID)
	}
	if !res.Persisted || res.RequirementID != req.RequirementID || len(deps.store.saved) != 1 {
		t.Fatalf("expected payload to be persisted, got %+v", res)
	}
	if res.Provider.Provider != provider.DeepSeek || res.Provider.TokensUsed != 42 || res.Provider.Cached {
		t.Fatalf("unexpected provider metadata: %+v", res.Provider)
	}
	if res.Validation == nil || !res.Validation.Valid {
		t.Fatalf("unexpected validation: %+v", res.Validation)
	}
}

func TestProcessWithoutPersistSkipsStore(t *testing.T) {
	svc, deps := newTestService(payload("Beijing", []string{"Shanghai"}, 5))
	res, err := svc.Process(context.Background(), ProcessInput{Text: "Beijing to Shanghai"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Persisted || len(deps.store.saved) != 0 {
		t.Fatal("expected no persistence")
	}
}

func TestProcessMissingLocationsStartsClarification(t *testing.T) {
	svc, _ := newTestService(payload("unspecified", []string{"unspecified"}, 5))

	res, err := svc.Process(context.Background(), ProcessInput{Text: "A relaxing 5 day trip for two"})
	if !errors.Is(err, KindClarificationNeeded) {
		t.Fatalf("expected clarification error, got %v", err)
	}
	if !RetryableOf(err) {
		t.Fatal("clarification should be retryable")
	}
	c := res.Clarification
	if c == nil {
		t.Fatal("expected clarification details")
	}
	if c.Status != location.MissingBoth || !c.ShouldContinue || c.RetryCount != 1 {
		t.Fatalf("unexpected clarification: %+v", c)
	}
	if len(c.Suggestions) < 2 {
		t.Fatalf("expected at least two suggestions, got %v", c.Suggestions)
	}
	if res.ConversationID == "" || res.ConversationID != c.ConversationID {
		t.Fatalf("expected a new conversation id, got %q", res.ConversationID)
	}
	if !strings.Contains(res.ClarificationPrompt, "Attempt 1/3") {
		t.Fatalf("unexpected prompt: %q", res.ClarificationPrompt)
	}
	if res.Requirement == nil {
		t.Fatal("expected the extracted payload to be kept")
	}
}

func TestProcessThirdMissIsTerminal(t *testing.T) {
	svc, _ := newTestService(payload("", []string{}, 5))
	ctx := context.Background()

	first, err := svc.Process(ctx, ProcessInput{Text: "somewhere warm"})
	if !errors.Is(err, KindClarificationNeeded) {
		t.Fatalf("first: expected clarification, got %v", err)
	}
	id := first.ConversationID

	if _, err := svc.Process(ctx, ProcessInput{Text: "somewhere warm", ConversationID: id}); !errors.Is(err, KindClarificationNeeded) {
		t.Fatalf("second: expected clarification, got %v", err)
	}

	third, err := svc.Process(ctx, ProcessInput{Text: "somewhere warm", ConversationID: id})
	if KindOf(err) != KindLocationUnresolvable {
		t.Fatalf("third: expected unresolvable, got %v", err)
	}
	c := third.Clarification
	if c.ShouldContinue || c.State != conversation.MaxRetriesReached || c.RetryCount != 3 {
		t.Fatalf("unexpected clarification: %+v", c)
	}
	if third.ClarificationPrompt != "" {
		t.Fatal("terminal response must not carry a follow-up prompt")
	}
	for _, ex := range location.Examples() {
		if !strings.Contains(c.UserMessage, ex) {
			t.Fatalf("terminal message missing example %q", ex)
		}
	}
	conv, ok := svc.Conversation(id)
	if !ok || conv.State != conversation.MaxRetriesReached {
		t.Fatalf("unexpected conversation state: %+v", conv)
	}
}

func TestProcessFollowUpMergesCollectedLocations(t *testing.T) {
	svc, deps := newTestService(
		payload("unspecified", []string{"Sanya"}, 5),
		payload("Beijing", []string{"unspecified"}, 5),
	)
	ctx := context.Background()

	first, err := svc.Process(ctx, ProcessInput{Text: "5 days in Sanya for 2 adults"})
	if !errors.Is(err, KindClarificationNeeded) {
		t.Fatalf("expected clarification, got %v", err)
	}

	res, err := svc.Process(ctx, ProcessInput{Text: "leaving from Beijing", ConversationID: first.ConversationID})
	if err != nil {
		t.Fatalf("follow-up error = %v", err)
	}
	if got := res.Requirement.DestinationNames(); len(got) != 1 || got[0] != "Sanya" {
		t.Fatalf("expected merged destination, got %v", got)
	}
	if len(deps.provider.prompts) != 2 {
		t.Fatalf("expected two generations, got %d", len(deps.provider.prompts))
	}
	prompt := deps.provider.prompts[1]
	if !strings.Contains(prompt, "Original request: 5 days in Sanya for 2 adults") || !strings.Contains(prompt, "Known destinations: Sanya") {
		t.Fatalf("unexpected follow-up prompt: %q", prompt)
	}
	conv, _ := svc.Conversation(first.ConversationID)
	if conv.State != conversation.Completed {
		t.Fatalf("expected completed conversation, got %s", conv.State)
	}
}

func TestProcessIgnoresAnotherCallersConversation(t *testing.T) {
	svc, deps := newTestService(
		payload("unspecified", []string{"Sanya"}, 5),
		payload("Beijing", []string{"unspecified"}, 5),
	)
	ctx := context.Background()

	first, err := svc.Process(ctx, ProcessInput{Text: "5 days in Sanya for 2 adults", CallerID: "alice"})
	if !errors.Is(err, KindClarificationNeeded) {
		t.Fatalf("expected clarification, got %v", err)
	}

	res, err := svc.Process(ctx, ProcessInput{Text: "leaving from Beijing", ConversationID: first.ConversationID, CallerID: "bob"})
	if !errors.Is(err, KindClarificationNeeded) {
		t.Fatalf("expected a fresh clarification for bob, got %v", err)
	}
	if res.ConversationID == "" || res.ConversationID == first.ConversationID {
		t.Fatalf("expected a separate conversation for bob, got %q", res.ConversationID)
	}
	if strings.Contains(deps.provider.prompts[1], "Known destinations: Sanya") {
		t.Fatalf("another caller's context leaked into the prompt: %q", deps.provider.prompts[1])
	}
	conv, _ := svc.Conversation(first.ConversationID)
	if conv.RetryCount != 1 || conv.CallerID != "alice" {
		t.Fatalf("alice's conversation changed: %+v", conv)
	}
}

func TestProcessRateLimitStopsBeforeProvider(t *testing.T) {
	svc, deps := newTestService(payload("Beijing", []string{"Shanghai"}, 5))
	deps.limiter.SetLimits(ratelimit.Limits{PerMinute: 10, PerHour: 100, Burst: 20, Enabled: true})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := svc.Process(ctx, ProcessInput{Text: fmt.Sprintf("Beijing to Shanghai, trip %d", i), CallerID: "c1"}); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	entries := svc.CacheStats().Entries

	res, err := svc.Process(ctx, ProcessInput{Text: "Beijing to Shanghai, trip 10", CallerID: "c1"})
	if !errors.Is(err, KindRateLimit) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if !RetryableOf(err) {
		t.Fatal("rate limit errors should be retryable")
	}
	if deps.provider.callCount() != 10 {
		t.Fatalf("expected 10 provider calls, got %d", deps.provider.callCount())
	}
	if got := svc.CacheStats().Entries; got != entries {
		t.Fatalf("cache grew on a denied call: %d -> %d", entries, got)
	}
	if res.Requirement != nil {
		t.Fatal("denied call must not produce a payload")
	}
	if stats := svc.RateLimitStats("c1"); stats.Client == nil || stats.Client.MinuteCount != 10 {
		t.Fatalf("unexpected limiter stats: %+v", stats)
	}
}

func TestProcessIdenticalPromptHitsCache(t *testing.T) {
	svc, deps := newTestService(payload("Beijing", []string{"Shanghai"}, 5))
	ctx := context.Background()
	in := ProcessInput{Text: "From Beijing to Shanghai for 5 days, 2 adults"}

	first, err := svc.Process(ctx, in)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.Process(ctx, in)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if deps.provider.callCount() != 1 {
		t.Fatalf("expected one provider call, got %d", deps.provider.callCount())
	}
	if !second.Provider.Cached || first.Provider.Cached {
		t.Fatalf("unexpected cached flags: %v %v", first.Provider.Cached, second.Provider.Cached)
	}
	if first.RawResponse != second.RawResponse {
		t.Fatal("cached payload differs")
	}
	if second.Provider.TokensUsed != 42 || second.Provider.Model != "deepseek-chat" {
		t.Fatalf("unexpected cached metadata: %+v", second.Provider)
	}
	if svc.CacheStats().Hits != 1 {
		t.Fatalf("unexpected cache stats: %+v", svc.CacheStats())
	}
}

func TestProcessExtractionFailureKeepsRawResponse(t *testing.T) {
	svc, _ := newTestService("I am not able to help with that.")
	res, err := svc.Process(context.Background(), ProcessInput{Text: "Beijing to Shanghai"})
	if KindOf(err) != KindExtraction {
		t.Fatalf("expected extraction error, got %v", err)
	}
	if !errors.Is(err, extract.ErrNoStructuredPayload) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if res.RawResponse != "I am not able to help with that." {
		t.Fatalf("unexpected raw response: %q", res.RawResponse)
	}
}

func TestProcessValidationFailureKeepsPayload(t *testing.T) {
	svc, deps := newTestService(payload("Beijing", []string{"Shanghai"}, 0))
	res, err := svc.Process(context.Background(), ProcessInput{Text: "Beijing to Shanghai", Persist: true})
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if res.Requirement == nil || res.Validation == nil || res.Validation.Valid {
		t.Fatalf("expected invalid payload to be returned, got %+v", res)
	}
	if !strings.Contains(err.Error(), "trip_days must be between 1 and 365") {
		t.Fatalf("unexpected error text: %v", err)
	}
	if len(deps.store.saved) != 0 {
		t.Fatal("invalid payload must not be persisted")
	}
}

func TestProcessFractionalTripDaysIsValidationError(t *testing.T) {
	content := strings.Replace(payload("Beijing", []string{"Shanghai"}, 5), `"trip_days": 5,`, `"trip_days": 5.5,`, 1)
	svc, deps := newTestService(content)

	res, err := svc.Process(context.Background(), ProcessInput{Text: "Beijing to Shanghai", Persist: true})
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if res.Requirement == nil || res.Validation == nil {
		t.Fatalf("expected the payload to be returned, got %+v", res)
	}
	if !strings.Contains(err.Error(), "base_info.trip_days must be an integer, got 5.5") {
		t.Fatalf("unexpected error text: %v", err)
	}
	if len(deps.store.saved) != 0 {
		t.Fatal("invalid payload must not be persisted")
	}
}

func TestProcessPersistenceFailure(t *testing.T) {
	svc, deps := newTestService(payload("Beijing", []string{"Shanghai"}, 5))
	deps.store.err = fmt.Errorf("%w: REQ-1", persistence.ErrDuplicate)

	res, err := svc.Process(context.Background(), ProcessInput{Text: "Beijing to Shanghai", Persist: true})
	if KindOf(err) != KindPersistence {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if !errors.Is(err, persistence.ErrDuplicate) {
		t.Fatalf("expected duplicate cause, got %v", err)
	}
	if res.Requirement == nil || res.Validation == nil || !res.Validation.Valid {
		t.Fatal("expected the validated payload to be returned")
	}
}

func TestProcessProviderFailure(t *testing.T) {
	svc, deps := newTestService("")
	deps.provider.err = &provider.Error{Provider: provider.DeepSeek, StatusCode: 503, Err: errors.New("unavailable")}

	_, err := svc.Process(context.Background(), ProcessInput{Text: "Beijing to Shanghai"})
	if KindOf(err) != KindProvider {
		t.Fatalf("expected provider error, got %v", err)
	}
	if !RetryableOf(err) {
		t.Fatal("503 should be retryable")
	}
}

func TestProcessConfigurationAndInputErrors(t *testing.T) {
	svc, _ := newTestService("")
	if _, err := svc.Process(context.Background(), ProcessInput{Text: "   "}); KindOf(err) != KindInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}

	svc = New(Dependencies{Providers: &fakeProviders{err: provider.ErrUnknownProvider}})
	_, err := svc.Process(context.Background(), ProcessInput{Text: "x", Provider: "mistral"})
	if KindOf(err) != KindConfiguration || !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestProcessAsyncDeliversOneResult(t *testing.T) {
	svc, _ := newTestService(payload("Beijing", []string{"Shanghai"}, 5))
	ch := svc.ProcessAsync(context.Background(), ProcessInput{Text: "Beijing to Shanghai"})

	select {
	case out, ok := <-ch:
		if !ok {
			t.Fatal("channel closed without a result")
		}
		if out.Err != nil || !out.Result.Success {
			t.Fatalf("unexpected async result: %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for async result")
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed")
	}
}

func TestReloadConfigUpdatesLimiter(t *testing.T) {
	svc, deps := newTestService("")
	deps.reloader.cfg = config.Config{RateLimit: ratelimit.Limits{PerMinute: 1, PerHour: 2, Burst: 1, Enabled: true}}

	if _, err := svc.ReloadConfig(context.Background()); err != nil {
		t.Fatalf("ReloadConfig() error = %v", err)
	}
	if got := deps.limiter.Limits().PerMinute; got != 1 {
		t.Fatalf("limits not applied: %d", got)
	}
	if deps.providers.invalidated != 1 {
		t.Fatalf("expected cached clients to be dropped once, got %d", deps.providers.invalidated)
	}

	deps.reloader.err = errors.New("bad file")
	if _, err := svc.ReloadConfig(context.Background()); KindOf(err) != KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if got := deps.limiter.Limits().PerMinute; got != 1 {
		t.Fatalf("failed reload changed limits: %d", got)
	}
	if deps.providers.invalidated != 1 {
		t.Fatal("failed reload must keep cached clients")
	}
}

func TestReadyChecksDefaultProvider(t *testing.T) {
	svc, deps := newTestService("")
	if err := svc.Ready(context.Background()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}

	deps.provider.checkErr = &provider.Error{Provider: provider.DeepSeek, StatusCode: 401, Err: errors.New("invalid api key")}
	err := svc.Ready(context.Background())
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.StatusCode != 401 {
		t.Fatalf("expected the provider check failure, got %v", err)
	}

	svc = New(Dependencies{Providers: &fakeProviders{err: provider.ErrNotConfigured}})
	if err := svc.Ready(context.Background()); !errors.Is(err, provider.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}
