// Package conversation tracks multi-turn clarification state per
// conversation id.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ishenwei/smart-trip-quote/internal/location"
)

type State string

const (
	Initial               State = "INITIAL"
	WaitingForOrigin      State = "WAITING_FOR_ORIGIN"
	WaitingForDestination State = "WAITING_FOR_DESTINATION"
	WaitingForBoth        State = "WAITING_FOR_BOTH"
	Completed             State = "COMPLETED"
	MaxRetriesReached     State = "MAX_RETRIES_REACHED"
)

const (
	CompletedTTL = 24 * time.Hour
	FailedTTL    = time.Hour
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == Completed || s == MaxRetriesReached
}

var (
	ErrNotFound = errors.New("conversation not found")
	ErrExists   = errors.New("conversation already exists")
	ErrTerminal = errors.New("conversation already finished")
)

// Collected holds location data resolved in earlier turns.
type Collected struct {
	Origin       string   `json:"origin,omitempty"`
	Destinations []string `json:"destinations,omitempty"`
}

func (c Collected) empty() bool {
	return c.Origin == "" && len(c.Destinations) == 0
}

type HistoryEntry struct {
	At           time.Time       `json:"at"`
	RetryCount   int             `json:"retry_count"`
	Status       location.Status `json:"status"`
	Message      string          `json:"message,omitempty"`
	Origin       string          `json:"origin,omitempty"`
	Destinations []string        `json:"destinations,omitempty"`
}

type Context struct {
	ID            string         `json:"conversation_id"`
	CallerID      string         `json:"caller_id,omitempty"`
	State         State          `json:"state"`
	OriginalInput string         `json:"original_input"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	Collected     Collected      `json:"collected"`
	History       []HistoryEntry `json:"history"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
}

func (c Context) RemainingRetries() int {
	return max(0, c.MaxRetries-c.RetryCount)
}

func (c Context) CanRetry() bool {
	return c.RetryCount < c.MaxRetries && !c.State.Terminal()
}

// Summary renders the context for inclusion in a follow-up prompt.
func (c Context) Summary() string {
	var lines []string
	if c.OriginalInput != "" {
		lines = append(lines, "Original input: "+c.OriginalInput)
	}
	if !c.Collected.empty() {
		var parts []string
		if c.Collected.Origin != "" {
			parts = append(parts, "origin: "+c.Collected.Origin)
		}
		if len(c.Collected.Destinations) > 0 {
			parts = append(parts, "destinations: "+strings.Join(c.Collected.Destinations, ", "))
		}
		lines = append(lines, "Collected so far: "+strings.Join(parts, "; "))
	}
	if c.RetryCount > 0 {
		lines = append(lines, fmt.Sprintf("Attempts so far: %d", c.RetryCount))
	}
	if r := c.RemainingRetries(); r > 0 {
		lines = append(lines, fmt.Sprintf("Attempts remaining: %d", r))
	}
	if len(lines) == 0 {
		return "No context available"
	}
	return strings.Join(lines, "\n")
}

func (c Context) clone() Context {
	out := c
	out.Collected.Destinations = append([]string(nil), c.Collected.Destinations...)
	out.History = make([]HistoryEntry, len(c.History))
	for i, h := range c.History {
		h.Destinations = append([]string(nil), h.Destinations...)
		out.History[i] = h
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

type Stats struct {
	Total       int     `json:"total_conversations"`
	Active      int     `json:"active_conversations"`
	Completed   int     `json:"completed_conversations"`
	Failed      int     `json:"failed_conversations"`
	SuccessRate float64 `json:"success_rate"`
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store keeps conversations in memory. Every method is safe for concurrent
// use and callers only ever see copies.
type Store struct {
	mu    sync.Mutex
	convs map[string]*Context
	now   func() time.Time
}

func NewStore(opts ...Option) *Store {
	s := &Store{convs: make(map[string]*Context), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) Create(id, callerID, originalInput string, maxRetries int) (Context, error) {
	if strings.TrimSpace(id) == "" {
		return Context{}, errors.New("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; ok {
		return Context{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	now := s.now()
	c := &Context{
		ID:            id,
		CallerID:      callerID,
		State:         Initial,
		OriginalInput: originalInput,
		MaxRetries:    maxRetries,
		History:       []HistoryEntry{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.convs[id] = c
	return c.clone(), nil
}

func (s *Store) Get(id string) (Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Context{}, false
	}
	return c.clone(), true
}

// Apply records one location check against the conversation and advances
// its state. A valid outcome completes it. An invalid one consumes a retry
// and either waits for the missing part or fails once retries run out.
func (s *Store) Apply(id string, out location.Outcome) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Context{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.State.Terminal() {
		return c.clone(), fmt.Errorf("%w: %s is %s", ErrTerminal, id, c.State)
	}

	now := s.now()
	origin, destinations := out.OriginName(), out.DestinationNames()
	c.History = append(c.History, HistoryEntry{
		At:           now,
		RetryCount:   c.RetryCount,
		Status:       out.Status,
		Message:      out.Message,
		Origin:       origin,
		Destinations: destinations,
	})
	if origin != "" {
		c.Collected.Origin = origin
	}
	if len(destinations) > 0 {
		c.Collected.Destinations = destinations
	}
	c.UpdatedAt = now

	if out.Valid() {
		s.finish(c, Completed, now)
		return c.clone(), nil
	}

	c.RetryCount++
	if c.RetryCount >= c.MaxRetries {
		s.finish(c, MaxRetriesReached, now)
		return c.clone(), nil
	}
	switch out.Status {
	case location.MissingOrigin:
		c.State = WaitingForOrigin
	case location.MissingDestination:
		c.State = WaitingForDestination
	default:
		c.State = WaitingForBoth
	}
	return c.clone(), nil
}

func (s *Store) finish(c *Context, state State, now time.Time) {
	ttl := CompletedTTL
	if state == MaxRetriesReached {
		ttl = FailedTTL
	}
	expires := now.Add(ttl)
	c.State = state
	c.ExpiresAt = &expires
}

func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return false
	}
	delete(s.convs, id)
	return true
}

// CleanupExpired drops terminal conversations past their expiry.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, c := range s.convs {
		if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
			delete(s.convs, id)
			removed++
		}
	}
	return removed
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.convs)
	s.convs = make(map[string]*Context)
	return n
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Total: len(s.convs)}
	for _, c := range s.convs {
		switch c.State {
		case Completed:
			st.Completed++
		case MaxRetriesReached:
			st.Failed++
		default:
			st.Active++
		}
	}
	if st.Total > 0 {
		st.SuccessRate = math.Round(float64(st.Completed)/float64(st.Total)*10000) / 100
	}
	return st
}

// Run sweeps expired conversations every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.CleanupExpired()
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}
