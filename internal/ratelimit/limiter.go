// Package ratelimit implements sliding-window admission control shared by
// every pipeline invocation: a global scope plus one scope per caller, each
// tracking a one-minute, one-hour and one-second burst window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultPerMinute = 60
	DefaultPerHour   = 1000
	DefaultBurst     = 10
)

type Limits struct {
	PerMinute int  `json:"per_minute" yaml:"requests_per_minute"`
	PerHour   int  `json:"per_hour" yaml:"requests_per_hour"`
	Burst     int  `json:"burst" yaml:"burst_size"`
	Enabled   bool `json:"enabled" yaml:"enabled"`
}

func DefaultLimits() Limits {
	return Limits{PerMinute: DefaultPerMinute, PerHour: DefaultPerHour, Burst: DefaultBurst, Enabled: true}
}

type window struct {
	minute []time.Time
	hour   []time.Time
	burst  []time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

type Limiter struct {
	mu      sync.Mutex
	limits  Limits
	global  *window
	callers map[string]*window
	now     func() time.Time
}

func New(limits Limits, opts ...Option) *Limiter {
	l := &Limiter{
		limits:  limits,
		global:  &window{},
		callers: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// SetLimits swaps the configured limits without touching recorded events.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
}

func (l *Limiter) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// IsAllowed reports whether a new request may proceed. When it may not, the
// reason names the violated limit. It does not record the request.
func (l *Limiter) IsAllowed(callerID string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.limits.Enabled {
		return true, ""
	}
	now := l.now()

	if reason := l.check(l.global, now); reason != "" {
		return false, "rate limit exceeded: " + reason
	}
	if callerID == "" {
		return true, ""
	}
	if w, ok := l.callers[callerID]; ok {
		if reason := l.check(w, now); reason != "" {
			return false, "client rate limit exceeded: " + reason
		}
	}
	return true, ""
}

// Record appends the current time to the global window and, when callerID
// is set, to the caller window.
func (l *Limiter) Record(callerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.limits.Enabled {
		return
	}
	now := l.now()
	l.global.add(now)
	if callerID == "" {
		return
	}
	w, ok := l.callers[callerID]
	if !ok {
		w = &window{}
		l.callers[callerID] = w
	}
	w.add(now)
}

// Allow checks and, on success, records in one critical section so
// concurrent callers cannot both take the last slot.
func (l *Limiter) Allow(callerID string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.limits.Enabled {
		return true, ""
	}
	now := l.now()
	if reason := l.check(l.global, now); reason != "" {
		return false, "rate limit exceeded: " + reason
	}
	w := l.callers[callerID]
	if w != nil {
		if reason := l.check(w, now); reason != "" {
			return false, "client rate limit exceeded: " + reason
		}
	}
	l.global.add(now)
	if callerID == "" {
		return true, ""
	}
	if w == nil {
		w = &window{}
		l.callers[callerID] = w
	}
	w.add(now)
	return true, ""
}

// Prune drops callers whose windows have all expired and returns how many
// were removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, w := range l.callers {
		w.trim(now)
		if w.empty() {
			delete(l.callers, id)
			removed++
		}
	}
	return removed
}

// Callers returns the number of tracked caller scopes.
func (l *Limiter) Callers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

// Run prunes expired callers every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
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
			removed := l.Prune()
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}

// Reset clears every window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.global = &window{}
	l.callers = make(map[string]*window)
}

type WindowStats struct {
	MinuteCount     int `json:"minute_count"`
	HourCount       int `json:"hour_count"`
	BurstCount      int `json:"burst_count"`
	MinuteRemaining int `json:"minute_remaining"`
	HourRemaining   int `json:"hour_remaining"`
	BurstRemaining  int `json:"burst_remaining"`
}

type Stats struct {
	Limits Limits       `json:"limits"`
	Global WindowStats  `json:"global"`
	Client *WindowStats `json:"client,omitempty"`
}

func (l *Limiter) Stats(callerID string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := Stats{Limits: l.limits, Global: l.windowStats(l.global, now)}
	if callerID != "" {
		w, ok := l.callers[callerID]
		if !ok {
			w = &window{}
		}
		cs := l.windowStats(w, now)
		out.Client = &cs
	}
	return out
}

func (l *Limiter) check(w *window, now time.Time) string {
	w.trim(now)
	switch {
	case len(w.minute) >= l.limits.PerMinute:
		return fmt.Sprintf("%d requests per minute", l.limits.PerMinute)
	case len(w.hour) >= l.limits.PerHour:
		return fmt.Sprintf("%d requests per hour", l.limits.PerHour)
	case len(w.burst) >= l.limits.Burst:
		return fmt.Sprintf("burst of %d requests per second", l.limits.Burst)
	}
	return ""
}

func (l *Limiter) windowStats(w *window, now time.Time) WindowStats {
	w.trim(now)
	return WindowStats{
		MinuteCount:     len(w.minute),
		HourCount:       len(w.hour),
		BurstCount:      len(w.burst),
		MinuteRemaining: remaining(l.limits.PerMinute, len(w.minute)),
		HourRemaining:   remaining(l.limits.PerHour, len(w.hour)),
		BurstRemaining:  remaining(l.limits.Burst, len(w.burst)),
	}
}

func (w *window) add(now time.Time) {
	w.trim(now)
	w.minute = append(w.minute, now)
	w.hour = append(w.hour, now)
	w.burst = append(w.burst, now)
}

func (w *window) empty() bool {
	return len(w.minute) == 0 && len(w.hour) == 0 && len(w.burst) == 0
}

func (w *window) trim(now time.Time) {
	w.minute = dropBefore(w.minute, now.Add(-time.Minute))
	w.hour = dropBefore(w.hour, now.Add(-time.Hour))
	w.burst = dropBefore(w.burst, now.Add(-time.Second))
}

// dropBefore removes timestamps at or before cutoff. Entries are appended in
// order, so the first survivor marks the split.
func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
