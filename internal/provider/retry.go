package provider

import (
	"context"
	"math/rand/v2"
	"time"
)

type retrying struct {
	Provider
	maxRetries int
	baseDelay  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// Retrying wraps p so transient failures are retried up to maxRetries more
// times with exponential backoff and 20% jitter.
func Retrying(p Provider, maxRetries int, baseDelay time.Duration) Provider {
	if maxRetries <= 0 {
		return p
	}
	return &retrying{Provider: p, maxRetries: maxRetries, baseDelay: baseDelay, sleep: sleepContext}
}

func (r *retrying) Generate(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		resp, err := r.Provider.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == r.maxRetries {
			break
		}
		if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
			return Response{}, wrapError(r.ModelInfo().Provider, err)
		}
	}
	return Response{}, lastErr
}

func (r *retrying) Check(ctx context.Context) error {
	if c, ok := r.Provider.(Checker); ok {
		return c.Check(ctx)
	}
	return nil
}

func (r *retrying) backoff(attempt int) time.Duration {
	backoff := float64(r.baseDelay) * float64(int(1)<<attempt)
	jitter := rand.Float64() * 0.2 * backoff
	return time.Duration(backoff + jitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
