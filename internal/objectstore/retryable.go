package objectstore

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/JimEverest/fastshot/internal/errs"
)

// RetryConfig controls the exponential backoff applied around a Store's
// calls for errors classified errs.Transient.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig matches the documented default: base 1s, factor 2, up
// to 5 attempts, capped at 30s between tries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// Retryable wraps a Store, retrying List/Get/Put/Delete/Head calls that fail
// with an errs.Transient classification.
type Retryable struct {
	inner  Store
	config RetryConfig
}

// NewRetryable wraps inner with cfg's backoff policy.
func NewRetryable(inner Store, cfg RetryConfig) *Retryable {
	return &Retryable{inner: inner, config: cfg}
}

func (r *Retryable) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	return time.Duration(delay + jitter)
}

// sleep respects ctx cancellation during the backoff wait.
func (r *Retryable) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retryLoop[T any](ctx context.Context, r *Retryable, zero T, fn func() (T, error)) (T, error) {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := r.sleep(ctx, r.calculateDelay(attempt-1)); err != nil {
				return zero, err
			}
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

func (r *Retryable) List(ctx context.Context, prefix string) ([]Entry, error) {
	return retryLoop(ctx, r, []Entry(nil), func() ([]Entry, error) { return r.inner.List(ctx, prefix) })
}

func (r *Retryable) Get(ctx context.Context, key string) ([]byte, string, error) {
	type result struct {
		data []byte
		etag string
	}
	res, err := retryLoop(ctx, r, result{}, func() (result, error) {
		data, etag, err := r.inner.Get(ctx, key)
		return result{data, etag}, err
	})
	return res.data, res.etag, err
}

func (r *Retryable) Put(ctx context.Context, key string, body []byte, ifMatch string) (string, error) {
	return retryLoop(ctx, r, "", func() (string, error) { return r.inner.Put(ctx, key, body, ifMatch) })
}

func (r *Retryable) Delete(ctx context.Context, key string) error {
	_, err := retryLoop(ctx, r, struct{}{}, func() (struct{}, error) { return struct{}{}, r.inner.Delete(ctx, key) })
	return err
}

func (r *Retryable) Head(ctx context.Context, key string) (int64, string, bool, error) {
	type result struct {
		size   int64
		etag   string
		exists bool
	}
	res, err := retryLoop(ctx, r, result{}, func() (result, error) {
		size, etag, exists, err := r.inner.Head(ctx, key)
		return result{size, etag, exists}, err
	})
	return res.size, res.etag, res.exists, err
}
