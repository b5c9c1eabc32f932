package objectstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JimEverest/fastshot/internal/errs"
)

type flakyStore struct {
	failures int
	calls    int
}

func (f *flakyStore) List(context.Context, string) ([]Entry, error) { return nil, nil }
func (f *flakyStore) Get(context.Context, string) ([]byte, string, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, "", errs.New(errs.Transient, "flaky.Get", errors.New("timeout"))
	}
	return []byte("ok"), "etag", nil
}

type alwaysFatalStore struct{ calls int }

func (f *alwaysFatalStore) List(context.Context, string) ([]Entry, error) { return nil, nil }
func (f *alwaysFatalStore) Get(context.Context, string) ([]byte, string, error) {
	f.calls++
	return nil, "", errs.New(errs.Fatal, "flaky.Get", errors.New("access denied"))
}
func (f *alwaysFatalStore) Put(context.Context, string, []byte, string) (string, error) {
	return "", nil
}
func (f *alwaysFatalStore) Delete(context.Context, string) error { return nil }
func (f *alwaysFatalStore) Head(context.Context, string) (int64, string, bool, error) {
	return 0, "", false, nil
}
func (f *flakyStore) Put(context.Context, string, []byte, string) (string, error) { return "", nil }
func (f *flakyStore) Delete(context.Context, string) error                        { return nil }
func (f *flakyStore) Head(context.Context, string) (int64, string, bool, error)   { return 0, "", false, nil }

func TestRetryableRetriesTransientThenSucceeds(t *testing.T) {
	inner := &flakyStore{failures: 2}
	r := NewRetryable(inner, RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2})

	data, _, err := r.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "ok", string(data))
	require.Equal(t, 3, inner.calls)
}

func TestRetryableGivesUpOnNonTransient(t *testing.T) {
	inner := &alwaysFatalStore{}
	r := NewRetryable(inner, RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})

	_, _, err := r.Get(context.Background(), "k")
	require.Error(t, err)
	require.Equal(t, 1, inner.calls, "fatal errors must not be retried")
}

func TestRetryableRespectsContextCancellation(t *testing.T) {
	inner := &flakyStore{failures: 100}
	r := NewRetryable(inner, RetryConfig{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := r.Get(ctx, "k")
	require.Error(t, err)
}
