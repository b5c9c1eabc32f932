package ops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JimEverest/fastshot/internal/errs"
)

func waitTerminal(t *testing.T, m *Manager, id string) Operation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		op, ok := m.Status(id)
		require.True(t, ok)
		if op.State.Terminal() {
			return op
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("operation did not reach a terminal state in time")
	return Operation{}
}

func TestSubmitCompletesSuccessfully(t *testing.T) {
	m := NewManager()
	defer m.Close()

	id := m.Submit("demo", func(ctx context.Context, p ProgressSink) (any, error) {
		p.Report(0.5, "halfway")
		return "done", nil
	})

	op := waitTerminal(t, m, id)
	require.Equal(t, Completed, op.State)
	require.Equal(t, "done", op.Result)
	require.Equal(t, 1.0, op.Progress)
}

func TestSubmitFailsOnFatalError(t *testing.T) {
	m := NewManager()
	defer m.Close()

	id := m.Submit("demo", func(ctx context.Context, p ProgressSink) (any, error) {
		return nil, errs.New(errs.Fatal, "demo", errDemo{})
	})

	op := waitTerminal(t, m, id)
	require.Equal(t, Failed, op.State)
	require.Error(t, op.Err)
}

type errDemo struct{}

func (errDemo) Error() string { return "boom" }

func TestSubmitRetriesTransientThenSucceeds(t *testing.T) {
	m := NewManager(WithRetryConfig(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1}))
	defer m.Close()

	calls := 0
	id := m.Submit("demo", func(ctx context.Context, p ProgressSink) (any, error) {
		calls++
		if calls < 3 {
			return nil, errs.New(errs.Transient, "demo", errDemo{})
		}
		return "ok", nil
	})

	op := waitTerminal(t, m, id)
	require.Equal(t, Completed, op.State)
	require.Equal(t, 3, calls)
	require.Equal(t, 3, op.Attempts)
}

func TestCancelDuringRunTransitionsToCancelled(t *testing.T) {
	m := NewManager(WithWorkers(1))
	defer m.Close()

	started := make(chan struct{})
	var id string
	id = m.Submit("demo", func(ctx context.Context, p ProgressSink) (any, error) {
		close(started)
		for i := 0; i < 100; i++ {
			select {
			case <-ctx.Done():
				return nil, errs.New(errs.Cancelled, "demo", ctx.Err())
			default:
			}
			if i == 10 {
				p.Report(float64(i)/100, "checkpoint")
				// give the test goroutine a chance to call Cancel here
				time.Sleep(20 * time.Millisecond)
			}
		}
		return "should not get here", nil
	})

	<-started
	time.Sleep(5 * time.Millisecond)
	require.True(t, m.Cancel(id))

	op := waitTerminal(t, m, id)
	require.Equal(t, Cancelled, op.State)
	require.Nil(t, op.Result, "a cancelled operation must never carry a completed result (P5)")
}

func TestCancelUnknownIDReturnsFalse(t *testing.T) {
	m := NewManager()
	defer m.Close()
	require.False(t, m.Cancel("does-not-exist"))
}

func TestCancelAlreadyTerminalReturnsFalse(t *testing.T) {
	m := NewManager()
	defer m.Close()

	id := m.Submit("demo", func(ctx context.Context, p ProgressSink) (any, error) {
		return "done", nil
	})
	waitTerminal(t, m, id)

	require.False(t, m.Cancel(id))
}

func TestStatusUnknownIDReturnsFalse(t *testing.T) {
	m := NewManager()
	defer m.Close()
	_, ok := m.Status("nope")
	require.False(t, ok)
}

func TestCleanupRemovesOldTerminalRecords(t *testing.T) {
	m := NewManager(WithRetention(1 * time.Millisecond))
	defer m.Close()

	id := m.Submit("demo", func(ctx context.Context, p ProgressSink) (any, error) {
		return "done", nil
	})
	waitTerminal(t, m, id)
	time.Sleep(5 * time.Millisecond)

	m.Cleanup()
	_, ok := m.Status(id)
	require.False(t, ok, "cleanup should have dropped the retained record")
}

func TestCleanupDropsResultsOverSoftCap(t *testing.T) {
	m := NewManager(WithSoftMemoryCap(10))
	defer m.Close()

	id := m.Submit("demo", func(ctx context.Context, p ProgressSink) (any, error) {
		return make([]byte, 1024), nil
	})
	waitTerminal(t, m, id)

	m.Cleanup()
	op, ok := m.Status(id)
	require.True(t, ok, "record itself should survive, only the payload is dropped")
	require.Nil(t, op.Result)
}
