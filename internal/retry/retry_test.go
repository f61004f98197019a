package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestExpoJitter_CappedAndFloored(t *testing.T) {
	b := ExpoJitter{Base: time.Second, Multiplier: 2, Max: 60 * time.Second, Jitter: 0.25}

	for i := 0; i < 20; i++ {
		d := b.Next(i)
		require.GreaterOrEqual(t, d, time.Millisecond, "retry %d", i)
		require.LessOrEqual(t, d, time.Duration(float64(60*time.Second)*1.25), "retry %d", i)
	}
}

func TestExpoJitter_GrowsWithoutJitter(t *testing.T) {
	b := ExpoJitter{Base: 100 * time.Millisecond, Multiplier: 2, Max: time.Hour}
	require.Equal(t, 100*time.Millisecond, b.Next(0))
	require.Equal(t, 200*time.Millisecond, b.Next(1))
	require.Equal(t, 400*time.Millisecond, b.Next(2))

	capped := ExpoJitter{Base: time.Second, Multiplier: 2, Max: 3 * time.Second}
	require.Equal(t, 3*time.Second, capped.Next(5))
}

func TestDo_FirstSuccessNoRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return nil
	}, Policy{Attempts: 5})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDo_RecoversAfterFailure(t *testing.T) {
	calls, recovered := 0, 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, Policy{
		Attempts:  5,
		Backoff:   ExpoJitter{Base: time.Millisecond},
		OnRecover: func(attempts int) { recovered = attempts },
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 3, recovered)
}

func TestDo_ExhaustsAndReturnsLastError(t *testing.T) {
	last := errors.New("still down")
	calls := 0
	var exhaustedWith error
	err := Do(context.Background(), func() error {
		calls++
		return last
	}, Policy{
		Attempts:  3,
		Backoff:   ExpoJitter{Base: time.Millisecond},
		OnExhaust: func(e error) { exhaustedWith = e },
	})
	require.ErrorIs(t, err, last)
	require.Equal(t, 3, calls)
	require.ErrorIs(t, exhaustedWith, last)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("http 404")
	calls := 0
	var exhaustedWith error
	before := testutil.ToFloat64(retryExhausted.WithLabelValues("non-retryable"))
	err := Do(context.Background(), func() error {
		calls++
		return fatal
	}, Policy{
		Name:      "non-retryable",
		Attempts:  5,
		Retryable: func(err error) bool { return !errors.Is(err, fatal) },
		OnExhaust: func(e error) { exhaustedWith = e },
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
	require.NoError(t, exhaustedWith, "a never-retried failure is not an exhausted budget")
	require.Equal(t, before, testutil.ToFloat64(retryExhausted.WithLabelValues("non-retryable")))
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, func() error {
		calls++
		return errors.New("down")
	}, Policy{
		Attempts: 10,
		Backoff:  ExpoJitter{Base: 10 * time.Second},
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
