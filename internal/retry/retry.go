// Package retry wraps fallible operations with bounded, jittered
// exponential backoff. HTTP 4xx/5xx answers are not failures and never
// reach this package; callers gate retries on transport errors only.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_retry_attempts_total",
		Help: "Total operation attempts made under a retry policy (including the first).",
	}, []string{"name"})
	retryExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_retry_exhausted_total",
		Help: "Operations that failed every attempt.",
	}, []string{"name"})
	retryRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_retry_recovered_total",
		Help: "Operations that succeeded after at least one retry.",
	}, []string{"name"})
)

// Backoff yields the delay to sleep before a given retry. retryIndex is
// zero-based: 0 is the delay between the first and second attempt.
type Backoff interface {
	Next(retryIndex int) time.Duration
}

// ExpoJitter is exponential backoff capped at Max with uniform ± jitter.
type ExpoJitter struct {
	Base       time.Duration
	Multiplier float64 // defaults to 2
	Max        time.Duration
	Jitter     float64 // fraction of the computed delay, e.g. 0.25
}

// floor applied after jitter so a delay is never zero or negative.
const minDelay = time.Millisecond

func (b ExpoJitter) Next(retryIndex int) time.Duration {
	if retryIndex < 0 {
		retryIndex = 0
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(b.Base) * math.Pow(mult, float64(retryIndex))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*b.Jitter
	}
	if d < float64(minDelay) {
		d = float64(minDelay)
	}
	return time.Duration(d)
}

// DefaultBackoff matches the documented defaults: multiplier 2, cap 60s,
// jitter 25%.
func DefaultBackoff(initial time.Duration) Backoff {
	return ExpoJitter{Base: initial, Multiplier: 2, Max: 60 * time.Second, Jitter: 0.25}
}

// Policy controls Do. Attempts counts the first try plus retries.
type Policy struct {
	Name      string
	Attempts  int
	Backoff   Backoff
	Retryable func(error) bool
	OnAttempt func(attempt int, err error)
	OnRecover func(attempts int)
	OnExhaust func(lastErr error)
}

// Do runs fn under the policy. It returns nil on the first success, the
// last error once attempts are exhausted, or ctx.Err() if the context ends
// during an inter-attempt delay.
func Do(ctx context.Context, fn func() error, p Policy) error {
	name := p.Name
	if name == "" {
		name = "default"
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(err error) bool { return err != nil }
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		retryAttempts.WithLabelValues(name).Inc()
		if err == nil {
			if i > 0 {
				retryRecovered.WithLabelValues(name).Inc()
				if p.OnRecover != nil {
					p.OnRecover(i + 1)
				}
			}
			return nil
		}
		if p.OnAttempt != nil {
			p.OnAttempt(i+1, err)
		}
		if !retryable(err) {
			// A final answer, not an exhausted retry budget.
			return err
		}
		if i == attempts-1 {
			break
		}

		var delay time.Duration = minDelay
		if p.Backoff != nil {
			delay = p.Backoff.Next(i)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	retryExhausted.WithLabelValues(name).Inc()
	if p.OnExhaust != nil {
		p.OnExhaust(err)
	}
	return err
}
