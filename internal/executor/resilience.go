package executor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/stepflow/internal/agent"
)

// RetryConfig configures exponential backoff for backend failures.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// MaxAttempts is the total number of agent invocations per tier,
	// including the first.
	MaxAttempts int
}

// DefaultRetryConfig returns the default retry policy: three attempts per
// tier with jittered exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		MaxAttempts:         3,
	}
}

// BreakerRegistry keeps one circuit breaker per tier so a flapping backend
// fails fast instead of burning every step's retry budget against it.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for a tier, creating it on first use.
func (r *BreakerRegistry) Get(tierName string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[tierName]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tierName,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation is not a backend failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[tierName] = cb
	return cb
}

// executeWithRetry runs one agent attempt with backoff on hard errors and
// returns the outcome plus the number of invocations made. Non-hard errors
// pass through immediately: a verification-class failure says the work was
// wrong, and repeating the identical request without feedback would not
// change that.
func executeWithRetry(ctx context.Context, ag agent.Agent, req agent.Request, cb *gobreaker.CircuitBreaker, cfg RetryConfig) (agent.Outcome, int, error) {
	var outcome agent.Outcome
	invocations := 0

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		result, err := cb.Execute(func() (interface{}, error) {
			invocations++
			return ag.Execute(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			if !agent.IsHard(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		outcome = result.(agent.Outcome)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor
	policy.MaxElapsedTime = 0

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)

	err := backoff.Retry(operation, bo)
	return outcome, invocations, err
}
