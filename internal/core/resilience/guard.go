// Package resilience wraps calls to external services (embedding, generation,
// crawling, persistence) in bounded retries behind a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/markdave123-py/ragbot/internal/config"
	"github.com/markdave123-py/ragbot/internal/log"
)

// ErrCircuitOpen is returned without calling the service while its breaker is open.
var ErrCircuitOpen = gobreaker.ErrOpenState

// Policy bounds retries and breaker tripping for one external service.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// MaxFailures consecutive failures open the breaker; <= 0 disables it.
	MaxFailures int
	OpenTimeout time.Duration
}

// PolicyFromConfig reads the shared retry and breaker settings.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxFailures: cfg.BreakerMaxFailures,
		OpenTimeout: cfg.BreakerOpenTimeout,
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. It does not count against the breaker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked Permanent or is a context error.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Guard runs calls of one external service under a Policy.
type Guard[T any] struct {
	name   string
	policy Policy
	cb     *gobreaker.CircuitBreaker[T]
}

func NewGuard[T any](name string, p Policy) *Guard[T] {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}

	g := &Guard[T]{name: name, policy: p}
	if p.MaxFailures > 0 {
		g.cb = gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     p.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= uint32(p.MaxFailures)
			},
			IsSuccessful: func(err error) bool {
				return err == nil || IsPermanent(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnf("Resilience: breaker %s %s -> %s", name, from, to)
			},
		})
	}
	return g
}

// Do calls op until it succeeds, fails permanently, the attempts run out, the
// breaker opens or ctx is done. The returned error is op's last error with any
// Permanent marker kept, so callers can still test it with IsPermanent.
func (g *Guard[T]) Do(ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.policy.BaseDelay
	b.MaxInterval = g.policy.MaxDelay
	b.Multiplier = 2

	attempt := 0
	call := func() (T, error) {
		attempt++
		v, err := g.execute(ctx, op)
		if err == nil {
			return v, nil
		}
		if IsPermanent(err) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, call,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Debugf("Resilience: %s attempt %d failed, retrying in %s: %v", g.name, attempt, d, err)
		}),
	)
	if err != nil && attempt > 1 {
		log.Warnf("Resilience: %s gave up after %d attempts: %v", g.name, attempt, err)
	}
	return v, err
}

func (g *Guard[T]) execute(ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	if g.cb == nil {
		return op(ctx)
	}
	return g.cb.Execute(func() (T, error) { return op(ctx) })
}

// State is the breaker state name, "disabled" when no breaker is configured.
func (g *Guard[T]) State() string {
	if g.cb == nil {
		return "disabled"
	}
	return g.cb.State().String()
}
