package retry

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/LionTao/misty/internal/errors"
)

// Policy retries transient failures against the same target with exponential
// backoff. Retries draw from a shared token bucket so a failing dependency
// cannot be hammered by every caller at once.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Limiter        *rate.Limiter
	// OnRetry is called before each retry with the attempt number (1-based) and the failure
	OnRetry func(attempt int, err error)
}

// NewPolicy creates a policy with a retry budget of rps retries per second
func NewPolicy(maxAttempts int, initial, max time.Duration, rps float64, burst int) *Policy {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Policy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: initial,
		MaxBackoff:     max,
		Limiter:        limiter,
	}
}

// Do runs fn until it succeeds, fails with a non-transient error, exhausts the
// attempts or ctx is done
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.IsTransient(err) || attempt >= attempts {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.DeadlineExceeded("retry", err)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		if p.Limiter != nil {
			if werr := p.Limiter.Wait(ctx); werr != nil {
				return errors.DeadlineExceeded("retry", err)
			}
		}

		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.DeadlineExceeded("retry", err)
			case <-timer.C:
			}
			backoff *= 2
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}
}
