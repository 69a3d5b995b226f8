package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/1inch/swap-coordinator/internal/types"
)

// Policy is bounded exponential backoff applied to transport failures only.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     uint64

	// OnRetry is called before each retry, e.g. to count retries.
	OnRetry func(op string, attempt uint64, err error)
}

// DefaultPolicy is used for chain transaction submission.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxAttempts:     5,
	}
}

// Do runs fn until it succeeds, returns a non-transport error, the attempts
// are exhausted, or ctx is done. The last error is returned unchanged in kind.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()

	var attempt uint64
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !types.IsTransport(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		log.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt,
			"backoff": next,
		}).WithError(err).Warn("transport failure, retrying")
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, err)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && types.IsTransport(err) {
		return fmt.Errorf("%s: %w (context: %v)", op, err, ctx.Err())
	}
	if types.IsTransport(err) {
		return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, attempt, err)
	}
	return err
}
