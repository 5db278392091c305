package exchange

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds every adapter call.
type RetryPolicy struct {
	MaxRetries int
	Timeout    time.Duration
	BaseDelay  time.Duration
}

// Do runs fn with a per-attempt timeout, retrying while classify reports the
// error as transient. Exhausted retries are reported as ErrTransient.
func (p RetryPolicy) Do(ctx context.Context, log *zap.Logger, op string, classify func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	var err error
	for i := 0; i < attempts; i++ {
		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err = fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if !classify(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		// Exponential backoff: 1x, 2x, 4x base
		wait := time.Duration(math.Pow(2, float64(i))) * base
		log.Warn("Exchange call failed, retrying...",
			zap.String("op", op),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", wait),
			zap.Error(err),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %v", op, ErrTransient, ctx.Err())
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w: %v", op, attempts, ErrTransient, err)
}
