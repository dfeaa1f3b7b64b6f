package pool

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// linearBackOff waits interval * attempt between tries.
type linearBackOff struct {
	interval time.Duration
	attempt  int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.interval * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// ExecuteWithRetry runs Execute up to MaxRetryCount times, waiting RetryInterval * attempt in between.
// Every attempt selects a node again, so a retry may land on a different node.
// Only node query failures are retried.
func (pr *PoolRouter) ExecuteWithRetry(ctx context.Context, query string, params ...interface{}) (Rows, error) {

	attempt := 0
	operation := func() (Rows, error) {
		attempt++

		rows, err := pr.Execute(ctx, query, params...)
		if err == nil {
			return rows, nil
		}

		if IsNodeQueryError(err) && ctx.Err() == nil {
			return nil, err
		}

		return nil, backoff.Permanent(err)
	}

	rows, err := backoff.Retry(
		ctx,
		operation,
		backoff.WithBackOff(&linearBackOff{interval: pr.retryInterval}),
		backoff.WithMaxTries(pr.maxRetries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			pr.logger.Debug("retrying query",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}

	return rows, err
}
