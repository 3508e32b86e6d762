package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/vitos/crypto_autotrader/internal/domain"
)

// callOnceWithRetry runs fn under timeout and retries a failure once, unless
// ctx is cancelled in between or the failure is final: an order under the
// minimum, or one that may already be working on the exchange. fn receives a context detached from ctx so an
// exchange call in flight is allowed to finish; cancellation is observed only
// between attempts.
func callOnceWithRetry(ctx context.Context, timeout, delay time.Duration, fn func(context.Context) error, onErr func(attempt int, err error)) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			if ctx.Err() != nil {
				break
			}
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
			if ctx.Err() != nil {
				break
			}
		}

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if onErr != nil {
			onErr(attempt, err)
		}
		if errors.Is(err, domain.ErrBelowMinNotional) || errors.Is(err, domain.ErrOrderUnsettled) {
			break
		}
	}
	return err
}
