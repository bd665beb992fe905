package handler

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/kitchen-dispatch/internal/config"
	"github.com/vasiliy-maslov/kitchen-dispatch/internal/kitchen"
)

type retrier struct {
	cfg config.RetryConfig
}

func (r retrier) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	var retries uint64
	if r.cfg.MaxAttempts > 1 {
		retries = r.cfg.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// retry runs fn until it succeeds, fails with anything but
// ErrStoreUnavailable, or runs out of attempts.
func retry[T any](ctx context.Context, r retrier, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && !errors.Is(err, kitchen.ErrStoreUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, r.newBackOff(ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("Store unavailable, retrying")
	})
}
