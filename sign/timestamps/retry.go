package timestamps

import (
	"context"
	"crypto"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// RetryingTimestamper retries transport failures of another timestamper with
// exponential backoff. Rejected or malformed responses are not retried.
type RetryingTimestamper struct {
	Next Timestamper
	// Attempts is the total number of tries, at least one.
	Attempts        uint
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// NewRetryingTimestamper wraps next with up to attempts tries.
func NewRetryingTimestamper(next Timestamper, attempts uint) *RetryingTimestamper {
	return &RetryingTimestamper{
		Next:            next,
		Attempts:        attempts,
		InitialInterval: backoff.DefaultInitialInterval,
		MaxElapsedTime:  2 * time.Minute,
	}
}

// Timestamp implements Timestamper.
func (r *RetryingTimestamper) Timestamp(ctx context.Context, hashAlg crypto.Hash, digest []byte) ([]byte, error) {
	log := zerolog.Ctx(ctx)

	attempts := r.Attempts
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		b.InitialInterval = r.InitialInterval
	}

	return backoff.Retry(ctx, func() ([]byte, error) {
		token, err := r.Next.Timestamp(ctx, hashAlg, digest)
		if err == nil {
			return token, nil
		}
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.Stage != "transport" {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(r.MaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("timestamp request failed")
		}),
	)
}
