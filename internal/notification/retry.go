package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/prn-tf/membership/internal/config"
)

// RetryingDelivery retries a failing delivery with exponential backoff.
type RetryingDelivery struct {
	next        MessageDelivery
	maxAttempts uint64
	baseDelay   time.Duration
	logger      zerolog.Logger
}

// NewRetryingDelivery wraps next. At least one attempt is always made.
func NewRetryingDelivery(next MessageDelivery, cfg config.RetryConfig, logger zerolog.Logger) *RetryingDelivery {
	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &RetryingDelivery{
		next:        next,
		maxAttempts: attempts,
		baseDelay:   delay,
		logger:      logger,
	}
}

// Send delivers msg, retrying every error until attempts run out or ctx ends.
func (d *RetryingDelivery) Send(ctx context.Context, msg Message) error {
	backoff := retry.WithMaxRetries(d.maxAttempts-1, retry.NewExponential(d.baseDelay))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := d.next.Send(ctx, msg); err != nil {
			d.logger.Warn().Err(err).Int("attempt", attempt).Str("to", msg.To).Msg("notification delivery failed")
			return retry.RetryableError(err)
		}
		return nil
	})
}
