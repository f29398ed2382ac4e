package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
)

// withRetry runs op, retrying transport errors with exponential backoff up
// to cfg.MaxRetries additional attempts. Business errors and context
// cancellation pass through immediately.
func withRetry(ctx context.Context, cfg model.RetryConfig, op func() error) error {
	delay := cfg.InitialDelay
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		var transport *model.TransportError
		if !errors.As(err, &transport) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
