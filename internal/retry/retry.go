// Package retry wraps a single fetch operation with bounded retries and
// exponential backoff with jitter, built on cenkalti/backoff. Terminal errors
// (see the errs package) are never retried; they propagate immediately so the
// coordinator can mark the stream failed instead of looping.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quantfold/candlesync/internal/errs"
)

// Default policy values; overridable per instance.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 300 * time.Millisecond
	DefaultMaxDelay   = 30 * time.Second
	DefaultJitter     = 0.2
)

// Policy executes operations with exponential backoff. The delay before
// attempt n is BaseDelay * 2^n, randomized by +/- Jitter to avoid
// thundering-herd retries across workers.
type Policy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // initial backoff interval
	MaxDelay   time.Duration // backoff ceiling
	Jitter     float64       // randomization factor, 0.2 = +/-20%
	Logger     *slog.Logger
}

// NewPolicy returns a policy with the package defaults.
func NewPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Jitter:     DefaultJitter,
		Logger:     slog.Default().With("component", "retry"),
	}
}

// Execute runs op, retrying transient failures up to MaxRetries times.
// Errors are classified via errs.Classify; terminal errors short-circuit.
// After retries are exhausted the returned error is marked terminal and wraps
// the last failure, so callers can distinguish it from a successful empty
// result and from still-retryable conditions.
func (p Policy) Execute(ctx context.Context, op func() error) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.BaseDelay
	expo.MaxInterval = p.MaxDelay
	expo.Multiplier = 2.0
	expo.RandomizationFactor = p.Jitter
	expo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	strategy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(p.MaxRetries)), ctx)

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}

		classified := errs.Classify(err)
		if errs.IsTerminal(classified) {
			return backoff.Permanent(classified)
		}
		return classified
	}

	notify := func(err error, delay time.Duration) {
		logger.Warn("operation failed, retrying",
			"attempt", attempt,
			"max_retries", p.MaxRetries,
			"retry_delay", delay,
			"error", err,
		)
	}

	err := backoff.RetryNotify(wrapped, strategy, notify)
	if err == nil {
		return nil
	}

	if errs.IsTerminal(err) {
		return err
	}

	// Retries exhausted on a transient failure: promote to terminal so the
	// stream fails instead of being re-queued forever.
	return errs.Terminal(fmt.Errorf("retries exhausted after %d attempts: %w", attempt, err))
}
