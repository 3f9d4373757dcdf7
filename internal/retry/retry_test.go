package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/candlesync/internal/errs"
)

func testPolicy() Policy {
	p := NewPolicy()
	p.BaseDelay = 20 * time.Millisecond
	p.MaxDelay = 200 * time.Millisecond
	return p
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	err := testPolicy().Execute(context.Background(), func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecuteFailTwiceThenSucceed(t *testing.T) {
	policy := testPolicy()
	attempts := 0

	start := time.Now()
	err := policy.Execute(context.Background(), func() error {
		attempts++
		if attempts <= 2 {
			return errs.Transientf("flaky attempt %d", attempts)
		}
		return nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	// Delays before the two retries are base and 2*base, each jittered
	// downwards by at most the randomization factor.
	minElapsed := time.Duration(float64(policy.BaseDelay+2*policy.BaseDelay) * (1 - policy.Jitter))
	assert.GreaterOrEqual(t, elapsed, minElapsed,
		"two backoff waits finished in %s, want at least %s", elapsed, minElapsed)
}

func TestExecuteTerminalErrorNotRetried(t *testing.T) {
	attempts := 0
	err := testPolicy().Execute(context.Background(), func() error {
		attempts++
		return errs.Terminalf("invalid symbol")
	})

	require.Error(t, err)
	assert.True(t, errs.IsTerminal(err))
	assert.Equal(t, 1, attempts)
}

func TestExecuteExhaustionPromotedToTerminal(t *testing.T) {
	policy := testPolicy()
	policy.MaxRetries = 2

	attempts := 0
	err := policy.Execute(context.Background(), func() error {
		attempts++
		return errs.Transientf("still down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
	assert.True(t, errs.IsTerminal(err), "exhausted retries must surface as terminal")
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Contains(t, err.Error(), "still down")
}

func TestExecuteClassifiesRawErrors(t *testing.T) {
	policy := testPolicy()
	policy.MaxRetries = 1

	t.Run("raw transient message is retried", func(t *testing.T) {
		attempts := 0
		err := policy.Execute(context.Background(), func() error {
			attempts++
			return errors.New("connection reset by peer")
		})
		require.Error(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("raw terminal message short-circuits", func(t *testing.T) {
		attempts := 0
		err := policy.Execute(context.Background(), func() error {
			attempts++
			return errors.New("exchange says: invalid symbol")
		})
		require.Error(t, err)
		assert.True(t, errs.IsTerminal(err))
		assert.Equal(t, 1, attempts)
	})
}

func TestExecuteStopsOnContextCancellation(t *testing.T) {
	policy := testPolicy()
	policy.BaseDelay = 500 * time.Millisecond
	policy.MaxRetries = 10

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	start := time.Now()
	err := policy.Execute(ctx, func() error {
		attempts++
		return errs.Transientf("down")
	})

	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.LessOrEqual(t, attempts, 2)
}
