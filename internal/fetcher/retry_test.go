package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDo(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	t.Run("transient failures retried until success", func(t *testing.T) {
		calls, retries := 0, 0
		p := Policy{Attempts: 3, Delay: time.Millisecond}

		err := p.Do(ctx, logger, "op", func() { retries++ }, func() error {
			calls++
			if calls < 3 {
				return Transient(errors.New("connection reset"))
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, 2, retries)
	})

	t.Run("non-transient failure surfaces immediately", func(t *testing.T) {
		calls := 0
		p := Policy{Attempts: 3, Delay: time.Millisecond}
		fatal := errors.New("status 403")

		err := p.Do(ctx, logger, "op", nil, func() error {
			calls++
			return fatal
		})

		require.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, calls)
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		calls := 0
		p := Policy{Attempts: 2, Delay: time.Millisecond}

		err := p.Do(ctx, logger, "fetch part", nil, func() error {
			calls++
			return Transient(errors.New("status 503"))
		})

		require.Error(t, err)
		assert.Equal(t, 2, calls)
		assert.Contains(t, err.Error(), "attempts exhausted")
		assert.True(t, IsTransient(err))
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		calls := 0
		p := Policy{}
		err := p.Do(ctx, logger, "op", nil, func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		cctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := Policy{Attempts: 5, Delay: time.Minute}

		err := p.Do(cctx, logger, "op", nil, func() error {
			return Transient(errors.New("reset"))
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestTransient(t *testing.T) {
	assert.Nil(t, Transient(nil))
	assert.False(t, IsTransient(errors.New("plain")))

	wrapped := Transient(errors.New("reset"))
	assert.True(t, IsTransient(wrapped))
	assert.True(t, IsTransient(errors.Join(errors.New("outer"), wrapped)))
}
