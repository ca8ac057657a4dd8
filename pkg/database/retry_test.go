package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		busy   bool
		unique bool
	}{
		{"nil", nil, false, false},
		{"locked", errors.New("database is locked"), true, false},
		{"table locked", errors.New("database table is locked"), true, false},
		{"busy code name", errors.New("SQLITE_BUSY"), true, false},
		{"locked code name", errors.New("SQLITE_LOCKED"), true, false},
		{"busy numeric", errors.New("error (5): database busy"), true, false},
		{"unrelated", errors.New("connection refused"), false, false},
		{"unique", errors.New("UNIQUE constraint failed: books.identifier"), false, true},
		{"unique numeric", errors.New("constraint failed (2067)"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.busy, isBusyError(tt.err))
			assert.Equal(t, tt.unique, IsUniqueViolation(tt.err))
		})
	}
}

func TestBusyDelay(t *testing.T) {
	t.Parallel()

	first := busyDelay(0)
	assert.GreaterOrEqual(t, first, busyBaseDelay)
	assert.LessOrEqual(t, first, busyBaseDelay+busyBaseDelay/4)

	assert.Equal(t, busyMaxDelay, busyDelay(10))
}

func TestRetryWithBackoff(t *testing.T) {
	t.Parallel()

	t.Run("returns immediately on success", func(t *testing.T) {
		calls := 0
		err := retryWithBackoff(context.Background(), 5, func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries while busy", func(t *testing.T) {
		calls := 0
		err := retryWithBackoff(context.Background(), 5, func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		err := retryWithBackoff(context.Background(), 5, func() error {
			calls++
			return errors.New("UNIQUE constraint failed: books.identifier")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := retryWithBackoff(context.Background(), 2, func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		calls := 0
		err := retryWithBackoff(ctx, 10, func() error {
			calls++
			return errors.New("database is locked")
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Less(t, calls, 10)
	})
}

func TestRetryValue(t *testing.T) {
	t.Parallel()

	calls := 0
	v, err := retryValue(context.Background(), 3, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("database is locked")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, calls)
}
