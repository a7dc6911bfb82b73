package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_NextIsAlwaysPastFloor(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	b := DefaultBackoff()

	for attempt := 0; attempt <= 40; attempt++ {
		next := b.Next(attempt, now)
		assert.True(t, next.After(now.Add(4*time.Minute)), "attempt %d produced %s", attempt, next)
	}
}

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	b, err := NewBackoff(BackoffOptions{Base: 5 * time.Minute, Factor: 2, Max: time.Hour})
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, b.Delay(1))
	assert.Equal(t, 10*time.Minute, b.Delay(2))
	assert.Equal(t, 20*time.Minute, b.Delay(3))
	assert.Equal(t, 40*time.Minute, b.Delay(4))
	assert.Equal(t, time.Hour, b.Delay(5))
	assert.Equal(t, time.Hour, b.Delay(500))

	prev := time.Duration(0)
	for attempt := 1; attempt < 64; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestBackoff_Deterministic(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	b := DefaultBackoff()
	assert.Equal(t, b.Next(3, now), b.Next(3, now))
}

func TestNewBackoff_Guardrails(t *testing.T) {
	t.Run("base raised to floor", func(t *testing.T) {
		b, err := NewBackoff(BackoffOptions{Base: time.Second})
		require.NoError(t, err)
		assert.Equal(t, MinBackoffBase, b.Delay(1))
	})

	t.Run("factor below one falls back", func(t *testing.T) {
		b, err := NewBackoff(BackoffOptions{Factor: 0.5})
		require.NoError(t, err)
		assert.Equal(t, 2*MinBackoffBase, b.Delay(2))
	})

	t.Run("max below base rejected", func(t *testing.T) {
		_, err := NewBackoff(BackoffOptions{Base: 10 * time.Minute, Max: 6 * time.Minute})
		assert.ErrorIs(t, err, ErrBackoffMaxBelowBase)
	})
}

func TestBackoff_Exhausted(t *testing.T) {
	unlimited := DefaultBackoff()
	assert.False(t, unlimited.Exhausted(1000))

	capped, err := NewBackoff(BackoffOptions{MaxAttempts: 3})
	require.NoError(t, err)
	assert.False(t, capped.Exhausted(2))
	assert.True(t, capped.Exhausted(3))
	assert.Equal(t, 3, capped.MaxAttempts())
}
