package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_AcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	lease, ok, err := l.Acquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = l.Acquire(ctx, "job-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Release(ctx, lease))
	assert.ErrorIs(t, l.Release(ctx, lease), ErrNotHeld)

	_, ok, err = l.Acquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocal_ExpiredLeaseCanBeTaken(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	stale, ok, err := l.Acquire(ctx, "job-1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	assert.ErrorIs(t, l.Renew(ctx, stale, time.Second), ErrNotHeld)

	fresh, ok, err := l.Acquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// the previous owner can no longer release the new lease
	assert.ErrorIs(t, l.Release(ctx, stale), ErrNotHeld)
	require.NoError(t, l.Renew(ctx, fresh, time.Minute))
	assert.Equal(t, now.Add(time.Minute), fresh.ExpireAt)
}
