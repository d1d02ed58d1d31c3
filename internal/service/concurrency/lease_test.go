package concurrency

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLeaseSingleOwner(t *testing.T) {
	ctx := context.Background()
	lease := NewMemoryLease()
	id := uuid.New()

	ok, err := lease.Acquire(ctx, id, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = lease.Acquire(ctx, id, "b")
	assert.False(t, ok, "second owner must not acquire a held lease")

	ok, _ = lease.Refresh(ctx, id, "b")
	assert.False(t, ok)
	ok, _ = lease.Refresh(ctx, id, "a")
	assert.True(t, ok)

	require.NoError(t, lease.Release(ctx, id, "b"))
	held, _ := lease.Held(ctx, id)
	assert.True(t, held, "non-owner release is ignored")

	require.NoError(t, lease.Release(ctx, id, "a"))
	held, _ = lease.Held(ctx, id)
	assert.False(t, held)

	ok, _ = lease.Acquire(ctx, id, "b")
	assert.True(t, ok)
}
