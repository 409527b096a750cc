package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilleprinsen-dotcom/Returportal/internal/kv"
)

func TestAllowWithinBudget(t *testing.T) {
	t.Parallel()
	l := New(kv.NewMemoryStore(), "wizard", 3, 15*time.Minute)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(context.Background(), "192.0.2.1")
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d should pass", i+1)
	}

	ok, err := l.Allow(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.False(t, ok, "attempt over the limit must be rejected")
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()
	l := New(kv.NewMemoryStore(), "wizard", 1, 15*time.Minute)

	ok, err := l.Allow(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(context.Background(), "192.0.2.2")
	require.NoError(t, err)
	assert.True(t, ok, "a different key has its own budget")

	ok, err = l.Allow(context.Background(), "192.0.2.1", "1200")
	require.NoError(t, err)
	assert.True(t, ok, "compound keys are distinct from single keys")
}

func TestScopesAreIndependent(t *testing.T) {
	t.Parallel()
	store := kv.NewMemoryStore()
	wizard := New(store, "wizard", 1, 15*time.Minute)
	regen := New(store, "regen", 1, 10*time.Minute)

	ok, err := wizard.Allow(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = regen.Allow(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.True(t, ok)
}
