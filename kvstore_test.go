package securefetch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKeyValueStore checks the contract every KeyValueStore must meet.
func testKeyValueStore(t *testing.T, store KeyValueStore) {
	t.Helper()
	ctx := context.Background()

	_, found, err := store.GetItem(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetItem(ctx, "k", "v1"))
	value, found, err := store.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", value)

	require.NoError(t, store.SetItem(ctx, "k", ""))
	value, found, err = store.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found, "an empty value is still present")
	assert.Empty(t, value)

	require.NoError(t, store.RemoveItem(ctx, "k"))
	_, found, err = store.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, store.RemoveItem(ctx, "never-set"))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testKeyValueStore(t, store)
	assert.Zero(t, store.Len())
}

func TestTokenStoreOverKeyValueContract(t *testing.T) {
	clock := newFakeClock()
	store, kv := newTestTokenStore(t, clock, WithTokenKeyPrefix("tenant-a:"))
	ctx := context.Background()

	require.NoError(t, store.SetTokens(ctx, TokenSet{Access: "a", Refresh: "r"}))
	assert.Equal(t, 2, kv.Len())

	_, found, err := kv.GetItem(ctx, "tenant-a:access_token")
	require.NoError(t, err)
	assert.True(t, found)
}
