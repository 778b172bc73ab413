package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/chatflow/pkg/engine"
)

func newRedisProvider(t *testing.T) *RedisProvider {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	provider := NewRedisProvider(RedisOptions{Addr: s.Addr(), KeyPrefix: "test:"})
	require.NoError(t, provider.Initialize(context.Background()))
	t.Cleanup(func() { provider.Close() })
	return provider
}

func TestRedisFlowStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newRedisProvider(t).FlowStore()

	require.NoError(t, store.SaveFlow(ctx, flowRecord("f1", "v1", true)))
	require.NoError(t, store.SaveFlow(ctx, flowRecord("f1", "v2", true)))

	record, err := store.GetFlow(ctx, "f1", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", record.Version)

	record, err = store.GetFlow(ctx, "f1", "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", record.Version)

	versions, err := store.ListVersions(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v1", versions[0].Version)

	flows, err := store.ListFlows(ctx)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "v2", flows[0].Version)

	require.NoError(t, store.DeleteFlow(ctx, "f1"))
	_, err = store.GetFlow(ctx, "f1", "v1")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestRedisFlowStoreMisses(t *testing.T) {
	ctx := context.Background()
	store := newRedisProvider(t).FlowStore()

	_, err := store.GetFlow(ctx, "ghost", "")
	assert.ErrorIs(t, err, ErrFlowNotFound)

	err = store.DeleteFlow(ctx, "ghost")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestRedisConversationStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newRedisProvider(t).ConversationStore()

	_, err := store.GetConversation(ctx, "s1")
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)

	state := engine.NewConversationState("s1", "f1", "v1")
	state.Variables.Set("name", "Ada")
	state.Status = engine.StatusWaiting
	state.CurrentNodeID = "ask"
	require.NoError(t, store.SaveConversation(ctx, state))

	loaded, err := store.GetConversation(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusWaiting, loaded.Status)
	assert.Equal(t, "ask", loaded.CurrentNodeID)
	assert.Equal(t, "Ada", loaded.Variables["name"])
	assert.NotNil(t, loaded.InputRetries)

	all, err := store.ListConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteConversation(ctx, "s1"))
	_, err = store.GetConversation(ctx, "s1")
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)
}

func TestRedisBroadcastStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newRedisProvider(t).BroadcastStore()

	broadcast := Broadcast{
		ID:       "b1",
		Name:     "Promo",
		Message:  "Sale on now",
		Schedule: "0 12 * * *",
		Enabled:  true,
	}
	require.NoError(t, store.SaveBroadcast(ctx, broadcast))

	loaded, err := store.GetBroadcast(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "Promo", loaded.Name)

	all, err := store.ListBroadcasts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteBroadcast(ctx, "b1"))
	err = store.DeleteBroadcast(ctx, "b1")
	assert.ErrorIs(t, err, ErrBroadcastNotFound)
}
