package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/chatflow/pkg/config"
	"github.com/tcmartin/chatflow/pkg/engine"
)

func configFor(storageType string) config.StorageConfig {
	cfg := config.DefaultConfig().Storage
	cfg.Type = storageType
	return cfg
}

func flowRecord(flowID, version string, published bool) FlowRecord {
	now := time.Now().UTC()
	return FlowRecord{
		FlowID:    flowID,
		Version:   version,
		Name:      "Test flow",
		Source:    "metadata:\n  name: Test flow\n",
		Published: published,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryFlowStoreVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProvider().FlowStore()

	require.NoError(t, store.SaveFlow(ctx, flowRecord("f1", "v1", true)))
	require.NoError(t, store.SaveFlow(ctx, flowRecord("f1", "v2", false)))

	// Empty version resolves to the newest published version, skipping the
	// draft on top.
	record, err := store.GetFlow(ctx, "f1", "")
	require.NoError(t, err)
	assert.Equal(t, "v1", record.Version)

	require.NoError(t, store.SaveFlow(ctx, flowRecord("f1", "v3", true)))
	record, err = store.GetFlow(ctx, "f1", "")
	require.NoError(t, err)
	assert.Equal(t, "v3", record.Version)

	// Explicit versions keep resolving after a republish.
	record, err = store.GetFlow(ctx, "f1", "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", record.Version)

	versions, err := store.ListVersions(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "v1", versions[0].Version)
	assert.Equal(t, "v3", versions[2].Version)
}

func TestMemoryFlowStoreMisses(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProvider().FlowStore()

	_, err := store.GetFlow(ctx, "ghost", "")
	assert.ErrorIs(t, err, ErrFlowNotFound)

	require.NoError(t, store.SaveFlow(ctx, flowRecord("f1", "v1", false)))

	// Drafts only: nothing published to resolve.
	_, err = store.GetFlow(ctx, "f1", "")
	assert.ErrorIs(t, err, ErrFlowNotFound)

	err = store.DeleteFlow(ctx, "ghost")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestMemoryConversationStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProvider().ConversationStore()

	_, err := store.GetConversation(ctx, "s1")
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)

	state := engine.NewConversationState("s1", "f1", "v1")
	state.Variables.Set("name", "Ada")
	require.NoError(t, store.SaveConversation(ctx, state))

	loaded, err := store.GetConversation(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "f1", loaded.FlowID)
	assert.Equal(t, "Ada", loaded.Variables["name"])

	all, err := store.ListConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteConversation(ctx, "s1"))
	_, err = store.GetConversation(ctx, "s1")
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)
}

func TestMemoryConversationStoreHandsOutCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProvider().ConversationStore()

	state := engine.NewConversationState("s1", "f1", "v1")
	state.Variables.Set("name", "Ada")
	require.NoError(t, store.SaveConversation(ctx, state))

	// Mutating the caller's state after save must not leak into the store.
	state.Variables.Set("name", "changed")
	loaded, err := store.GetConversation(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", loaded.Variables["name"])

	// Two reads are independent of each other.
	other, err := store.GetConversation(ctx, "s1")
	require.NoError(t, err)
	loaded.Variables.Set("name", "mutated")
	assert.Equal(t, "Ada", other.Variables["name"])
}

// A writer updating a session must never share map storage with concurrent
// readers such as the broadcast scheduler or the sessions API.
func TestMemoryConversationStoreConcurrentReadWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProvider().ConversationStore()

	seed := engine.NewConversationState("s1", "f1", "v1")
	seed.Variables.Set("name", "Ada")
	require.NoError(t, store.SaveConversation(ctx, seed))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			state, err := store.GetConversation(ctx, "s1")
			if !assert.NoError(t, err) {
				return
			}
			state.Variables.Set("name", "Ada")
			state.Variables.Set("step", float64(i))
			if !assert.NoError(t, store.SaveConversation(ctx, state)) {
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		all, err := store.ListConversations(ctx)
		require.NoError(t, err)
		for _, state := range all {
			assert.Equal(t, "Hello Ada", state.Variables.Interpolate("Hello {{name}}"))
		}
	}
	<-done
}

func TestMemoryBroadcastStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProvider().BroadcastStore()

	broadcast := Broadcast{
		ID:       "b1",
		Name:     "Weekly update",
		Message:  "Hi {{name}}, news this week!",
		Schedule: "0 9 * * MON",
		Enabled:  true,
	}
	require.NoError(t, store.SaveBroadcast(ctx, broadcast))

	loaded, err := store.GetBroadcast(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "Weekly update", loaded.Name)

	all, err := store.ListBroadcasts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteBroadcast(ctx, "b1"))
	_, err = store.GetBroadcast(ctx, "b1")
	assert.ErrorIs(t, err, ErrBroadcastNotFound)
}

func TestFactorySelectsBackend(t *testing.T) {
	provider, err := NewProviderFromConfig(configFor("memory"))
	require.NoError(t, err)
	assert.IsType(t, &MemoryProvider{}, provider)

	provider, err = NewProviderFromConfig(configFor("redis"))
	require.NoError(t, err)
	assert.IsType(t, &RedisProvider{}, provider)

	_, err = NewProviderFromConfig(configFor("etcd"))
	assert.Error(t, err)
}
