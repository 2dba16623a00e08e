package topics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, "s1", opts...), mr
}

func storesUnderTest(t *testing.T) map[string]Store {
	redisStore, _ := setupRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
}

func TestStoreGetNotFound(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrTopicNotFound)

			_, err = store.Get(context.Background(), "")
			assert.ErrorIs(t, err, ErrInvalidID)
		})
	}
}

func TestStoreAppendAccumulates(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Append(ctx, "budget", "Budget talk", ContentChunk{Blurb: "b1", Content: "c1"}))
			require.NoError(t, store.Append(ctx, "budget", "", ContentChunk{Blurb: "b2", Content: "c2"}))

			snap, err := store.Get(ctx, "budget")
			require.NoError(t, err)
			assert.Equal(t, "budget", snap.ID)
			assert.Equal(t, "Budget talk", snap.Description)
			assert.Equal(t, []ContentChunk{{"b1", "c1"}, {"b2", "c2"}}, snap.Content)
			assert.False(t, snap.UpdatedAt.IsZero())

			require.NoError(t, store.Append(ctx, "budget", "Budget and hiring", ContentChunk{}))
			snap, err = store.Get(ctx, "budget")
			require.NoError(t, err)
			assert.Equal(t, "Budget and hiring", snap.Description)
			assert.Len(t, snap.Content, 2, "empty chunks are not appended")
		})
	}
}

func TestStoreListKeepsCreationOrder(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"c", "a", "b", "a"} {
				require.NoError(t, store.Append(ctx, id, "topic "+id, ContentChunk{Content: id}))
			}

			list, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, "c", list[0].ID)
			assert.Equal(t, "a", list[1].ID)
			assert.Equal(t, "b", list[2].ID)
			assert.Len(t, list[1].Content, 2)

			require.NoError(t, store.Clear(ctx))
			list, err = store.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "t", "d", ContentChunk{Content: "x"}))

	snap, err := store.Get(ctx, "t")
	require.NoError(t, err)
	snap.Content[0].Content = "mutated"

	again, err := store.Get(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "x", again.Content[0].Content)
}

func TestRedisStoreKeysAndTTL(t *testing.T) {
	store, mr := setupRedisStore(t, WithPrefix("test"), WithTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "budget", "d", ContentChunk{Content: "x"}))

	assert.True(t, mr.Exists("test:s1:topic:budget"))
	assert.True(t, mr.Exists("test:s1:topics"))
	assert.Equal(t, time.Minute, mr.TTL("test:s1:topic:budget"))

	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "budget")
	assert.ErrorIs(t, err, ErrTopicNotFound)
}

func TestRedisStoreSessionsAreIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedisStore(client, "a")
	b := NewRedisStore(client, "b")
	ctx := context.Background()

	require.NoError(t, a.Append(ctx, "budget", "d", ContentChunk{Content: "x"}))

	_, err := b.Get(ctx, "budget")
	assert.ErrorIs(t, err, ErrTopicNotFound)
}

func TestRedisStoreConnectionError(t *testing.T) {
	store, mr := setupRedisStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), "budget")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTopicNotFound)
}
