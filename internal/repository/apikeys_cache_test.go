package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmehdipour/ingest-gateway/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingKeys struct {
	APIKeysRepository
	gets int
}

func (c *countingKeys) GetByID(ctx context.Context, id string) (*model.APIKey, error) {
	c.gets++
	return c.APIKeysRepository.GetByID(ctx, id)
}

func newCachedRepo(t *testing.T) (*CachedAPIKeysRepository, *countingKeys, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	conn := testutil.NewSQLiteDB(t)
	testutil.InsertProject(t, conn, "proj-1", "owner-1")
	inner := &countingKeys{APIKeysRepository: NewAPIKeysRepository(conn)}
	return NewCachedAPIKeysRepository(inner, rdb, time.Minute, nil), inner, mr
}

func TestCachedAPIKeys_ReadThrough(t *testing.T) {
	repo, inner, mr := newCachedRepo(t)
	ctx := context.Background()

	k := newKey("proj-1", "owner-1")
	require.NoError(t, repo.Create(ctx, k))

	first, err := repo.GetByID(ctx, k.ID)
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, k.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, inner.gets)
	assert.Equal(t, first.SecretHash, second.SecretHash)
	assert.Equal(t, first.Capabilities, second.Capabilities)
	assert.True(t, mr.Exists(apiKeyCacheKey(k.ID)))
	assert.Equal(t, time.Minute, mr.TTL(apiKeyCacheKey(k.ID)))

	mr.FastForward(2 * time.Minute)
	_, err = repo.GetByID(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.gets)
}

func TestCachedAPIKeys_MissNotCached(t *testing.T) {
	repo, inner, mr := newCachedRepo(t)
	ctx := context.Background()

	got, err := repo.GetByID(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists(apiKeyCacheKey("01HZZZZZZZZZZZZZZZZZZZZZZZ")))
	assert.Equal(t, 1, inner.gets)
}

func TestCachedAPIKeys_RevokeInvalidates(t *testing.T) {
	repo, _, mr := newCachedRepo(t)
	ctx := context.Background()

	k := newKey("proj-1", "owner-1")
	require.NoError(t, repo.Create(ctx, k))
	_, err := repo.GetByID(ctx, k.ID)
	require.NoError(t, err)
	require.True(t, mr.Exists(apiKeyCacheKey(k.ID)))

	ok, err := repo.Revoke(ctx, k.ID, testutil.Now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists(apiKeyCacheKey(k.ID)))

	got, err := repo.GetByID(ctx, k.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestCachedAPIKeys_RedisDownFallsThrough(t *testing.T) {
	repo, inner, mr := newCachedRepo(t)
	ctx := context.Background()

	k := newKey("proj-1", "owner-1")
	require.NoError(t, repo.Create(ctx, k))
	mr.Close()

	got, err := repo.GetByID(ctx, k.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, inner.gets)
}
