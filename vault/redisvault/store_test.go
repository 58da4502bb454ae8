package redisvault_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jrsteele09/go-auth-client/vault"
	"github.com/jrsteele09/go-auth-client/vault/redisvault"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*redisvault.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sealer, err := vault.NewSealer("test-secret", "redis")
	require.NoError(t, err)
	store, err := redisvault.New(rdb, sealer, "device-1")
	require.NoError(t, err)
	return store, mr
}

func TestStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t)

	_, err := store.Get(ctx, vault.KeyUser)
	require.ErrorIs(t, err, vault.ErrNotFound)

	require.NoError(t, store.Set(ctx, vault.KeyUser, `{"id":1}`))
	require.True(t, mr.Exists("device-1:user"))

	got, err := store.Get(ctx, vault.KeyUser)
	require.NoError(t, err)
	require.Equal(t, `{"id":1}`, got)

	require.NoError(t, store.Delete(ctx, vault.KeyUser))
	require.NoError(t, store.Delete(ctx, vault.KeyUser))
	require.False(t, mr.Exists("device-1:user"))
}

func TestStore_SealedAtRest(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t)

	require.NoError(t, store.Set(ctx, vault.KeyAccessToken, "bearer-value"))
	raw, err := mr.Get("device-1:accessToken")
	require.NoError(t, err)
	require.NotContains(t, raw, "bearer-value")
}

func TestStore_Apply(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t)
	require.NoError(t, store.Set(ctx, vault.KeyRole, "admin"))

	require.NoError(t, store.Apply(ctx, map[string]string{
		vault.KeyAccessToken:  "a",
		vault.KeyRefreshToken: "r",
	}, []string{vault.KeyRole}))

	require.True(t, mr.Exists("device-1:accessToken"))
	require.True(t, mr.Exists("device-1:refreshToken"))
	require.False(t, mr.Exists("device-1:role"))
}

func TestStore_UnavailableIsStorageError(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t)
	mr.Close()

	err := store.Set(ctx, vault.KeyRole, "admin")
	require.ErrorIs(t, err, vault.ErrStorage)
	_, err = store.Get(ctx, vault.KeyRole)
	require.ErrorIs(t, err, vault.ErrStorage)
}
