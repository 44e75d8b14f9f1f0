package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTokenStore(t *testing.T, ttl time.Duration) (*TokenStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTokenStore(client, ttl), mr
}

func TestTokenStore_IssueLookupRevoke(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTokenStore(t, time.Hour)

	p := Principal{ID: "user_01abc", Kind: KindWorkOS, UserID: "user_01abc", Email: "dev@example.com"}
	token, err := store.Issue(ctx, p)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "vxt_"))

	got, err := store.Lookup(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	require.NoError(t, store.Revoke(ctx, token))
	_, err = store.Lookup(ctx, token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	assert.ErrorIs(t, store.Revoke(ctx, token), ErrTokenNotFound)
}

func TestTokenStore_IssuedTokensAreUnique(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTokenStore(t, time.Hour)

	p := Principal{ID: "key_0011223344556677", Kind: KindAPIKey}
	a, err := store.Issue(ctx, p)
	require.NoError(t, err)
	b, err := store.Issue(ctx, p)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTokenStore_LookupRejectsNonGatewayTokens(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTokenStore(t, time.Hour)

	_, err := store.Lookup(ctx, "vox_sk_static")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestTokenStore_TokensExpire(t *testing.T) {
	ctx := context.Background()
	store, mr := setupTokenStore(t, time.Minute)

	token, err := store.Issue(ctx, Principal{ID: "user_01abc", Kind: KindWorkOS})
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = store.Lookup(ctx, token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestTokenStore_LookupSlidesExpiry(t *testing.T) {
	ctx := context.Background()
	store, mr := setupTokenStore(t, time.Minute)

	token, err := store.Issue(ctx, Principal{ID: "user_01abc", Kind: KindWorkOS})
	require.NoError(t, err)

	mr.FastForward(40 * time.Second)
	_, err = store.Lookup(ctx, token)
	require.NoError(t, err)

	// The first lookup reset the clock, so another 40s stays inside TTL.
	mr.FastForward(40 * time.Second)
	_, err = store.Lookup(ctx, token)
	assert.NoError(t, err)
}

func TestTokenStore_NilIsDisabled(t *testing.T) {
	ctx := context.Background()
	var store *TokenStore

	_, err := store.Issue(ctx, Principal{ID: "x"})
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = store.Lookup(ctx, "vxt_missing")
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, store.Revoke(ctx, "vxt_missing"), ErrDisabled)
}
