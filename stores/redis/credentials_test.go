package redis

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/panyam/authfetch"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*CredentialStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCredentialStore(client), mr
}

func TestCredentialStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	got, err := store.GetCredential(ctx, "https://api.example.com")
	require.NoError(t, err)
	assert.Nil(t, got)

	pair := &authfetch.TokenPair{
		AccessToken:  "a1",
		RefreshToken: "r1",
		UserID:       "alice",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
	}
	require.NoError(t, store.SetCredential(ctx, "https://api.example.com", pair))
	assert.True(t, mr.Exists(DefaultPrefix+"https://api.example.com"))

	got, err = store.GetCredential(ctx, "https://api.example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a1", got.AccessToken)
	assert.Equal(t, "r1", got.RefreshToken)
	assert.Equal(t, "alice", got.UserID)
	assert.True(t, got.ExpiresAt.Equal(pair.ExpiresAt))

	require.NoError(t, store.RemoveCredential(ctx, "https://api.example.com"))
	got, err = store.GetCredential(ctx, "https://api.example.com")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCredentialStore_TTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	require.NoError(t, store.SetCredential(ctx, "with-refresh", &authfetch.TokenPair{
		AccessToken:  "a",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))
	assert.Zero(t, mr.TTL(DefaultPrefix+"with-refresh"))

	require.NoError(t, store.SetCredential(ctx, "access-only", &authfetch.TokenPair{
		AccessToken: "a",
		ExpiresAt:   time.Now().Add(time.Minute),
	}))
	ttl := mr.TTL(DefaultPrefix + "access-only")
	assert.Greater(t, ttl, time.Minute)
	assert.LessOrEqual(t, ttl, 2*time.Minute)

	mr.FastForward(3 * time.Minute)
	got, err := store.GetCredential(ctx, "access-only")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCredentialStore_ListKeys(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	for _, k := range []string{"https://a.example.com", "https://b.example.com"} {
		require.NoError(t, store.SetCredential(ctx, k, &authfetch.TokenPair{AccessToken: "t"}))
	}
	mr.Set("unrelated", "x")

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, keys)

	other := store.WithPrefix("other:")
	keys, err = other.ListKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCredentialStore_CorruptValue(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Set(DefaultPrefix+"bad", "{not json")

	_, err := store.GetCredential(context.Background(), "bad")
	assert.Error(t, err)
}

func TestCredentialStore_Unavailable(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.GetCredential(context.Background(), "https://api.example.com")
	assert.Error(t, err)
}

func TestCredentialStore_SharedBetweenClients(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	a := authfetch.New("https://api.example.com", store, nil)
	b := authfetch.New("https://api.example.com/other", store, nil)

	require.NoError(t, a.SetTokens(ctx, &authfetch.TokenPair{AccessToken: "shared", RefreshToken: "r"}))
	token, err := b.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "shared", token)
}
