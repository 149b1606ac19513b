package redisx

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	c, err := NewClient(mr.Addr(), "")
	require.NoError(t, err)

	return c, mr
}

func TestNewClientPing(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Ping(context.Background()))
}

func TestSetAddRemMembers(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	require.NoError(t, c.SetAdd(ctx, "live:servers", "node-a"))
	require.NoError(t, c.SetAdd(ctx, "live:servers", "node-b"))

	members, err := c.SetMembers(ctx, "live:servers")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"node-a", "node-b"}, members)

	require.NoError(t, c.SetRem(ctx, "live:servers", "node-a"))
	members, err = c.SetMembers(ctx, "live:servers")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b"}, members)
}

func TestExpire(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	require.NoError(t, c.SetAdd(ctx, "live:servers", "node-a"))
	require.NoError(t, c.Expire(ctx, "live:servers", time.Minute))

	mr.FastForward(2 * time.Minute)
	members, err := c.SetMembers(ctx, "live:servers")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestNewClientInvalidAddr(t *testing.T) {
	_, err := NewClient("127.0.0.1:1", "")
	assert.Error(t, err)
}

func TestIncrWithExpirySetsTTLOnlyOnCreate(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	v, err := c.IncrWithExpiry(ctx, "rooms:1.2.3.4", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = c.IncrWithExpiry(ctx, "rooms:1.2.3.4", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	mr.FastForward(2 * time.Hour)
	v, err = c.GetInt(ctx, "rooms:1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestDecrFloorNeverGoesNegative(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	_, err := c.IncrWithExpiry(ctx, "conns:1.2.3.4", time.Hour)
	require.NoError(t, err)

	require.NoError(t, c.DecrFloor(ctx, "conns:1.2.3.4"))
	require.NoError(t, c.DecrFloor(ctx, "conns:1.2.3.4"))

	v, err := c.GetInt(ctx, "conns:1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestGetIntMissingKey(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	v, err := c.GetInt(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestGetSet(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	_, err := c.Get(ctx, "room:1:data")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "room:1:data", `[]`))
	v, err := c.Get(ctx, "room:1:data")
	require.NoError(t, err)
	assert.Equal(t, `[]`, v)
}

func TestLockUnlock(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	ok, err := c.Lock(ctx, "room:1:lock", "token-a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Lock(ctx, "room:1:lock", "token-b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire an already-held lock")

	// A mismatched token must not release the lock.
	require.NoError(t, c.Unlock(ctx, "room:1:lock", "token-b"))
	ok, err = c.Lock(ctx, "room:1:lock", "token-c", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "unlock with the wrong token must be a no-op")

	require.NoError(t, c.Unlock(ctx, "room:1:lock", "token-a"))
	ok, err = c.Lock(ctx, "room:1:lock", "token-c", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "unlock with the correct token must release the lock")
}

func TestLockExpiresAfterTTL(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	ok, err := c.Lock(ctx, "room:1:lock", "token-a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = c.Lock(ctx, "room:1:lock", "token-b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be acquirable again once the lease expires")
}

func TestXAddXRead(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	id1, err := c.XAdd(ctx, "room:1:changes", map[string]any{"data": "first"})
	require.NoError(t, err)
	id2, err := c.XAdd(ctx, "room:1:changes", map[string]any{"data": "second"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	msgs, err := c.XRead(ctx, "room:1:changes", "0", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Values["data"])
	assert.Equal(t, "second", msgs[1].Values["data"])

	// Resuming from the first id must only surface the second entry.
	msgs, err = c.XRead(ctx, "room:1:changes", id1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "second", msgs[0].Values["data"])
}
