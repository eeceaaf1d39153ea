package db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriBatch/go/internal/prover"
)

func newQueue(t *testing.T, ttl time.Duration) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := NewRedis(mr.Addr(), "", 0)
	t.Cleanup(func() { rdb.Close() })
	return NewQueue(rdb, ttl), mr
}

func TestTipRoundTrip(t *testing.T) {
	q, _ := newQueue(t, 0)
	ctx := context.Background()

	_, _, err := q.LoadTip(ctx, "b1")
	assert.ErrorIs(t, err, ErrNoBatch)
	ok, err := q.Exists(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok)

	tip := &prover.Certificate{Program: "batch-processor", Method: "processNext", PublicInput: 7, PublicOutput: 7, Proof: []byte{1, 2, 3}}
	require.NoError(t, q.SaveTip(ctx, "b1", tip, 3))

	got, steps, err := q.LoadTip(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, tip, got)
	assert.Equal(t, 3, steps)
	ok, err = q.Exists(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTipExpires(t *testing.T) {
	q, mr := newQueue(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, q.SaveTip(ctx, "b1", &prover.Certificate{Program: "p"}, 0))
	mr.FastForward(2 * time.Minute)
	_, _, err := q.LoadTip(ctx, "b1")
	assert.ErrorIs(t, err, ErrNoBatch)
}

func TestPushPopOrder(t *testing.T) {
	q, _ := newQueue(t, time.Hour)
	ctx := context.Background()
	subs := validSubs(1, 2, 3, 4, 5)
	for i, sub := range subs {
		n, err := q.Push(ctx, "b1", sub)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), n)
	}

	head, err := q.Pop(ctx, "b1", 3)
	require.NoError(t, err)
	assert.Equal(t, subs[:3], head)

	// put back the last two popped, they must come out before 4 and 5
	require.NoError(t, q.PushFront(ctx, "b1", head[1:]))
	n, err := q.Pending(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	rest, err := q.Pop(ctx, "b1", 10)
	require.NoError(t, err)
	assert.Equal(t, subs[1:], rest)

	empty, err := q.Pop(ctx, "b1", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPopCorruptEntry(t *testing.T) {
	q, mr := newQueue(t, 0)
	_, err := mr.RPush(pendingKey("b1"), "{not json")
	require.NoError(t, err)
	_, err = q.Pop(context.Background(), "b1", 1)
	assert.Error(t, err)
}

func TestClaimIdempotency(t *testing.T) {
	q, mr := newQueue(t, 0)
	ctx := context.Background()

	v, stored, err := q.ClaimIdempotency(ctx, "k1", "b1/1", time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Equal(t, "b1/1", v)

	v, stored, err = q.ClaimIdempotency(ctx, "k1", "b1/2", time.Hour)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Equal(t, "b1/1", v)

	mr.FastForward(2 * time.Hour)
	_, stored, err = q.ClaimIdempotency(ctx, "k1", "b1/3", time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)

	require.NoError(t, q.ForgetIdempotency(ctx, "k1"))
	_, stored, err = q.ClaimIdempotency(ctx, "k1", "b1/4", time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestBatchLock(t *testing.T) {
	q, mr := newQueue(t, 0)
	ctx := context.Background()

	ok, err := q.AcquireLock(ctx, "b1", "owner", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.AcquireLock(ctx, "b1", "other", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// a stranger cannot release it
	require.NoError(t, q.ReleaseLock(ctx, "b1", "other"))
	assert.True(t, mr.Exists(lockKey("b1")))

	require.NoError(t, q.ReleaseLock(ctx, "b1", "owner"))
	assert.False(t, mr.Exists(lockKey("b1")))

	// only the holder extends, and an extended lock outlives its first ttl
	ok, err = q.AcquireLock(ctx, "b3", "owner", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.ExtendLock(ctx, "b3", "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = q.ExtendLock(ctx, "b3", "owner", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	mr.FastForward(2 * time.Second)
	assert.True(t, mr.Exists(lockKey("b3")))
	mr.FastForward(time.Minute)
	ok, err = q.ExtendLock(ctx, "b3", "owner", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// an abandoned lock expires
	ok, err = q.AcquireLock(ctx, "b2", "crashed", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)
	ok, err = q.AcquireLock(ctx, "b2", "next", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
