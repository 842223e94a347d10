package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, limit int) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, limit), mr
}

func TestLock_SecondHolderIsRefused(t *testing.T) {
	s, _ := newStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Lock(ctx, "app.com", "rollout-a", time.Minute))

	err := s.Lock(ctx, "app.com", "rollout-b", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)
	assert.Contains(t, err.Error(), "rollout-a")

	require.NoError(t, s.Lock(ctx, "other.com", "rollout-b", time.Minute), "locks are per service")
}

func TestUnlock_OnlyByOwner(t *testing.T) {
	s, _ := newStore(t, 0)
	ctx := context.Background()
	require.NoError(t, s.Lock(ctx, "app.com", "rollout-a", time.Minute))

	require.NoError(t, s.Unlock(ctx, "app.com", "rollout-b"))
	holder, err := s.Holder(ctx, "app.com")
	require.NoError(t, err)
	assert.Equal(t, "rollout-a", holder)

	require.NoError(t, s.Unlock(ctx, "app.com", "rollout-a"))
	holder, err = s.Holder(ctx, "app.com")
	require.NoError(t, err)
	assert.Empty(t, holder)

	require.NoError(t, s.Unlock(ctx, "app.com", "rollout-a"), "unlocking twice is harmless")
}

func TestLock_ExpiresAfterTTL(t *testing.T) {
	s, mr := newStore(t, 0)
	ctx := context.Background()
	require.NoError(t, s.Lock(ctx, "app.com", "crashed", time.Minute))

	mr.FastForward(2 * time.Minute)

	require.NoError(t, s.Lock(ctx, "app.com", "next", time.Minute))
}

func TestHistory_CappedNewestFirst(t *testing.T) {
	s, _ := newStore(t, 3)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendHistory(ctx, Record{
			ID:         fmt.Sprintf("r%d", i),
			Service:    "app.com",
			Outcome:    "cut_over",
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			Duration:   time.Minute,
		}))
	}

	recs, err := s.History(ctx, "app.com", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "r4", recs[0].ID)
	assert.Equal(t, "r2", recs[2].ID)
	assert.Equal(t, time.Minute, recs[0].Duration)

	recs, err = s.History(ctx, "app.com", 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "cutover:lock:app.com", LockKey("app.com"))

	svc, err := ExtractService(HistoryKey("app.com"))
	require.NoError(t, err)
	assert.Equal(t, "app.com", svc)

	_, err = ExtractService("jump:service:x")
	assert.Error(t, err)
}
