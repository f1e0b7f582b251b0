package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Redis tests run against TEST_REDIS_URL when set, otherwise an embedded miniredis.
func setupRedisBackend(t *testing.T, visibility time.Duration) (*RedisBackend, string) {
	t.Helper()

	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://" + miniredis.RunT(t).Addr()
	}

	b, err := NewRedisBackendFromURL(context.Background(), redisURL, visibility)
	require.NoError(t, err)

	queue := "test:" + xid.New().String()
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := b.client.Keys(ctx, queue+":*").Result()
		if len(keys) > 0 {
			b.client.Del(ctx, keys...)
		}
		b.Close()
	})
	return b, queue
}

func TestRedisBackendRoundTrip(t *testing.T) {
	b, q := setupRedisBackend(t, 30*time.Second)
	ctx := context.Background()

	id, err := b.Send(ctx, q, `{"id":"email-001"}`, map[string]string{"priority": "high"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := b.Receive(ctx, q, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, `{"id":"email-001"}`, msgs[0].Body)
	assert.Equal(t, "high", msgs[0].Attributes["priority"])
	assert.Equal(t, 1, msgs[0].ReceiveCount)

	stats, err := b.Stats(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Available)
	assert.Equal(t, int64(1), stats.InFlight)

	require.NoError(t, b.Delete(ctx, q, msgs[0].ReceiptHandle))
	assert.ErrorIs(t, b.Delete(ctx, q, msgs[0].ReceiptHandle), ErrStaleHandle)
}

func TestRedisBackendVisibilityTimeout(t *testing.T) {
	b, q := setupRedisBackend(t, 200*time.Millisecond)
	ctx := context.Background()

	_, err := b.Send(ctx, q, `{}`, nil)
	require.NoError(t, err)

	first, err := b.Receive(ctx, q, 1, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	empty, err := b.Receive(ctx, q, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	time.Sleep(300 * time.Millisecond)

	second, err := b.Receive(ctx, q, 1, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].ReceiveCount)
	assert.ErrorIs(t, b.Delete(ctx, q, first[0].ReceiptHandle), ErrStaleHandle)
	assert.NoError(t, b.Delete(ctx, q, second[0].ReceiptHandle))
}

func TestRedisBackendLongPoll(t *testing.T) {
	b, q := setupRedisBackend(t, 30*time.Second)
	ctx := context.Background()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = b.Send(ctx, q, `{}`, nil)
	}()

	msgs, err := b.Receive(ctx, q, 5, 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRedisBackendProcessor(t *testing.T) {
	b, q := setupRedisBackend(t, 30*time.Second)
	p := NewProcessor(b, q, WithWaitTime(0))
	ctx := context.Background()

	for _, body := range []string{`{"n":1}`, `{"n":`, `{"n":3}`} {
		_, err := p.SendRaw(ctx, body, nil)
		require.NoError(t, err)
	}

	report, err := p.ProcessMessages(ctx, func(ctx context.Context, d Delivery) error { return nil }, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Received)
	assert.Equal(t, 2, report.Count(OutcomeDeleted))

	stats, err := b.Stats(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.InFlight)
}

func TestRedisBackendBadAttributesDoNotStrandBatch(t *testing.T) {
	b, q := setupRedisBackend(t, 30*time.Second)
	ctx := context.Background()

	var ids []string
	for _, body := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		id, err := b.Send(ctx, q, body, map[string]string{"k": "v"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, b.client.HSet(ctx, messageKey(q, ids[1]), "attrs", "{broken").Err())

	msgs, err := b.Receive(ctx, q, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, ids[1], msgs[1].ID)
	assert.Nil(t, msgs[1].Attributes)
	assert.Equal(t, "v", msgs[2].Attributes["k"])

	stats, err := b.Stats(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Available)
	assert.Equal(t, int64(3), stats.InFlight)
}

func TestRedisBackendSkipsPendingIDWithoutMessage(t *testing.T) {
	b, q := setupRedisBackend(t, 30*time.Second)
	ctx := context.Background()

	id, err := b.Send(ctx, q, `{}`, nil)
	require.NoError(t, err)
	require.NoError(t, b.client.LPush(ctx, pendingKey(q), "missing").Err())

	msgs, err := b.Receive(ctx, q, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	n, err := b.client.HLen(ctx, handlesKey(q)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisBackendClaimIsAllOrNothingPerID(t *testing.T) {
	b, q := setupRedisBackend(t, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Send(ctx, q, `{}`, nil)
		require.NoError(t, err)
	}

	msgs, err := b.Receive(ctx, q, 2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// every id is either still pending or registered in flight
	stats, err := b.Stats(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Available)
	assert.Equal(t, int64(2), stats.InFlight)
}

func TestRedisBackendLongPollTimesOutEmpty(t *testing.T) {
	b, q := setupRedisBackend(t, 30*time.Second)

	msgs, err := b.Receive(context.Background(), q, 5, time.Second)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
