package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jinford/skill-graph/internal/infra/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisQueue(t *testing.T, opts ...queue.RedisQueueOption) (*queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueue(client, opts...), mr
}

func TestRedisQueue_FIFOWithLease(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	require.NoError(t, q.Dispatch(ctx, first))
	require.NoError(t, q.Dispatch(ctx, second))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	got, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.String(), got)

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	require.NoError(t, q.Ack(ctx, got))

	got, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.String(), got)

	empty, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisQueue_RedeliversExpiredLease(t *testing.T) {
	q, _ := newRedisQueue(t, queue.WithVisibilityTimeout(time.Minute))
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, q.Dispatch(ctx, id))
	leased, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	// リース期間内は回収されない
	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{leased}, reclaimed)

	again, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, id.String(), again)
}

func TestRedisQueue_AckedJobIsNotRedelivered(t *testing.T) {
	q, _ := newRedisQueue(t, queue.WithVisibilityTimeout(time.Minute))
	ctx := context.Background()

	require.NoError(t, q.Dispatch(ctx, uuid.New()))
	leased, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, leased))

	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	// Ack 後の延長でリースが復活しない
	require.NoError(t, q.ExtendLease(ctx, leased, time.Hour))
	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestRedisQueue_RunProcessesJobs(t *testing.T) {
	q, _ := newRedisQueue(t, queue.WithPollInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, q.Dispatch(ctx, id))
	}

	var (
		mu   sync.Mutex
		seen []uuid.UUID
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, func(_ context.Context, id uuid.UUID) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, id)
			if len(seen) == len(ids) {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, ids, seen)

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRedisQueue_ShutdownWaitsForRunningJobs(t *testing.T) {
	q, _ := newRedisQueue(t, queue.WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	started := make(chan uuid.UUID, 2)
	release := make(chan struct{})
	q.Start(ctx, 2, func(ctx context.Context, id uuid.UUID) error {
		started <- id
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	// 2 つのコンシューマーが同時にジョブを持つ
	first, second := uuid.New(), uuid.New()
	require.NoError(t, q.Dispatch(ctx, first))
	require.NoError(t, q.Dispatch(ctx, second))
	got := make([]uuid.UUID, 0, 2)
	for range 2 {
		select {
		case id := <-started:
			got = append(got, id)
		case <-time.After(5 * time.Second):
			t.Fatal("jobs were not picked up concurrently")
		}
	}
	assert.ElementsMatch(t, []uuid.UUID{first, second}, got)

	done := make(chan error, 1)
	go func() { done <- q.Shutdown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("shutdown returned while jobs were running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}

	// 停止後は取り出さない
	require.NoError(t, q.Dispatch(ctx, uuid.New()))
	time.Sleep(50 * time.Millisecond)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRedisQueue_ShutdownTimesOutWhileJobRuns(t *testing.T) {
	q, _ := newRedisQueue(t, queue.WithPollInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{}, 1)
	q.Start(ctx, 1, func(ctx context.Context, _ uuid.UUID) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, q.Dispatch(ctx, uuid.New()))
	<-started

	shortCtx, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	assert.ErrorIs(t, q.Shutdown(shortCtx), context.DeadlineExceeded)

	cancel()
	require.NoError(t, q.Shutdown(context.Background()))
}
