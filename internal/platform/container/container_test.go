package container_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/skill-graph/internal/core/generation"
	"github.com/jinford/skill-graph/internal/core/skill"
	"github.com/jinford/skill-graph/internal/core/structured"
	"github.com/jinford/skill-graph/internal/infra/memory"
	"github.com/jinford/skill-graph/internal/platform/container"
	"github.com/jinford/skill-graph/pkg/config"
)

var responses = map[string]string{
	"NORMALIZE": `{"skills":[{"label":"Go","description":"","category":"Technical"}]}`,
	"CLUSTER": `{"courses":[{"title":"Go Basics","titleTh":"","description":"","category":"Technical","shareable":false,
		"lessons":[{"title":"Syntax","titleTh":"","description":"","skills":["Go"]}]}]}`,
	"GRADE":            `{"courses":[{"title":"Go Basics","sfiaLevel":2,"estimatedHours":8}]}`,
	"MAP_DEPENDENCIES": `{"dependencies":[]}`,
}

type cannedGenerator struct{}

func (cannedGenerator) Generate(_ context.Context, req structured.Request) (json.RawMessage, error) {
	raw, ok := responses[req.Name]
	if !ok {
		return nil, fmt.Errorf("%w: unexpected request %s", structured.ErrProvider, req.Name)
	}
	return req.Schema.Validate(raw)
}

// gatedGenerator は NORMALIZE で release が閉じられるか ctx が終わるまで止まる
type gatedGenerator struct {
	started chan struct{}
	release chan struct{}
}

func newGatedGenerator() *gatedGenerator {
	return &gatedGenerator{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedGenerator) Generate(ctx context.Context, req structured.Request) (json.RawMessage, error) {
	if req.Name == "NORMALIZE" {
		g.started <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return cannedGenerator{}.Generate(ctx, req)
}

func (g *gatedGenerator) waitStarted(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-g.started:
		case <-time.After(5 * time.Second):
			t.Fatal("job did not reach the generator")
		}
	}
}

func testConfig(t *testing.T, queueBackend string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Store: config.StoreMemory,
		Queue: config.QueueConfig{
			Backend:      queueBackend,
			Workers:      2,
			Backlog:      8,
			PollInterval: 10 * time.Millisecond,
		},
		Redis: config.RedisConfig{KeyPrefix: "test:queue"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newContainer(t *testing.T, cfg *config.Config, opts ...container.ContainerOption) (*container.Container, *memory.Store) {
	t.Helper()
	return newContainerWithGenerator(t, cfg, cannedGenerator{}, opts...)
}

func newContainerWithGenerator(t *testing.T, cfg *config.Config, gen structured.Generator, opts ...container.ContainerOption) (*container.Container, *memory.Store) {
	t.Helper()
	registry, err := structured.NewRegistry("canned", map[string]structured.Generator{"canned": gen})
	require.NoError(t, err)

	store := memory.NewStore()
	base := []container.ContainerOption{
		container.WithContainerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		container.WithContainerRegistry(registry),
		container.WithContainerRepository(store),
		container.WithContainerSources([]skill.Source{}),
	}
	c, err := container.New(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.StopWorkers(ctx)
	})
	return c, store
}

func waitForStatus(t *testing.T, svc *generation.Service, id uuid.UUID, want generation.Status) *generation.GenerationJob {
	t.Helper()
	var job *generation.GenerationJob
	require.Eventually(t, func() bool {
		var err error
		job, err = svc.GetStatus(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestContainer_WorkerPoolRunsSubmittedJob(t *testing.T) {
	c, _ := newContainer(t, testConfig(t, config.QueuePool))
	require.NotNil(t, c.Pool)
	assert.Nil(t, c.Queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.StartWorkers(ctx))

	job, err := c.Service.Submit(ctx, "Go Developer")
	require.NoError(t, err)

	done := waitForStatus(t, c.Service, job.ID, generation.StatusCompleted)
	require.NotNil(t, done.Draft)
	assert.Equal(t, []string{"Go Basics"}, done.Draft.Titles())

	require.NoError(t, c.StopWorkers(context.Background()))
}

func TestContainer_RecoversPendingJobsOnStart(t *testing.T) {
	c, store := newContainer(t, testConfig(t, config.QueuePool))

	now := time.Now()
	pending := &generation.GenerationJob{
		ID: uuid.New(), JobTitle: "Go Developer", Backend: "canned",
		Status: generation.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateJob(context.Background(), pending))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.StartWorkers(ctx))

	waitForStatus(t, c.Service, pending.ID, generation.StatusCompleted)
}

func redisConfig(t *testing.T) (*config.Config, container.ContainerOption) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	// メモリストアとの組み合わせは設定の検証では拒否されるが、コンテナは組み立てられる
	cfg := testConfig(t, config.QueuePool)
	cfg.Queue.Backend = config.QueueRedis
	return cfg, container.WithContainerRedisClient(client)
}

func TestContainer_RedisQueueRunsSubmittedJob(t *testing.T) {
	cfg, redisOpt := redisConfig(t)
	c, _ := newContainer(t, cfg, redisOpt)
	require.NotNil(t, c.Queue)
	assert.Nil(t, c.Pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.StartWorkers(ctx))

	job, err := c.Service.Submit(ctx, "Go Developer")
	require.NoError(t, err)
	waitForStatus(t, c.Service, job.ID, generation.StatusCompleted)
}

func TestContainer_StopWorkersFinishesRunningJobs(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T) (*config.Config, []container.ContainerOption)
	}{
		{
			name: "worker pool",
			prepare: func(t *testing.T) (*config.Config, []container.ContainerOption) {
				return testConfig(t, config.QueuePool), nil
			},
		},
		{
			name: "redis queue",
			prepare: func(t *testing.T) (*config.Config, []container.ContainerOption) {
				cfg, opt := redisConfig(t)
				return cfg, []container.ContainerOption{opt}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, opts := tt.prepare(t)
			gen := newGatedGenerator()
			c, _ := newContainerWithGenerator(t, cfg, gen, opts...)

			// シグナルで ctx がキャンセルされても実行中のジョブは打ち切られない
			ctx, cancel := context.WithCancel(context.Background())
			require.NoError(t, c.StartWorkers(ctx))

			first, err := c.Service.Submit(ctx, "Go Developer")
			require.NoError(t, err)
			second, err := c.Service.Submit(ctx, "Data Engineer")
			require.NoError(t, err)
			gen.waitStarted(t, cfg.Queue.Workers)
			cancel()

			done := make(chan error, 1)
			go func() { done <- c.StopWorkers(context.Background()) }()
			close(gen.release)

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("workers did not stop")
			}
			for _, id := range []uuid.UUID{first.ID, second.ID} {
				job, err := c.Service.GetStatus(context.Background(), id)
				require.NoError(t, err)
				assert.Equal(t, generation.StatusCompleted, job.Status, job.JobTitle)
			}
		})
	}
}

func TestContainer_StopWorkersCancelsJobsAfterTimeout(t *testing.T) {
	gen := newGatedGenerator()
	c, _ := newContainerWithGenerator(t, testConfig(t, config.QueuePool), gen)
	require.NoError(t, c.StartWorkers(context.Background()))

	job, err := c.Service.Submit(context.Background(), "Go Developer")
	require.NoError(t, err)
	gen.waitStarted(t, 1)

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.StopWorkers(stopCtx), context.DeadlineExceeded)

	failed := waitForStatus(t, c.Service, job.ID, generation.StatusFailed)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "context canceled")
}

func TestContainer_SubmitAfterStopMarksJobFailed(t *testing.T) {
	c, _ := newContainer(t, testConfig(t, config.QueuePool))
	require.NoError(t, c.StartWorkers(context.Background()))
	require.NoError(t, c.StopWorkers(context.Background()))

	job, err := c.Service.Submit(context.Background(), "Go Developer")
	require.NoError(t, err)

	stored, err := c.Service.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "queue is closed")
}
