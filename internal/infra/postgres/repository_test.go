package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jinford/skill-graph/internal/core/curriculum"
	"github.com/jinford/skill-graph/internal/core/generation"
	"github.com/jinford/skill-graph/internal/core/structured"
	"github.com/jinford/skill-graph/internal/infra/postgres"
	"github.com/jinford/skill-graph/internal/platform/database"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startPostgres は使い捨ての PostgreSQL コンテナを起動し、マイグレーション済みのプールを返す
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker is not available: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker is not available: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=skill",
			"POSTGRES_PASSWORD=secret",
			"POSTGRES_DB=skill_graph",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })
	_ = resource.Expire(300)

	params := database.ConnectionParams{
		Host:     "localhost",
		User:     "skill",
		Password: "secret",
		DBName:   "skill_graph",
		SSLMode:  "disable",
	}
	_, err = fmt.Sscanf(resource.GetPort("5432/tcp"), "%d", &params.Port)
	require.NoError(t, err)

	ctx := context.Background()
	var db *database.DB
	pool.MaxWait = 90 * time.Second
	require.NoError(t, pool.Retry(func() error {
		var err error
		db, err = database.Connect(ctx, params)
		return err
	}))
	t.Cleanup(db.Close)

	applied, err := postgres.Migrate(ctx, db.Pool)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql"}, applied)

	again, err := postgres.Migrate(ctx, db.Pool)
	require.NoError(t, err)
	assert.Empty(t, again)

	return db.Pool
}

func newJob(status generation.Status) *generation.GenerationJob {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &generation.GenerationJob{
		ID:        uuid.New(),
		JobTitle:  "Backend Developer",
		Backend:   "openai",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func sampleDraft() *curriculum.MapData {
	courses := []curriculum.Course{
		{
			Title: "Git Fundamentals", Category: curriculum.CategoryTool, SFIALevel: 2, EstimatedHours: 6,
			Lessons: []curriculum.Lesson{{Title: "Branches", Skills: []string{"Git"}}},
		},
		{
			Title: "Node.js APIs", Category: curriculum.CategoryTechnical, SFIALevel: 3, EstimatedHours: 12,
			Lessons: []curriculum.Lesson{{Title: "Routing", Skills: []string{"Node.js"}}, {Title: "Testing"}},
		},
	}
	deps := []curriculum.Dependency{{Prerequisite: "Git Fundamentals", Dependent: "Node.js APIs"}}
	return &curriculum.MapData{Courses: courses, Dependencies: deps, SharedCourses: []string{}}
}

func TestRepository(t *testing.T) {
	pool := startPostgres(t)
	repo := postgres.NewRepository(pool)
	ctx := context.Background()

	t.Run("job round trip", func(t *testing.T) {
		job := newJob(generation.StatusPending)
		require.NoError(t, repo.CreateJob(ctx, job))

		step := generation.StepGrade
		job.Status = generation.StatusProcessing
		job.CurrentStep = &step
		require.NoError(t, repo.UpdateJob(ctx, job))

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, got.IsPresent())
		assert.Equal(t, generation.StatusProcessing, got.MustGet().Status)
		assert.Equal(t, &step, got.MustGet().CurrentStep)
		assert.Nil(t, got.MustGet().Draft)

		missing, err := repo.GetJob(ctx, uuid.New())
		require.NoError(t, err)
		assert.True(t, missing.IsAbsent())
	})

	t.Run("rejects illegal transitions", func(t *testing.T) {
		job := newJob(generation.StatusPending)
		require.NoError(t, repo.CreateJob(ctx, job))

		job.Status = generation.StatusCompleted
		assert.ErrorIs(t, repo.UpdateJob(ctx, job), generation.ErrStateConflict)

		job.Status = generation.StatusFailed
		require.NoError(t, repo.UpdateJob(ctx, job))

		job.Status = generation.StatusProcessing
		assert.ErrorIs(t, repo.UpdateJob(ctx, job), generation.ErrStateConflict)

		ghost := newJob(generation.StatusPending)
		assert.ErrorIs(t, repo.UpdateJob(ctx, ghost), generation.ErrNotFound)
	})

	t.Run("lists by status in creation order", func(t *testing.T) {
		first := newJob(generation.StatusPending)
		first.JobTitle = "list-first"
		second := newJob(generation.StatusPending)
		second.JobTitle = "list-second"
		second.CreatedAt = first.CreatedAt.Add(time.Second)
		require.NoError(t, repo.CreateJob(ctx, first))
		require.NoError(t, repo.CreateJob(ctx, second))

		jobs, err := repo.ListJobsByStatus(ctx, generation.StatusPending)
		require.NoError(t, err)

		titles := make([]string, 0)
		for _, j := range jobs {
			if j.JobTitle == "list-first" || j.JobTitle == "list-second" {
				titles = append(titles, j.JobTitle)
			}
		}
		assert.Equal(t, []string{"list-first", "list-second"}, titles)
	})

	t.Run("default group is created once", func(t *testing.T) {
		var wg sync.WaitGroup
		ids := make([]uuid.UUID, 4)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				g, err := repo.EnsureDefaultGroup(ctx, generation.DefaultGroupName)
				if assert.NoError(t, err) {
					ids[i] = g.ID
				}
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		got, err := repo.GetGroup(ctx, ids[0])
		require.NoError(t, err)
		assert.True(t, got.MustGet().IsDefault)
	})

	t.Run("concurrent publish commits exactly once", func(t *testing.T) {
		registry, err := newRegistry()
		require.NoError(t, err)
		svc := generation.NewService(repo, noopDispatcher{}, noopAggregator{}, registry)

		job := newJob(generation.StatusPending)
		require.NoError(t, repo.CreateJob(ctx, job))
		now := time.Now().UTC()
		job.Status = generation.StatusProcessing
		require.NoError(t, repo.UpdateJob(ctx, job))
		job.Status = generation.StatusCompleted
		job.Draft = sampleDraft()
		job.CompletedAt = &now
		require.NoError(t, repo.UpdateJob(ctx, job))

		const callers = 6
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes []generation.PublishResult
			conflicts int
		)
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := svc.Publish(ctx, job.ID, generation.PublishParams{})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes = append(successes, *res)
				case assert.ErrorIs(t, err, generation.ErrStateConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()

		require.Len(t, successes, 1)
		assert.Equal(t, callers-1, conflicts)
		assert.Equal(t, 2, successes[0].CourseCount)
		assert.Equal(t, 3, successes[0].LessonCount)

		var entries, prereqs int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM catalog_entries WHERE source_job_id = $1`, job.ID).Scan(&entries))
		require.NoError(t, pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM course_prerequisites p
			JOIN catalog_entry_courses c ON c.course_id = p.course_id
			JOIN catalog_entries e ON e.id = c.entry_id
			WHERE e.source_job_id = $1`, job.ID).Scan(&prereqs))
		assert.Equal(t, 1, entries)
		assert.Equal(t, 1, prereqs)

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, generation.StatusPublished, got.MustGet().Status)
		assert.Equal(t, successes[0].PublishedID, *got.MustGet().PublishedID)
	})
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, uuid.UUID) error { return nil }

type noopAggregator struct{}

func (noopAggregator) Aggregate(context.Context, string) []string { return nil }

func newRegistry() (*structured.Registry, error) {
	backend := structured.BackendFunc(func(context.Context, string, structured.Options) (string, error) {
		return "{}", nil
	})
	return structured.NewRegistry("stub", map[string]structured.Generator{
		"stub": structured.NewClient("stub", backend),
	})
}
