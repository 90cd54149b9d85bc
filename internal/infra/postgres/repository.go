package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jinford/skill-graph/internal/core/curriculum"
	"github.com/jinford/skill-graph/internal/core/generation"
	"github.com/jinford/skill-graph/internal/platform/database"
	"github.com/samber/mo"
)

// querier は pgxpool.Pool と pgx.Tx に共通する操作
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository は generation.Repository インターフェースを実装する PostgreSQL リポジトリです
type Repository struct {
	pool *pgxpool.Pool
	txp  *database.TransactionProvider
}

// NewRepository は新しい Repository を作成します
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool: pool,
		txp:  database.NewTransactionProvider(pool),
	}
}

// コンパイル時の型チェック
var _ generation.Repository = (*Repository)(nil)

const jobColumns = `id, job_title, backend, status, current_step, draft, error, published_id, published_at, created_at, updated_at, completed_at`

// === GenerationJob ===

func (r *Repository) CreateJob(ctx context.Context, job *generation.GenerationJob) error {
	draft, err := DraftToJSON(job.Draft)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO generation_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, job.ID, job.JobTitle, job.Backend, string(job.Status), StepPtrToPgtext(job.CurrentStep), draft,
		StringPtrToPgtext(job.Error), job.PublishedID, job.PublishedAt, job.CreatedAt, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (mo.Option[*generation.GenerationJob], error) {
	return getJob(ctx, r.pool, id, false)
}

// UpdateJob はジョブを上書きします。保存済みの状態から許可されない遷移は ErrStateConflict
func (r *Repository) UpdateJob(ctx context.Context, job *generation.GenerationJob) error {
	_, err := database.Transact(ctx, r.txp, func(a *database.Adapter) (struct{}, error) {
		var current string
		err := a.Tx.QueryRow(ctx, `SELECT status FROM generation_jobs WHERE id = $1 FOR UPDATE`, job.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return struct{}{}, fmt.Errorf("%w: job %s", generation.ErrNotFound, job.ID)
		}
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to lock job: %w", err)
		}
		if err := generation.CheckTransition(generation.Status(current), job.Status); err != nil {
			return struct{}{}, fmt.Errorf("job %s: %w", job.ID, err)
		}

		draft, err := DraftToJSON(job.Draft)
		if err != nil {
			return struct{}{}, err
		}
		_, err = a.Tx.Exec(ctx, `
			UPDATE generation_jobs
			SET status = $2, current_step = $3, draft = $4, error = $5, updated_at = $6, completed_at = $7
			WHERE id = $1
		`, job.ID, string(job.Status), StepPtrToPgtext(job.CurrentStep), draft,
			StringPtrToPgtext(job.Error), job.UpdatedAt, job.CompletedAt)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to update job: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (r *Repository) ListJobsByStatus(ctx context.Context, status generation.Status) ([]*generation.GenerationJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs WHERE status = $1
		ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*generation.GenerationJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

func getJob(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (mo.Option[*generation.GenerationJob], error) {
	sql := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	job, err := scanJob(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[*generation.GenerationJob](), nil
	}
	if err != nil {
		return mo.None[*generation.GenerationJob](), err
	}
	return mo.Some(job), nil
}

func scanJob(row pgx.Row) (*generation.GenerationJob, error) {
	var (
		job         generation.GenerationJob
		status      string
		currentStep pgtype.Text
		draft       []byte
		errText     pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.JobTitle, &job.Backend, &status, &currentStep, &draft, &errText,
		&job.PublishedID, &job.PublishedAt, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	d, err := JSONToDraft(draft)
	if err != nil {
		return nil, err
	}
	job.Status = generation.Status(status)
	job.CurrentStep = PgtextToStepPtr(currentStep)
	job.Draft = d
	job.Error = PgtextToStringPtr(errText)
	return &job, nil
}

// === CatalogGroup ===

// CreateGroup はグループを作成します
func (r *Repository) CreateGroup(ctx context.Context, name string) (*generation.CatalogGroup, error) {
	group := &generation.CatalogGroup{ID: uuid.New(), Name: name}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO catalog_groups (id, name) VALUES ($1, $2) RETURNING created_at
	`, group.ID, name).Scan(&group.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}
	return group, nil
}

func (r *Repository) GetGroup(ctx context.Context, id uuid.UUID) (mo.Option[*generation.CatalogGroup], error) {
	var g generation.CatalogGroup
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, is_default, created_at FROM catalog_groups WHERE id = $1
	`, id).Scan(&g.ID, &g.Name, &g.IsDefault, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[*generation.CatalogGroup](), nil
	}
	if err != nil {
		return mo.None[*generation.CatalogGroup](), fmt.Errorf("failed to get group: %w", err)
	}
	return mo.Some(&g), nil
}

// EnsureDefaultGroup は既定グループを返します。存在しなければアドバイザリロック下で作成します
func (r *Repository) EnsureDefaultGroup(ctx context.Context, name string) (*generation.CatalogGroup, error) {
	return database.Transact(ctx, r.txp, func(a *database.Adapter) (*generation.CatalogGroup, error) {
		if err := a.Locks.Acquire(ctx, database.LockID("catalog_groups", "default")); err != nil {
			return nil, err
		}

		var g generation.CatalogGroup
		err := a.Tx.QueryRow(ctx, `
			SELECT id, name, is_default, created_at FROM catalog_groups WHERE is_default
		`).Scan(&g.ID, &g.Name, &g.IsDefault, &g.CreatedAt)
		if err == nil {
			return &g, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to get default group: %w", err)
		}

		g = generation.CatalogGroup{ID: uuid.New(), Name: name, IsDefault: true}
		if err := a.Tx.QueryRow(ctx, `
			INSERT INTO catalog_groups (id, name, is_default) VALUES ($1, $2, TRUE) RETURNING created_at
		`, g.ID, name).Scan(&g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to create default group: %w", err)
		}
		return &g, nil
	})
}

// WithinTx は fn を REPEATABLE READ の単一トランザクション内で実行します
// 同じジョブを同時に公開しようとした側はシリアライズ失敗になり、再実行時に公開済みの状態を読みます
func (r *Repository) WithinTx(ctx context.Context, fn func(tx generation.CatalogTx) error) error {
	_, err := database.Transact(ctx, r.txp, func(a *database.Adapter) (struct{}, error) {
		return struct{}{}, fn(&catalogTx{tx: a.Tx})
	}, database.WithIsolation(pgx.RepeatableRead), database.WithRetries(publishRetries))
	return err
}

// publishRetries は公開トランザクションをシリアライズ失敗から再実行する回数
const publishRetries = 3

// catalogTx は公開トランザクション内の操作
type catalogTx struct {
	tx pgx.Tx
}

var _ generation.CatalogTx = (*catalogTx)(nil)

func (t *catalogTx) LockJob(ctx context.Context, id uuid.UUID) (mo.Option[*generation.GenerationJob], error) {
	return getJob(ctx, t.tx, id, true)
}

func (t *catalogTx) CreateCatalogEntry(ctx context.Context, groupID uuid.UUID, jobID uuid.UUID, title string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO catalog_entries (id, group_id, source_job_id, title) VALUES ($1, $2, $3, $4)
	`, id, groupID, jobID, title)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return uuid.Nil, fmt.Errorf("%w: job %s already has a catalog entry", generation.ErrStateConflict, jobID)
		}
		return uuid.Nil, fmt.Errorf("failed to insert catalog entry: %w", err)
	}
	return id, nil
}

func (t *catalogTx) CreateCourse(ctx context.Context, c curriculum.Course) (uuid.UUID, error) {
	id := uuid.New()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO courses (id, title, title_th, description, category, sfia_level, estimated_hours, shareable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, c.Title, c.TitleTh, c.Description, string(c.Category), c.SFIALevel, c.EstimatedHours, c.Shareable)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert course: %w", err)
	}
	return id, nil
}

func (t *catalogTx) CreateLesson(ctx context.Context, courseID uuid.UUID, position int, l curriculum.Lesson) (uuid.UUID, error) {
	id := uuid.New()
	skills := l.Skills
	if skills == nil {
		skills = []string{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO lessons (id, course_id, position, title, title_th, description, skills)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, courseID, position, l.Title, l.TitleTh, l.Description, skills)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert lesson: %w", err)
	}
	return id, nil
}

func (t *catalogTx) LinkCourse(ctx context.Context, entryID uuid.UUID, courseID uuid.UUID, position int) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO catalog_entry_courses (entry_id, course_id, position) VALUES ($1, $2, $3)
	`, entryID, courseID, position)
	if err != nil {
		return fmt.Errorf("failed to link course: %w", err)
	}
	return nil
}

func (t *catalogTx) CreatePrerequisite(ctx context.Context, courseID uuid.UUID, prerequisiteID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO course_prerequisites (course_id, prerequisite_id) VALUES ($1, $2)
	`, courseID, prerequisiteID)
	if err != nil {
		return fmt.Errorf("failed to insert prerequisite: %w", err)
	}
	return nil
}

func (t *catalogTx) MarkPublished(ctx context.Context, jobID uuid.UUID, publishedID uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE generation_jobs
		SET status = 'PUBLISHED', published_id = $2, published_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'COMPLETED' AND published_id IS NULL
	`, jobID, publishedID, at)
	if err != nil {
		return fmt.Errorf("failed to mark job published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s was already published", generation.ErrStateConflict, jobID)
	}
	return nil
}
