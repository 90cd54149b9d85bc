package generation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/skill-graph/internal/core/curriculum"
	"github.com/samber/mo"
)

// Repository はジョブとカタログの永続化を抽象化する
// テスト時のモック用に消費者側で定義
type Repository interface {
	// GenerationJob
	CreateJob(ctx context.Context, job *GenerationJob) error
	GetJob(ctx context.Context, id uuid.UUID) (mo.Option[*GenerationJob], error)
	UpdateJob(ctx context.Context, job *GenerationJob) error
	ListJobsByStatus(ctx context.Context, status Status) ([]*GenerationJob, error)

	// CatalogGroup
	GetGroup(ctx context.Context, id uuid.UUID) (mo.Option[*CatalogGroup], error)
	EnsureDefaultGroup(ctx context.Context, name string) (*CatalogGroup, error)

	// WithinTx は fn を単一のトランザクション内で実行する。fn がエラーを返した場合はすべて破棄される
	WithinTx(ctx context.Context, fn func(tx CatalogTx) error) error
}

// CatalogTx は公開トランザクション内で使える操作
type CatalogTx interface {
	// LockJob はジョブを排他ロックして再取得する（同一ジョブの同時公開を防ぐ）
	LockJob(ctx context.Context, id uuid.UUID) (mo.Option[*GenerationJob], error)

	CreateCatalogEntry(ctx context.Context, groupID uuid.UUID, jobID uuid.UUID, title string) (uuid.UUID, error)
	CreateCourse(ctx context.Context, course curriculum.Course) (uuid.UUID, error)
	CreateLesson(ctx context.Context, courseID uuid.UUID, position int, lesson curriculum.Lesson) (uuid.UUID, error)
	LinkCourse(ctx context.Context, entryID uuid.UUID, courseID uuid.UUID, position int) error
	CreatePrerequisite(ctx context.Context, courseID uuid.UUID, prerequisiteID uuid.UUID) error

	MarkPublished(ctx context.Context, jobID uuid.UUID, publishedID uuid.UUID, at time.Time) error
}

// Dispatcher はジョブをバックグラウンド実行に渡す（ワークキュー）
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID uuid.UUID) error
}

// Archiver は公開済みスナップショットを外部に保存する（任意）
type Archiver interface {
	Archive(ctx context.Context, job *GenerationJob, result PublishResult) error
}
