package generation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/skill-graph/internal/core/curriculum"
	"github.com/samber/mo"
)

// Status はジョブの状態
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusPublished  Status = "PUBLISHED"
)

// IsTerminal は終端状態かを判定する
func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusPublished
}

// CanTransitionTo は状態遷移が許可されているかを判定する
// PENDING→FAILED はディスパッチ自体に失敗した場合のみ使われる
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted:
		return next == StatusCompleted || next == StatusPublished
	}
	return false
}

// CheckTransition は保存済みの状態 from のジョブを to で上書きできるかを検証する
// 同じ状態への書き込み（ステップの記録やキュレーター編集）は終端状態でなければ許可する
func CheckTransition(from, to Status) error {
	if from.IsTerminal() || (from != to && !from.CanTransitionTo(to)) {
		return fmt.Errorf("%w: %s -> %s", ErrStateConflict, from, to)
	}
	return nil
}

// Step はパイプラインのステップ
type Step string

const (
	StepResearch        Step = "RESEARCH"
	StepNormalize       Step = "NORMALIZE"
	StepCluster         Step = "CLUSTER"
	StepGrade           Step = "GRADE"
	StepMapDependencies Step = "MAP_DEPENDENCIES"
	StepValidate        Step = "VALIDATE"
)

// Steps はパイプラインの実行順
var Steps = []Step{StepResearch, StepNormalize, StepCluster, StepGrade, StepMapDependencies, StepValidate}

// GenerationJob は職種名からカリキュラムを生成するジョブ
type GenerationJob struct {
	ID          uuid.UUID           `json:"id"`
	JobTitle    string              `json:"jobTitle"`
	Backend     string              `json:"backend"`
	Status      Status              `json:"status"`
	CurrentStep *Step               `json:"currentStep"`
	Draft       *curriculum.MapData `json:"draft"`
	Error       *string             `json:"error"`
	PublishedID *uuid.UUID          `json:"publishedId"`
	PublishedAt *time.Time          `json:"publishedAt,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}

// IsPublished は公開済みかを判定する
func (j *GenerationJob) IsPublished() bool {
	return j.PublishedID != nil
}

// CatalogGroup は公開カリキュラムをまとめるグループ
type CatalogGroup struct {
	ID        uuid.UUID
	Name      string
	IsDefault bool
	CreatedAt time.Time
}

// DefaultGroupName は groupId 省略時に使うグループ名
const DefaultGroupName = "Generated Curricula"

// EditParams はキュレーター編集の入力
type EditParams struct {
	Courses      []curriculum.Course
	Dependencies mo.Option[[]curriculum.Dependency]
}

// PublishParams は公開の入力
type PublishParams struct {
	GroupID mo.Option[uuid.UUID]
}

// PublishResult は公開の結果
type PublishResult struct {
	PublishedID uuid.UUID `json:"publishedId"`
	CourseCount int       `json:"courseCount"`
	LessonCount int       `json:"lessonCount"`
}

// === ステップ間で受け渡す型付きレコード ===

// RawSkill はスキルソースから集めた未加工のスキル名
type RawSkill string

// NormalizedSkill は Normalize の出力
type NormalizedSkill struct {
	Label       string              `json:"label"`
	Description string              `json:"description"`
	Category    curriculum.Category `json:"category"`
}

// ClusteredLesson は Cluster が出力するレッスン
type ClusteredLesson struct {
	Title       string   `json:"title"`
	TitleTh     string   `json:"titleTh"`
	Description string   `json:"description"`
	Skills      []string `json:"skills"`
}

// ClusteredCourse は Cluster の出力
type ClusteredCourse struct {
	Title       string              `json:"title"`
	TitleTh     string              `json:"titleTh"`
	Description string              `json:"description"`
	Category    curriculum.Category `json:"category"`
	Shareable   bool                `json:"shareable"`
	Lessons     []ClusteredLesson   `json:"lessons"`
}

// GradedCourse は Grade の出力
type GradedCourse struct {
	ClusteredCourse
	SFIALevel      int
	EstimatedHours float64
}

// ToCourse はドラフト用の Course に変換する
func (g GradedCourse) ToCourse() curriculum.Course {
	lessons := make([]curriculum.Lesson, 0, len(g.Lessons))
	for _, l := range g.Lessons {
		skills := l.Skills
		if skills == nil {
			skills = []string{}
		}
		lessons = append(lessons, curriculum.Lesson{
			Title:       l.Title,
			TitleTh:     l.TitleTh,
			Description: l.Description,
			Skills:      skills,
		})
	}
	return curriculum.Course{
		Title:          g.Title,
		TitleTh:        g.TitleTh,
		Description:    g.Description,
		Category:       g.Category,
		SFIALevel:      g.SFIALevel,
		EstimatedHours: g.EstimatedHours,
		Shareable:      g.Shareable,
		Lessons:        lessons,
	}
}
