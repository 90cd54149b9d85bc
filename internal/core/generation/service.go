package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jinford/skill-graph/internal/core/curriculum"
	"github.com/jinford/skill-graph/internal/core/structured"
)

// MaxJobTitleLength は職種名の最大文字数
const MaxJobTitleLength = 200

// SkillAggregator は RESEARCH ステップのスキル収集
type SkillAggregator interface {
	Aggregate(ctx context.Context, jobTitle string) []string
}

// Metrics はパイプラインの計測先
type Metrics interface {
	ObserveStep(step Step, duration time.Duration, err error)
	ObserveJob(status Status)
}

type noopMetrics struct{}

func (noopMetrics) ObserveStep(Step, time.Duration, error) {}
func (noopMetrics) ObserveJob(Status)                      {}

// Service はカリキュラム生成ジョブのオーケストレーター
type Service struct {
	repo       Repository
	dispatcher Dispatcher
	aggregator SkillAggregator
	registry   *structured.Registry
	archiver   Archiver
	metrics    Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*Service)

// WithServiceLogger は Service にロガーを設定する
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithArchiver は公開後のスナップショット保存先を設定する
func WithArchiver(a Archiver) ServiceOption {
	return func(s *Service) {
		s.archiver = a
	}
}

// WithMetrics は計測先を設定する
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService は新しい Service を作成する
func NewService(
	repo Repository,
	dispatcher Dispatcher,
	aggregator SkillAggregator,
	registry *structured.Registry,
	opts ...ServiceOption,
) *Service {
	svc := &Service{
		repo:       repo,
		dispatcher: dispatcher,
		aggregator: aggregator,
		registry:   registry,
		metrics:    noopMetrics{},
		logger:     slog.Default(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	if svc.metrics == nil {
		svc.metrics = noopMetrics{}
	}

	return svc
}

type submitOptions struct {
	backend string
}

// SubmitOption は Submit のオプション設定
type SubmitOption func(*submitOptions)

// WithBackend はジョブで使う生成バックエンドを指定する
func WithBackend(name string) SubmitOption {
	return func(o *submitOptions) {
		o.backend = name
	}
}

// Submit はジョブを PENDING で登録し、実行をディスパッチして即座に返す
func (s *Service) Submit(ctx context.Context, jobTitle string, opts ...SubmitOption) (*GenerationJob, error) {
	options := submitOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	title := strings.TrimSpace(jobTitle)
	if title == "" {
		return nil, fmt.Errorf("%w: jobTitle is required", ErrValidation)
	}
	if utf8.RuneCountInString(title) > MaxJobTitleLength {
		return nil, fmt.Errorf("%w: jobTitle must be at most %d characters", ErrValidation, MaxJobTitleLength)
	}

	backend := options.backend
	if backend == "" {
		backend = s.registry.Default()
	}
	if _, err := s.registry.Resolve(backend); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := s.now()
	job := &GenerationJob{
		ID:        uuid.New(),
		JobTitle:  title,
		Backend:   backend,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		s.logger.Error("ジョブのディスパッチに失敗しました", "job_id", job.ID, "error", err)
		s.markFailed(ctx, job, fmt.Sprintf("dispatch failed: %v", err))
		return job, nil
	}

	s.logger.Info("ジョブを登録しました", "job_id", job.ID, "job_title", job.JobTitle, "backend", job.Backend)
	return job, nil
}

// GetStatus はジョブを返す
func (s *Service) GetStatus(ctx context.Context, jobID uuid.UUID) (*GenerationJob, error) {
	return s.loadJob(ctx, jobID)
}

// CuratorEdit は COMPLETED のドラフトのコース（と任意で前提関係）を置き換える
// 前提関係は新しいコースタイトルに対して再検証され、状態は COMPLETED のまま
func (s *Service) CuratorEdit(ctx context.Context, jobID uuid.UUID, params EditParams) (*curriculum.MapData, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusCompleted || job.Draft == nil {
		return nil, fmt.Errorf("%w: job %s is %s", ErrStateConflict, job.ID, job.Status)
	}

	courses, err := normalizeEditedCourses(params.Courses)
	if err != nil {
		return nil, err
	}

	deps := params.Dependencies.OrElse(job.Draft.Dependencies)
	kept, report := curriculum.Validate(curriculum.Titles(courses), deps)

	draft := *job.Draft
	draft.Courses = courses
	draft.Dependencies = kept
	draft.Refresh()

	job.Draft = &draft
	job.UpdatedAt = s.now()
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}

	s.logger.Info("ドラフトを更新しました",
		"job_id", job.ID,
		"course_count", draft.Counts.CourseCount,
		"dependency_count", len(kept),
		"filtered_edges", len(report.Filtered),
		"removed_edges", len(report.Removed),
	)
	return &draft, nil
}

// normalizeEditedCourses は編集されたコースを検証し、nil のスライスを空スライスに揃える
func normalizeEditedCourses(in []curriculum.Course) ([]curriculum.Course, error) {
	seen := make(map[string]bool, len(in))
	out := make([]curriculum.Course, 0, len(in))
	for _, c := range in {
		c.Title = strings.TrimSpace(c.Title)
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if seen[c.Title] {
			return nil, fmt.Errorf("%w: duplicate course title %q", ErrValidation, c.Title)
		}
		seen[c.Title] = true

		if c.Lessons == nil {
			c.Lessons = []curriculum.Lesson{}
		}
		for i := range c.Lessons {
			if c.Lessons[i].Skills == nil {
				c.Lessons[i].Skills = []string{}
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// Recover は起動時に PENDING のジョブを再ディスパッチし、PROCESSING のまま残ったジョブを FAILED にする
// 単一プロセスで動かす場合のみ使う
func (s *Service) Recover(ctx context.Context) error {
	interrupted, err := s.repo.ListJobsByStatus(ctx, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to list processing jobs: %w", err)
	}
	for _, job := range interrupted {
		s.logger.Warn("中断されたジョブを失敗として記録します", "job_id", job.ID)
		s.markFailed(ctx, job, "interrupted")
	}

	pending, err := s.repo.ListJobsByStatus(ctx, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}
	for _, job := range pending {
		if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
			s.logger.Error("ジョブの再ディスパッチに失敗しました", "job_id", job.ID, "error", err)
			s.markFailed(ctx, job, fmt.Sprintf("dispatch failed: %v", err))
		}
	}

	s.logger.Info("ジョブを復旧しました", "redispatched", len(pending), "interrupted", len(interrupted))
	return nil
}

func (s *Service) loadJob(ctx context.Context, jobID uuid.UUID) (*GenerationJob, error) {
	found, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	job, ok := found.Get()
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return job, nil
}

// markFailed はジョブを FAILED にする。呼び出し元のコンテキストがキャンセル済みでも書き込む
func (s *Service) markFailed(ctx context.Context, job *GenerationJob, message string) {
	now := s.now()
	job.Status = StatusFailed
	job.Error = &message
	job.Draft = nil
	job.UpdatedAt = now
	job.CompletedAt = &now

	if err := s.repo.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		if errors.Is(err, ErrStateConflict) {
			s.logger.Warn("ジョブは既に終端状態です", "job_id", job.ID, "error", err)
			return
		}
		s.logger.Error("ジョブの失敗状態を保存できませんでした", "job_id", job.ID, "error", err)
		return
	}
	s.metrics.ObserveJob(StatusFailed)
}
