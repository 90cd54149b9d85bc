package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/skill-graph/internal/core/curriculum"
)

// stepError は失敗したステップを保持する
type stepError struct {
	step Step
	err  error
}

func (e *stepError) Error() string {
	return fmt.Sprintf("%s: %v", e.step, e.err)
}

func (e *stepError) Unwrap() error {
	return e.err
}

// Execute はワーカーから呼ばれるジョブ実行のエントリポイント
// PENDING のジョブだけを実行する。PROCESSING で見つかったジョブは再開できないため FAILED にする
func (s *Service) Execute(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case StatusPending:
	case StatusProcessing:
		s.logger.Warn("実行中のまま残ったジョブを検出しました", "job_id", job.ID, "step", stepName(job.CurrentStep))
		s.markFailed(ctx, job, "interrupted")
		return nil
	default:
		s.logger.Debug("実行対象外のジョブです", "job_id", job.ID, "status", job.Status)
		return nil
	}

	job.Status = StatusProcessing
	job.UpdatedAt = s.now()
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}

	logger := s.logger.With("job_id", job.ID, "backend", job.Backend)
	logger.Info("パイプラインを開始します", "job_title", job.JobTitle)
	start := s.now()

	draft, err := s.runPipeline(ctx, job)
	if err != nil {
		step := stepName(job.CurrentStep)
		var se *stepError
		if errors.As(err, &se) {
			step = string(se.step)
		}
		logger.Error("パイプラインが失敗しました", "step", step, "error", err)
		s.markFailed(ctx, job, err.Error())
		return nil
	}

	now := s.now()
	job.Status = StatusCompleted
	job.CurrentStep = nil
	job.Draft = draft
	job.Error = nil
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		logger.Error("ドラフトを保存できませんでした", "error", err)
		s.markFailed(ctx, job, fmt.Sprintf("failed to save draft: %v", err))
		return nil
	}
	s.metrics.ObserveJob(StatusCompleted)

	logger.Info("パイプラインが完了しました",
		"course_count", draft.Counts.CourseCount,
		"lesson_count", draft.Counts.LessonCount,
		"dependency_count", len(draft.Dependencies),
		"duration", now.Sub(start),
	)
	return nil
}

// runPipeline は全ステップを順に実行し、ドラフトを組み立てる
// ドラフトは全ステップ成功時にのみ返される
func (s *Service) runPipeline(ctx context.Context, job *GenerationJob) (*curriculum.MapData, error) {
	gen, err := s.registry.Resolve(job.Backend)
	if err != nil {
		return nil, &stepError{step: StepResearch, err: err}
	}

	var (
		raw        []RawSkill
		skills     []NormalizedSkill
		clustered  []ClusteredCourse
		graded     []GradedCourse
		candidates []curriculum.Dependency
		kept       []curriculum.Dependency
	)

	steps := []struct {
		step Step
		run  func() error
	}{
		{StepResearch, func() error {
			for _, name := range s.aggregator.Aggregate(ctx, job.JobTitle) {
				raw = append(raw, RawSkill(name))
			}
			return nil
		}},
		{StepNormalize, func() (err error) {
			skills, err = Normalize(ctx, gen, job.JobTitle, raw)
			return err
		}},
		{StepCluster, func() (err error) {
			clustered, err = Cluster(ctx, gen, job.JobTitle, skills)
			return err
		}},
		{StepGrade, func() (err error) {
			graded, err = Grade(ctx, gen, job.JobTitle, clustered)
			return err
		}},
		{StepMapDependencies, func() (err error) {
			candidates, err = MapDependencies(ctx, gen, job.JobTitle, graded)
			return err
		}},
		{StepValidate, func() error {
			titles := make([]string, 0, len(graded))
			for _, g := range graded {
				titles = append(titles, g.Title)
			}
			var report curriculum.ValidationReport
			kept, report = curriculum.Validate(titles, candidates)
			s.logger.Info("前提関係を検証しました",
				"job_id", job.ID,
				"proposed", report.Proposed,
				"filtered", len(report.Filtered),
				"removed", len(report.Removed),
			)
			return nil
		}},
	}

	for _, st := range steps {
		if err := s.enterStep(ctx, job, st.step); err != nil {
			return nil, &stepError{step: st.step, err: err}
		}

		start := time.Now()
		err := st.run()
		s.metrics.ObserveStep(st.step, time.Since(start), err)
		if err != nil {
			return nil, &stepError{step: st.step, err: err}
		}
	}

	courses := make([]curriculum.Course, 0, len(graded))
	for _, g := range graded {
		courses = append(courses, g.ToCourse())
	}

	draft := &curriculum.MapData{
		JobTitle:     job.JobTitle,
		Courses:      courses,
		Dependencies: kept,
		Counts: curriculum.Counts{
			RawSkillCount:        len(raw),
			NormalizedSkillCount: len(skills),
		},
	}
	draft.Refresh()
	return draft, nil
}

// enterStep は実行中のステップを保存して外部から観測できるようにする
func (s *Service) enterStep(ctx context.Context, job *GenerationJob, step Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current := step
	job.CurrentStep = &current
	job.UpdatedAt = s.now()
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	s.logger.Debug("ステップを開始します", "job_id", job.ID, "step", step)
	return nil
}

func stepName(step *Step) string {
	if step == nil {
		return ""
	}
	return string(*step)
}

