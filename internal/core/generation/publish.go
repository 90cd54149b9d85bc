package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jinford/skill-graph/internal/core/curriculum"
)

// Publish は COMPLETED のドラフトを単一トランザクションでカタログに昇格させる
// 同じジョブに対して成功するのは一度だけ
func (s *Service) Publish(ctx context.Context, jobID uuid.UUID, params PublishParams) (*PublishResult, error) {
	// 1. トランザクション前の検証（NotFound → StateConflict → Validation → グループ）
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := checkPublishable(job); err != nil {
		return nil, err
	}

	group, err := s.resolveGroup(ctx, params)
	if err != nil {
		return nil, err
	}

	// 2. カタログの作成
	var result PublishResult
	err = s.repo.WithinTx(ctx, func(tx CatalogTx) error {
		found, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to lock job: %w", err)
		}
		locked, ok := found.Get()
		if !ok {
			return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		// ロック取得までに他のリクエストが公開・編集している可能性がある
		if err := checkPublishable(locked); err != nil {
			return err
		}

		r, err := materialize(ctx, tx, group.ID, locked)
		if err != nil {
			return err
		}
		if err := tx.MarkPublished(ctx, locked.ID, r.PublishedID, s.now()); err != nil {
			return fmt.Errorf("failed to mark job published: %w", err)
		}
		result = r
		job = locked
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to publish job %s: %w", jobID, err)
	}
	s.metrics.ObserveJob(StatusPublished)

	s.logger.Info("ドラフトを公開しました",
		"job_id", jobID,
		"published_id", result.PublishedID,
		"group_id", group.ID,
		"course_count", result.CourseCount,
		"lesson_count", result.LessonCount,
	)

	// 3. スナップショットの保存（失敗しても公開は取り消さない）
	if s.archiver != nil {
		published := *job
		publishedID := result.PublishedID
		published.Status = StatusPublished
		published.PublishedID = &publishedID
		if err := s.archiver.Archive(ctx, &published, result); err != nil {
			s.logger.Warn("公開スナップショットの保存に失敗しました", "job_id", jobID, "error", err)
		}
	}

	return &result, nil
}

func checkPublishable(job *GenerationJob) error {
	if job.Status != StatusCompleted || job.IsPublished() {
		return fmt.Errorf("%w: job %s is %s", ErrStateConflict, job.ID, job.Status)
	}
	if job.Draft == nil || len(job.Draft.Courses) == 0 {
		return fmt.Errorf("%w: draft has no courses", ErrValidation)
	}
	return nil
}

// resolveGroup は指定されたグループを返す。省略時は既定グループを取得または作成する
func (s *Service) resolveGroup(ctx context.Context, params PublishParams) (*CatalogGroup, error) {
	groupID, ok := params.GroupID.Get()
	if !ok {
		group, err := s.repo.EnsureDefaultGroup(ctx, DefaultGroupName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve default group: %w", err)
		}
		return group, nil
	}

	found, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	group, ok := found.Get()
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}
	return group, nil
}

// materialize はドラフトのコース・レッスン・前提関係を作成する
// 前提関係は両端が作成済みのコースに解決できるものだけを作り、自己参照と重複は無視する
func materialize(ctx context.Context, tx CatalogTx, groupID uuid.UUID, job *GenerationJob) (PublishResult, error) {
	draft := job.Draft

	entryID, err := tx.CreateCatalogEntry(ctx, groupID, job.ID, draft.JobTitle)
	if err != nil {
		return PublishResult{}, fmt.Errorf("failed to create catalog entry: %w", err)
	}

	ids := make(map[string]uuid.UUID, len(draft.Courses))
	lessonCount := 0
	for i, course := range draft.Courses {
		courseID, err := tx.CreateCourse(ctx, course)
		if err != nil {
			return PublishResult{}, fmt.Errorf("failed to create course %q: %w", course.Title, err)
		}
		for j, lesson := range course.Lessons {
			if _, err := tx.CreateLesson(ctx, courseID, j, lesson); err != nil {
				return PublishResult{}, fmt.Errorf("failed to create lesson %q: %w", lesson.Title, err)
			}
			lessonCount++
		}
		if err := tx.LinkCourse(ctx, entryID, courseID, i); err != nil {
			return PublishResult{}, fmt.Errorf("failed to link course %q: %w", course.Title, err)
		}
		if _, dup := ids[course.Title]; !dup {
			ids[course.Title] = courseID
		}
	}

	seen := make(map[curriculum.Dependency]bool, len(draft.Dependencies))
	for _, dep := range draft.Dependencies {
		if dep.Prerequisite == dep.Dependent || seen[dep] {
			continue
		}
		prereqID, ok1 := ids[dep.Prerequisite]
		dependentID, ok2 := ids[dep.Dependent]
		if !ok1 || !ok2 {
			continue
		}
		seen[dep] = true
		if err := tx.CreatePrerequisite(ctx, dependentID, prereqID); err != nil {
			return PublishResult{}, fmt.Errorf("failed to create prerequisite %s: %w", dep, err)
		}
	}

	return PublishResult{
		PublishedID: entryID,
		CourseCount: len(draft.Courses),
		LessonCount: lessonCount,
	}, nil
}
