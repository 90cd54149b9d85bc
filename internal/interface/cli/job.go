package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/urfave/cli/v3"

	"github.com/jinford/skill-graph/internal/core/generation"
	"github.com/jinford/skill-graph/internal/platform/container"
)

// waitInterval は --wait 時にジョブの状態を確認する間隔
var waitInterval = 200 * time.Millisecond

// JobSubmitAction は生成ジョブを登録する
// --wait の場合はこのプロセスでワーカーを動かし、ジョブが終わるまで待つ
func (c *Commands) JobSubmitAction(ctx context.Context, cmd *cli.Command) error {
	title := strings.Join(cmd.Args().Slice(), " ")
	wait := cmd.Bool("wait")

	appCtx, err := c.appContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	cont := appCtx.Container
	if wait {
		if err := cont.StartWorkers(ctx, container.WithoutRecovery()); err != nil {
			return err
		}
		defer func() {
			if err := cont.StopWorkers(context.WithoutCancel(ctx)); err != nil {
				appCtx.Logger().Warn("ワーカーの停止に失敗しました", "error", err)
			}
		}()
	}

	var opts []generation.SubmitOption
	if backend := cmd.String("backend"); backend != "" {
		opts = append(opts, generation.WithBackend(backend))
	}
	job, err := cont.Service.Submit(ctx, title, opts...)
	if err != nil {
		return err
	}

	out := output(cmd)
	fmt.Fprintf(out, "ジョブID: %s\n", job.ID)
	if !wait {
		fmt.Fprintf(out, "ステータス: %s\n", job.Status)
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()
	done, err := waitForJob(waitCtx, cont.Service, job.ID)
	if err != nil {
		return err
	}
	printJob(out, done)
	if done.Status == generation.StatusFailed {
		return fmt.Errorf("ジョブが失敗しました: %s", mo.PointerToOption(done.Error).OrElse("unknown"))
	}
	return nil
}

// JobStatusAction はジョブの状態を表示する
func (c *Commands) JobStatusAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseJobID(cmd.String("id"))
	if err != nil {
		return err
	}

	appCtx, err := c.appContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	job, err := appCtx.Container.Service.GetStatus(ctx, id)
	if err != nil {
		return err
	}

	out := output(cmd)
	if cmd.Bool("json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}
	printJob(out, job)
	return nil
}

// JobPublishAction は完了したジョブのドラフトをカタログに公開する
func (c *Commands) JobPublishAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseJobID(cmd.String("id"))
	if err != nil {
		return err
	}

	params := generation.PublishParams{}
	if group := cmd.String("group"); group != "" {
		groupID, err := uuid.Parse(group)
		if err != nil {
			return fmt.Errorf("%w: invalid group id: %w", generation.ErrValidation, err)
		}
		params.GroupID = mo.Some(groupID)
	}

	appCtx, err := c.appContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, err := appCtx.Container.Service.Publish(ctx, id, params)
	if err != nil {
		return err
	}

	out := output(cmd)
	fmt.Fprintf(out, "公開ID: %s\n", result.PublishedID)
	fmt.Fprintf(out, "コース数: %d\n", result.CourseCount)
	fmt.Fprintf(out, "レッスン数: %d\n", result.LessonCount)
	return nil
}

func parseJobID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid job id: %w", generation.ErrValidation, err)
	}
	return id, nil
}

// waitForJob はジョブが COMPLETED または終端状態になるまで待つ
func waitForJob(ctx context.Context, svc *generation.Service, id uuid.UUID) (*generation.GenerationJob, error) {
	ticker := time.NewTicker(waitInterval)
	defer ticker.Stop()

	for {
		job, err := svc.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status == generation.StatusCompleted || job.Status.IsTerminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("ジョブ %s の完了を待てませんでした（%s）", id, job.Status)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printJob(w io.Writer, job *generation.GenerationJob) {
	fmt.Fprintf(w, "ジョブID: %s\n", job.ID)
	fmt.Fprintf(w, "職種: %s\n", job.JobTitle)
	fmt.Fprintf(w, "バックエンド: %s\n", job.Backend)
	fmt.Fprintf(w, "ステータス: %s\n", job.Status)
	if job.CurrentStep != nil {
		fmt.Fprintf(w, "ステップ: %s\n", *job.CurrentStep)
	}
	if job.Error != nil {
		fmt.Fprintf(w, "エラー: %s\n", *job.Error)
	}
	if job.PublishedID != nil {
		fmt.Fprintf(w, "公開ID: %s\n", *job.PublishedID)
	}
	if job.Draft == nil {
		return
	}

	fmt.Fprintf(w, "コース数: %d\n", len(job.Draft.Courses))
	for _, course := range job.Draft.Courses {
		fmt.Fprintf(w, "  - %s (SFIA %d, %.1fh, %d lessons)\n",
			course.Title, course.SFIALevel, course.EstimatedHours, len(course.Lessons))
	}
	for _, dep := range job.Draft.Dependencies {
		fmt.Fprintf(w, "  %s -> %s\n", dep.Prerequisite, dep.Dependent)
	}
}
