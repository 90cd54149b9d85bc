package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jinford/skill-graph/internal/infra/postgres"
)

// ErrNoDatabase はデータベースを使わない構成でマイグレーションを要求した場合のエラー
var ErrNoDatabase = errors.New("マイグレーションには SKILLGRAPH_STORE=postgres が必要です")

// DBMigrateAction は未適用のマイグレーションを適用する
func (c *Commands) DBMigrateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := c.appContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	return migrate(ctx, appCtx, appCtx.Logger())
}

func migrate(ctx context.Context, appCtx *AppContext, logger *slog.Logger) error {
	db := appCtx.Container.Database()
	if db == nil {
		return ErrNoDatabase
	}

	applied, err := postgres.Migrate(ctx, db.Pool)
	if err != nil {
		return fmt.Errorf("マイグレーションに失敗しました: %w", err)
	}
	if len(applied) == 0 {
		logger.Info("適用するマイグレーションはありません")
		return nil
	}
	logger.Info("マイグレーションを適用しました", "files", applied)
	return nil
}
