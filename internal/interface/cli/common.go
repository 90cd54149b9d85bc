package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jinford/skill-graph/internal/platform/container"
	"github.com/jinford/skill-graph/internal/platform/logger"
	"github.com/jinford/skill-graph/pkg/config"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config    *config.Config
	Container *container.Container
}

// NewAppContext は設定ファイルを読み込み、コンテナを作成して AppContext を返す
func NewAppContext(ctx context.Context, envFile string, opts ...container.ContainerOption) (*AppContext, error) {
	// 設定の読み込み
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	// ロガーの初期化
	appLogger := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	// コンテナの初期化（呼び出し元の指定を優先する）
	base := []container.ContainerOption{container.WithContainerLogger(appLogger)}
	cont, err := container.New(ctx, cfg, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	return &AppContext{
		Config:    cfg,
		Container: cont,
	}, nil
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.Container != nil {
		ac.Container.Close()
	}
}

// Logger はAppContextのロガーを返す
func (ac *AppContext) Logger() *slog.Logger {
	if ac.Container != nil {
		return ac.Container.Logger()
	}
	return slog.Default()
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

// output は結果の出力先。ログは標準エラー出力に出る
func output(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}
