// Package cli は skill-graph のコマンドラインインターフェースを提供する
package cli

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jinford/skill-graph/internal/platform/container"
)

// Commands はコマンドごとのアクションを束ねる
// コンテナのオプションはすべてのアクションで AppContext の生成時に渡される
type Commands struct {
	containerOpts []container.ContainerOption
}

// NewCommands は新しい Commands を作成する
func NewCommands(opts ...container.ContainerOption) *Commands {
	return &Commands{containerOpts: opts}
}

func (c *Commands) appContext(ctx context.Context, cmd *cli.Command) (*AppContext, error) {
	return NewAppContext(ctx, cmd.String("env"), c.containerOpts...)
}

// NewApp はルートコマンドを構築する
func NewApp(opts ...container.ContainerOption) *cli.Command {
	c := NewCommands(opts...)

	return &cli.Command{
		Name:  "skill-graph",
		Usage: "職種名からカリキュラムグラフを生成するパイプライン",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "サーバ関連コマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "HTTPサーバとワーカーを起動",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "addr",
								Usage: "待ち受けアドレス（省略時は SERVER_ADDR）",
							},
							&cli.BoolFlag{
								Name:  "migrate",
								Usage: "起動前にマイグレーションを適用",
							},
						},
						Action: c.ServerStartAction,
					},
				},
			},
			{
				Name:  "job",
				Usage: "生成ジョブ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:      "submit",
						Usage:     "生成ジョブを登録",
						ArgsUsage: "<職種名>",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "backend",
								Usage: "生成バックエンド名（省略時は既定）",
							},
							&cli.BoolFlag{
								Name:  "wait",
								Usage: "このプロセスでジョブを実行し、終了まで待つ",
							},
							&cli.DurationFlag{
								Name:  "timeout",
								Usage: "--wait 時の待ち時間の上限",
								Value: 10 * time.Minute,
							},
						},
						Action: c.JobSubmitAction,
					},
					{
						Name:  "status",
						Usage: "ジョブの状態を表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "ジョブID",
								Required: true,
							},
							&cli.BoolFlag{
								Name:  "json",
								Usage: "ジョブ全体を JSON で出力",
							},
						},
						Action: c.JobStatusAction,
					},
					{
						Name:  "publish",
						Usage: "完了したジョブのドラフトをカタログに公開",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "ジョブID",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "group",
								Usage: "公開先のカタロググループID（省略時は既定グループ）",
							},
						},
						Action: c.JobPublishAction,
					},
				},
			},
			{
				Name:  "db",
				Usage: "データベース管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "migrate",
						Usage:  "マイグレーションを適用",
						Flags:  []cli.Flag{envFlag()},
						Action: c.DBMigrateAction,
					},
				},
			},
		},
	}
}
