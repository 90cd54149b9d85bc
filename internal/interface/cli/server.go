package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jinford/skill-graph/internal/interface/httpapi"
)

// ServerStartAction はHTTPサーバとワーカーを起動し、シグナルを受けるまで動かす
func (c *Commands) ServerStartAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := c.appContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	logger := appCtx.Logger()
	cont := appCtx.Container

	if cmd.Bool("migrate") {
		if err := migrate(ctx, appCtx, logger); err != nil {
			return err
		}
	}

	if err := cont.StartWorkers(ctx); err != nil {
		return err
	}

	addr := cmd.String("addr")
	if addr == "" {
		addr = appCtx.Config.Server.Addr
	}

	srv := httpapi.NewServer(cont.Service,
		httpapi.WithMetricsHandler(cont.Metrics.Handler()),
		httpapi.WithRequestObserver(cont.Metrics),
		httpapi.WithServerLogger(logger),
	)
	serveErr := httpapi.ListenAndServe(ctx, addr, srv.Router(), appCtx.Config.Server.ShutdownTimeout, logger)

	// HTTP を止めてから実行中のジョブを待つ
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appCtx.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := cont.StopWorkers(stopCtx); err != nil {
		logger.Warn("ワーカーの停止を待てませんでした", "error", err)
	}

	if serveErr != nil {
		return fmt.Errorf("HTTPサーバが異常終了しました: %w", serveErr)
	}
	logger.Info("サーバを停止しました")
	return nil
}
