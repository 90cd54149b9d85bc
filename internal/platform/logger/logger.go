package logger

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// Config はロガーの設定
type Config struct {
	Level  slog.Level
	Format string // "json" or "text"

	// Output は出力先。nil の場合は標準エラー出力（標準出力は CLI の結果表示に使う）
	Output io.Writer
}

// New は新しいロガーを作成し、デフォルトロガーとして設定します
func New(cfg Config) *slog.Logger {
	var handler slog.Handler

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.Level <= slog.LevelDebug,
		ReplaceAttr: replaceAttr,
	}

	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default: // "json"
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler).With("service", "skill-graph")
	slog.SetDefault(logger)

	return logger
}

// replaceAttr は所要時間をナノ秒の整数ではなく "1.5s" 形式で出力する
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		return slog.String(a.Key, a.Value.Duration().Round(time.Millisecond).String())
	}
	return a
}
