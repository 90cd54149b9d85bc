package openai

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenEncoding はトークン数の見積もりに使うエンコーディング
const tokenEncoding = "cl100k_base"

// tokenGuard はプロンプトの入力トークン数を検査する
// エンコーディングは初回使用時に読み込み、読み込めない場合は検査を行わない
type tokenGuard struct {
	limit  int
	logger *slog.Logger

	once     sync.Once
	encoding *tiktoken.Tiktoken
}

func newTokenGuard(limit int, logger *slog.Logger) *tokenGuard {
	return &tokenGuard{limit: limit, logger: logger}
}

// count はテキストのトークン数を返す。エンコーディングが使えない場合は -1
func (g *tokenGuard) count(text string) int {
	g.once.Do(func() {
		encoding, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			g.logger.Warn("tiktoken エンコーディングを読み込めないため入力トークン数の検査を無効にします", "error", err)
			return
		}
		g.encoding = encoding
	})
	if g.encoding == nil {
		return -1
	}
	return len(g.encoding.Encode(text, nil, nil))
}

func (g *tokenGuard) check(prompt string) error {
	if g == nil || g.limit <= 0 {
		return nil
	}
	n := g.count(prompt)
	if n > g.limit {
		return fmt.Errorf("%w: %d tokens (limit %d)", ErrPromptTooLarge, n, g.limit)
	}
	return nil
}
