package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jinford/skill-graph/internal/core/structured"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 60 * time.Second

	// MaxRetries はレート制限エラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff = 32 * time.Second

	// DefaultMaxInputTokens はプロンプトの最大トークン数
	DefaultMaxInputTokens = 100_000
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

	// ErrMaxRetriesExceeded は最大リトライ回数を超過した場合のエラー
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrPromptTooLarge はプロンプトが入力トークン上限を超えた場合のエラー
	ErrPromptTooLarge = errors.New("prompt exceeds input token limit")
)

// Backend は OpenAI Chat Completions を使った structured.Backend 実装
// 出力は JSON オブジェクトモードで要求する
type Backend struct {
	client      openai.Client
	model       string
	timeout     time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration
	tokens      *tokenGuard
	logger      *slog.Logger
}

type backendOptions struct {
	model          string
	baseURL        string
	timeout        time.Duration
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	maxInputTokens int
	logger         *slog.Logger
}

// BackendOption は Backend のオプション設定
type BackendOption func(*backendOptions)

// WithModel はモデル名を上書きする
func WithModel(model string) BackendOption {
	return func(o *backendOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithBaseURL は API のベースURLを上書きする（互換APIやテスト用）
func WithBaseURL(url string) BackendOption {
	return func(o *backendOptions) {
		o.baseURL = url
	}
}

// WithTimeout は1回の生成のタイムアウトを設定する
func WithTimeout(timeout time.Duration) BackendOption {
	return func(o *backendOptions) {
		o.timeout = timeout
	}
}

// WithBackoff はレート制限時の待機時間を設定する
func WithBackoff(base, maxWait time.Duration) BackendOption {
	return func(o *backendOptions) {
		o.baseBackoff = base
		o.maxBackoff = maxWait
	}
}

// WithMaxInputTokens は入力トークン上限を設定する。0 以下で検査しない
func WithMaxInputTokens(n int) BackendOption {
	return func(o *backendOptions) {
		o.maxInputTokens = n
	}
}

// WithBackendLogger はロガーを設定する
func WithBackendLogger(logger *slog.Logger) BackendOption {
	return func(o *backendOptions) {
		o.logger = logger
	}
}

// NewBackend は新しい Backend を作成する
func NewBackend(apiKey string, opts ...BackendOption) (*Backend, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := backendOptions{
		model:          DefaultModel,
		timeout:        DefaultTimeout,
		baseBackoff:    BaseBackoff,
		maxBackoff:     MaxBackoff,
		maxInputTokens: DefaultMaxInputTokens,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	// リトライは generateWithRetry で行うため SDK 側のリトライは無効にする
	requestOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if options.baseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(options.baseURL))
	}

	return &Backend{
		client:      openai.NewClient(requestOpts...),
		model:       options.model,
		timeout:     options.timeout,
		baseBackoff: options.baseBackoff,
		maxBackoff:  options.maxBackoff,
		tokens:      newTokenGuard(options.maxInputTokens, options.logger),
		logger:      options.logger,
	}, nil
}

// ModelName はモデル名を返す
func (b *Backend) ModelName() string {
	return b.model
}

// Complete はプロンプトに対する JSON テキストを返す
func (b *Backend) Complete(ctx context.Context, prompt string, opts structured.Options) (string, error) {
	if err := b.tokens.check(prompt); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.generateWithRetry(ctx, prompt, opts)
}

func (b *Backend) generateWithRetry(ctx context.Context, prompt string, opts structured.Options) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			backoffDuration := time.Duration(math.Pow(2, float64(attempt-1))) * b.baseBackoff
			if backoffDuration > b.maxBackoff {
				backoffDuration = b.maxBackoff
			}

			b.logger.Debug("レート制限のため待機します", "attempt", attempt, "backoff", backoffDuration)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoffDuration):
			}
		}

		params := openai.ChatCompletionNewParams{
			Model: shared.ChatModel(b.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(prompt),
			},
			Temperature: openai.Float(opts.Creativity),
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{
					Type: "json_object",
				},
			},
		}
		if opts.SizeBudget > 0 {
			params.MaxTokens = openai.Int(int64(opts.SizeBudget))
		}

		completion, err := b.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err

			if isRateLimitError(err) {
				continue
			}

			return "", fmt.Errorf("OpenAI API call failed: %w", err)
		}

		if len(completion.Choices) == 0 {
			return "", fmt.Errorf("no completion choices returned")
		}

		b.logger.Debug("OpenAI の生成が完了しました",
			"model", completion.Model,
			"total_tokens", completion.Usage.TotalTokens,
		)
		return completion.Choices[0].Message.Content, nil
	}

	return "", fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}

	return false
}

// インターフェース実装の確認
var _ structured.Backend = (*Backend)(nil)
