package structured

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Options は生成ごとのパラメータ
type Options struct {
	// Creativity は生成の多様性 (0.0-2.0)。バックエンドの temperature に対応する
	Creativity float64

	// SizeBudget は出力の最大トークン数
	SizeBudget int
}

// Request は構造化生成のリクエスト
type Request struct {
	// Name はログ・メトリクス用のステップ名
	Name string

	// Instruction はステップが所有する指示文（職種名と中間データを含む）
	Instruction string

	// Schema は出力が満たすべきスキーマ
	Schema *Schema

	Options Options
}

// Generator は指示文とスキーマからスキーマ適合値を生成する
type Generator interface {
	Generate(ctx context.Context, req Request) (json.RawMessage, error)
}

// Backend は生のテキストを返す生成バックエンド（OpenAI など）
type Backend interface {
	// Complete はプロンプトに対する応答テキストを返す。出力は JSON オブジェクトであることを要求する
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// BackendFunc は関数を Backend として扱うアダプタ
type BackendFunc func(ctx context.Context, prompt string, opts Options) (string, error)

func (f BackendFunc) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}

// Client は Backend の出力をスキーマで検証する Generator 実装
type Client struct {
	name    string
	backend Backend
	logger  *slog.Logger
}

type clientOptions struct {
	logger *slog.Logger
}

// ClientOption は Client のオプション設定
type ClientOption func(*clientOptions)

// WithClientLogger は Client にロガーを設定する
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// NewClient は新しい Client を作成する
func NewClient(name string, backend Backend, opts ...ClientOption) *Client {
	options := clientOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	return &Client{
		name:    name,
		backend: backend,
		logger:  options.logger,
	}
}

// Name はバックエンド名を返す
func (c *Client) Name() string {
	return c.name
}

// Generate はバックエンドを呼び出し、スキーマで検証した JSON を返す
func (c *Client) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	if req.Schema == nil {
		return nil, fmt.Errorf("schema is required for %s", req.Name)
	}

	start := time.Now()
	raw, err := c.backend.Complete(ctx, buildPrompt(req), req.Options)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProvider, c.name, err)
	}

	value, err := req.Schema.Validate(raw)
	if err != nil {
		c.logger.Warn("構造化生成の出力がスキーマに適合しません",
			"backend", c.name,
			"request", req.Name,
			"error", err,
		)
		return nil, err
	}

	c.logger.Debug("構造化生成が完了しました",
		"backend", c.name,
		"request", req.Name,
		"duration", time.Since(start),
	)
	return value, nil
}

// buildPrompt は指示文に出力スキーマを付加する
func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Instruction))
	b.WriteString("\n\nRespond with a single JSON object that conforms to this JSON Schema. Do not add commentary.\n")
	b.WriteString(req.Schema.Document())
	return b.String()
}

// Decode は生成結果を型付きの値に変換する
func Decode[T any](ctx context.Context, gen Generator, req Request) (T, error) {
	var zero T
	raw, err := gen.Generate(ctx, req)
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrSchemaViolation, req.Name, err)
	}
	return out, nil
}

// Registry は名前付きの Generator を保持する。構築後は変更しない
type Registry struct {
	generators  map[string]Generator
	defaultName string
}

// NewRegistry は Registry を作成する。defaultName は generators に含まれている必要がある
func NewRegistry(defaultName string, generators map[string]Generator) (*Registry, error) {
	if _, ok := generators[defaultName]; !ok {
		return nil, fmt.Errorf("%w: default %q is not registered", ErrUnknownBackend, defaultName)
	}
	copied := make(map[string]Generator, len(generators))
	for k, v := range generators {
		copied[k] = v
	}
	return &Registry{generators: copied, defaultName: defaultName}, nil
}

// Default は既定のバックエンド名を返す
func (r *Registry) Default() string {
	return r.defaultName
}

// Resolve は名前から Generator を返す。空文字の場合は既定のバックエンド
func (r *Registry) Resolve(name string) (Generator, error) {
	if name == "" {
		name = r.defaultName
	}
	gen, ok := r.generators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return gen, nil
}

// Names は登録済みのバックエンド名を昇順で返す
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.generators))
	for name := range r.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
