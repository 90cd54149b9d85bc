package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrSourceUnavailable はスキルソースから結果を得られなかったことを表す。集約処理の外へは伝播しない
var ErrSourceUnavailable = errors.New("skill source unavailable")

// Match はスキルソースの検索結果（職種・職業の候補）
type Match struct {
	ID    string
	Title string
}

// Source は職種名からスキル名を収集する外部ソース
type Source interface {
	// Name はログ・メトリクス用のソース名
	Name() string

	// Search はキーワードに一致する候補を返す（空でもよい）
	Search(ctx context.Context, keyword string) ([]Match, error)

	// FetchSkillNames は候補に紐づくスキル名を返す（空でもよい）
	FetchSkillNames(ctx context.Context, matchID string) ([]string, error)
}

// FailureRecorder はソース失敗の記録先（メトリクスなど）
type FailureRecorder interface {
	RecordSourceFailure(source string)
}

// DefaultMaxMatchesPerSource は1ソースあたりにスキルを取得する候補数の既定値
const DefaultMaxMatchesPerSource = 3

// Aggregator は複数のスキルソースからベストエフォートでスキル名を集める
type Aggregator struct {
	sources    []Source
	maxMatches int
	recorder   FailureRecorder
	logger     *slog.Logger
}

type aggregatorOptions struct {
	maxMatches int
	recorder   FailureRecorder
	logger     *slog.Logger
}

// AggregatorOption は Aggregator のオプション設定
type AggregatorOption func(*aggregatorOptions)

// WithAggregatorLogger はロガーを設定する
func WithAggregatorLogger(logger *slog.Logger) AggregatorOption {
	return func(o *aggregatorOptions) {
		o.logger = logger
	}
}

// WithMaxMatchesPerSource は1ソースあたりの候補数を設定する
func WithMaxMatchesPerSource(n int) AggregatorOption {
	return func(o *aggregatorOptions) {
		o.maxMatches = n
	}
}

// WithFailureRecorder はソース失敗の記録先を設定する
func WithFailureRecorder(r FailureRecorder) AggregatorOption {
	return func(o *aggregatorOptions) {
		o.recorder = r
	}
}

// NewAggregator は新しい Aggregator を作成する。sources の順序が結果の順序になる
func NewAggregator(sources []Source, opts ...AggregatorOption) *Aggregator {
	options := aggregatorOptions{
		maxMatches: DefaultMaxMatchesPerSource,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.maxMatches <= 0 {
		options.maxMatches = DefaultMaxMatchesPerSource
	}

	return &Aggregator{
		sources:    sources,
		maxMatches: options.maxMatches,
		recorder:   options.recorder,
		logger:     options.logger,
	}
}

// Aggregate は全ソースを並行に呼び出し、重複を除いたスキル名を返す
// 失敗したソースは無視され、結果が空の場合は jobTitle 自体を唯一の要素として返す
func (a *Aggregator) Aggregate(ctx context.Context, jobTitle string) []string {
	perSource := make([][]string, len(a.sources))

	var g errgroup.Group
	for i, src := range a.sources {
		g.Go(func() error {
			names, err := a.collect(ctx, src, jobTitle)
			if err != nil {
				a.logger.Warn("スキルソースの取得に失敗しました",
					"source", src.Name(),
					"job_title", jobTitle,
					"error", err,
				)
				if a.recorder != nil {
					a.recorder.RecordSourceFailure(src.Name())
				}
				return nil
			}
			perSource[i] = names
			return nil
		})
	}
	// 各ゴルーチンは常に nil を返す
	_ = g.Wait()

	return Merge(jobTitle, perSource...)
}

// collect は1ソース分のスキル名を取得する。panic も失敗として扱う
func (a *Aggregator) collect(ctx context.Context, src Source, jobTitle string) (names []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			names = nil
			err = fmt.Errorf("%w: %s panicked: %v", ErrSourceUnavailable, src.Name(), r)
		}
	}()

	matches, err := src.Search(ctx, jobTitle)
	if err != nil {
		return nil, fmt.Errorf("%w: %s search: %v", ErrSourceUnavailable, src.Name(), err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s returned no matches", ErrSourceUnavailable, src.Name())
	}
	if len(matches) > a.maxMatches {
		matches = matches[:a.maxMatches]
	}

	for _, m := range matches {
		fetched, err := src.FetchSkillNames(ctx, m.ID)
		if err != nil {
			a.logger.Debug("スキル名の取得に失敗しました", "source", src.Name(), "match_id", m.ID, "error", err)
			continue
		}
		names = append(names, fetched...)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s returned no skills", ErrSourceUnavailable, src.Name())
	}
	return names, nil
}

// Merge は結果を連結し、完全一致（大文字小文字を区別）で初出順に重複を除く
// 空白のみの名前は除外し、結果が空なら fallback を唯一の要素とする
func Merge(fallback string, lists ...[]string) []string {
	seen := make(map[string]bool)
	merged := make([]string, 0)
	for _, list := range lists {
		for _, name := range list {
			if strings.TrimSpace(name) == "" || seen[name] {
				continue
			}
			seen[name] = true
			merged = append(merged, name)
		}
	}

	if len(merged) == 0 {
		return []string{fallback}
	}
	return merged
}
