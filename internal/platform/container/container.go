package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jinford/skill-graph/internal/core/generation"
	"github.com/jinford/skill-graph/internal/core/skill"
	"github.com/jinford/skill-graph/internal/core/structured"
	"github.com/jinford/skill-graph/internal/infra/memory"
	"github.com/jinford/skill-graph/internal/infra/openai"
	"github.com/jinford/skill-graph/internal/infra/postgres"
	"github.com/jinford/skill-graph/internal/infra/queue"
	"github.com/jinford/skill-graph/internal/infra/s3archive"
	"github.com/jinford/skill-graph/internal/infra/skillsource"
	"github.com/jinford/skill-graph/internal/platform/database"
	"github.com/jinford/skill-graph/internal/platform/telemetry"
	"github.com/jinford/skill-graph/pkg/config"
)

// DefaultBackendName は OPENAI_MODEL で構成される既定のバックエンド名
const DefaultBackendName = "openai"

// Container はアプリケーションの依存関係を保持する
type Container struct {
	Service    *generation.Service
	Repository generation.Repository
	Registry   *structured.Registry
	Metrics    *telemetry.Metrics

	// Pool と Queue はどちらか一方のみ設定される
	Pool  *queue.WorkerPool
	Queue *queue.RedisQueue

	logger *slog.Logger
	db     *database.DB
	redis  *redis.Client

	workers      int
	cancelWorker context.CancelFunc
}

type containerOptions struct {
	logger     *slog.Logger
	registry   *structured.Registry
	repository generation.Repository
	sources    []skill.Source
	archiver   generation.Archiver
	redis      *redis.Client
}

// ContainerOption は Container 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerRegistry は構造化生成バックエンドのレジストリを差し替える
func WithContainerRegistry(registry *structured.Registry) ContainerOption {
	return func(opts *containerOptions) {
		opts.registry = registry
	}
}

// WithContainerRepository はリポジトリを差し替える。指定時はデータベースに接続しない
func WithContainerRepository(repo generation.Repository) ContainerOption {
	return func(opts *containerOptions) {
		opts.repository = repo
	}
}

// WithContainerSources はスキルソースを差し替える
func WithContainerSources(sources []skill.Source) ContainerOption {
	return func(opts *containerOptions) {
		opts.sources = sources
	}
}

// WithContainerArchiver はスナップショットの保存先を差し替える
func WithContainerArchiver(a generation.Archiver) ContainerOption {
	return func(opts *containerOptions) {
		opts.archiver = a
	}
}

// WithContainerRedisClient は Redis クライアントを差し替える
func WithContainerRedisClient(client *redis.Client) ContainerOption {
	return func(opts *containerOptions) {
		opts.redis = client
	}
}

// New は設定からコンテナを生成する
func New(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (_ *Container, err error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	c := &Container{
		Metrics: telemetry.NewMetrics(),
		logger:  options.logger,
		workers: cfg.Queue.Workers,
	}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	// Repository
	c.Repository = options.repository
	if c.Repository == nil {
		c.Repository, err = c.newRepository(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	// Registry (OpenAI)
	c.Registry = options.registry
	if c.Registry == nil {
		c.Registry, err = newRegistry(cfg.OpenAI, options.logger)
		if err != nil {
			return nil, fmt.Errorf("構造化生成バックエンドの初期化に失敗しました: %w", err)
		}
	}

	// Skill sources
	sources := options.sources
	if sources == nil {
		sources, err = newSources(cfg.Sources, c.Registry, options.logger)
		if err != nil {
			return nil, err
		}
	}
	aggregator := skill.NewAggregator(sources,
		skill.WithMaxMatchesPerSource(cfg.Sources.MaxMatches),
		skill.WithFailureRecorder(c.Metrics),
		skill.WithAggregatorLogger(options.logger),
	)

	// Dispatcher
	var dispatcher generation.Dispatcher
	switch cfg.Queue.Backend {
	case config.QueueRedis:
		c.redis = options.redis
		if c.redis == nil {
			c.redis = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
		}
		c.Queue = queue.NewRedisQueue(c.redis,
			queue.WithKeyPrefix(cfg.Redis.KeyPrefix),
			queue.WithVisibilityTimeout(cfg.Queue.VisibilityTimeout),
			queue.WithPollInterval(cfg.Queue.PollInterval),
			queue.WithQueueLogger(options.logger),
		)
		c.Metrics.RegisterQueueDepth(config.QueueRedis, func() float64 {
			n, err := c.Queue.Depth(context.Background())
			if err != nil {
				return 0
			}
			return float64(n)
		})
		dispatcher = c.Queue
	default:
		c.Pool = queue.NewWorkerPool(cfg.Queue.Workers,
			queue.WithBacklog(cfg.Queue.Backlog),
			queue.WithPoolLogger(options.logger),
		)
		c.Metrics.RegisterQueueDepth(config.QueuePool, func() float64 {
			return float64(c.Pool.Depth())
		})
		dispatcher = c.Pool
	}

	// Archiver (S3)
	archiver := options.archiver
	if archiver == nil && cfg.Archive.Bucket != "" {
		client, err := s3archive.NewClient(ctx, s3archive.ClientParams{
			Region:    cfg.Archive.Region,
			Endpoint:  cfg.Archive.Endpoint,
			PathStyle: cfg.Archive.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("S3 クライアントの初期化に失敗しました: %w", err)
		}
		archiver = s3archive.NewArchiver(client, cfg.Archive.Bucket,
			s3archive.WithPrefix(cfg.Archive.Prefix),
			s3archive.WithArchiverLogger(options.logger),
		)
	}

	serviceOpts := []generation.ServiceOption{
		generation.WithServiceLogger(options.logger),
		generation.WithMetrics(c.Metrics),
	}
	if archiver != nil {
		serviceOpts = append(serviceOpts, generation.WithArchiver(archiver))
	}
	c.Service = generation.NewService(c.Repository, dispatcher, aggregator, c.Registry, serviceOpts...)

	return c, nil
}

func (c *Container) newRepository(ctx context.Context, cfg *config.Config) (generation.Repository, error) {
	if cfg.Store == config.StoreMemory {
		c.logger.Warn("インメモリストアを使用します。プロセス終了時にデータは失われます")
		return memory.NewStore(), nil
	}

	db, err := database.Connect(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}
	c.db = db
	return postgres.NewRepository(db.Pool), nil
}

// newRegistry は OpenAI のモデルごとにバックエンドを登録する
func newRegistry(cfg config.OpenAIConfig, logger *slog.Logger) (*structured.Registry, error) {
	models := map[string]string{DefaultBackendName: cfg.Model}
	for name, model := range cfg.ExtraModels {
		models[name] = model
	}

	generators := make(map[string]structured.Generator, len(models))
	for name, model := range models {
		backend, err := openai.NewBackend(cfg.APIKey,
			openai.WithModel(model),
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithTimeout(cfg.Timeout),
			openai.WithMaxInputTokens(cfg.MaxInputTokens),
			openai.WithBackendLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
		generators[name] = structured.NewClient(name, backend, structured.WithClientLogger(logger))
	}
	return structured.NewRegistry(DefaultBackendName, generators)
}

// newSources は設定されたスキルソースを優先順に並べる
func newSources(cfg config.SourcesConfig, registry *structured.Registry, logger *slog.Logger) ([]skill.Source, error) {
	sources := make([]skill.Source, 0, 3)

	if cfg.HTTPURL != "" {
		sources = append(sources, skillsource.NewHTTPSource(cfg.HTTPName, cfg.HTTPURL,
			skillsource.WithAPIKey(cfg.HTTPAPIKey),
			skillsource.WithHTTPSourceLogger(logger),
		))
	}
	if cfg.CatalogPath != "" {
		catalog, err := skillsource.LoadCatalog("catalog", cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		sources = append(sources, catalog)
	}
	if cfg.Generated {
		gen, err := registry.Resolve("")
		if err != nil {
			return nil, err
		}
		sources = append(sources, skillsource.NewGeneratedSource("suggested", gen, cfg.SuggestedLimit))
	}

	if len(sources) == 0 {
		logger.Warn("スキルソースが設定されていません。職種名のみで生成します")
	}
	return sources, nil
}

// Database はデータベースを返す。インメモリストアの場合は nil
func (c *Container) Database() *database.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Logger はロガーを返す
func (c *Container) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Close は内部リソースを解放する
func (c *Container) Close() {
	if c == nil {
		return
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			c.Logger().Warn("Redis クライアントのクローズに失敗しました", "error", err)
		}
	}
	if c.db != nil {
		c.db.Close()
	}
}

// forceStopGrace は打ち切り後にワーカーの終了を待つ時間
const forceStopGrace = 5 * time.Second

type startOptions struct {
	recover bool
}

// StartOption は StartWorkers のオプション
type StartOption func(*startOptions)

// WithoutRecovery は起動時の回復を行わない。CLI から一時的にワーカーを動かす場合に使う
func WithoutRecovery() StartOption {
	return func(o *startOptions) {
		o.recover = false
	}
}

// StartWorkers はジョブの実行を開始する
// ワーカーは ctx のキャンセルを引き継がず、StopWorkers まで動き続ける
// ワーカープールの場合は起動時に前回プロセスの取り残しを回復する。Redis キューでは
// 実行中のジョブが別プロセスに属する可能性があるため回復しない
func (c *Container) StartWorkers(ctx context.Context, opts ...StartOption) error {
	options := startOptions{recover: true}
	for _, opt := range opts {
		opt(&options)
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelWorker = cancel

	if c.Queue != nil {
		c.Queue.Start(workerCtx, c.workers, c.Service.Execute)
		return nil
	}

	c.Pool.Start(workerCtx, c.Service.Execute)
	if !options.recover {
		return nil
	}
	if err := c.Service.Recover(ctx); err != nil {
		return fmt.Errorf("ジョブの回復に失敗しました: %w", err)
	}
	return nil
}

// StopWorkers は新しいジョブの受け付けを止め、実行中のジョブの完了を ctx が終わるまで待つ
// 待ちきれなかった場合は実行中のジョブを打ち切り、終了を待ってから ctx のエラーを返す
func (c *Container) StopWorkers(ctx context.Context) error {
	cancel := c.cancelWorker
	if cancel == nil {
		cancel = func() {}
	}
	defer cancel()

	err := c.shutdownWorkers(ctx)
	if err == nil {
		return nil
	}

	c.Logger().Warn("実行中のジョブを打ち切ります", "error", err)
	cancel()
	graceCtx, stop := context.WithTimeout(context.Background(), forceStopGrace)
	defer stop()
	if waitErr := c.shutdownWorkers(graceCtx); waitErr != nil {
		c.Logger().Error("ワーカーが終了しませんでした", "error", waitErr)
	}
	return err
}

func (c *Container) shutdownWorkers(ctx context.Context) error {
	switch {
	case c.Pool != nil:
		return c.Pool.Shutdown(ctx)
	case c.Queue != nil:
		return c.Queue.Shutdown(ctx)
	}
	return nil
}
