package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultVisibilityTimeout はリースの有効期間の既定値
	DefaultVisibilityTimeout = 2 * time.Minute
	// DefaultPollInterval は空のキューを再確認する間隔の既定値
	DefaultPollInterval = time.Second
	// DefaultKeyPrefix は Redis キーの接頭辞の既定値
	DefaultKeyPrefix = "skillgraph:queue"

	requeueBatchSize = 100
)

// RedisQueue は Redis のリストとソート済みセットで実装したリース付きジョブキュー
// 複数プロセスのワーカーが同じキューを共有できる
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	visibilityTTL time.Duration
	pollInterval  time.Duration
	logger        *slog.Logger

	quit chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

type redisQueueOptions struct {
	prefix        string
	visibilityTTL time.Duration
	pollInterval  time.Duration
	logger        *slog.Logger
}

// RedisQueueOption は RedisQueue のオプション設定
type RedisQueueOption func(*redisQueueOptions)

// WithKeyPrefix はキーの接頭辞を設定する
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(o *redisQueueOptions) {
		o.prefix = prefix
	}
}

// WithVisibilityTimeout はリースの有効期間を設定する
func WithVisibilityTimeout(d time.Duration) RedisQueueOption {
	return func(o *redisQueueOptions) {
		o.visibilityTTL = d
	}
}

// WithPollInterval は空のキューを再確認する間隔を設定する
func WithPollInterval(d time.Duration) RedisQueueOption {
	return func(o *redisQueueOptions) {
		o.pollInterval = d
	}
}

// WithQueueLogger はロガーを設定する
func WithQueueLogger(logger *slog.Logger) RedisQueueOption {
	return func(o *redisQueueOptions) {
		o.logger = logger
	}
}

// NewRedisQueue は新しい RedisQueue を作成する
func NewRedisQueue(client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	options := redisQueueOptions{
		prefix:        DefaultKeyPrefix,
		visibilityTTL: DefaultVisibilityTimeout,
		pollInterval:  DefaultPollInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.visibilityTTL <= 0 {
		options.visibilityTTL = DefaultVisibilityTimeout
	}
	if options.pollInterval <= 0 {
		options.pollInterval = DefaultPollInterval
	}

	return &RedisQueue{
		client:        client,
		readyKey:      options.prefix + ":ready",
		inflightKey:   options.prefix + ":inflight",
		visibilityTTL: options.visibilityTTL,
		pollInterval:  options.pollInterval,
		logger:        options.logger,
		quit:          make(chan struct{}),
	}
}

// Dispatch はジョブを ready キューの末尾に積む
func (q *RedisQueue) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	if err := q.client.RPush(ctx, q.readyKey, jobID.String()).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return nil
}

// DequeueWithLease は ready キューの先頭を取り出し、リース付きで inflight に移す
// キューが空の場合は空文字を返す
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to dequeue: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease は処理中ジョブのリース期限を延長する
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack は処理済みのジョブを inflight から外す
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RequeueExpired は期限切れのリースを回収して ready キューに戻す
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired leases: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to requeue expired leases: %w", err)
	}
	return ids, nil
}

// Depth は ready キューの長さを返す
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Start は workers 個のコンシューマーを起動する。停止は Shutdown で行う
func (q *RedisQueue) Start(ctx context.Context, workers int, handler Handler) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	for i := range workers {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			if err := q.Run(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error("Redis キューのワーカーが停止しました", "worker", worker, "error", err)
			}
		}(i)
	}
}

// Shutdown は新しいジョブの取り出しを止め、Start で起動したコンシューマーの処理中ジョブが終わるのを待つ
// ready キューに残ったジョブは他のプロセスか次回起動時に処理される
func (q *RedisQueue) Shutdown(ctx context.Context) error {
	q.once.Do(func() { close(q.quit) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run は ctx が終わるか Shutdown されるまでジョブを取り出して handler を実行する
// 実行中は可視性タイムアウトの 1/3 ごとにリースを延長する
func (q *RedisQueue) Run(ctx context.Context, handler Handler) error {
	q.logger.Info("Redis キューのワーカーを起動しました", "visibility_timeout", q.visibilityTTL)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if q.stopping() {
			return nil
		}

		if reclaimed, err := q.RequeueExpired(ctx, time.Now(), requeueBatchSize); err != nil {
			q.logger.Warn("期限切れリースの回収に失敗しました", "error", err)
		} else if len(reclaimed) > 0 {
			q.logger.Warn("期限切れのリースを再投入しました", "count", len(reclaimed))
		}

		raw, err := q.DequeueWithLease(ctx)
		if err != nil {
			q.logger.Warn("ジョブの取り出しに失敗しました", "error", err)
		}
		if err != nil || raw == "" {
			if !q.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		q.process(ctx, handler, raw)
	}
}

func (q *RedisQueue) process(ctx context.Context, handler Handler, raw string) {
	// ハンドラーの結果はジョブ側に記録されるため、成否にかかわらず Ack する
	defer func() {
		if err := q.Ack(context.WithoutCancel(ctx), raw); err != nil {
			q.logger.Warn("ジョブの Ack に失敗しました", "job_id", raw, "error", err)
		}
	}()

	jobID, err := uuid.Parse(raw)
	if err != nil {
		q.logger.Error("不正なジョブ ID を破棄しました", "job_id", raw, "error", err)
		return
	}

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go q.heartbeat(hbCtx, raw)

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("ジョブの実行中に panic が発生しました", "job_id", raw, "panic", r)
		}
	}()
	if err := handler(ctx, jobID); err != nil {
		q.logger.Error("ジョブの実行に失敗しました", "job_id", raw, "error", err)
	}
}

func (q *RedisQueue) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(q.visibilityTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.ExtendLease(ctx, jobID, q.visibilityTTL); err != nil && ctx.Err() == nil {
				q.logger.Warn("リースの延長に失敗しました", "job_id", jobID, "error", err)
			}
		}
	}
}

func (q *RedisQueue) stopping() bool {
	select {
	case <-q.quit:
		return true
	default:
		return false
	}
}

// sleep は次のポーリングまで待つ。Shutdown された場合も true を返し、ループ先頭で終了させる
func (q *RedisQueue) sleep(ctx context.Context) bool {
	t := time.NewTimer(q.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-q.quit:
		return true
	case <-t.C:
		return true
	}
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
