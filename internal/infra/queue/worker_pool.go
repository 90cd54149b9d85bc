package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed は停止済みのキューへの投入を表す
var ErrClosed = errors.New("queue is closed")

// Handler はジョブを1件処理する
type Handler func(ctx context.Context, jobID uuid.UUID) error

const (
	// DefaultWorkers はワーカー数の既定値
	DefaultWorkers = 4
	// DefaultBacklog は待機キューの容量の既定値
	DefaultBacklog = 256
)

// WorkerPool はプロセス内の固定数ワーカーでジョブを実行するディスパッチャ
type WorkerPool struct {
	workers int
	jobs    chan uuid.UUID
	quit    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	logger  *slog.Logger
}

type workerPoolOptions struct {
	backlog int
	logger  *slog.Logger
}

// WorkerPoolOption は WorkerPool のオプション設定
type WorkerPoolOption func(*workerPoolOptions)

// WithBacklog は待機キューの容量を設定する
func WithBacklog(n int) WorkerPoolOption {
	return func(o *workerPoolOptions) {
		o.backlog = n
	}
}

// WithPoolLogger はロガーを設定する
func WithPoolLogger(logger *slog.Logger) WorkerPoolOption {
	return func(o *workerPoolOptions) {
		o.logger = logger
	}
}

// NewWorkerPool は新しい WorkerPool を作成する。Start を呼ぶまでジョブは実行されない
func NewWorkerPool(workers int, opts ...WorkerPoolOption) *WorkerPool {
	options := workerPoolOptions{
		backlog: DefaultBacklog,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.backlog <= 0 {
		options.backlog = DefaultBacklog
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &WorkerPool{
		workers: workers,
		jobs:    make(chan uuid.UUID, options.backlog),
		quit:    make(chan struct{}),
		logger:  options.logger,
	}
}

// Start はワーカーを起動する。handler には ctx が渡される
// ctx は実行中のジョブを打ち切るためのもので、通常の停止には Shutdown を使う
func (p *WorkerPool) Start(ctx context.Context, handler Handler) {
	for i := range p.workers {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.loop(ctx, worker, handler)
		}(i)
	}
	p.logger.Info("ワーカープールを起動しました", "workers", p.workers, "backlog", cap(p.jobs))
}

func (p *WorkerPool) loop(ctx context.Context, worker int, handler Handler) {
	for {
		// 停止と打ち切りを次のジョブより優先する
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			p.drain(ctx, worker, handler)
			return
		default:
		}

		select {
		case id := <-p.jobs:
			p.run(ctx, worker, handler, id)
		case <-p.quit:
			p.drain(ctx, worker, handler)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain は停止前に受け付けた分を処理しきる
// ctx が終わっている場合は残りを PENDING のまま残し、次回起動時の回復に任せる
func (p *WorkerPool) drain(ctx context.Context, worker int, handler Handler) {
	for ctx.Err() == nil {
		select {
		case id := <-p.jobs:
			p.run(ctx, worker, handler, id)
		default:
			return
		}
	}
}

func (p *WorkerPool) run(ctx context.Context, worker int, handler Handler, id uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("ジョブの実行中に panic が発生しました", "worker", worker, "job_id", id, "panic", r)
		}
	}()

	if err := handler(ctx, id); err != nil {
		p.logger.Error("ジョブの実行に失敗しました", "worker", worker, "job_id", id, "error", err)
	}
}

// Dispatch はジョブを待機キューに積む。満杯の場合は空きが出るか ctx が終わるまで待つ
func (p *WorkerPool) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	select {
	case <-p.quit:
		return ErrClosed
	default:
	}

	select {
	case p.jobs <- jobID:
		return nil
	case <-p.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth は実行待ちのジョブ数を返す
func (p *WorkerPool) Depth() int {
	return len(p.jobs)
}

// Shutdown は新規の受け付けを止め、実行中と待機中のジョブの完了を待つ
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.once.Do(func() { close(p.quit) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
