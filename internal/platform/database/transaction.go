package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TransactionProvider はコールバック形式でトランザクションを提供する
// 呼び出し側は pgx のトランザクションを直接開始しない
type TransactionProvider struct {
	pool *pgxpool.Pool
}

// NewTransactionProvider は新しいTransactionProviderを作成します
func NewTransactionProvider(pool *pgxpool.Pool) *TransactionProvider {
	return &TransactionProvider{pool: pool}
}

// Adapter はトランザクション内でコールバックが使えるもの
type Adapter struct {
	Tx    pgx.Tx
	Locks *LockManager
}

type txOptions struct {
	isoLevel pgx.TxIsoLevel
	retries  int
}

// TxOption は Transact のオプション
type TxOption func(*txOptions)

// WithIsolation は分離レベルを指定する。既定は READ COMMITTED
func WithIsolation(level pgx.TxIsoLevel) TxOption {
	return func(o *txOptions) {
		o.isoLevel = level
	}
}

// WithRetries はシリアライズ失敗またはデッドロックで中断された場合に fn ごと再実行する回数を指定する
func WithRetries(n int) TxOption {
	return func(o *txOptions) {
		o.retries = max(n, 0)
	}
}

// Transact はトランザクションを開始し、Adapter を fn に渡す
// fn がエラーを返すかパニックした場合はロールバックする
func Transact[T any](ctx context.Context, p *TransactionProvider, fn func(*Adapter) (T, error), opts ...TxOption) (T, error) {
	options := txOptions{isoLevel: pgx.ReadCommitted}
	for _, opt := range opts {
		opt(&options)
	}

	for attempt := 0; ; attempt++ {
		result, err := transactOnce(ctx, p, options, fn)
		if err == nil || attempt >= options.retries || !IsRetryable(err) || ctx.Err() != nil {
			return result, err
		}
	}
}

func transactOnce[T any](ctx context.Context, p *TransactionProvider, options txOptions, fn func(*Adapter) (T, error)) (T, error) {
	var zero T
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: options.isoLevel})
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(r)
		}
	}()

	result, err := fn(&Adapter{Tx: tx, Locks: NewLockManager(tx)})
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return zero, fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}
