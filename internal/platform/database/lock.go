package database

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
)

// LockManager はトランザクションスコープのアドバイザリロックを取得する
// 取得したロックはコミットまたはロールバックで解放される
type LockManager struct {
	tx pgx.Tx
}

// NewLockManager はトランザクションに紐づく LockManager を作成する
func NewLockManager(tx pgx.Tx) *LockManager {
	return &LockManager{tx: tx}
}

// LockID は名前空間とキーからアドバイザリロックのIDを導出する
func LockID(namespace string, keys ...string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace))
	for _, k := range keys {
		// ("ab", "c") と ("a", "bc") を区別する
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(k))
	}
	return int64(h.Sum64())
}

// Acquire はロックを取得するまで待つ
func (m *LockManager) Acquire(ctx context.Context, lockID int64) error {
	if _, err := m.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID); err != nil {
		return fmt.Errorf("failed to acquire advisory lock %d: %w", lockID, err)
	}
	return nil
}
