package structured

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchemaViolation は生成結果が宣言したスキーマに適合しない場合のエラー
	ErrSchemaViolation = errors.New("schema violation")

	// ErrProvider は生成バックエンドの呼び出しに失敗した場合のエラー
	ErrProvider = errors.New("generation provider error")

	// ErrUnknownBackend は登録されていないバックエンド名が指定された場合のエラー
	ErrUnknownBackend = errors.New("unknown generation backend")
)

// ViolationError はスキーマ検証エラーの詳細を保持する
type ViolationError struct {
	Schema  string
	Details []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrSchemaViolation, e.Schema, strings.Join(e.Details, "; "))
}

// Unwrap は errors.Is(err, ErrSchemaViolation) を成立させる
func (e *ViolationError) Unwrap() error {
	return ErrSchemaViolation
}
