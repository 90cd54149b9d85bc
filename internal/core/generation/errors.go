package generation

import "errors"

var (
	// ErrValidation はリクエストの内容が不正な場合のエラー
	ErrValidation = errors.New("validation error")

	// ErrNotFound はジョブまたはグループが存在しない場合のエラー
	ErrNotFound = errors.New("not found")

	// ErrStateConflict はジョブの状態が操作を許可しない場合のエラー
	ErrStateConflict = errors.New("state conflict")
)
