package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied は呼び出し元が必要な権限を持たない場合のエラー。
	// 再試行しても解消しないため、そのまま呼び出し元に返す。
	ErrPermissionDenied = errors.New("permission denied")

	// ErrKeyNotFound は参照された鍵エントリが存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidArgument はリクエストが不正または矛盾している場合のエラー。
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSystemError はバックエンドまたはリポジトリの障害により
	// トランザクション不変条件を維持できなかった場合のエラー。
	// 冪等な操作であれば呼び出し元が再試行してよい。
	ErrSystemError = errors.New("system error")

	// ErrInvalidDomain はドメイン値が不正な場合のエラー。
	ErrInvalidDomain = errors.New("invalid domain")

	// ErrInvalidUserID はユーザーIDが不正な場合のエラー。
	ErrInvalidUserID = errors.New("invalid user ID")

	// ErrMigrationFailed はスキーママイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// BackendError はセキュアバックエンドが返すデバイス固有のエラーコードを表す。
// コードは変換せずそのまま呼び出し元に伝搬する。
type BackendError struct {
	SecurityLevel SecurityLevel
	Code          int32
	Message       string
}

// Error はエラーメッセージを返す。
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error (level=%s, code=%d): %s", e.SecurityLevel, e.Code, e.Message)
}

// IsBackendError はエラーチェーンからBackendErrorを取り出す。
func IsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
