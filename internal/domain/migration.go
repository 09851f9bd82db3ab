package domain

import "time"

// MigrationStatus はスキーママイグレーションの適用状態を表す。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration はバイナリに埋め込まれたスキーママイグレーションを表す。
type Migration struct {
	Version   string          // マイグレーションバージョン（例: "001", "002"）
	Name      string          // マイグレーション名（ファイル名から抽出）
	AppliedAt *time.Time      // 適用日時（未適用の場合はnil）
	FileName  string          // 埋め込みFS内のファイル名
	Status    MigrationStatus // 適用状態
}
