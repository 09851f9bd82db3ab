package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"key-maintenance-service/internal/domain"
)

// SchemaMigrationModel はgorm用のマイグレーション履歴モデル定義。
type SchemaMigrationModel struct {
	Version   string    `gorm:"type:varchar(16);primaryKey"`
	AppliedAt time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository はスキーママイグレーション履歴のデータアクセスを提供する。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureHistoryTable はマイグレーション履歴テーブルが無ければ作成する。
func (r *MigrationRepository) EnsureHistoryTable(ctx context.Context) error {
	err := r.db.WithContext(ctx).Exec(
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(16) PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to ensure schema_migrations table",
			"operation", "ensure_history_table",
			"error", err,
		)
		return err
	}
	return nil
}

// FindAllApplied は適用済みマイグレーションを取得する。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	err := r.db.WithContext(ctx).Order("version ASC").Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}
	migrations := make([]*domain.Migration, len(models))
	for i, m := range models {
		appliedAt := m.AppliedAt
		migrations[i] = &domain.Migration{
			Version:   m.Version,
			AppliedAt: &appliedAt,
			Status:    domain.MigrationStatusApplied,
		}
	}
	return migrations, nil
}

// IsMigrationApplied は指定バージョンが適用済みか確認する。
func (r *MigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&SchemaMigrationModel{}).
		Where("version = ?", version).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to check migration status",
			"operation", "is_migration_applied",
			"version", version,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

