// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"key-maintenance-service/internal/domain"
)

// KeyEntryModel はgorm用の鍵エントリモデル定義。
type KeyEntryModel struct {
	ID                int64     `gorm:"primaryKey;autoIncrement"`
	Domain            int32     `gorm:"not null;uniqueIndex:uk_domain_namespace_alias;index:idx_namespace"`
	Namespace         int64     `gorm:"not null;uniqueIndex:uk_domain_namespace_alias;index:idx_namespace"`
	Alias             *string   `gorm:"type:varchar(255);uniqueIndex:uk_domain_namespace_alias"`
	SecurityLevel     string    `gorm:"type:varchar(32);not null"`
	AuthBound         bool      `gorm:"not null;default:false;index:idx_auth_sid"`
	SID               int64     `gorm:"column:sid;not null;default:0;index:idx_auth_sid"`
	RollbackResistant bool      `gorm:"not null;default:false"`
	EarlyBootOnly     bool      `gorm:"not null;default:false"`
	KeyBlob           []byte    `gorm:"type:blob"`
	BackendKeyID      string    `gorm:"type:varchar(255)"`
	CreatedAt         time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyEntryModel) TableName() string {
	return "key_entries"
}

// toDomain はモデルをドメインエンティティに変換する。
func (e *KeyEntryModel) toDomain() *domain.KeyEntry {
	return &domain.KeyEntry{
		ID:                e.ID,
		Domain:            domain.Domain(e.Domain),
		Namespace:         e.Namespace,
		Alias:             e.Alias,
		SecurityLevel:     domain.SecurityLevel(e.SecurityLevel),
		AuthBound:         e.AuthBound,
		SID:               e.SID,
		RollbackResistant: e.RollbackResistant,
		EarlyBootOnly:     e.EarlyBootOnly,
		KeyBlob:           e.KeyBlob,
		BackendKeyID:      e.BackendKeyID,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

// KeyEntryRepository は鍵エントリのデータアクセスを提供する。
type KeyEntryRepository struct {
	db *gorm.DB
}

// NewKeyEntryRepository は新しいKeyEntryRepositoryを生成する。
func NewKeyEntryRepository(db *gorm.DB) *KeyEntryRepository {
	return &KeyEntryRepository{db: db}
}

// Create は新しい鍵エントリを保存する。
func (r *KeyEntryRepository) Create(ctx context.Context, entry *domain.KeyEntry) error {
	model := &KeyEntryModel{
		ID:                entry.ID,
		Domain:            int32(entry.Domain),
		Namespace:         entry.Namespace,
		Alias:             entry.Alias,
		SecurityLevel:     string(entry.SecurityLevel),
		AuthBound:         entry.AuthBound,
		SID:               entry.SID,
		RollbackResistant: entry.RollbackResistant,
		EarlyBootOnly:     entry.EarlyBootOnly,
		KeyBlob:           entry.KeyBlob,
		BackendKeyID:      entry.BackendKeyID,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key entry",
			"operation", "create",
			"domain", entry.Domain.String(),
			"namespace", entry.Namespace,
			"error", err,
		)
		return err
	}
	entry.ID = model.ID
	entry.CreatedAt = model.CreatedAt
	entry.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByID は鍵IDで鍵エントリを取得する。存在しない場合はnilを返す。
func (r *KeyEntryRepository) FindByID(ctx context.Context, id int64) (*domain.KeyEntry, error) {
	var model KeyEntryModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key entry",
			"operation", "find_by_id",
			"id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindByAlias はドメイン・名前空間・エイリアスで鍵エントリを取得する。存在しない場合はnilを返す。
func (r *KeyEntryRepository) FindByAlias(ctx context.Context, d domain.Domain, namespace int64, alias string) (*domain.KeyEntry, error) {
	var model KeyEntryModel
	err := r.db.WithContext(ctx).
		Where("domain = ? AND namespace = ? AND alias = ?", int32(d), namespace, alias).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key entry",
			"operation", "find_by_alias",
			"domain", d.String(),
			"namespace", namespace,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindAllByNamespace は指定された(ドメイン, 名前空間)が所有する全鍵エントリを取得する。
func (r *KeyEntryRepository) FindAllByNamespace(ctx context.Context, d domain.Domain, namespace int64) ([]*domain.KeyEntry, error) {
	var models []KeyEntryModel
	err := r.db.WithContext(ctx).
		Where("domain = ? AND namespace = ?", int32(d), namespace).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find key entries by namespace",
			"operation", "find_all_by_namespace",
			"domain", d.String(),
			"namespace", namespace,
			"error", err,
		)
		return nil, err
	}
	return toDomainEntries(models), nil
}

// FindAllByUser は指定ユーザーのAPPドメインUID区間に属する全鍵エントリを取得する。
func (r *KeyEntryRepository) FindAllByUser(ctx context.Context, userID int32) ([]*domain.KeyEntry, error) {
	begin, end := domain.UIDRangeForUser(userID)
	var models []KeyEntryModel
	err := r.db.WithContext(ctx).
		Where("domain = ? AND namespace >= ? AND namespace < ?", int32(domain.DomainApp), begin, end).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find key entries by user",
			"operation", "find_all_by_user",
			"user_id", userID,
			"error", err,
		)
		return nil, err
	}
	return toDomainEntries(models), nil
}

// FindAuthBoundByUser は指定ユーザーの認証バインド鍵エントリのみを取得する。
func (r *KeyEntryRepository) FindAuthBoundByUser(ctx context.Context, userID int32) ([]*domain.KeyEntry, error) {
	begin, end := domain.UIDRangeForUser(userID)
	var models []KeyEntryModel
	err := r.db.WithContext(ctx).
		Where("domain = ? AND namespace >= ? AND namespace < ? AND auth_bound = ?",
			int32(domain.DomainApp), begin, end, true).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find auth-bound key entries",
			"operation", "find_auth_bound_by_user",
			"user_id", userID,
			"error", err,
		)
		return nil, err
	}
	return toDomainEntries(models), nil
}

// FindAppUIDsBySID は指定ユーザー配下で、指定SIDに認証バインドされた鍵を
// 1つ以上所有するAPPドメインUIDを重複なしで取得する。
func (r *KeyEntryRepository) FindAppUIDsBySID(ctx context.Context, userID int32, sid int64) ([]int64, error) {
	begin, end := domain.UIDRangeForUser(userID)
	var uids []int64
	err := r.db.WithContext(ctx).
		Model(&KeyEntryModel{}).
		Where("domain = ? AND namespace >= ? AND namespace < ? AND auth_bound = ? AND sid = ?",
			int32(domain.DomainApp), begin, end, true, sid).
		Distinct("namespace").
		Order("namespace ASC").
		Pluck("namespace", &uids).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find app uids by sid",
			"operation", "find_app_uids_by_sid",
			"user_id", userID,
			"sid", sid,
			"error", err,
		)
		return nil, err
	}
	return uids, nil
}

// FindSecurityLevels は鍵エントリが存在するセキュリティレベルを重複なしで取得する。
func (r *KeyEntryRepository) FindSecurityLevels(ctx context.Context) ([]domain.SecurityLevel, error) {
	var raw []string
	err := r.db.WithContext(ctx).
		Model(&KeyEntryModel{}).
		Distinct("security_level").
		Order("security_level ASC").
		Pluck("security_level", &raw).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find security levels",
			"operation", "find_security_levels",
			"error", err,
		)
		return nil, err
	}
	levels := make([]domain.SecurityLevel, len(raw))
	for i, s := range raw {
		levels[i] = domain.SecurityLevel(s)
	}
	return levels, nil
}

// DeleteByIDs は指定されたIDの鍵エントリを単一トランザクションで削除する。
// バックエンドでの破棄が確認されたエントリのみを渡すこと。
func (r *KeyEntryRepository) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&KeyEntryModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete key entries",
			"operation", "delete_by_ids",
			"count", len(ids),
			"error", err,
		)
		return err
	}
	return nil
}

// DeleteAllBySecurityLevel は指定セキュリティレベルの全鍵エントリを削除する。
func (r *KeyEntryRepository) DeleteAllBySecurityLevel(ctx context.Context, level domain.SecurityLevel) error {
	err := r.db.WithContext(ctx).
		Where("security_level = ?", string(level)).
		Delete(&KeyEntryModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete key entries by security level",
			"operation", "delete_all_by_security_level",
			"security_level", string(level),
			"error", err,
		)
		return err
	}
	return nil
}

// MigrateNamespace は鍵エントリの所有名前空間をトランザクション内で書き換える。
// 移行先に同一エイリアスのエントリが既に存在する場合はErrInvalidArgumentを返し、
// 移行元のエントリは変更されない。
func (r *KeyEntryRepository) MigrateNamespace(ctx context.Context, keyID int64, dst domain.Domain, namespace int64, alias string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&KeyEntryModel{}).
			Where("domain = ? AND namespace = ? AND alias = ?", int32(dst), namespace, alias).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: destination already has an entry at alias %q", domain.ErrInvalidArgument, alias)
		}

		result := tx.Model(&KeyEntryModel{}).
			Where("id = ?", keyID).
			Updates(map[string]interface{}{
				"domain":    int32(dst),
				"namespace": namespace,
				"alias":     alias,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrKeyNotFound
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidArgument) && !errors.Is(err, domain.ErrKeyNotFound) {
			slog.ErrorContext(ctx, "failed to migrate key namespace",
				"operation", "migrate_namespace",
				"key_id", keyID,
				"destination_domain", dst.String(),
				"destination_namespace", namespace,
				"error", err,
			)
		}
		return err
	}
	return nil
}

func toDomainEntries(models []KeyEntryModel) []*domain.KeyEntry {
	entries := make([]*domain.KeyEntry, len(models))
	for i, m := range models {
		entries[i] = m.toDomain()
	}
	return entries
}
