package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"key-maintenance-service/internal/domain"
)

// SuperKeyModel はgorm用のスーパー鍵モデル定義。
type SuperKeyModel struct {
	ID            string    `gorm:"type:char(36);primaryKey"`
	UserID        int32     `gorm:"not null;uniqueIndex:uk_user_level;index:idx_super_user"`
	SecurityLevel string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_user_level"`
	EncryptedKey  []byte    `gorm:"type:blob;not null"`
	Salt          []byte    `gorm:"type:blob;not null"`
	Nonce         []byte    `gorm:"type:blob;not null"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (SuperKeyModel) TableName() string {
	return "super_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *SuperKeyModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// UserStateModel はgorm用のユーザー状態モデル定義。
type UserStateModel struct {
	UserID    int32     `gorm:"primaryKey"`
	State     string    `gorm:"type:varchar(32);not null"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (UserStateModel) TableName() string {
	return "user_states"
}

// UserRepository はユーザー毎のスーパー鍵とライフサイクル状態のデータアクセスを提供する。
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository は新しいUserRepositoryを生成する。
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// HasSuperKeys は指定ユーザーにスーパー鍵が存在するか確認する。
func (r *UserRepository) HasSuperKeys(ctx context.Context, userID int32) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&SuperKeyModel{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count super keys",
			"operation", "has_super_keys",
			"user_id", userID,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// CreateSuperKey は新しいスーパー鍵を保存する。
func (r *UserRepository) CreateSuperKey(ctx context.Context, key *domain.SuperKeySet) error {
	model := &SuperKeyModel{
		ID:            key.ID,
		UserID:        key.UserID,
		SecurityLevel: string(key.SecurityLevel),
		EncryptedKey:  key.EncryptedKey,
		Salt:          key.Salt,
		Nonce:         key.Nonce,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create super key",
			"operation", "create_super_key",
			"user_id", key.UserID,
			"security_level", string(key.SecurityLevel),
			"error", err,
		)
		return err
	}
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// FindSuperKeySecurityLevels はスーパー鍵が存在するセキュリティレベルを重複なしで取得する。
func (r *UserRepository) FindSuperKeySecurityLevels(ctx context.Context) ([]domain.SecurityLevel, error) {
	var raw []string
	err := r.db.WithContext(ctx).
		Model(&SuperKeyModel{}).
		Distinct("security_level").
		Order("security_level ASC").
		Pluck("security_level", &raw).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find super key security levels",
			"operation", "find_super_key_security_levels",
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

// DeleteSuperKeysByUser は指定ユーザーの全スーパー鍵を単一トランザクションで削除する。
func (r *UserRepository) DeleteSuperKeysByUser(ctx context.Context, userID int32) error {
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&SuperKeyModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete super keys",
			"operation", "delete_super_keys_by_user",
			"user_id", userID,
			"error", err,
		)
		return err
	}
	return nil
}

// DeleteSuperKeysBySecurityLevel は指定セキュリティレベルの全スーパー鍵を削除する。
func (r *UserRepository) DeleteSuperKeysBySecurityLevel(ctx context.Context, level domain.SecurityLevel) error {
	err := r.db.WithContext(ctx).
		Where("security_level = ?", string(level)).
		Delete(&SuperKeyModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete super keys by security level",
			"operation", "delete_super_keys_by_security_level",
			"security_level", string(level),
			"error", err,
		)
		return err
	}
	return nil
}

// GetState は指定ユーザーのライフサイクル状態を取得する。
// レコードが存在しない場合はUserStateAbsentを返す。
func (r *UserRepository) GetState(ctx context.Context, userID int32) (domain.UserState, error) {
	var model UserStateModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UserStateAbsent, nil
		}
		slog.ErrorContext(ctx, "failed to get user state",
			"operation", "get_state",
			"user_id", userID,
			"error", err,
		)
		return domain.UserStateAbsent, err
	}
	return domain.UserState(model.State), nil
}

// SetState は指定ユーザーのライフサイクル状態を更新する。レコードがなければ作成する。
func (r *UserRepository) SetState(ctx context.Context, userID int32, state domain.UserState) error {
	model := &UserStateModel{
		UserID: userID,
		State:  string(state),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to set user state",
			"operation", "set_state",
			"user_id", userID,
			"state", string(state),
			"error", err,
		)
		return err
	}
	return nil
}

// DeleteState は指定ユーザーの状態レコードを削除する（absentへの遷移）。
func (r *UserRepository) DeleteState(ctx context.Context, userID int32) error {
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&UserStateModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete user state",
			"operation", "delete_state",
			"user_id", userID,
			"error", err,
		)
		return err
	}
	return nil
}

// DeleteAllStates は全ユーザーの状態レコードを削除する。
func (r *UserRepository) DeleteAllStates(ctx context.Context) error {
	err := r.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&UserStateModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete all user states",
			"operation", "delete_all_states",
			"error", err,
		)
		return err
	}
	return nil
}
