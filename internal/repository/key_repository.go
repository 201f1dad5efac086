// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"field-encryption-service/internal/domain"
)

// activeSlotValue は有効鍵の active_slot に入れる値。
// active_slot は一意インデックス付きのNULL許容列で、有効鍵が二つ存在する状態をDBで拒否する。
const activeSlotValue = 1

// KeyRecordModel はgorm用のモデル定義。
type KeyRecordModel struct {
	ID                  string     `gorm:"type:char(36);primaryKey"`
	KeyVersion          int        `gorm:"not null;uniqueIndex:uk_key_version"`
	EncryptedMaterial   []byte     `gorm:"type:blob;not null"`
	Algorithm           string     `gorm:"type:varchar(32);not null"`
	Status              string     `gorm:"type:varchar(16);not null;default:'pending';index:idx_status"`
	IsActive            bool       `gorm:"not null;default:false"`
	ActiveSlot          *int       `gorm:"uniqueIndex:uk_active_slot"`
	RotationReason      string     `gorm:"type:varchar(128);not null;default:''"`
	ProgressPercentage  int        `gorm:"not null;default:0"`
	RecordsProcessed    int64      `gorm:"not null;default:0"`
	AuditInfo           string     `gorm:"type:text"`
	CreatedAt           time.Time  `gorm:"precision:6;not null;autoCreateTime"`
	UpdatedAt           time.Time  `gorm:"precision:6;not null;autoUpdateTime"`
	ActivatedAt         *time.Time `gorm:"precision:6"`
	RetiredAt           *time.Time `gorm:"precision:6"`
	DeletionScheduledAt *time.Time `gorm:"precision:6;index:idx_deletion_scheduled_at"`
}

// TableName はテーブル名を返す。
func (KeyRecordModel) TableName() string {
	return "key_records"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyRecordModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyRecordModel) toDomain() *domain.KeyRecord {
	return &domain.KeyRecord{
		ID:                  m.ID,
		KeyVersion:          m.KeyVersion,
		EncryptedMaterial:   m.EncryptedMaterial,
		Algorithm:           m.Algorithm,
		Status:              domain.KeyStatus(m.Status),
		IsActive:            m.IsActive,
		RotationReason:      m.RotationReason,
		ProgressPercentage:  m.ProgressPercentage,
		RecordsProcessed:    m.RecordsProcessed,
		AuditInfo:           m.AuditInfo,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
		ActivatedAt:         m.ActivatedAt,
		RetiredAt:           m.RetiredAt,
		DeletionScheduledAt: m.DeletionScheduledAt,
	}
}

// KeyRepository は鍵レコードのデータアクセスを提供する。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Exists は鍵レコードが一件でも存在するか確認する。
func (r *KeyRepository) Exists(ctx context.Context) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count key records",
			"operation", "exists",
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// Create は新しい鍵レコードを保存する。
// バージョンの一意制約違反は domain.ErrKeyVersionConflict を返す。
func (r *KeyRepository) Create(ctx context.Context, key *domain.KeyRecord) error {
	model := &KeyRecordModel{
		ID:                 key.ID,
		KeyVersion:         key.KeyVersion,
		EncryptedMaterial:  key.EncryptedMaterial,
		Algorithm:          key.Algorithm,
		Status:             string(key.Status),
		IsActive:           key.IsActive,
		RotationReason:     key.RotationReason,
		ProgressPercentage: key.ProgressPercentage,
		RecordsProcessed:   key.RecordsProcessed,
		AuditInfo:          key.AuditInfo,
		ActivatedAt:        key.ActivatedAt,
	}
	if key.IsActive {
		slot := activeSlotValue
		model.ActiveSlot = &slot
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			slog.WarnContext(ctx, "key version already allocated",
				"operation", "create",
				"key_version", key.KeyVersion,
			)
			return domain.ErrKeyVersionConflict
		}
		slog.ErrorContext(ctx, "failed to create key record",
			"operation", "create",
			"key_version", key.KeyVersion,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByVersion は指定されたバージョンの鍵レコードを取得する。
func (r *KeyRepository) FindByVersion(ctx context.Context, keyVersion int) (*domain.KeyRecord, error) {
	var model KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("key_version = ?", keyVersion).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key record",
			"operation", "find_by_version",
			"key_version", keyVersion,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindActive は現在有効な鍵レコードを取得する。
func (r *KeyRepository) FindActive(ctx context.Context) (*domain.KeyRecord, error) {
	var model KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find active key record",
			"operation", "find_active",
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindInactive は有効でない鍵レコードをバージョン順に取得する。
func (r *KeyRepository) FindInactive(ctx context.Context) ([]*domain.KeyRecord, error) {
	return r.findMany(ctx, "find_inactive", r.db.WithContext(ctx).Where("is_active = ?", false))
}

// FindAll は全鍵レコードをバージョン順（作成順）に取得する。
func (r *KeyRepository) FindAll(ctx context.Context) ([]*domain.KeyRecord, error) {
	return r.findMany(ctx, "find_all", r.db.WithContext(ctx))
}

// FindLatestPending は最新の保留中鍵レコードを取得する。
func (r *KeyRepository) FindLatestPending(ctx context.Context) (*domain.KeyRecord, error) {
	var model KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("status = ?", string(domain.KeyStatusPending)).
		Order("key_version DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find latest pending key record",
			"operation", "find_latest_pending",
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindLatestRetiring は直近に退役した鍵レコードを取得する。
func (r *KeyRepository) FindLatestRetiring(ctx context.Context) (*domain.KeyRecord, error) {
	var model KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND is_active = ?", string(domain.KeyStatusRetiring), false).
		Order("retired_at DESC").
		Order("key_version DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find latest retiring key record",
			"operation", "find_latest_retiring",
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindDueForDeletion は削除予定日時を過ぎた退役鍵を取得する。
func (r *KeyRepository) FindDueForDeletion(ctx context.Context, now time.Time) ([]*domain.KeyRecord, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND deletion_scheduled_at IS NOT NULL AND deletion_scheduled_at <= ?",
			string(domain.KeyStatusRetiring), now)
	return r.findMany(ctx, "find_due_for_deletion", query)
}

func (r *KeyRepository) findMany(ctx context.Context, operation string, query *gorm.DB) ([]*domain.KeyRecord, error) {
	var models []KeyRecordModel
	if err := query.Order("key_version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find key records",
			"operation", operation,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.KeyRecord, len(models))
	for i := range models {
		keys[i] = models[i].toDomain()
	}
	return keys, nil
}

// GetMaxVersion は最大の鍵バージョンを取得する。鍵がなければ0を返す。
func (r *KeyRepository) GetMaxVersion(ctx context.Context) (int, error) {
	var maxVersion *int
	err := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Select("MAX(key_version)").
		Scan(&maxVersion).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to get max key version",
			"operation", "get_max_version",
			"error", err,
		)
		return 0, err
	}
	if maxVersion == nil {
		return 0, nil
	}
	return *maxVersion, nil
}

// UpdateProgress は保留中鍵の進捗を更新する。
// 既存値より小さい報告は適用せず、false を返す。
func (r *KeyRepository) UpdateProgress(ctx context.Context, keyVersion, percentage int, recordsProcessed int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("key_version = ? AND status = ? AND progress_percentage <= ? AND records_processed <= ?",
			keyVersion, string(domain.KeyStatusPending), percentage, recordsProcessed).
		Updates(map[string]interface{}{
			"progress_percentage": percentage,
			"records_processed":   recordsProcessed,
		})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update rotation progress",
			"operation", "update_progress",
			"key_version", keyVersion,
			"percentage", percentage,
			"records_processed", recordsProcessed,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SwapActive は単一トランザクション内で現在の有効鍵を退役させ、対象鍵を有効化する。
// 対象が保留中かつ進捗100%でなければ domain.ErrInvalidRotationState を返し、ロールバックする。
func (r *KeyRepository) SwapActive(ctx context.Context, keyVersion int, now time.Time) (*domain.KeyRecord, error) {
	var promoted KeyRecordModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 旧有効鍵の降格
		if err := tx.Model(&KeyRecordModel{}).
			Where("is_active = ? AND key_version <> ?", true, keyVersion).
			Updates(map[string]interface{}{
				"is_active":   false,
				"active_slot": gorm.Expr("NULL"),
				"status":      string(domain.KeyStatusRetiring),
				"retired_at":  now,
			}).Error; err != nil {
			return err
		}

		// 対象鍵の昇格（compare-and-set）
		result := tx.Model(&KeyRecordModel{}).
			Where("key_version = ? AND status = ? AND progress_percentage = ?",
				keyVersion, string(domain.KeyStatusPending), domain.CompleteProgress).
			Updates(map[string]interface{}{
				"is_active":    true,
				"active_slot":  activeSlotValue,
				"status":       string(domain.KeyStatusActive),
				"activated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return domain.ErrInvalidRotationState
		}

		return tx.Where("key_version = ?", keyVersion).First(&promoted).Error
	})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidRotationState) {
			slog.ErrorContext(ctx, "failed to swap active key",
				"operation", "swap_active",
				"key_version", keyVersion,
				"error", err,
			)
		}
		return nil, err
	}
	return promoted.toDomain(), nil
}

// ScheduleDeletion は退役鍵の削除予定日時を設定する。
func (r *KeyRepository) ScheduleDeletion(ctx context.Context, keyVersion int, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("key_version = ? AND status = ?", keyVersion, string(domain.KeyStatusRetiring)).
		Update("deletion_scheduled_at", at)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to schedule key deletion",
			"operation", "schedule_deletion",
			"key_version", keyVersion,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrInvalidRotationState
	}
	return nil
}

// MarkDeleted は削除予定日時を過ぎた退役鍵を削除済みにする。
func (r *KeyRepository) MarkDeleted(ctx context.Context, keyVersion int, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("key_version = ? AND status = ? AND deletion_scheduled_at IS NOT NULL AND deletion_scheduled_at <= ?",
			keyVersion, string(domain.KeyStatusRetiring), now).
		Update("status", string(domain.KeyStatusDeleted))
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to mark key deleted",
			"operation", "mark_deleted",
			"key_version", keyVersion,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrInvalidRotationState
	}
	return nil
}
