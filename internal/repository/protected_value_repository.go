package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"field-encryption-service/internal/domain"
)

// ProtectedValueModel は暗号化済みPHIフィールドのgormモデル。
type ProtectedValueModel struct {
	ID         uint                     `gorm:"primaryKey;autoIncrement"`
	RecordRef  string                   `gorm:"type:varchar(64);not null;index:idx_record_ref"`
	FieldName  string                   `gorm:"type:varchar(64);not null"`
	KeyVersion int                      `gorm:"not null;index:idx_key_version"`
	Payload    *domain.EncryptedPayload `gorm:"type:text;not null;serializer:json"`
	CreatedAt  time.Time                `gorm:"precision:6;not null;autoCreateTime"`
	UpdatedAt  time.Time                `gorm:"precision:6;not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (ProtectedValueModel) TableName() string {
	return "protected_values"
}

func (m *ProtectedValueModel) toDomain() *domain.ProtectedValue {
	return &domain.ProtectedValue{
		ID:         m.ID,
		RecordRef:  m.RecordRef,
		FieldName:  m.FieldName,
		KeyVersion: m.KeyVersion,
		Payload:    m.Payload,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// ProtectedValueRepository は暗号化済みフィールドのデータアクセスを提供する。
type ProtectedValueRepository struct {
	db *gorm.DB
}

// NewProtectedValueRepository は新しいProtectedValueRepositoryを生成する。
func NewProtectedValueRepository(db *gorm.DB) *ProtectedValueRepository {
	return &ProtectedValueRepository{db: db}
}

// Create は暗号化済みフィールドを保存する。
func (r *ProtectedValueRepository) Create(ctx context.Context, value *domain.ProtectedValue) error {
	model := &ProtectedValueModel{
		RecordRef:  value.RecordRef,
		FieldName:  value.FieldName,
		KeyVersion: value.Payload.KeyVersion,
		Payload:    value.Payload,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create protected value",
			"operation", "create_protected_value",
			"record_ref", value.RecordRef,
			"field_name", value.FieldName,
			"error", err,
		)
		return err
	}
	value.ID = model.ID
	value.KeyVersion = model.KeyVersion
	value.CreatedAt = model.CreatedAt
	value.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByID はIDで暗号化済みフィールドを取得する。
func (r *ProtectedValueRepository) FindByID(ctx context.Context, id uint) (*domain.ProtectedValue, error) {
	var model ProtectedValueModel
	if err := r.db.WithContext(ctx).First(&model, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find protected value",
			"operation", "find_protected_value_by_id",
			"id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// CountByKeyVersions は指定バージョン群で暗号化されたフィールド数を返す。
func (r *ProtectedValueRepository) CountByKeyVersions(ctx context.Context, keyVersions []int) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&ProtectedValueModel{}).
		Where("key_version IN ?", keyVersions).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count protected values",
			"operation", "count_by_key_versions",
			"key_versions", keyVersions,
			"error", err,
		)
		return 0, err
	}
	return count, nil
}

// FindByKeyVersions は指定バージョン群で暗号化されたフィールドをID順に取得する。
// 移行対象の全バージョンを指定することで、移行中も集合と順序が変わらない。
func (r *ProtectedValueRepository) FindByKeyVersions(ctx context.Context, keyVersions []int, offset, limit int) ([]*domain.ProtectedValue, error) {
	var models []ProtectedValueModel
	err := r.db.WithContext(ctx).
		Where("key_version IN ?", keyVersions).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find protected values",
			"operation", "find_by_key_versions",
			"key_versions", keyVersions,
			"offset", offset,
			"limit", limit,
			"error", err,
		)
		return nil, err
	}

	values := make([]*domain.ProtectedValue, len(models))
	for i := range models {
		values[i] = models[i].toDomain()
	}
	return values, nil
}

// UpdatePayloads は再暗号化されたペイロードを一つのトランザクションで保存する。
func (r *ProtectedValueRepository) UpdatePayloads(ctx context.Context, values []*domain.ProtectedValue) error {
	if len(values) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, v := range values {
			model := ProtectedValueModel{ID: v.ID, Payload: v.Payload}
			if err := tx.Model(&model).
				Select("key_version", "payload").
				Updates(ProtectedValueModel{KeyVersion: v.Payload.KeyVersion, Payload: v.Payload}).Error; err != nil {
				return err
			}
			v.KeyVersion = v.Payload.KeyVersion
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to update protected value payloads",
			"operation", "update_payloads",
			"count", len(values),
			"error", err,
		)
		return err
	}
	return nil
}
