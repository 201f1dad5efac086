package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"field-encryption-service/internal/domain"

	"gorm.io/gorm"
)

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	Name      string    `gorm:"column:name;type:varchar(255);not null;default:''"`
	Checksum  string    `gorm:"column:checksum;type:char(64);not null;default:''"`
	AppliedAt time.Time `gorm:"column:applied_at;not null"`
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository はschema_migrationsへの履歴記録とSQL適用を行う。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureTable はschema_migrationsテーブルがなければ作成する。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&SchemaMigrationModel{}); err != nil {
		slog.ErrorContext(ctx, "failed to ensure schema_migrations table",
			"operation", "ensure_table",
			"error", err,
		)
		return err
	}
	return nil
}

// FindAllApplied は適用済みマイグレーションをバージョン順に返す。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var rows []SchemaMigrationModel
	if err := r.db.WithContext(ctx).Order("version ASC").Find(&rows).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}

	applied := make([]*domain.Migration, 0, len(rows))
	for _, row := range rows {
		appliedAt := row.AppliedAt
		applied = append(applied, &domain.Migration{
			Version:   row.Version,
			Name:      row.Name,
			Checksum:  row.Checksum,
			AppliedAt: &appliedAt,
			Status:    domain.MigrationStatusApplied,
		})
	}
	return applied, nil
}

// Apply はSQLを実行し、同じトランザクションで適用履歴を記録する。
func (r *MigrationRepository) Apply(ctx context.Context, m *domain.Migration, script string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(script).Error; err != nil {
			return fmt.Errorf("executing %s: %w", m.Path, err)
		}

		row := &SchemaMigrationModel{
			Version:   m.Version,
			Name:      m.Name,
			Checksum:  m.Checksum,
			AppliedAt: time.Now().UTC(),
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("recording version %s: %w", m.Version, err)
		}
		return nil
	})
}
