package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// AutoMigrate はモデル定義からテーブルを作成する。
// SQLiteでのローカル開発・テスト用で、MySQLの本番スキーマは migrations/ で管理する。
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&KeyRecordModel{}, &ProtectedValueModel{}); err != nil {
		return fmt.Errorf("auto-migrating schema: %w", err)
	}
	return nil
}
