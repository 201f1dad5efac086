// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// KeyStatus は暗号鍵のライフサイクル状態を表す。
type KeyStatus string

const (
	// KeyStatusPending はローテーション開始直後、再暗号化が進行中の鍵を表す。
	KeyStatusPending KeyStatus = "pending"
	// KeyStatusActive は新規書き込みに使われる唯一の鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusRetiring は後継鍵に置き換えられ、削除予定を待つ鍵を表す。
	KeyStatusRetiring KeyStatus = "retiring"
	// KeyStatusDeleted は外部のパージ処理が完了した鍵を表す。
	KeyStatusDeleted KeyStatus = "deleted"
)

// CompleteProgress は再暗号化完了を示す進捗率。
const CompleteProgress = 100

// KeyRecord はバージョン付き暗号鍵のエンティティを表す。
// Material はKMSまたはマスター鍵でラップされた状態で保持する。
type KeyRecord struct {
	ID                  string
	KeyVersion          int
	EncryptedMaterial   []byte
	Algorithm           string
	Status              KeyStatus
	IsActive            bool
	RotationReason      string
	ProgressPercentage  int
	RecordsProcessed    int64
	AuditInfo           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ActivatedAt         *time.Time
	RetiredAt           *time.Time
	DeletionScheduledAt *time.Time
}

// IsTerminal は鍵が削除済みかどうかを返す。
func (k *KeyRecord) IsTerminal() bool {
	return k.Status == KeyStatusDeleted
}

// Key は復号済みの鍵素材を表す。
type Key struct {
	KeyVersion int
	Algorithm  string
	Material   []byte
}

// KeyStatusSnapshot は現在の有効鍵と進行中の保留鍵のスナップショット。
type KeyStatusSnapshot struct {
	ActiveKey  *KeyRecord
	PendingKey *KeyRecord
}
