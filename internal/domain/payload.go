package domain

import "time"

// EncryptedPayload は一つの保護された値を表す。
// 復号に必要な情報は KeyVersion で特定できる鍵以外すべて含まれる。
// []byte フィールドはJSON上で標準Base64として表現される。
type EncryptedPayload struct {
	Algorithm  string `json:"algorithm"`
	KeyVersion int    `json:"keyVersion"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"authTag"`
	Ciphertext []byte `json:"ciphertext"`
	Salt       []byte `json:"salt"`
}

// ProtectedValue は保存されたPHIフィールド一件を表す。
type ProtectedValue struct {
	ID         uint
	RecordRef  string
	FieldName  string
	KeyVersion int
	Payload    *EncryptedPayload
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReEncryptionResult は再暗号化パイプライン一回分の実行結果。
type ReEncryptionResult struct {
	SourceVersion    int
	TargetVersion    int
	Total            int64
	RecordsProcessed int64
	Migrated         int64
	Skipped          int64
	Percentage       int
}
