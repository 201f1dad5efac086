package domain

import "errors"

var (
	// ErrKeyNotFound は指定されたバージョンの鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrNoActiveKey は有効な鍵が一つも存在しない場合のエラー。
	ErrNoActiveKey = errors.New("no active key")

	// ErrKeyAlreadyExists は初期鍵が既に作成されている場合のエラー。
	ErrKeyAlreadyExists = errors.New("key already exists")

	// ErrKeyVersionConflict は鍵バージョンの一意制約に違反した場合のエラー。
	ErrKeyVersionConflict = errors.New("key version conflict")

	// ErrInvalidRotationState は鍵の状態が要求された遷移を許さない場合のエラー。
	ErrInvalidRotationState = errors.New("invalid rotation state")

	// ErrInvalidProgress は進捗値が範囲外の場合のエラー。
	ErrInvalidProgress = errors.New("invalid rotation progress")

	// ErrInvalidKeyVersion は鍵バージョンの形式が不正な場合のエラー。
	ErrInvalidKeyVersion = errors.New("invalid key version")

	// ErrDecryptionFailed は復号できなかった場合のエラー。
	// 改ざん・破損・未知のバージョン・未対応アルゴリズムのいずれも含む。
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrUnsupportedAlgorithm は未対応の暗号アルゴリズムが指定された場合のエラー。
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrValueNotFound は指定された保護値が存在しない場合のエラー。
	ErrValueNotFound = errors.New("protected value not found")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")

	// ErrMigrationChecksumMismatch は適用済みマイグレーションのファイルが書き換えられた場合のエラー。
	ErrMigrationChecksumMismatch = errors.New("applied migration file was modified")
)
