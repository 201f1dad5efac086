// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"field-encryption-service/internal/domain"
	"field-encryption-service/internal/envelope"
)

var tracer = otel.Tracer("field-encryption-service/usecase")

// KeyStore は鍵レコードの永続化インターフェース。
type KeyStore interface {
	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context, key *domain.KeyRecord) error
	FindByVersion(ctx context.Context, keyVersion int) (*domain.KeyRecord, error)
	FindActive(ctx context.Context) (*domain.KeyRecord, error)
	FindInactive(ctx context.Context) ([]*domain.KeyRecord, error)
	FindAll(ctx context.Context) ([]*domain.KeyRecord, error)
	FindLatestPending(ctx context.Context) (*domain.KeyRecord, error)
	FindLatestRetiring(ctx context.Context) (*domain.KeyRecord, error)
	FindDueForDeletion(ctx context.Context, now time.Time) ([]*domain.KeyRecord, error)
	GetMaxVersion(ctx context.Context) (int, error)
	UpdateProgress(ctx context.Context, keyVersion, percentage int, recordsProcessed int64) (bool, error)
	SwapActive(ctx context.Context, keyVersion int, now time.Time) (*domain.KeyRecord, error)
	ScheduleDeletion(ctx context.Context, keyVersion int, at time.Time) error
	MarkDeleted(ctx context.Context, keyVersion int, now time.Time) error
}

// KMSClient は鍵素材のラップ/アンラップのインターフェース。
type KMSClient interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// ValueCounter は鍵バージョンごとの保護値件数を数える。
type ValueCounter interface {
	CountByKeyVersions(ctx context.Context, keyVersions []int) (int64, error)
}

// AuditRecorder は監査サービスのインターフェース。
type AuditRecorder interface {
	Record(ctx context.Context, entry domain.AuditEntry)
}

// KeyServiceOptions はKeyServiceの動作設定。
type KeyServiceOptions struct {
	Algorithm         string
	InitialKeyVersion int
	// MaxAttempts はバージョン割り当て競合時の最大試行回数。
	MaxAttempts uint
	Now         func() time.Time
}

// KeyService は鍵のライフサイクル（ローテーション・有効化・退役）を管理する。
type KeyService struct {
	repo           KeyStore
	values         ValueCounter
	kmsClient      KMSClient
	audit          AuditRecorder
	algorithm      string
	initialVersion int
	maxAttempts    uint
	now            func() time.Time
}

// NewKeyService は新しいKeyServiceを生成する。
func NewKeyService(repo KeyStore, values ValueCounter, kmsClient KMSClient, audit AuditRecorder, opts KeyServiceOptions) *KeyService {
	if opts.Algorithm == "" {
		opts.Algorithm = envelope.AlgorithmAES256GCM
	}
	if opts.InitialKeyVersion < 1 {
		opts.InitialKeyVersion = 1
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 20
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &KeyService{
		repo:           repo,
		values:         values,
		kmsClient:      kmsClient,
		audit:          audit,
		algorithm:      opts.Algorithm,
		initialVersion: opts.InitialKeyVersion,
		maxAttempts:    opts.MaxAttempts,
		now:            opts.Now,
	}
}

// newWrappedMaterial は新しい鍵素材を生成し、KMSでラップして返す。
func (s *KeyService) newWrappedMaterial(ctx context.Context) ([]byte, error) {
	plainKey, err := envelope.GenerateKey()
	if err != nil {
		return nil, err
	}

	wrapped, err := s.kmsClient.Encrypt(ctx, plainKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting key: %w", err)
	}
	return wrapped, nil
}

// BootstrapKey は鍵が一つもない状態で初期の有効鍵を作成する。
func (s *KeyService) BootstrapKey(ctx context.Context, reason, auditInfo string) (*domain.KeyRecord, error) {
	exists, err := s.repo.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking existing key: %w", err)
	}
	if exists {
		return nil, domain.ErrKeyAlreadyExists
	}

	if !envelope.Supported(s.algorithm) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, s.algorithm)
	}

	wrapped, err := s.newWrappedMaterial(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	key := &domain.KeyRecord{
		KeyVersion:         s.initialVersion,
		EncryptedMaterial:  wrapped,
		Algorithm:          s.algorithm,
		Status:             domain.KeyStatusActive,
		IsActive:           true,
		RotationReason:     reason,
		ProgressPercentage: domain.CompleteProgress,
		AuditInfo:          auditInfo,
		ActivatedAt:        &now,
	}
	if err := s.repo.Create(ctx, key); err != nil {
		if errors.Is(err, domain.ErrKeyVersionConflict) {
			return nil, domain.ErrKeyAlreadyExists
		}
		return nil, fmt.Errorf("creating key: %w", err)
	}

	s.audit.Record(ctx, domain.AuditEntry{
		Action:         domain.AuditActionKeyCreated,
		KeyVersion:     key.KeyVersion,
		RotationReason: reason,
		AuditInfo:      auditInfo,
		Success:        true,
	})
	return key, nil
}

// InitiateKeyRotation は次のバージョンの保留鍵を作成する。
// 同時実行でバージョンが衝突した場合はバックオフ付きで再試行する。
func (s *KeyService) InitiateKeyRotation(ctx context.Context, reason, auditInfo string) (*domain.KeyRecord, error) {
	if !envelope.Supported(s.algorithm) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, s.algorithm)
	}

	wrapped, err := s.newWrappedMaterial(ctx)
	if err != nil {
		return nil, err
	}

	attempt := 0
	allocate := func() (*domain.KeyRecord, error) {
		attempt++
		maxVersion, err := s.repo.GetMaxVersion(ctx)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("getting max version: %w", err))
		}
		if maxVersion == 0 {
			return nil, backoff.Permanent(domain.ErrKeyNotFound)
		}

		key := &domain.KeyRecord{
			KeyVersion:        maxVersion + 1,
			EncryptedMaterial: wrapped,
			Algorithm:         s.algorithm,
			Status:            domain.KeyStatusPending,
			RotationReason:    reason,
			AuditInfo:         auditInfo,
		}
		if err := s.repo.Create(ctx, key); err != nil {
			if errors.Is(err, domain.ErrKeyVersionConflict) {
				slog.DebugContext(ctx, "key version conflict, retrying",
					"operation", "initiate_key_rotation",
					"key_version", key.KeyVersion,
					"attempt", attempt,
				)
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("creating key: %w", err))
		}
		return key, nil
	}

	key, err := backoff.Retry(ctx, allocate,
		backoff.WithBackOff(newAllocationBackOff()),
		backoff.WithMaxTries(s.maxAttempts),
	)
	if err != nil {
		s.audit.Record(ctx, domain.AuditEntry{
			Action:         domain.AuditActionRotationInitiateErr,
			RotationReason: reason,
			AuditInfo:      auditInfo,
			Error:          err.Error(),
		})
		if errors.Is(err, domain.ErrKeyNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("allocating key version: %w", err)
	}

	s.audit.Record(ctx, domain.AuditEntry{
		Action:         domain.AuditActionKeyCreated,
		KeyVersion:     key.KeyVersion,
		RotationReason: reason,
		AuditInfo:      auditInfo,
		Success:        true,
	})
	return key, nil
}

func newAllocationBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}

// GetKeyStatus は現在の有効鍵と進行中の保留鍵を返す。
func (s *KeyService) GetKeyStatus(ctx context.Context) (*domain.KeyStatusSnapshot, error) {
	active, err := s.repo.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding active key: %w", err)
	}
	if active == nil {
		return nil, domain.ErrNoActiveKey
	}

	pending, err := s.repo.FindLatestPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding pending key: %w", err)
	}

	return &domain.KeyStatusSnapshot{
		ActiveKey:  active,
		PendingKey: pending,
	}, nil
}

// GetKeyRecord は指定されたバージョンの鍵レコードを取得する。
func (s *KeyService) GetKeyRecord(ctx context.Context, keyVersion int) (*domain.KeyRecord, error) {
	key, err := s.repo.FindByVersion(ctx, keyVersion)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	return key, nil
}

// UpdateRotationProgress は保留鍵の再暗号化進捗を記録する。
// recordsProcessed は累積値。既存値より小さい報告は無視し、保存済みの値を返す。
// 100%に達しても自動では有効化しない。
func (s *KeyService) UpdateRotationProgress(ctx context.Context, keyVersion, percentage int, recordsProcessed int64) (*domain.KeyRecord, error) {
	if percentage < 0 || percentage > domain.CompleteProgress || recordsProcessed < 0 {
		return nil, domain.ErrInvalidProgress
	}

	key, err := s.GetKeyRecord(ctx, keyVersion)
	if err != nil {
		return nil, err
	}
	if key.Status != domain.KeyStatusPending {
		return nil, domain.ErrInvalidRotationState
	}

	updated, err := s.repo.UpdateProgress(ctx, keyVersion, percentage, recordsProcessed)
	if err != nil {
		return nil, fmt.Errorf("updating progress: %w", err)
	}

	current, err := s.GetKeyRecord(ctx, keyVersion)
	if err != nil {
		return nil, err
	}
	if !updated {
		if current.Status != domain.KeyStatusPending {
			return nil, domain.ErrInvalidRotationState
		}
		slog.InfoContext(ctx, "stale rotation progress ignored",
			"operation", "update_rotation_progress",
			"key_version", keyVersion,
			"reported_percentage", percentage,
			"reported_records", recordsProcessed,
			"stored_percentage", current.ProgressPercentage,
			"stored_records", current.RecordsProcessed,
		)
	}
	return current, nil
}

// ActivateRotatedKey は進捗100%の保留鍵を有効化し、旧有効鍵を退役させる。
// 切り替えは単一トランザクションで行われ、有効鍵が0個または2個になる瞬間はない。
func (s *KeyService) ActivateRotatedKey(ctx context.Context, keyVersion int) (*domain.KeyRecord, error) {
	ctx, span := tracer.Start(ctx, "KeyService.ActivateRotatedKey")
	defer span.End()
	span.SetAttributes(attribute.Int("key.version", keyVersion))

	key, err := s.GetKeyRecord(ctx, keyVersion)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if key.IsActive {
		return key, nil
	}
	if key.Status != domain.KeyStatusPending || key.ProgressPercentage != domain.CompleteProgress {
		s.recordActivationFailure(ctx, key, domain.ErrInvalidRotationState)
		span.SetStatus(codes.Error, "rotation not complete")
		return nil, domain.ErrInvalidRotationState
	}

	previous, err := s.repo.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding active key: %w", err)
	}

	activated, err := s.repo.SwapActive(ctx, keyVersion, s.now())
	if err != nil {
		s.recordActivationFailure(ctx, key, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "activation failed")
		if errors.Is(err, domain.ErrInvalidRotationState) {
			return nil, err
		}
		return nil, fmt.Errorf("swapping active key: %w", err)
	}

	attrs := []any{
		"operation", "activate_rotated_key",
		"key_version", keyVersion,
	}
	if previous != nil {
		attrs = append(attrs, "retired_key_version", previous.KeyVersion)
		span.SetAttributes(attribute.Int("key.retired_version", previous.KeyVersion))
	}
	slog.InfoContext(ctx, "key activated", attrs...)

	s.audit.Record(ctx, domain.AuditEntry{
		Action:         domain.AuditActionKeyActivated,
		KeyVersion:     keyVersion,
		RotationReason: activated.RotationReason,
		AuditInfo:      activated.AuditInfo,
		Success:        true,
	})
	return activated, nil
}

func (s *KeyService) recordActivationFailure(ctx context.Context, key *domain.KeyRecord, err error) {
	s.audit.Record(ctx, domain.AuditEntry{
		Action:         domain.AuditActionActivationFailed,
		KeyVersion:     key.KeyVersion,
		RotationReason: key.RotationReason,
		AuditInfo:      key.AuditInfo,
		Error:          err.Error(),
	})
}

// GetKeyHistory は全鍵レコードを作成順に返す。
func (s *KeyService) GetKeyHistory(ctx context.Context) ([]*domain.KeyRecord, error) {
	keys, err := s.repo.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding keys: %w", err)
	}
	return keys, nil
}

// ListInactiveKeys は有効でない鍵レコード（保留・退役・削除済み）を返す。
func (s *KeyService) ListInactiveKeys(ctx context.Context) ([]*domain.KeyRecord, error) {
	keys, err := s.repo.FindInactive(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding inactive keys: %w", err)
	}
	return keys, nil
}

// ScheduleOldKeyDeletion は直近に退役した鍵に retentionDays 日後の削除予定を設定する。
// 保持期間の妥当性（HIPAA等）は呼び出し側の責任で、ここでは補正しない。
func (s *KeyService) ScheduleOldKeyDeletion(ctx context.Context, retentionDays int) (*domain.KeyRecord, error) {
	key, err := s.repo.FindLatestRetiring(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding retiring key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}

	at := s.now().AddDate(0, 0, retentionDays)
	if err := s.repo.ScheduleDeletion(ctx, key.KeyVersion, at); err != nil {
		if errors.Is(err, domain.ErrInvalidRotationState) {
			return nil, err
		}
		return nil, fmt.Errorf("scheduling deletion: %w", err)
	}
	key.DeletionScheduledAt = &at

	s.audit.Record(ctx, domain.AuditEntry{
		Action:         domain.AuditActionDeletionScheduled,
		KeyVersion:     key.KeyVersion,
		RotationReason: key.RotationReason,
		AuditInfo:      key.AuditInfo,
		Success:        true,
	})
	return key, nil
}

// ListKeysDueForDeletion は削除予定日時を過ぎた退役鍵を返す（外部パージ処理の入力）。
func (s *KeyService) ListKeysDueForDeletion(ctx context.Context) ([]*domain.KeyRecord, error) {
	keys, err := s.repo.FindDueForDeletion(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("finding keys due for deletion: %w", err)
	}
	return keys, nil
}

// MarkKeyDeleted はパージ済みの退役鍵を削除済み状態にする。
// その鍵で暗号化された保護値が残っている間は domain.ErrInvalidRotationState を返す。
func (s *KeyService) MarkKeyDeleted(ctx context.Context, keyVersion int) (*domain.KeyRecord, error) {
	key, err := s.GetKeyRecord(ctx, keyVersion)
	if err != nil {
		return nil, err
	}
	if key.Status != domain.KeyStatusRetiring {
		return nil, domain.ErrInvalidRotationState
	}

	remaining, err := s.values.CountByKeyVersions(ctx, []int{keyVersion})
	if err != nil {
		return nil, fmt.Errorf("counting protected values: %w", err)
	}
	if remaining > 0 {
		slog.WarnContext(ctx, "key still protects stored values, refusing to mark deleted",
			"operation", "mark_key_deleted",
			"key_version", keyVersion,
			"remaining", remaining,
		)
		return nil, fmt.Errorf("%w: %d protected values still use key version %d", domain.ErrInvalidRotationState, remaining, keyVersion)
	}

	if err := s.repo.MarkDeleted(ctx, keyVersion, s.now()); err != nil {
		if errors.Is(err, domain.ErrInvalidRotationState) {
			return nil, err
		}
		return nil, fmt.Errorf("marking key deleted: %w", err)
	}
	key.Status = domain.KeyStatusDeleted

	s.audit.Record(ctx, domain.AuditEntry{
		Action:         domain.AuditActionKeyDeleted,
		KeyVersion:     keyVersion,
		RotationReason: key.RotationReason,
		AuditInfo:      key.AuditInfo,
		Success:        true,
	})
	return key, nil
}

// GetActiveKey は現在の有効鍵を毎回ストアから解決し、復号済みの鍵素材を返す。
func (s *KeyService) GetActiveKey(ctx context.Context) (*domain.Key, error) {
	record, err := s.repo.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding active key: %w", err)
	}
	if record == nil {
		return nil, domain.ErrNoActiveKey
	}
	return s.unwrap(ctx, record)
}

// GetKey は指定されたバージョンの復号済み鍵素材を返す。
// 削除済みの鍵は domain.ErrInvalidRotationState を返す。
func (s *KeyService) GetKey(ctx context.Context, keyVersion int) (*domain.Key, error) {
	record, err := s.GetKeyRecord(ctx, keyVersion)
	if err != nil {
		return nil, err
	}
	if record.IsTerminal() {
		return nil, domain.ErrInvalidRotationState
	}
	return s.unwrap(ctx, record)
}

func (s *KeyService) unwrap(ctx context.Context, record *domain.KeyRecord) (*domain.Key, error) {
	material, err := s.kmsClient.Decrypt(ctx, record.EncryptedMaterial)
	if err != nil {
		return nil, fmt.Errorf("decrypting key: %w", err)
	}
	return &domain.Key{
		KeyVersion: record.KeyVersion,
		Algorithm:  record.Algorithm,
		Material:   material,
	}, nil
}
