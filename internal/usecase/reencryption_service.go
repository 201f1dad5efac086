package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"field-encryption-service/internal/domain"
)

// ProtectedValueStore は暗号化済みフィールドの永続化インターフェース。
type ProtectedValueStore interface {
	CountByKeyVersions(ctx context.Context, keyVersions []int) (int64, error)
	FindByKeyVersions(ctx context.Context, keyVersions []int, offset, limit int) ([]*domain.ProtectedValue, error)
	UpdatePayloads(ctx context.Context, values []*domain.ProtectedValue) error
}

// RotationTracker は再暗号化パイプラインが参照する鍵ライフサイクル操作。
type RotationTracker interface {
	GetKeyRecord(ctx context.Context, keyVersion int) (*domain.KeyRecord, error)
	GetKeyStatus(ctx context.Context) (*domain.KeyStatusSnapshot, error)
	GetKeyHistory(ctx context.Context) ([]*domain.KeyRecord, error)
	GetKey(ctx context.Context, keyVersion int) (*domain.Key, error)
	UpdateRotationProgress(ctx context.Context, keyVersion, percentage int, recordsProcessed int64) (*domain.KeyRecord, error)
}

// ReEncryptor は一件のペイロードを新しい鍵で暗号化し直す。
type ReEncryptor interface {
	ReEncryptWithNewKey(ctx context.Context, payload *domain.EncryptedPayload, newKey *domain.Key) (*domain.EncryptedPayload, error)
}

// ReEncryptionService は保存済みフィールドを保留鍵へ移行するバッチ処理。
// 進捗は保留鍵に累積件数として記録され、中断後は記録済みの位置から再開する。
// 有効化は行わない。
type ReEncryptionService struct {
	values    ProtectedValueStore
	rotation  RotationTracker
	cipher    ReEncryptor
	audit     AuditRecorder
	batchSize int
	workers   int
}

// NewReEncryptionService は新しいReEncryptionServiceを生成する。
func NewReEncryptionService(values ProtectedValueStore, rotation RotationTracker, cipher ReEncryptor, audit AuditRecorder, batchSize, workers int) *ReEncryptionService {
	if batchSize < 1 {
		batchSize = 500
	}
	if workers < 1 {
		workers = 1
	}
	return &ReEncryptionService{
		values:    values,
		rotation:  rotation,
		cipher:    cipher,
		audit:     audit,
		batchSize: batchSize,
		workers:   workers,
	}
}

// Run は有効鍵・退役中の鍵および targetVersion で暗号化されたフィールドを
// targetVersion の鍵で暗号化し直し、進捗を報告する。
// 前回のローテーション後に旧鍵で書き込まれた値も対象になる。
func (s *ReEncryptionService) Run(ctx context.Context, targetVersion int) (*domain.ReEncryptionResult, error) {
	ctx, span := tracer.Start(ctx, "ReEncryptionService.Run")
	defer span.End()
	span.SetAttributes(attribute.Int("key.target_version", targetVersion))

	result, err := s.run(withKeyCache(ctx), targetVersion)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "re-encryption failed")
		s.audit.Record(ctx, domain.AuditEntry{
			Action:     domain.AuditActionReEncryptionFailed,
			KeyVersion: targetVersion,
			Error:      err.Error(),
		})
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("key.source_version", result.SourceVersion),
		attribute.Int64("reencrypt.total", result.Total),
		attribute.Int64("reencrypt.migrated", result.Migrated),
	)
	return result, nil
}

func (s *ReEncryptionService) run(ctx context.Context, targetVersion int) (*domain.ReEncryptionResult, error) {
	target, err := s.rotation.GetKeyRecord(ctx, targetVersion)
	if err != nil {
		return nil, err
	}
	if target.Status != domain.KeyStatusPending {
		return nil, domain.ErrInvalidRotationState
	}

	status, err := s.rotation.GetKeyStatus(ctx)
	if err != nil {
		return nil, err
	}
	sourceVersion := status.ActiveKey.KeyVersion

	newKey, err := s.rotation.GetKey(ctx, targetVersion)
	if err != nil {
		return nil, err
	}

	versions, err := s.sweepVersions(ctx, targetVersion)
	if err != nil {
		return nil, err
	}
	total, err := s.values.CountByKeyVersions(ctx, versions)
	if err != nil {
		return nil, fmt.Errorf("counting protected values: %w", err)
	}

	processed := target.RecordsProcessed
	if processed > total {
		processed = total
	}
	result := &domain.ReEncryptionResult{
		SourceVersion:    sourceVersion,
		TargetVersion:    targetVersion,
		Total:            total,
		RecordsProcessed: processed,
	}

	slog.InfoContext(ctx, "re-encryption started",
		"operation", "reencrypt",
		"source_version", sourceVersion,
		"target_version", targetVersion,
		"key_versions", versions,
		"total", total,
		"resume_from", processed,
	)

	for {
		batch, err := s.values.FindByKeyVersions(ctx, versions, int(processed), s.batchSize)
		if err != nil {
			return nil, fmt.Errorf("loading batch at offset %d: %w", processed, err)
		}
		if len(batch) == 0 {
			break
		}

		migrated, err := s.reEncryptBatch(ctx, batch, newKey)
		if err != nil {
			return nil, err
		}
		if err := s.values.UpdatePayloads(ctx, migrated); err != nil {
			return nil, fmt.Errorf("saving batch at offset %d: %w", processed, err)
		}

		processed += int64(len(batch))
		result.Migrated += int64(len(migrated))
		result.Skipped += int64(len(batch) - len(migrated))

		// 100%は全件処理後にのみ報告する
		percentage := progressPercentage(processed, total)
		if percentage >= domain.CompleteProgress {
			percentage = domain.CompleteProgress - 1
		}
		if _, err := s.rotation.UpdateRotationProgress(ctx, targetVersion, percentage, processed); err != nil {
			return nil, fmt.Errorf("reporting progress: %w", err)
		}

		slog.InfoContext(ctx, "re-encryption batch completed",
			"operation", "reencrypt",
			"target_version", targetVersion,
			"batch_size", len(batch),
			"processed", processed,
			"total", total,
		)

		if len(batch) < s.batchSize {
			break
		}
	}

	if _, err := s.rotation.UpdateRotationProgress(ctx, targetVersion, domain.CompleteProgress, processed); err != nil {
		return nil, fmt.Errorf("reporting progress: %w", err)
	}

	result.RecordsProcessed = processed
	result.Percentage = domain.CompleteProgress

	slog.InfoContext(ctx, "re-encryption completed",
		"operation", "reencrypt",
		"source_version", sourceVersion,
		"target_version", targetVersion,
		"processed", processed,
		"migrated", result.Migrated,
		"skipped", result.Skipped,
	)
	return result, nil
}

// sweepVersions は移行対象のバージョン集合を返す。
// 復号可能な有効鍵・退役中の鍵と移行先を含み、削除済みと他の保留鍵は含めない。
func (s *ReEncryptionService) sweepVersions(ctx context.Context, targetVersion int) ([]int, error) {
	history, err := s.rotation.GetKeyHistory(ctx)
	if err != nil {
		return nil, err
	}
	versions := make([]int, 0, len(history))
	for _, k := range history {
		switch {
		case k.KeyVersion == targetVersion,
			k.Status == domain.KeyStatusActive,
			k.Status == domain.KeyStatusRetiring:
			versions = append(versions, k.KeyVersion)
		}
	}
	return versions, nil
}

// reEncryptBatch はバッチ内の移行元ペイロードを並列に暗号化し直し、変更されたものだけを返す。
func (s *ReEncryptionService) reEncryptBatch(ctx context.Context, batch []*domain.ProtectedValue, newKey *domain.Key) ([]*domain.ProtectedValue, error) {
	updated := make([]*domain.ProtectedValue, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, value := range batch {
		if value.KeyVersion == newKey.KeyVersion {
			continue
		}
		g.Go(func() error {
			payload, err := s.cipher.ReEncryptWithNewKey(gctx, value.Payload, newKey)
			if err != nil {
				return fmt.Errorf("re-encrypting value %d: %w", value.ID, err)
			}
			updated[i] = &domain.ProtectedValue{
				ID:         value.ID,
				RecordRef:  value.RecordRef,
				FieldName:  value.FieldName,
				KeyVersion: value.KeyVersion,
				Payload:    payload,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	migrated := make([]*domain.ProtectedValue, 0, len(batch))
	for _, v := range updated {
		if v != nil {
			migrated = append(migrated, v)
		}
	}
	return migrated, nil
}

func progressPercentage(processed, total int64) int {
	if total == 0 {
		return domain.CompleteProgress
	}
	return int(processed * domain.CompleteProgress / total)
}
