package usecase

import (
	"context"
	"fmt"

	"field-encryption-service/internal/domain"
)

// ProtectedValueRepository は暗号化済みフィールドの保存と取得のインターフェース。
type ProtectedValueRepository interface {
	Create(ctx context.Context, value *domain.ProtectedValue) error
	FindByID(ctx context.Context, id uint) (*domain.ProtectedValue, error)
}

// Cipher は値の暗号化・復号を行う。
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) (*domain.EncryptedPayload, error)
	Decrypt(ctx context.Context, payload *domain.EncryptedPayload) ([]byte, error)
}

// ValueService はPHIフィールドを暗号化して保存し、読み出し時に復号する。
type ValueService struct {
	repo   ProtectedValueRepository
	cipher Cipher
}

// NewValueService は新しいValueServiceを生成する。
func NewValueService(repo ProtectedValueRepository, cipher Cipher) *ValueService {
	return &ValueService{repo: repo, cipher: cipher}
}

// Protect は平文を現在の有効鍵で暗号化して保存する。
func (s *ValueService) Protect(ctx context.Context, recordRef, fieldName string, plaintext []byte) (*domain.ProtectedValue, error) {
	payload, err := s.cipher.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, err
	}

	value := &domain.ProtectedValue{
		RecordRef:  recordRef,
		FieldName:  fieldName,
		KeyVersion: payload.KeyVersion,
		Payload:    payload,
	}
	if err := s.repo.Create(ctx, value); err != nil {
		return nil, fmt.Errorf("saving protected value: %w", err)
	}
	return value, nil
}

// Reveal は保存済みの値を取得して復号する。
func (s *ValueService) Reveal(ctx context.Context, id uint) (*domain.ProtectedValue, []byte, error) {
	value, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("finding protected value: %w", err)
	}
	if value == nil {
		return nil, nil, domain.ErrValueNotFound
	}

	plaintext, err := s.cipher.Decrypt(ctx, value.Payload)
	if err != nil {
		return nil, nil, err
	}
	return value, plaintext, nil
}
