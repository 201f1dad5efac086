package infra

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"field-encryption-service/internal/domain"
	"field-encryption-service/internal/envelope"
)

// masterKeyVersion はマスター鍵でラップした鍵素材に付けるバージョン。
const masterKeyVersion = 0

// LocalKeyWrapper はKMSを使わない環境向けに、マスター鍵で鍵素材をラップする。
type LocalKeyWrapper struct {
	masterKey []byte
}

// NewLocalKeyWrapper はBase64エンコードされた32バイトのマスター鍵からLocalKeyWrapperを生成する。
func NewLocalKeyWrapper(encodedMasterKey string) (*LocalKeyWrapper, error) {
	if encodedMasterKey == "" {
		return nil, fmt.Errorf("MASTER_KEY is required when KMS_KEY_NAME is not set")
	}
	masterKey, err := base64.StdEncoding.DecodeString(encodedMasterKey)
	if err != nil {
		return nil, fmt.Errorf("decoding MASTER_KEY: %w", err)
	}
	if len(masterKey) != envelope.KeySize {
		return nil, fmt.Errorf("MASTER_KEY must be %d bytes, got %d", envelope.KeySize, len(masterKey))
	}
	return &LocalKeyWrapper{masterKey: masterKey}, nil
}

// Encrypt は鍵素材をマスター鍵でラップする。
func (w *LocalKeyWrapper) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	payload, err := envelope.Seal(envelope.AlgorithmAES256GCM, masterKeyVersion, w.masterKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("wrapping key material: %w", err)
	}
	wrapped, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding wrapped key: %w", err)
	}
	return wrapped, nil
}

// Decrypt はラップされた鍵素材をマスター鍵で復元する。
func (w *LocalKeyWrapper) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	var payload domain.EncryptedPayload
	if err := json.Unmarshal(ciphertext, &payload); err != nil {
		return nil, fmt.Errorf("decoding wrapped key: %w", err)
	}
	material, err := envelope.Open(w.masterKey, &payload)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key material: %w", err)
	}
	return material, nil
}

// Close は何もしない。
func (w *LocalKeyWrapper) Close() error {
	return nil
}
