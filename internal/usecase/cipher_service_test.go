package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"field-encryption-service/internal/domain"
)

func newTestCipherService(t *testing.T) (*CipherService, *KeyService, *recordingAudit) {
	t.Helper()
	keySvc, _, audit, _ := newTestKeyService()
	if _, err := keySvc.BootstrapKey(context.Background(), "initial", ""); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return NewCipherService(keySvc, audit, 4), keySvc, audit
}

func TestCipherService_EncryptDecrypt(t *testing.T) {
	svc, _, _ := newTestCipherService(t)
	ctx := context.Background()

	payload, err := svc.Encrypt(ctx, []byte("123-45-6789"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if payload.KeyVersion != 1 {
		t.Errorf("want key_version 1, got %d", payload.KeyVersion)
	}

	plaintext, err := svc.Decrypt(ctx, payload)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "123-45-6789" {
		t.Errorf("want 123-45-6789, got %q", plaintext)
	}
}

// 有効化の直後から新しい鍵で暗号化され、旧鍵の暗号文も読める。
func TestCipherService_RotationKeepsHistoricalPayloadsReadable(t *testing.T) {
	svc, keySvc, _ := newTestCipherService(t)
	ctx := context.Background()

	before, err := svc.Encrypt(ctx, []byte("patient-name"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := completeRotation(ctx, keySvc); err != nil {
		t.Fatalf("rotation: %v", err)
	}

	after, err := svc.Encrypt(ctx, []byte("patient-name"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if after.KeyVersion != 2 {
		t.Errorf("want key_version 2 after activation, got %d", after.KeyVersion)
	}

	for _, p := range []*domain.EncryptedPayload{before, after} {
		plaintext, err := svc.Decrypt(ctx, p)
		if err != nil {
			t.Fatalf("decrypt v%d: %v", p.KeyVersion, err)
		}
		if string(plaintext) != "patient-name" {
			t.Errorf("v%d: want patient-name, got %q", p.KeyVersion, plaintext)
		}
	}
}

// 保留鍵は有効化されるまで新規暗号化に使われない。
func TestCipherService_PendingKeyNotUsedForEncryption(t *testing.T) {
	svc, keySvc, _ := newTestCipherService(t)
	ctx := context.Background()

	if _, err := keySvc.InitiateKeyRotation(ctx, "scheduled", ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	payload, err := svc.Encrypt(ctx, []byte("value"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if payload.KeyVersion != 1 {
		t.Errorf("want key_version 1 while v2 pending, got %d", payload.KeyVersion)
	}
}

func TestCipherService_Decrypt_TamperedPayload(t *testing.T) {
	svc, _, audit := newTestCipherService(t)
	ctx := context.Background()

	payload, err := svc.Encrypt(ctx, []byte("diagnosis"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	payload.Ciphertext[0] ^= 0x01

	plaintext, err := svc.Decrypt(ctx, payload)
	if !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Errorf("want ErrDecryptionFailed, got %v", err)
	}
	if plaintext != nil {
		t.Errorf("want no plaintext, got %q", plaintext)
	}
	if audit.count(domain.AuditActionDecryptionFailed) != 1 {
		t.Error("want DECRYPTION_FAILED audit entry")
	}
}

func TestCipherService_Decrypt_UnknownKeyVersion(t *testing.T) {
	svc, _, audit := newTestCipherService(t)
	ctx := context.Background()

	payload, err := svc.Encrypt(ctx, []byte("value"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	payload.KeyVersion = 99

	_, err = svc.Decrypt(ctx, payload)
	if !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Errorf("want ErrDecryptionFailed, got %v", err)
	}
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want wrapped ErrKeyNotFound, got %v", err)
	}
	if audit.count(domain.AuditActionDecryptionFailed) != 1 {
		t.Error("want DECRYPTION_FAILED audit entry")
	}
}

func TestCipherService_Decrypt_NilPayload(t *testing.T) {
	svc, _, _ := newTestCipherService(t)

	_, err := svc.Decrypt(context.Background(), nil)
	if !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Errorf("want ErrDecryptionFailed, got %v", err)
	}
}

func TestCipherService_Encrypt_NoActiveKey(t *testing.T) {
	keySvc, _, audit, _ := newTestKeyService()
	svc := NewCipherService(keySvc, audit, 2)

	_, err := svc.Encrypt(context.Background(), []byte("value"))
	if !errors.Is(err, domain.ErrNoActiveKey) {
		t.Errorf("want ErrNoActiveKey, got %v", err)
	}
}

func TestCipherService_EncryptBatch_PreservesOrder(t *testing.T) {
	svc, _, _ := newTestCipherService(t)
	ctx := context.Background()

	plaintexts := make([][]byte, 25)
	for i := range plaintexts {
		plaintexts[i] = []byte(fmt.Sprintf("value-%02d", i))
	}

	payloads, err := svc.EncryptBatch(ctx, plaintexts)
	if err != nil {
		t.Fatalf("encrypt batch: %v", err)
	}
	if len(payloads) != len(plaintexts) {
		t.Fatalf("want %d payloads, got %d", len(plaintexts), len(payloads))
	}

	decrypted, err := svc.DecryptBatch(ctx, payloads)
	if err != nil {
		t.Fatalf("decrypt batch: %v", err)
	}
	for i := range plaintexts {
		if !bytes.Equal(decrypted[i], plaintexts[i]) {
			t.Errorf("item %d: want %q, got %q", i, plaintexts[i], decrypted[i])
		}
	}
}

func TestCipherService_Batch_Empty(t *testing.T) {
	svc, _, _ := newTestCipherService(t)
	ctx := context.Background()

	payloads, err := svc.EncryptBatch(ctx, nil)
	if err != nil {
		t.Fatalf("encrypt batch: %v", err)
	}
	if payloads == nil || len(payloads) != 0 {
		t.Errorf("want empty non-nil result, got %v", payloads)
	}

	plaintexts, err := svc.DecryptBatch(ctx, []*domain.EncryptedPayload{})
	if err != nil {
		t.Fatalf("decrypt batch: %v", err)
	}
	if plaintexts == nil || len(plaintexts) != 0 {
		t.Errorf("want empty non-nil result, got %v", plaintexts)
	}
}

func TestCipherService_DecryptBatch_FailsWhole(t *testing.T) {
	svc, _, _ := newTestCipherService(t)
	ctx := context.Background()

	payloads, err := svc.EncryptBatch(ctx, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	if err != nil {
		t.Fatalf("encrypt batch: %v", err)
	}
	payloads[1].AuthTag[0] ^= 0xff

	results, err := svc.DecryptBatch(ctx, payloads)
	if !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Errorf("want ErrDecryptionFailed, got %v", err)
	}
	if results != nil {
		t.Errorf("want no partial results, got %v", results)
	}
}

func TestCipherService_ReEncryptWithNewKey(t *testing.T) {
	svc, keySvc, _ := newTestCipherService(t)
	ctx := context.Background()

	original, err := svc.Encrypt(ctx, []byte("address"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	pending, err := keySvc.InitiateKeyRotation(ctx, "scheduled", "")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	newKey, err := keySvc.GetKey(ctx, pending.KeyVersion)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}

	migrated, err := svc.ReEncryptWithNewKey(ctx, original, newKey)
	if err != nil {
		t.Fatalf("re-encrypt: %v", err)
	}
	if migrated.KeyVersion != pending.KeyVersion {
		t.Errorf("want key_version %d, got %d", pending.KeyVersion, migrated.KeyVersion)
	}

	plaintext, err := svc.Decrypt(ctx, migrated)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "address" {
		t.Errorf("want address, got %q", plaintext)
	}

	again, err := svc.ReEncryptWithNewKey(ctx, migrated, newKey)
	if err != nil {
		t.Fatalf("re-encrypt again: %v", err)
	}
	if again != migrated {
		t.Error("want payload already under target key returned unchanged")
	}
}

// 一回のバッチ内では同じバージョンの鍵を一度だけアンラップする。
func TestCipherService_DecryptBatch_ResolvesEachVersionOnce(t *testing.T) {
	_, keySvc, audit := newTestCipherService(t)
	ctx := context.Background()
	resolver := newCountingResolver(keySvc)
	svc := NewCipherService(resolver, audit, 4)

	plaintexts := make([][]byte, 12)
	for i := range plaintexts {
		plaintexts[i] = []byte(fmt.Sprintf("field-%d", i))
	}
	payloads, err := svc.EncryptBatch(ctx, plaintexts)
	if err != nil {
		t.Fatalf("encrypt batch: %v", err)
	}

	if _, err := svc.DecryptBatch(ctx, payloads); err != nil {
		t.Fatalf("decrypt batch: %v", err)
	}
	if got := resolver.count(1); got != 1 {
		t.Errorf("want key v1 resolved once per batch, got %d", got)
	}

	if _, err := svc.DecryptBatch(ctx, payloads); err != nil {
		t.Fatalf("decrypt batch: %v", err)
	}
	if got := resolver.count(1); got != 2 {
		t.Errorf("want a fresh resolution for the next batch, got %d", got)
	}

	// 単発の復号はキャッシュを持たない
	if _, err := svc.Decrypt(ctx, payloads[0]); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got := resolver.count(1); got != 3 {
		t.Errorf("want single decrypt to resolve the key, got %d", got)
	}
}
