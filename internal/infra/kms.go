package infra

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// dataKeyAAD はラップした鍵素材を本サービスのデータ鍵に結び付ける追加認証データ。
var dataKeyAAD = []byte("field-encryption-service/data-key")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var errKMSIntegrity = errors.New("cloud kms response failed integrity check")

// CloudKMSWrapper はデータ鍵の素材をCloud KMSの鍵でラップする。
// 送受信のたびにCRC32Cで改ざんと破損を検出する。
type CloudKMSWrapper struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewCloudKMSWrapper は projects/*/locations/*/keyRings/*/cryptoKeys/* 形式の鍵名で接続する。
func NewCloudKMSWrapper(ctx context.Context, keyName string) (*CloudKMSWrapper, error) {
	if !strings.HasPrefix(keyName, "projects/") || !strings.Contains(keyName, "/cryptoKeys/") {
		return nil, fmt.Errorf("KMS_KEY_NAME must be a crypto key resource name, got %q", keyName)
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to cloud kms: %w", err)
	}
	return &CloudKMSWrapper{client: client, keyName: keyName}, nil
}

// Encrypt はデータ鍵の素材をラップする。
func (w *CloudKMSWrapper) Encrypt(ctx context.Context, material []byte) ([]byte, error) {
	resp, err := w.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:                              w.keyName,
		Plaintext:                         material,
		PlaintextCrc32C:                   wrapperspb.Int64(checksum(material)),
		AdditionalAuthenticatedData:       dataKeyAAD,
		AdditionalAuthenticatedDataCrc32C: wrapperspb.Int64(checksum(dataKeyAAD)),
	})
	if err != nil {
		return nil, fmt.Errorf("wrapping data key with %s: %w", w.keyName, err)
	}
	if err := verifyWrapResponse(resp); err != nil {
		return nil, err
	}
	return resp.Ciphertext, nil
}

// Decrypt はラップされたデータ鍵の素材を取り出す。
func (w *CloudKMSWrapper) Decrypt(ctx context.Context, wrapped []byte) ([]byte, error) {
	resp, err := w.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:                              w.keyName,
		Ciphertext:                        wrapped,
		CiphertextCrc32C:                  wrapperspb.Int64(checksum(wrapped)),
		AdditionalAuthenticatedData:       dataKeyAAD,
		AdditionalAuthenticatedDataCrc32C: wrapperspb.Int64(checksum(dataKeyAAD)),
	})
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key with %s: %w", w.keyName, err)
	}
	if err := verifyUnwrapResponse(resp); err != nil {
		return nil, err
	}
	return resp.Plaintext, nil
}

func (w *CloudKMSWrapper) Close() error {
	return w.client.Close()
}

func checksum(b []byte) int64 {
	return int64(crc32.Checksum(b, castagnoli))
}

// verifyWrapResponse はKMSが要求のチェックサムを検証し、応答が壊れていないことを確かめる。
func verifyWrapResponse(resp *kmspb.EncryptResponse) error {
	if !resp.VerifiedPlaintextCrc32C || !resp.VerifiedAdditionalAuthenticatedDataCrc32C {
		return fmt.Errorf("%w: request checksum not verified", errKMSIntegrity)
	}
	if resp.CiphertextCrc32C == nil || resp.CiphertextCrc32C.Value != checksum(resp.Ciphertext) {
		return fmt.Errorf("%w: wrapped key checksum mismatch", errKMSIntegrity)
	}
	return nil
}

func verifyUnwrapResponse(resp *kmspb.DecryptResponse) error {
	if resp.PlaintextCrc32C == nil || resp.PlaintextCrc32C.Value != checksum(resp.Plaintext) {
		return fmt.Errorf("%w: key material checksum mismatch", errKMSIntegrity)
	}
	return nil
}
