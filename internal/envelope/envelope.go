// Package envelope はバージョン付き鍵素材による認証付き暗号化（AEAD）を提供する。
//
// 呼び出しごとにランダムなIVとソルトを生成し、鍵素材とソルトからHKDFで作業鍵を導出する。
// アルゴリズム名と鍵バージョンは追加認証データとして暗号文に束縛される。
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"field-encryption-service/internal/domain"
)

const (
	// AlgorithmAES256GCM はAES-256-GCMを表す。
	AlgorithmAES256GCM = "aes-256-gcm"
	// AlgorithmChaCha20Poly1305 はChaCha20-Poly1305を表す。
	AlgorithmChaCha20Poly1305 = "chacha20-poly1305"

	// KeySize は鍵素材および導出鍵のバイト長。
	KeySize  = 32
	saltSize = 16
)

type aeadFactory func(key []byte) (cipher.AEAD, error)

var algorithms = map[string]aeadFactory{
	AlgorithmAES256GCM:        newAESGCM,
	AlgorithmChaCha20Poly1305: chacha20poly1305.New,
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Supported はアルゴリズムが利用可能かどうかを返す。
func Supported(algorithm string) bool {
	_, ok := algorithms[algorithm]
	return ok
}

// GenerateKey は暗号論的乱数で新しい鍵素材を生成する。
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating random key: %w", err)
	}
	return key, nil
}

// Seal は平文を暗号化し、keyVersion でタグ付けしたペイロードを返す。
func Seal(algorithm string, keyVersion int, material, plaintext []byte) (*domain.EncryptedPayload, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	aead, err := newAEAD(algorithm, material, salt)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, additionalData(algorithm, keyVersion))
	tagStart := len(sealed) - aead.Overhead()

	return &domain.EncryptedPayload{
		Algorithm:  algorithm,
		KeyVersion: keyVersion,
		IV:         iv,
		AuthTag:    sealed[tagStart:],
		Ciphertext: sealed[:tagStart:tagStart],
		Salt:       salt,
	}, nil
}

// Open はペイロードを検証して復号する。
// 認証タグの検証に失敗した場合は平文を一切返さない。
func Open(material []byte, payload *domain.EncryptedPayload) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrDecryptionFailed)
	}
	if !Supported(payload.Algorithm) {
		return nil, fmt.Errorf("%w: %w: %q", domain.ErrDecryptionFailed, domain.ErrUnsupportedAlgorithm, payload.Algorithm)
	}
	if len(payload.Salt) == 0 {
		return nil, fmt.Errorf("%w: missing salt", domain.ErrDecryptionFailed)
	}

	aead, err := newAEAD(payload.Algorithm, material, payload.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
	}
	if len(payload.IV) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid iv length %d", domain.ErrDecryptionFailed, len(payload.IV))
	}
	if len(payload.AuthTag) != aead.Overhead() {
		return nil, fmt.Errorf("%w: invalid auth tag length %d", domain.ErrDecryptionFailed, len(payload.AuthTag))
	}

	sealed := make([]byte, 0, len(payload.Ciphertext)+len(payload.AuthTag))
	sealed = append(sealed, payload.Ciphertext...)
	sealed = append(sealed, payload.AuthTag...)

	plaintext, err := aead.Open(nil, payload.IV, sealed, additionalData(payload.Algorithm, payload.KeyVersion))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", domain.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// newAEAD は鍵素材とソルトから作業鍵を導出し、AEADを生成する。
func newAEAD(algorithm string, material, salt []byte) (cipher.AEAD, error) {
	factory, ok := algorithms[algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, algorithm)
	}
	if len(material) != KeySize {
		return nil, fmt.Errorf("invalid key material length %d", len(material))
	}

	workingKey := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, material, salt, []byte("field-encryption/"+algorithm))
	if _, err := io.ReadFull(kdf, workingKey); err != nil {
		return nil, fmt.Errorf("deriving working key: %w", err)
	}

	aead, err := factory(workingKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return aead, nil
}

func additionalData(algorithm string, keyVersion int) []byte {
	return []byte(algorithm + ":" + strconv.Itoa(keyVersion))
}
