package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"field-encryption-service/internal/domain"
	"field-encryption-service/internal/envelope"
)

// KeyResolver は暗号処理に使う鍵素材を解決するインターフェース。
type KeyResolver interface {
	GetActiveKey(ctx context.Context) (*domain.Key, error)
	GetKey(ctx context.Context, keyVersion int) (*domain.Key, error)
}

type keyCacheCtxKey struct{}

// keyCache は一回のバッチ・移行処理の間だけ、アンラップ済みの鍵をバージョンごとに保持する。
// 有効鍵の解決には使わない。
type keyCache struct {
	mu    sync.Mutex
	keys  map[int]*domain.Key
	group singleflight.Group
}

func withKeyCache(ctx context.Context) context.Context {
	if _, ok := ctx.Value(keyCacheCtxKey{}).(*keyCache); ok {
		return ctx
	}
	return context.WithValue(ctx, keyCacheCtxKey{}, &keyCache{keys: make(map[int]*domain.Key)})
}

// CipherService はフィールド単位の暗号化・復号を提供する。
// 有効鍵は呼び出しごとに解決し、キャッシュしない。
type CipherService struct {
	keys    KeyResolver
	audit   AuditRecorder
	workers int
}

// NewCipherService は新しいCipherServiceを生成する。
// workers はバッチ処理の並列度。
func NewCipherService(keys KeyResolver, audit AuditRecorder, workers int) *CipherService {
	if workers < 1 {
		workers = 1
	}
	return &CipherService{
		keys:    keys,
		audit:   audit,
		workers: workers,
	}
}

// Encrypt は現在の有効鍵で平文を暗号化する。
func (s *CipherService) Encrypt(ctx context.Context, plaintext []byte) (*domain.EncryptedPayload, error) {
	key, err := s.keys.GetActiveKey(ctx)
	if err != nil {
		return nil, err
	}
	return s.EncryptWithKey(key, plaintext)
}

// EncryptWithKey は指定された鍵で平文を暗号化する。
func (s *CipherService) EncryptWithKey(key *domain.Key, plaintext []byte) (*domain.EncryptedPayload, error) {
	return envelope.Seal(key.Algorithm, key.KeyVersion, key.Material, plaintext)
}

// Decrypt はペイロードに記録された鍵バージョンで復号する。
// 失敗時は部分的な平文を返さず、監査ログに記録する。
func (s *CipherService) Decrypt(ctx context.Context, payload *domain.EncryptedPayload) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrDecryptionFailed)
	}

	key, err := s.resolveKey(ctx, payload.KeyVersion)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) || errors.Is(err, domain.ErrInvalidRotationState) {
			err = fmt.Errorf("%w: key version %d: %w", domain.ErrDecryptionFailed, payload.KeyVersion, err)
			s.recordDecryptFailure(ctx, payload, err)
			return nil, err
		}
		return nil, fmt.Errorf("resolving key version %d: %w", payload.KeyVersion, err)
	}

	plaintext, err := envelope.Open(key.Material, payload)
	if err != nil {
		s.recordDecryptFailure(ctx, payload, err)
		return nil, err
	}
	return plaintext, nil
}

// resolveKey は復号用の鍵を解決する。ctx に鍵キャッシュがあれば同じバージョンのアンラップは一度だけ行う。
func (s *CipherService) resolveKey(ctx context.Context, keyVersion int) (*domain.Key, error) {
	cache, ok := ctx.Value(keyCacheCtxKey{}).(*keyCache)
	if !ok {
		return s.keys.GetKey(ctx, keyVersion)
	}

	v, err, _ := cache.group.Do(strconv.Itoa(keyVersion), func() (any, error) {
		cache.mu.Lock()
		key, hit := cache.keys[keyVersion]
		cache.mu.Unlock()
		if hit {
			return key, nil
		}

		key, err := s.keys.GetKey(ctx, keyVersion)
		if err != nil {
			return nil, err
		}
		cache.mu.Lock()
		cache.keys[keyVersion] = key
		cache.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Key), nil
}

func (s *CipherService) recordDecryptFailure(ctx context.Context, payload *domain.EncryptedPayload, err error) {
	slog.WarnContext(ctx, "decryption failed",
		"operation", "decrypt",
		"key_version", payload.KeyVersion,
		"algorithm", payload.Algorithm,
		"error", err,
	)
	s.audit.Record(ctx, domain.AuditEntry{
		Action:     domain.AuditActionDecryptionFailed,
		KeyVersion: payload.KeyVersion,
		Error:      err.Error(),
	})
}

// EncryptBatch は複数の平文を並列に暗号化する。
// バッチ全体で同じ有効鍵を使い、結果は入力と同じ順序で返す。
// いずれかが失敗した場合はバッチ全体を失敗とする。
func (s *CipherService) EncryptBatch(ctx context.Context, plaintexts [][]byte) ([]*domain.EncryptedPayload, error) {
	results := make([]*domain.EncryptedPayload, len(plaintexts))
	if len(plaintexts) == 0 {
		return results, nil
	}

	key, err := s.keys.GetActiveKey(ctx)
	if err != nil {
		return nil, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, plaintext := range plaintexts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			payload, err := s.EncryptWithKey(key, plaintext)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			results[i] = payload
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// DecryptBatch は複数のペイロードを並列に復号する。
// 結果は入力と同じ順序で返し、一件でも失敗した場合はバッチ全体を失敗とする。
func (s *CipherService) DecryptBatch(ctx context.Context, payloads []*domain.EncryptedPayload) ([][]byte, error) {
	results := make([][]byte, len(payloads))
	if len(payloads) == 0 {
		return results, nil
	}

	g, ctx := errgroup.WithContext(withKeyCache(ctx))
	g.SetLimit(s.workers)
	for i, payload := range payloads {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			plaintext, err := s.Decrypt(ctx, payload)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			results[i] = plaintext
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ReEncryptWithNewKey は旧鍵で復号して newKey で暗号化し直す。
// 既に newKey のバージョンで暗号化されている場合はそのまま返す。
func (s *CipherService) ReEncryptWithNewKey(ctx context.Context, payload *domain.EncryptedPayload, newKey *domain.Key) (*domain.EncryptedPayload, error) {
	if payload != nil && payload.KeyVersion == newKey.KeyVersion {
		return payload, nil
	}

	plaintext, err := s.Decrypt(ctx, payload)
	if err != nil {
		return nil, err
	}
	return s.EncryptWithKey(newKey, plaintext)
}
