package usecase

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"field-encryption-service/internal/domain"
)

// memKeyStore はテスト用のインメモリ鍵ストア。
// バージョンと有効鍵の一意性はDBの一意制約と同じく Create/SwapActive で強制する。
type memKeyStore struct {
	mu        sync.Mutex
	keys      map[int]*domain.KeyRecord
	createErr error
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{keys: make(map[int]*domain.KeyRecord)}
}

func cloneKey(k *domain.KeyRecord) *domain.KeyRecord {
	if k == nil {
		return nil
	}
	c := *k
	return &c
}

func (m *memKeyStore) sorted() []*domain.KeyRecord {
	keys := make([]*domain.KeyRecord, 0, len(m.keys))
	for _, k := range m.keys {
		keys = append(keys, cloneKey(k))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].KeyVersion < keys[j].KeyVersion })
	return keys
}

func (m *memKeyStore) Exists(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys) > 0, nil
}

func (m *memKeyStore) Create(ctx context.Context, key *domain.KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, exists := m.keys[key.KeyVersion]; exists {
		return domain.ErrKeyVersionConflict
	}
	if key.IsActive {
		for _, k := range m.keys {
			if k.IsActive {
				return domain.ErrKeyVersionConflict
			}
		}
	}
	now := time.Now()
	key.CreatedAt = now
	key.UpdatedAt = now
	m.keys[key.KeyVersion] = cloneKey(key)
	return nil
}

func (m *memKeyStore) FindByVersion(ctx context.Context, keyVersion int) (*domain.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneKey(m.keys[keyVersion]), nil
}

func (m *memKeyStore) FindActive(ctx context.Context) (*domain.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.IsActive {
			return cloneKey(k), nil
		}
	}
	return nil, nil
}

func (m *memKeyStore) FindInactive(ctx context.Context) ([]*domain.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.KeyRecord
	for _, k := range m.sorted() {
		if !k.IsActive {
			result = append(result, k)
		}
	}
	return result, nil
}

func (m *memKeyStore) FindAll(ctx context.Context) ([]*domain.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(), nil
}

func (m *memKeyStore) FindLatestPending(ctx context.Context) (*domain.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.KeyRecord
	for _, k := range m.sorted() {
		if k.Status == domain.KeyStatusPending {
			latest = k
		}
	}
	return latest, nil
}

func (m *memKeyStore) FindLatestRetiring(ctx context.Context) (*domain.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.KeyRecord
	for _, k := range m.sorted() {
		if k.Status != domain.KeyStatusRetiring || k.RetiredAt == nil {
			continue
		}
		if latest == nil || !k.RetiredAt.Before(*latest.RetiredAt) {
			latest = k
		}
	}
	return latest, nil
}

func (m *memKeyStore) FindDueForDeletion(ctx context.Context, now time.Time) ([]*domain.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.KeyRecord
	for _, k := range m.sorted() {
		if k.Status == domain.KeyStatusRetiring && k.DeletionScheduledAt != nil && !k.DeletionScheduledAt.After(now) {
			result = append(result, k)
		}
	}
	return result, nil
}

func (m *memKeyStore) GetMaxVersion(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxVersion := 0
	for v := range m.keys {
		if v > maxVersion {
			maxVersion = v
		}
	}
	return maxVersion, nil
}

func (m *memKeyStore) UpdateProgress(ctx context.Context, keyVersion, percentage int, recordsProcessed int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyVersion]
	if !ok || k.Status != domain.KeyStatusPending {
		return false, nil
	}
	if percentage < k.ProgressPercentage || recordsProcessed < k.RecordsProcessed {
		return false, nil
	}
	k.ProgressPercentage = percentage
	k.RecordsProcessed = recordsProcessed
	return true, nil
}

func (m *memKeyStore) SwapActive(ctx context.Context, keyVersion int, now time.Time) (*domain.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.keys[keyVersion]
	if !ok || target.Status != domain.KeyStatusPending || target.ProgressPercentage != domain.CompleteProgress {
		return nil, domain.ErrInvalidRotationState
	}
	for _, k := range m.keys {
		if k.IsActive {
			k.IsActive = false
			k.Status = domain.KeyStatusRetiring
			retiredAt := now
			k.RetiredAt = &retiredAt
		}
	}
	target.IsActive = true
	target.Status = domain.KeyStatusActive
	activatedAt := now
	target.ActivatedAt = &activatedAt
	return cloneKey(target), nil
}

func (m *memKeyStore) ScheduleDeletion(ctx context.Context, keyVersion int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyVersion]
	if !ok || k.Status != domain.KeyStatusRetiring {
		return domain.ErrInvalidRotationState
	}
	k.DeletionScheduledAt = &at
	return nil
}

func (m *memKeyStore) MarkDeleted(ctx context.Context, keyVersion int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyVersion]
	if !ok || k.Status != domain.KeyStatusRetiring || k.DeletionScheduledAt == nil || k.DeletionScheduledAt.After(now) {
		return domain.ErrInvalidRotationState
	}
	k.Status = domain.KeyStatusDeleted
	return nil
}

// mockKMSClient はテスト用のモックKMSクライアント。
// ラップは可逆な接頭辞付与で表現する。
type mockKMSClient struct {
	encryptErr error
	decryptErr error
}

var wrapPrefix = []byte("wrapped:")

func (m *mockKMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if m.encryptErr != nil {
		return nil, m.encryptErr
	}
	return append(append([]byte{}, wrapPrefix...), plaintext...), nil
}

func (m *mockKMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if m.decryptErr != nil {
		return nil, m.decryptErr
	}
	if !bytes.HasPrefix(ciphertext, wrapPrefix) {
		return nil, errors.New("not wrapped")
	}
	return bytes.Clone(ciphertext[len(wrapPrefix):]), nil
}

// recordingAudit は記録された監査エントリを保持する。
type recordingAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *recordingAudit) Record(ctx context.Context, entry domain.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *recordingAudit) count(action domain.AuditAction) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

// fakeClock はテスト用の進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestKeyService はインメモリストアを使うKeyServiceを生成する。
func newTestKeyService() (*KeyService, *memKeyStore, *recordingAudit, *fakeClock) {
	return newTestKeyServiceWithValues(&memValueStore{})
}

// newTestKeyServiceWithValues は保護値ストアを共有するKeyServiceを生成する。
func newTestKeyServiceWithValues(values *memValueStore) (*KeyService, *memKeyStore, *recordingAudit, *fakeClock) {
	store := newMemKeyStore()
	audit := &recordingAudit{}
	clock := newFakeClock()
	svc := NewKeyService(store, values, &mockKMSClient{}, audit, KeyServiceOptions{
		MaxAttempts: 100,
		Now:         clock.Now,
	})
	return svc, store, audit, clock
}

// completeRotation は保留鍵を作成し、進捗100%にして有効化する。
func completeRotation(ctx context.Context, svc *KeyService) (*domain.KeyRecord, error) {
	pending, err := svc.InitiateKeyRotation(ctx, "scheduled", "test")
	if err != nil {
		return nil, err
	}
	if _, err := svc.UpdateRotationProgress(ctx, pending.KeyVersion, domain.CompleteProgress, 0); err != nil {
		return nil, err
	}
	return svc.ActivateRotatedKey(ctx, pending.KeyVersion)
}

// countingResolver はバージョンごとの鍵解決回数を数える。
type countingResolver struct {
	KeyResolver

	mu   sync.Mutex
	gets map[int]int
}

func newCountingResolver(inner KeyResolver) *countingResolver {
	return &countingResolver{KeyResolver: inner, gets: make(map[int]int)}
}

func (r *countingResolver) GetKey(ctx context.Context, keyVersion int) (*domain.Key, error) {
	r.mu.Lock()
	r.gets[keyVersion]++
	r.mu.Unlock()
	return r.KeyResolver.GetKey(ctx, keyVersion)
}

func (r *countingResolver) count(keyVersion int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gets[keyVersion]
}
