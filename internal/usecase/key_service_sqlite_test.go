package usecase_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"field-encryption-service/internal/domain"
	"field-encryption-service/internal/infra"
	"field-encryption-service/internal/middleware"
	"field-encryption-service/internal/repository"
	"field-encryption-service/internal/usecase"
)

// newSQLiteKeyService はファイルベースのSQLiteに接続したKeyServiceを生成する。
func newSQLiteKeyService(t *testing.T) *usecase.KeyService {
	t.Helper()
	ctx := context.Background()

	db, err := infra.NewDB("sqlite:"+filepath.Join(t.TempDir(), "keys.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	if err := repository.AutoMigrate(ctx, db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	wrapper, err := infra.NewLocalKeyWrapper(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x21}, 32)))
	if err != nil {
		t.Fatalf("failed to create wrapper: %v", err)
	}
	audit := middleware.NewAuditLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))

	return usecase.NewKeyService(
		repository.NewKeyRepository(db),
		repository.NewProtectedValueRepository(db),
		wrapper,
		audit,
		usecase.KeyServiceOptions{MaxAttempts: 100},
	)
}

func TestKeyService_SQLite_ConcurrentRotationsGetDistinctVersions(t *testing.T) {
	svc := newSQLiteKeyService(t)
	ctx := context.Background()

	if _, err := svc.BootstrapKey(ctx, "initial", ""); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions []int
		errs     []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := svc.InitiateKeyRotation(ctx, "concurrent", "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			versions = append(versions, key.KeyVersion)
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("want no errors, got %v", errs)
	}
	sort.Ints(versions)
	for i, v := range versions {
		if want := i + 2; v != want {
			t.Fatalf("want versions 2..%d, got %v", callers+1, versions)
		}
	}

	history, err := svc.GetKeyHistory(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != callers+1 {
		t.Errorf("want %d records, got %d", callers+1, len(history))
	}
	active := 0
	for _, k := range history {
		if k.IsActive {
			active++
		}
		if k.KeyVersion > 1 && k.Status != domain.KeyStatusPending {
			t.Errorf("v%d: want pending, got %s", k.KeyVersion, k.Status)
		}
	}
	if active != 1 {
		t.Errorf("want exactly one active key, got %d", active)
	}
}

func TestKeyService_SQLite_ActivationKeepsSingleActiveKey(t *testing.T) {
	svc := newSQLiteKeyService(t)
	ctx := context.Background()

	if _, err := svc.BootstrapKey(ctx, "initial", ""); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	pending, err := svc.InitiateKeyRotation(ctx, "scheduled", "")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.UpdateRotationProgress(ctx, pending.KeyVersion, domain.CompleteProgress, 0); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if _, err := svc.ActivateRotatedKey(ctx, pending.KeyVersion); err != nil {
		t.Fatalf("activate: %v", err)
	}

	status, err := svc.GetKeyStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.ActiveKey.KeyVersion != 2 || status.ActiveKey.ActivatedAt == nil {
		t.Errorf("want v2 active with activated_at, got %+v", status.ActiveKey)
	}
	old, err := svc.GetKeyRecord(ctx, 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if old.Status != domain.KeyStatusRetiring || old.RetiredAt == nil {
		t.Errorf("want v1 retiring with retired_at, got %+v", old)
	}
}
