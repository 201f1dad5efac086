package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"field-encryption-service/internal/domain"
)

// MigrationRepository はマイグレーション履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	Apply(ctx context.Context, m *domain.Migration, script string) error
}

// MigrationService は鍵テーブル・保護値テーブルのスキーマ適用を提供する。
type MigrationService struct {
	repo MigrationRepository
	fsys fs.FS
}

// NewMigrationService は新しいMigrationServiceを生成する。
// fsys には migrations.FS またはディレクトリを os.DirFS で渡す。
func NewMigrationService(repo MigrationRepository, fsys fs.FS) *MigrationService {
	return &MigrationService{
		repo: repo,
		fsys: fsys,
	}
}

// scanMigrationFiles はFS直下の.sqlファイルをバージョン順に列挙し、チェックサムを付与する。
func (s *MigrationService) scanMigrationFiles() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrMigrationFileNotFound
		}
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var files []*domain.Migration
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: version %s used by %s and %s", domain.ErrInvalidMigrationFile, version, other, entry.Name())
		}
		seen[version] = entry.Name()

		body, err := fs.ReadFile(s.fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(body)

		files = append(files, &domain.Migration{
			Version:  version,
			Name:     name,
			Path:     path.Clean(entry.Name()),
			Checksum: hex.EncodeToString(sum[:]),
			Status:   domain.MigrationStatusPending,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Version < files[j].Version
	})
	return files, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 001_create_key_records.sql)
func parseMigrationFileName(filename string) (version, name string, err error) {
	base := strings.TrimSuffix(filename, ".sql")

	version, name, ok := strings.Cut(base, "_")
	if !ok || version == "" || name == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return version, name, nil
}

// resolve はファイル一覧に適用履歴を突き合わせ、各マイグレーションの状態を埋める。
func (s *MigrationService) resolve(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure schema_migrations: %w", err)
	}

	files, err := s.scanMigrationFiles()
	if err != nil {
		return nil, err
	}

	applied, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch applied migrations: %w", err)
	}
	byVersion := make(map[string]*domain.Migration, len(applied))
	for _, m := range applied {
		byVersion[m.Version] = m
	}

	for _, f := range files {
		rec, ok := byVersion[f.Version]
		if !ok {
			continue
		}
		f.AppliedAt = rec.AppliedAt
		f.Status = domain.MigrationStatusApplied
		// チェックサム未記録の履歴は比較しない
		if rec.Checksum != "" && rec.Checksum != f.Checksum {
			f.Status = domain.MigrationStatusModified
		}
	}
	return files, nil
}

// ApplyMigrations は未適用マイグレーションを番号順に実行し、適用件数を返す。
// 適用済みファイルの変更を検出した場合は何も適用しない。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	all, err := s.resolve(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to resolve migrations",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}

	var pending []*domain.Migration
	for _, m := range all {
		switch m.Status {
		case domain.MigrationStatusModified:
			return 0, fmt.Errorf("%w: version %s (%s)", domain.ErrMigrationChecksumMismatch, m.Version, m.Path)
		case domain.MigrationStatusPending:
			pending = append(pending, m)
		}
	}

	applied := 0
	for _, m := range pending {
		script, err := fs.ReadFile(s.fsys, m.Path)
		if err != nil {
			return applied, fmt.Errorf("failed to read migration file: %w", err)
		}
		if err := s.repo.Apply(ctx, m, string(script)); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", m.Version,
				"error", err,
			)
			return applied, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, m.Version, err)
		}
		slog.InfoContext(ctx, "migration applied",
			"operation", "apply_migrations",
			"version", m.Version,
			"name", m.Name,
		)
		applied++
	}
	return applied, nil
}

// GetMigrationStatus は現在のマイグレーション状況を取得する。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	return s.resolve(ctx)
}
