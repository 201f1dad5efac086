// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"field-encryption-service/config"
	"field-encryption-service/internal/handler"
	"field-encryption-service/internal/infra"
	"field-encryption-service/internal/middleware"
	"field-encryption-service/internal/repository"
	"field-encryption-service/internal/usecase"
)

// version はビルド時に -ldflags "-X main.version=..." で設定する。
var version = "dev"

// keyWrapper は鍵素材のラップに使うクライアント。
type keyWrapper interface {
	usecase.KMSClient
	Close() error
}

// newKeyWrapper はKMS_KEY_NAMEがあればCloud KMSを、なければMASTER_KEYによるローカルラップを使う。
func newKeyWrapper(ctx context.Context, cfg *config.Config) (keyWrapper, error) {
	if cfg.KMSKeyName != "" {
		client, err := infra.NewCloudKMSWrapper(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	slog.Warn("KMS_KEY_NAME is not set, wrapping key material with MASTER_KEY")
	local, err := infra.NewLocalKeyWrapper(cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	return local, nil
}

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	shutdownTracing, err := infra.StartTracing(ctx, cfg, version)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(ctx); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg)

	// DB初期化
	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}
	if strings.HasPrefix(cfg.DatabaseURL, "sqlite:") {
		if err := repository.AutoMigrate(ctx, db); err != nil {
			slog.Error("failed to migrate sqlite schema", "error", err)
			os.Exit(1)
		}
	}

	wrapper, err := newKeyWrapper(ctx, cfg)
	if err != nil {
		slog.Error("failed to init key wrapper", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := wrapper.Close(); closeErr != nil {
			slog.Error("failed to close key wrapper", "error", closeErr)
		}
	}()

	// DI
	audit := middleware.NewAuditLogger(slog.Default())
	keyRepo := repository.NewKeyRepository(db)
	valueRepo := repository.NewProtectedValueRepository(db)

	keyService := usecase.NewKeyService(keyRepo, valueRepo, wrapper, audit, usecase.KeyServiceOptions{
		Algorithm:         cfg.DefaultAlgorithm,
		InitialKeyVersion: cfg.InitialKeyVersion,
		MaxAttempts:       cfg.RotationMaxAttempts,
	})
	cipher := usecase.NewCipherService(keyService, audit, cfg.ReEncryptWorkers)
	pipeline := usecase.NewReEncryptionService(valueRepo, keyService, cipher, audit, cfg.ReEncryptBatchSize, cfg.ReEncryptWorkers)
	valueService := usecase.NewValueService(valueRepo, cipher)

	kh := handler.NewKeyHandler(keyService, pipeline, cfg.RetentionDays)
	vh := handler.NewValueHandler(valueService)
	router := handler.NewRouter(kh, vh, cfg)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"version", version,
		"algorithm", cfg.DefaultAlgorithm,
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
