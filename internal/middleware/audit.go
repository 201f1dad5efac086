// Package middleware はHTTPミドルウェアと監査ログ出力を提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"

	"field-encryption-service/internal/domain"
)

// AuditLogger は監査エントリを構造化ログとして出力する。
type AuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditLogger は新しいAuditLoggerを生成する。logger が nil の場合は slog.Default を使う。
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger: logger.With("log_type", "audit"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record は監査エントリを出力する。失敗した操作はWARNレベルで出力する。
func (a *AuditLogger) Record(ctx context.Context, entry domain.AuditEntry) {
	result := "SUCCESS"
	level := slog.LevelInfo
	if !entry.Success {
		result = "FAILED"
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("operation", string(entry.Action)),
		slog.String("result", result),
		slog.String("timestamp", a.now().Format(time.RFC3339)),
	}
	if entry.KeyVersion > 0 {
		attrs = append(attrs, slog.Int("key_version", entry.KeyVersion))
	}
	if entry.RotationReason != "" {
		attrs = append(attrs, slog.String("rotation_reason", entry.RotationReason))
	}
	if entry.AuditInfo != "" {
		attrs = append(attrs, slog.String("audit_info", entry.AuditInfo))
	}
	if entry.Error != "" {
		attrs = append(attrs, slog.String("error", entry.Error))
	}

	a.logger.LogAttrs(ctx, level, "key operation completed", attrs...)
}
