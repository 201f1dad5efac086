// Package handler はHTTPハンドラを提供する。
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"field-encryption-service/internal/domain"
	"field-encryption-service/internal/usecase"
	"field-encryption-service/pkg/httputil"
)

// KeyHandler は鍵ライフサイクルのHTTPハンドラを提供する。
type KeyHandler struct {
	service       *usecase.KeyService
	pipeline      *usecase.ReEncryptionService
	retentionDays int
}

// NewKeyHandler は新しいKeyHandlerを生成する。
// retentionDays は削除予定の設定でリクエストに日数がない場合の既定値。
func NewKeyHandler(service *usecase.KeyService, pipeline *usecase.ReEncryptionService, retentionDays int) *KeyHandler {
	return &KeyHandler{
		service:       service,
		pipeline:      pipeline,
		retentionDays: retentionDays,
	}
}

func parseKeyVersion(r *http.Request) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || v < 1 {
		return 0, domain.ErrInvalidKeyVersion
	}
	return v, nil
}

// KeyRecordResponse は鍵メタデータのレスポンス形式。鍵素材は含まない。
type KeyRecordResponse struct {
	KeyVersion          int     `json:"key_version"`
	Algorithm           string  `json:"algorithm"`
	Status              string  `json:"status"`
	IsActive            bool    `json:"is_active"`
	RotationReason      string  `json:"rotation_reason,omitempty"`
	ProgressPercentage  int     `json:"progress_percentage"`
	RecordsProcessed    int64   `json:"records_processed"`
	AuditInfo           string  `json:"audit_info,omitempty"`
	CreatedAt           string  `json:"created_at"`
	ActivatedAt         *string `json:"activated_at,omitempty"`
	RetiredAt           *string `json:"retired_at,omitempty"`
	DeletionScheduledAt *string `json:"deletion_scheduled_at,omitempty"`
}

// KeyStatusResponse は有効鍵と保留鍵のレスポンス形式。
type KeyStatusResponse struct {
	ActiveKey  KeyRecordResponse  `json:"active_key"`
	PendingKey *KeyRecordResponse `json:"pending_key,omitempty"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyRecordResponse `json:"keys"`
}

// ReEncryptionResponse は再暗号化結果のレスポンス形式。
type ReEncryptionResponse struct {
	SourceVersion      int   `json:"source_version"`
	TargetVersion      int   `json:"target_version"`
	Total              int64 `json:"total"`
	RecordsProcessed   int64 `json:"records_processed"`
	Migrated           int64 `json:"migrated"`
	Skipped            int64 `json:"skipped"`
	ProgressPercentage int   `json:"progress_percentage"`
}

// RotationRequest はブートストラップ/ローテーション開始のリクエスト形式。
type RotationRequest struct {
	Reason    string `json:"reason"`
	AuditInfo string `json:"audit_info"`
}

// ProgressRequest は進捗更新のリクエスト形式。
type ProgressRequest struct {
	Percentage       *int   `json:"percentage"`
	RecordsProcessed *int64 `json:"records_processed"`
}

// ScheduleDeletionRequest は削除予定設定のリクエスト形式。
type ScheduleDeletionRequest struct {
	RetentionDays *int `json:"retention_days"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toKeyRecordResponse(k *domain.KeyRecord) KeyRecordResponse {
	return KeyRecordResponse{
		KeyVersion:          k.KeyVersion,
		Algorithm:           k.Algorithm,
		Status:              string(k.Status),
		IsActive:            k.IsActive,
		RotationReason:      k.RotationReason,
		ProgressPercentage:  k.ProgressPercentage,
		RecordsProcessed:    k.RecordsProcessed,
		AuditInfo:           k.AuditInfo,
		CreatedAt:           k.CreatedAt.UTC().Format(time.RFC3339),
		ActivatedAt:         formatTime(k.ActivatedAt),
		RetiredAt:           formatTime(k.RetiredAt),
		DeletionScheduledAt: formatTime(k.DeletionScheduledAt),
	}
}

func toKeyListResponse(keys []*domain.KeyRecord) KeyListResponse {
	response := KeyListResponse{
		Keys: make([]KeyRecordResponse, len(keys)),
	}
	for i, k := range keys {
		response.Keys[i] = toKeyRecordResponse(k)
	}
	return response
}

// writeError はドメインエラーをHTTPステータスに変換して返す。
func writeError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidKeyVersion):
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_VERSION", "invalid key version")
	case errors.Is(err, domain.ErrInvalidProgress):
		httputil.Error(w, http.StatusBadRequest, "INVALID_PROGRESS", "percentage must be 0-100 and records_processed non-negative")
	case errors.Is(err, domain.ErrKeyNotFound):
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
	case errors.Is(err, domain.ErrValueNotFound):
		httputil.Error(w, http.StatusNotFound, "VALUE_NOT_FOUND", "protected value not found")
	case errors.Is(err, domain.ErrKeyAlreadyExists):
		httputil.Error(w, http.StatusConflict, "KEY_ALREADY_EXISTS", "initial key already exists")
	case errors.Is(err, domain.ErrNoActiveKey):
		httputil.Error(w, http.StatusConflict, "NO_ACTIVE_KEY", "no active key")
	case errors.Is(err, domain.ErrInvalidRotationState):
		httputil.Error(w, http.StatusConflict, "INVALID_ROTATION_STATE", "key state does not allow this operation")
	case errors.Is(err, domain.ErrKeyVersionConflict):
		httputil.Error(w, http.StatusConflict, "KEY_VERSION_CONFLICT", "key version allocation conflicted, retry later")
	case errors.Is(err, domain.ErrDecryptionFailed):
		httputil.Error(w, http.StatusUnprocessableEntity, "DECRYPTION_FAILED", "decryption failed")
	default:
		slog.ErrorContext(r.Context(), "request failed",
			"operation", operation,
			"error", err,
		)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// BootstrapKey は初期の有効鍵を作成する。
func (h *KeyHandler) BootstrapKey(w http.ResponseWriter, r *http.Request) {
	var req RotationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	key, err := h.service.BootstrapKey(r.Context(), req.Reason, req.AuditInfo)
	if err != nil {
		writeError(w, r, "bootstrap_key", err)
		return
	}

	httputil.JSON(w, http.StatusCreated, toKeyRecordResponse(key))
}

// GetKeyStatus は現在の有効鍵と保留鍵を返す。
func (h *KeyHandler) GetKeyStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetKeyStatus(r.Context())
	if err != nil {
		writeError(w, r, "get_key_status", err)
		return
	}

	response := KeyStatusResponse{
		ActiveKey: toKeyRecordResponse(status.ActiveKey),
	}
	if status.PendingKey != nil {
		pending := toKeyRecordResponse(status.PendingKey)
		response.PendingKey = &pending
	}
	httputil.JSON(w, http.StatusOK, response)
}

// ListKeys は鍵の履歴を返す。?active=false で有効でない鍵のみに絞る。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	var (
		keys []*domain.KeyRecord
		err  error
	)
	switch r.URL.Query().Get("active") {
	case "":
		keys, err = h.service.GetKeyHistory(r.Context())
	case "false":
		keys, err = h.service.ListInactiveKeys(r.Context())
	default:
		httputil.Error(w, http.StatusBadRequest, "INVALID_FILTER", "active filter only supports false")
		return
	}
	if err != nil {
		writeError(w, r, "list_keys", err)
		return
	}

	httputil.JSON(w, http.StatusOK, toKeyListResponse(keys))
}

// InitiateRotation は次のバージョンの保留鍵を作成する。
func (h *KeyHandler) InitiateRotation(w http.ResponseWriter, r *http.Request) {
	var req RotationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	key, err := h.service.InitiateKeyRotation(r.Context(), req.Reason, req.AuditInfo)
	if err != nil {
		writeError(w, r, "initiate_key_rotation", err)
		return
	}

	httputil.JSON(w, http.StatusCreated, toKeyRecordResponse(key))
}

// UpdateProgress は保留鍵の再暗号化進捗を記録する。
func (h *KeyHandler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	version, err := parseKeyVersion(r)
	if err != nil {
		writeError(w, r, "update_rotation_progress", err)
		return
	}

	var req ProgressRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Percentage == nil || req.RecordsProcessed == nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "percentage and records_processed are required")
		return
	}

	key, err := h.service.UpdateRotationProgress(r.Context(), version, *req.Percentage, *req.RecordsProcessed)
	if err != nil {
		writeError(w, r, "update_rotation_progress", err)
		return
	}

	httputil.JSON(w, http.StatusOK, toKeyRecordResponse(key))
}

// ActivateKey は再暗号化が完了した保留鍵を有効化する。
func (h *KeyHandler) ActivateKey(w http.ResponseWriter, r *http.Request) {
	version, err := parseKeyVersion(r)
	if err != nil {
		writeError(w, r, "activate_rotated_key", err)
		return
	}

	key, err := h.service.ActivateRotatedKey(r.Context(), version)
	if err != nil {
		writeError(w, r, "activate_rotated_key", err)
		return
	}

	httputil.JSON(w, http.StatusOK, toKeyRecordResponse(key))
}

// ReEncrypt は保存済みの値を保留鍵で暗号化し直す。完了までリクエストをブロックする。
func (h *KeyHandler) ReEncrypt(w http.ResponseWriter, r *http.Request) {
	version, err := parseKeyVersion(r)
	if err != nil {
		writeError(w, r, "reencrypt", err)
		return
	}

	result, err := h.pipeline.Run(r.Context(), version)
	if err != nil {
		writeError(w, r, "reencrypt", err)
		return
	}

	httputil.JSON(w, http.StatusOK, ReEncryptionResponse{
		SourceVersion:      result.SourceVersion,
		TargetVersion:      result.TargetVersion,
		Total:              result.Total,
		RecordsProcessed:   result.RecordsProcessed,
		Migrated:           result.Migrated,
		Skipped:            result.Skipped,
		ProgressPercentage: result.Percentage,
	})
}

// ScheduleDeletion は直近に退役した鍵の削除予定を設定する。
func (h *KeyHandler) ScheduleDeletion(w http.ResponseWriter, r *http.Request) {
	var req ScheduleDeletionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	days := h.retentionDays
	if req.RetentionDays != nil {
		days = *req.RetentionDays
	}
	if days < 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_RETENTION", "retention_days must not be negative")
		return
	}

	key, err := h.service.ScheduleOldKeyDeletion(r.Context(), days)
	if err != nil {
		writeError(w, r, "schedule_old_key_deletion", err)
		return
	}

	httputil.JSON(w, http.StatusOK, toKeyRecordResponse(key))
}

// ListDueForDeletion は削除予定日時を過ぎた退役鍵を返す。
func (h *KeyHandler) ListDueForDeletion(w http.ResponseWriter, r *http.Request) {
	keys, err := h.service.ListKeysDueForDeletion(r.Context())
	if err != nil {
		writeError(w, r, "list_keys_due_for_deletion", err)
		return
	}

	httputil.JSON(w, http.StatusOK, toKeyListResponse(keys))
}

// DeleteKey はパージ済みの退役鍵を削除済みにする。
func (h *KeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	version, err := parseKeyVersion(r)
	if err != nil {
		writeError(w, r, "mark_key_deleted", err)
		return
	}

	key, err := h.service.MarkKeyDeleted(r.Context(), version)
	if err != nil {
		writeError(w, r, "mark_key_deleted", err)
		return
	}

	httputil.JSON(w, http.StatusOK, toKeyRecordResponse(key))
}
