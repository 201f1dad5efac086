package handler

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"

	"field-encryption-service/internal/domain"
	"field-encryption-service/internal/usecase"
	"field-encryption-service/pkg/httputil"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,64}$`)

// ValueHandler は保護値の保存・読み出しのHTTPハンドラを提供する。
type ValueHandler struct {
	service *usecase.ValueService
}

// NewValueHandler は新しいValueHandlerを生成する。
func NewValueHandler(service *usecase.ValueService) *ValueHandler {
	return &ValueHandler{service: service}
}

// ProtectRequest は保護値保存のリクエスト形式。
type ProtectRequest struct {
	RecordRef string `json:"record_ref"`
	FieldName string `json:"field_name"`
	Value     string `json:"value"`
}

// ProtectedValueResponse は保護値のレスポンス形式。
type ProtectedValueResponse struct {
	ID         uint                     `json:"id"`
	RecordRef  string                   `json:"record_ref"`
	FieldName  string                   `json:"field_name"`
	KeyVersion int                      `json:"key_version"`
	Payload    *domain.EncryptedPayload `json:"payload,omitempty"`
	Value      string                   `json:"value,omitempty"`
}

// Protect は値を暗号化して保存する。レスポンスに平文は含めない。
func (h *ValueHandler) Protect(w http.ResponseWriter, r *http.Request) {
	var req ProtectRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if !identifierRegex.MatchString(req.RecordRef) || !identifierRegex.MatchString(req.FieldName) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "record_ref and field_name must be 1-64 identifier characters")
		return
	}

	value, err := h.service.Protect(r.Context(), req.RecordRef, req.FieldName, []byte(req.Value))
	if err != nil {
		writeError(w, r, "protect_value", err)
		return
	}

	httputil.JSON(w, http.StatusCreated, ProtectedValueResponse{
		ID:         value.ID,
		RecordRef:  value.RecordRef,
		FieldName:  value.FieldName,
		KeyVersion: value.KeyVersion,
		Payload:    value.Payload,
	})
}

// Reveal は保存済みの値を復号して返す。
func (h *ValueHandler) Reveal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ID", "invalid value id")
		return
	}

	value, plaintext, err := h.service.Reveal(r.Context(), uint(id))
	if err != nil {
		writeError(w, r, "reveal_value", err)
		return
	}

	httputil.JSON(w, http.StatusOK, ProtectedValueResponse{
		ID:         value.ID,
		RecordRef:  value.RecordRef,
		FieldName:  value.FieldName,
		KeyVersion: value.KeyVersion,
		Value:      string(plaintext),
	})
}
