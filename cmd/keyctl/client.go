package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// apiClient は鍵管理APIを呼び出すHTTPクライアント。
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, httpClient *http.Client) (*apiClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}, nil
}

// do はリクエストを送り、期待したステータスでなければAPIのエラーメッセージを返す。
func (c *apiClient) do(method, path string, payload any, wantStatus int) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("%s: %s", errResp.Code, errResp.Message)
	}
	return fmt.Errorf("server returned status %d", statusCode)
}

// keyRecord はAPIの鍵メタデータ。
type keyRecord struct {
	KeyVersion          int    `json:"key_version"`
	Algorithm           string `json:"algorithm"`
	Status              string `json:"status"`
	IsActive            bool   `json:"is_active"`
	RotationReason      string `json:"rotation_reason"`
	ProgressPercentage  int    `json:"progress_percentage"`
	RecordsProcessed    int64  `json:"records_processed"`
	CreatedAt           string `json:"created_at"`
	DeletionScheduledAt string `json:"deletion_scheduled_at"`
}

type keyList struct {
	Keys []keyRecord `json:"keys"`
}

type keyStatus struct {
	ActiveKey  keyRecord  `json:"active_key"`
	PendingKey *keyRecord `json:"pending_key"`
}

type reencryptResult struct {
	SourceVersion      int   `json:"source_version"`
	TargetVersion      int   `json:"target_version"`
	Total              int64 `json:"total"`
	RecordsProcessed   int64 `json:"records_processed"`
	Migrated           int64 `json:"migrated"`
	Skipped            int64 `json:"skipped"`
	ProgressPercentage int   `json:"progress_percentage"`
}
