package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runKeyctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRotateCommand_SendsReason(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key_version":2,"status":"pending"}`))
	}))
	defer srv.Close()

	out, err := runKeyctl(t, "--api-url", srv.URL, "rotate", "--reason", "scheduled", "--audit-info", "OPS-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/keys/rotations" {
		t.Errorf("want POST /v1/keys/rotations, got %s %s", gotMethod, gotPath)
	}
	if gotBody["reason"] != "scheduled" || gotBody["audit_info"] != "OPS-1" {
		t.Errorf("unexpected request body: %v", gotBody)
	}
	if !strings.Contains(out, "key version 2 is pending") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestProgressCommand_UsesPut(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"key_version":3,"status":"pending","progress_percentage":40,"records_processed":400}`))
	}))
	defer srv.Close()

	out, err := runKeyctl(t, "--api-url", srv.URL, "progress", "3", "--percentage", "40", "--records", "400")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/v1/keys/3/progress" {
		t.Errorf("want PUT /v1/keys/3/progress, got %s %s", gotMethod, gotPath)
	}
	if gotBody["percentage"] != 40 || gotBody["records_processed"] != 400 {
		t.Errorf("unexpected request body: %v", gotBody)
	}
	if !strings.Contains(out, "progress=40%") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestHistoryCommand_InactiveFilterAndJSON(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"keys":[{"key_version":1,"status":"retiring"}]}`))
	}))
	defer srv.Close()

	out, err := runKeyctl(t, "--api-url", srv.URL, "--output", "json", "history", "--inactive")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotQuery != "active=false" {
		t.Errorf("want active=false query, got %q", gotQuery)
	}
	if !strings.Contains(out, `"key_version":1`) {
		t.Errorf("want raw json output, got %q", out)
	}
}

func TestActivateCommand_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"INVALID_ROTATION_STATE","message":"re-encryption is not complete"}`))
	}))
	defer srv.Close()

	_, err := runKeyctl(t, "--api-url", srv.URL, "activate", "2")
	if err == nil {
		t.Fatal("want error, got nil")
	}
	if !strings.Contains(err.Error(), "INVALID_ROTATION_STATE") {
		t.Errorf("want API error code in message, got %v", err)
	}
}

func TestActivateCommand_InvalidVersion(t *testing.T) {
	_, err := runKeyctl(t, "--api-url", "http://127.0.0.1:1", "activate", "zero")
	if err == nil || !strings.Contains(err.Error(), "invalid key version") {
		t.Errorf("want invalid key version error, got %v", err)
	}
}

func TestStatusCommand_RequiresAPIURL(t *testing.T) {
	t.Setenv("KEYCTL_API_URL", "")

	_, err := runKeyctl(t, "status")
	if err == nil || !strings.Contains(err.Error(), "--api-url is required") {
		t.Errorf("want missing api url error, got %v", err)
	}
}

func TestHandleErrorResponse_NonJSONBody(t *testing.T) {
	err := handleErrorResponse(http.StatusBadGateway, []byte("<html>bad gateway</html>"))
	if err == nil || err.Error() != "server returned status 502" {
		t.Errorf("unexpected error: %v", err)
	}
}
