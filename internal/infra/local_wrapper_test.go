package infra

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"field-encryption-service/internal/domain"
)

func testMasterKey(b byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

func TestLocalKeyWrapper_RoundTrip(t *testing.T) {
	w, err := NewLocalKeyWrapper(testMasterKey(0x11))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	material := bytes.Repeat([]byte{0xab}, 32)

	wrapped, err := w.Encrypt(ctx, material)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(wrapped, material) {
		t.Error("wrapped key contains raw material")
	}

	got, err := w.Decrypt(ctx, wrapped)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, material) {
		t.Error("unwrapped material differs")
	}
}

func TestLocalKeyWrapper_WrongMasterKey(t *testing.T) {
	ctx := context.Background()
	a, _ := NewLocalKeyWrapper(testMasterKey(0x11))
	b, _ := NewLocalKeyWrapper(testMasterKey(0x22))

	wrapped, err := a.Encrypt(ctx, []byte("material"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	_, err = b.Decrypt(ctx, wrapped)
	if !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Errorf("want ErrDecryptionFailed, got %v", err)
	}
}

func TestNewLocalKeyWrapper_InvalidKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "empty", key: ""},
		{name: "not base64", key: "%%%"},
		{name: "too short", key: base64.StdEncoding.EncodeToString([]byte("short"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLocalKeyWrapper(tt.key); err == nil {
				t.Error("want error")
			}
		})
	}
}
