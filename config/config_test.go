package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "DEFAULT_ALGORITHM", "RETENTION_DAYS", "REENCRYPT_BATCH_SIZE",
		"ROTATION_MAX_ATTEMPTS", "OTEL_ENABLED", "OTEL_SAMPLING_RATE",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("want port 8080, got %s", cfg.Port)
	}
	if cfg.DefaultAlgorithm != "aes-256-gcm" {
		t.Errorf("want aes-256-gcm, got %s", cfg.DefaultAlgorithm)
	}
	if cfg.RetentionDays != 2555 {
		t.Errorf("want retention 2555, got %d", cfg.RetentionDays)
	}
	if cfg.ReEncryptBatchSize != 500 {
		t.Errorf("want batch size 500, got %d", cfg.ReEncryptBatchSize)
	}
	if cfg.RotationMaxAttempts != 20 {
		t.Errorf("want max attempts 20, got %d", cfg.RotationMaxAttempts)
	}
	if cfg.OtelEnabled {
		t.Error("want otel disabled by default")
	}
	if cfg.OtelSamplingRate != 1.0 {
		t.Errorf("want sampling rate 1.0, got %v", cfg.OtelSamplingRate)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DEFAULT_ALGORITHM", "chacha20-poly1305")
	t.Setenv("RETENTION_DAYS", "30")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_SAMPLING_RATE", "0.25")

	cfg := Load()

	if cfg.DefaultAlgorithm != "chacha20-poly1305" {
		t.Errorf("want chacha20-poly1305, got %s", cfg.DefaultAlgorithm)
	}
	if cfg.RetentionDays != 30 {
		t.Errorf("want retention 30, got %d", cfg.RetentionDays)
	}
	if !cfg.OtelEnabled {
		t.Error("want otel enabled")
	}
	if cfg.OtelSamplingRate != 0.25 {
		t.Errorf("want sampling rate 0.25, got %v", cfg.OtelSamplingRate)
	}
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("RETENTION_DAYS", "forever")
	t.Setenv("OTEL_ENABLED", "maybe")

	cfg := Load()

	if cfg.RetentionDays != 2555 {
		t.Errorf("want default retention, got %d", cfg.RetentionDays)
	}
	if cfg.OtelEnabled {
		t.Error("want otel disabled on invalid value")
	}
}

func TestLoad_RotationMaxAttemptsClampedToOne(t *testing.T) {
	for _, v := range []string{"-5", "0"} {
		t.Setenv("ROTATION_MAX_ATTEMPTS", v)

		if got := Load().RotationMaxAttempts; got != 1 {
			t.Errorf("ROTATION_MAX_ATTEMPTS=%s: want 1, got %d", v, got)
		}
	}
}
