// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	KMSKeyName         string
	MasterKey          string // Base64エンコードされた32バイトのマスター鍵（KMS未使用時）
	GoogleCloudProject string
	LogLevel           string

	// 暗号化・ローテーション設定
	DefaultAlgorithm    string
	InitialKeyVersion   int
	RetentionDays       int
	ReEncryptBatchSize  int
	ReEncryptWorkers    int
	RotationMaxAttempts uint

	// OpenTelemetry設定
	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		MasterKey:          os.Getenv("MASTER_KEY"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),

		DefaultAlgorithm:    getEnv("DEFAULT_ALGORITHM", "aes-256-gcm"),
		InitialKeyVersion:   getEnvInt("INITIAL_KEY_VERSION", 1),
		RetentionDays:       getEnvInt("RETENTION_DAYS", 2555),
		ReEncryptBatchSize:  getEnvInt("REENCRYPT_BATCH_SIZE", 500),
		ReEncryptWorkers:    getEnvInt("REENCRYPT_WORKERS", 8),
		RotationMaxAttempts: uint(max(1, getEnvInt("ROTATION_MAX_ATTEMPTS", 20))),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelInsecure:     getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "field-encryption-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
