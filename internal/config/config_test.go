package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://app:secret@db:5433/drivers?sslmode=disable")
	t.Setenv("JWT_SECRET", "test-jwt-secret-at-least-32-characters-long")
	t.Setenv("OTP_SALT", "test-otp-salt")
}

func TestLoad_defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, 5, cfg.OTPMaxAttempts)
	assert.Equal(t, 8, cfg.BulkWorkers)
	assert.Equal(t, 15*time.Second, cfg.BulkItemTimeout)
	assert.Equal(t, "driver-audit", cfg.AuditTopic)
	assert.False(t, cfg.DevMode)
	assert.False(t, cfg.SMSConfigured())
	assert.False(t, cfg.EmailConfigured())
}

func TestLoad_requiredValues(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "JWT_SECRET", "OTP_SALT"} {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, "")
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_memoryStorageNeedsNoDatabase(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORAGE", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage)
}

func TestLoad_overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("BULK_WORKERS", "3")
	t.Setenv("BULK_ITEM_TIMEOUT", "2s")
	t.Setenv("OTP_MAX_ATTEMPTS", "7")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("DEV_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.BulkWorkers)
	assert.Equal(t, 2*time.Second, cfg.BulkItemTimeout)
	assert.Equal(t, 7, cfg.OTPMaxAttempts)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoad_rejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"BULK_WORKERS":      "0",
		"BULK_ITEM_TIMEOUT": "soon",
		"OTP_MAX_ATTEMPTS":  "x",
		"STORAGE":           "sqlite",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, val)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_bootstrapAdminPair(t *testing.T) {
	setRequired(t)
	t.Setenv("ADMIN_BOOTSTRAP_EMAIL", "ops@example.com")
	t.Setenv("ADMIN_BOOTSTRAP_PASSWORD", "")

	_, err := Load()
	require.Error(t, err)
}
