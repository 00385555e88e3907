package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "SQLITE_PATH", "LOCK_TTL_SECONDS", "BILLING_LOOKBACK_DAYS", "SYNC_CONCURRENCY", "MAINO_API_KEY", "MAINO_EMAIL", "MAINO_PASSWORD"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, "consignment.db", cfg.SQLitePath)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, time.Duration(0), cfg.BillingLookback)
	assert.Equal(t, 4, cfg.SyncConcurrency)
	assert.False(t, cfg.RegistryConfigured())
}

func TestLoadRejectsInvalidNumbers(t *testing.T) {
	t.Setenv("LOCK_TTL_SECONDS", "-5")
	t.Setenv("SYNC_CONCURRENCY", "many")
	t.Setenv("BILLING_LOOKBACK_DAYS", "90")
	t.Setenv("MAINO_API_BASE_URL", "https://example.test/")
	t.Setenv("MAINO_API_KEY", "k")

	cfg := Load()

	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, 4, cfg.SyncConcurrency)
	assert.Equal(t, 90*24*time.Hour, cfg.BillingLookback)
	assert.Equal(t, "https://example.test", cfg.MainoBaseURL)
	assert.True(t, cfg.RegistryConfigured())
}

func TestRegistryConfiguredNeedsFullLogin(t *testing.T) {
	cfg := Config{MainoEmail: "ops@example.test", MainoPassword: "p"}
	assert.False(t, cfg.RegistryConfigured())

	cfg.MainoApplicationUID = "app"
	assert.True(t, cfg.RegistryConfigured())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", "json", &buf)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("module", "test").Info("hello")
	assert.Contains(t, buf.String(), `"module":"test"`)

	assert.Equal(t, logrus.InfoLevel, NewLogger("loud", "text", &buf).GetLevel())
}
