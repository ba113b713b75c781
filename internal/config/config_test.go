package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesLedgerServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "LEDGER_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "LEDGER_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_UsesUserServiceURLAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "ACCOUNT_REGISTRY_URL")
	setEnvWithCleanup(t, "USER_SERVICE_URL", "http://user-service:9000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.AccountRegistryURL != "http://user-service:9000" {
		t.Fatalf("expected AccountRegistryURL from alias env var, got %q", cfg.AccountRegistryURL)
	}
}

func TestLoadConfig_RetryAndRecoveryDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "TRANSFER_MAX_ATTEMPTS")
	unsetEnvWithCleanup(t, "TRANSFER_RETRY_BACKOFF_MILLIS")
	unsetEnvWithCleanup(t, "RECOVERY_SWEEP_INTERVAL_SECONDS")
	unsetEnvWithCleanup(t, "RECOVERY_WORKERS")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.TransferMaxAttempts != 5 {
		t.Fatalf("expected default TransferMaxAttempts of 5, got %d", cfg.TransferMaxAttempts)
	}
	if cfg.TransferRetryBackoffMillis != 25 {
		t.Fatalf("expected default TransferRetryBackoffMillis of 25, got %d", cfg.TransferRetryBackoffMillis)
	}
	if cfg.RecoverySweepIntervalSeconds != 60 {
		t.Fatalf("expected default RecoverySweepIntervalSeconds of 60, got %d", cfg.RecoverySweepIntervalSeconds)
	}
	if cfg.RecoveryWorkers != 4 {
		t.Fatalf("expected default RecoveryWorkers of 4, got %d", cfg.RecoveryWorkers)
	}
}

func TestLoadConfig_NegativeRateLimitIsDisabled(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "TRANSFER_RATE_LIMIT_PER_MINUTE", "-10")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.TransferRatePerMinute != 0 {
		t.Fatalf("expected negative rate limit coerced to 0, got %d", cfg.TransferRatePerMinute)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
