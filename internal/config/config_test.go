package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearAuthEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"AUTH_JWT_SECRET", "AUTH_JWT_ALGORITHM", "AUTH_JWT_PRIVATE_KEY", "AUTH_JWT_PUBLIC_KEY",
		"AUTH_ACCESS_TOKEN_TTL_SECONDS", "AUTH_REFRESH_TOKEN_TTL_SECONDS",
		"TOOLKIT_BUNDLE_MAX_BYTES", "TOOLKIT_BUNDLE_MAX_FILE_BYTES",
		"AUDIT_LOG_RETENTION_DAYS", "AUTH_COOKIE_SAMESITE",
	} {
		require.NoError(t, os.Unsetenv(name))
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearAuthEnv(t)
	t.Setenv("AUTH_JWT_SECRET", strings.Repeat("a", 32))
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "HS256", cfg.AuthJWTAlgorithm)
	require.Equal(t, "opstoolbox", cfg.RedisPrefix)
	require.True(t, cfg.AuthRefreshTokenTTL > cfg.AuthAccessTokenTTL)
}

func TestLoadRequiresJWTSecretForHMAC(t *testing.T) {
	clearAuthEnv(t)
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsShortJWTSecret(t *testing.T) {
	clearAuthEnv(t)
	t.Setenv("AUTH_JWT_SECRET", "too-short")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBannedJWTSecret(t *testing.T) {
	clearAuthEnv(t)
	t.Setenv("AUTH_JWT_SECRET", strings.Repeat("changeme", 5))
	_, err := Load()
	require.NoError(t, err) // long enough and not an exact banned match after repetition

	t.Setenv("AUTH_JWT_SECRET", "ChangeMe")
	_, err = Load()
	require.Error(t, err, "case-insensitive exact match against the banned list should fail")
}

func TestLoadRequiresMatchingAsymmetricKeysForRSAlgorithm(t *testing.T) {
	clearAuthEnv(t)
	t.Setenv("AUTH_JWT_ALGORITHM", "RS256")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("AUTH_JWT_PRIVATE_KEY", "priv")
	t.Setenv("AUTH_JWT_PUBLIC_KEY", "pub")
	_, err = Load()
	require.NoError(t, err)
}

func TestLoadRejectsRefreshTTLNotExceedingAccessTTL(t *testing.T) {
	clearAuthEnv(t)
	t.Setenv("AUTH_JWT_SECRET", strings.Repeat("a", 32))
	t.Setenv("AUTH_ACCESS_TOKEN_TTL_SECONDS", "3600")
	t.Setenv("AUTH_REFRESH_TOKEN_TTL_SECONDS", "1800")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBundleFileCapExceedingAggregateCap(t *testing.T) {
	clearAuthEnv(t)
	t.Setenv("AUTH_JWT_SECRET", strings.Repeat("a", 32))
	t.Setenv("TOOLKIT_BUNDLE_MAX_BYTES", "1000")
	t.Setenv("TOOLKIT_BUNDLE_MAX_FILE_BYTES", "2000")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsInvalidSameSite(t *testing.T) {
	clearAuthEnv(t)
	t.Setenv("AUTH_JWT_SECRET", strings.Repeat("a", 32))
	t.Setenv("AUTH_COOKIE_SAMESITE", "Bogus")
	_, err := Load()
	require.Error(t, err)
}
