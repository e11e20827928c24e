// Package config resolves the immutable process Config from environment
// variables, validating eagerly so a misconfigured deployment
// fails at startup rather than on the first request that needs the bad
// value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// bannedJWTSecrets rejects a short list of secrets that show up in
// tutorials/examples and should never reach a real deployment.
var bannedJWTSecrets = map[string]bool{
	"changeme":                        true,
	"secret":                          true,
	"your-secret-key":                 true,
	"insecure-development-secret-key": true,
}

// Config is the fully-resolved, validated process configuration. Every
// field is read once at startup; nothing here is refreshed at runtime
// (an override that needs to change live, like the catalog URL, lives in
// system_settings instead -- see internal/catalog.SettingsOverride).
type Config struct {
	DatabaseURL string
	RedisURL    string
	RedisPrefix string

	FrontendBaseURL string
	CORSOrigins     []string

	ToolkitStorageDir         string
	ToolkitUploadMaxBytes     int64
	ToolkitBundleMaxBytes     int64
	ToolkitBundleMaxFileBytes int64

	AuthJWTSecret     string
	AuthJWTAlgorithm  string
	AuthJWTPrivateKey string
	AuthJWTPublicKey  string

	AuthAccessTokenTTL  time.Duration
	AuthRefreshTokenTTL time.Duration

	AuthCookieDomain   string
	AuthCookieSecure   bool
	AuthCookieSameSite string

	AuthStateSecret       string
	AuthSSOStateTTL       time.Duration
	AuditLogRetentionDays int

	AuthProvidersJSON string
	AuthProvidersFile string

	VaultAddr  string
	VaultToken string
}

// Load resolves Config from the process environment and validates it
// eagerly config env var list.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		RedisPrefix: getenvDefault("REDIS_PREFIX", "opstoolbox"),

		FrontendBaseURL: os.Getenv("FRONTEND_BASE_URL"),
		CORSOrigins:     splitCSV(os.Getenv("CORS_ORIGINS")),

		ToolkitStorageDir: getenvDefault("TOOLKIT_STORAGE_DIR", "./toolkits"),

		AuthJWTSecret:     strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET")),
		AuthJWTAlgorithm:  getenvDefault("AUTH_JWT_ALGORITHM", "HS256"),
		AuthJWTPrivateKey: os.Getenv("AUTH_JWT_PRIVATE_KEY"),
		AuthJWTPublicKey:  os.Getenv("AUTH_JWT_PUBLIC_KEY"),

		AuthCookieDomain:   os.Getenv("AUTH_COOKIE_DOMAIN"),
		AuthCookieSameSite: getenvDefault("AUTH_COOKIE_SAMESITE", "Lax"),

		AuthStateSecret: os.Getenv("AUTH_STATE_SECRET"),

		AuthProvidersJSON: os.Getenv("AUTH_PROVIDERS_JSON"),
		AuthProvidersFile: os.Getenv("AUTH_PROVIDERS_FILE"),

		VaultAddr:  os.Getenv("VAULT_ADDR"),
		VaultToken: os.Getenv("VAULT_TOKEN"),
	}

	var err error
	if cfg.ToolkitUploadMaxBytes, err = getenvBytes("TOOLKIT_UPLOAD_MAX_BYTES", 50<<20); err != nil {
		return nil, err
	}
	if cfg.ToolkitBundleMaxBytes, err = getenvBytes("TOOLKIT_BUNDLE_MAX_BYTES", 100<<20); err != nil {
		return nil, err
	}
	if cfg.ToolkitBundleMaxFileBytes, err = getenvBytes("TOOLKIT_BUNDLE_MAX_FILE_BYTES", 25<<20); err != nil {
		return nil, err
	}

	if cfg.AuthAccessTokenTTL, err = getenvSeconds("AUTH_ACCESS_TOKEN_TTL_SECONDS", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AuthRefreshTokenTTL, err = getenvSeconds("AUTH_REFRESH_TOKEN_TTL_SECONDS", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AuthSSOStateTTL, err = getenvSeconds("AUTH_SSO_STATE_TTL_SECONDS", 10*time.Minute); err != nil {
		return nil, err
	}

	if cfg.AuthCookieSecure, err = getenvBoolDefault("AUTH_COOKIE_SECURE", true); err != nil {
		return nil, err
	}

	if cfg.AuditLogRetentionDays, err = getenvIntDefault("AUDIT_LOG_RETENTION_DAYS", 90); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.AuthJWTSecret) > 0 {
		if len(c.AuthJWTSecret) < 32 {
			return fmt.Errorf("config: AUTH_JWT_SECRET must be at least 32 characters")
		}
		if bannedJWTSecrets[strings.ToLower(c.AuthJWTSecret)] {
			return fmt.Errorf("config: AUTH_JWT_SECRET is a well-known placeholder value, set a real secret")
		}
	}

	switch strings.ToUpper(c.AuthJWTAlgorithm) {
	case "HS256", "HS384", "HS512":
		if c.AuthJWTSecret == "" {
			return fmt.Errorf("config: AUTH_JWT_SECRET is required for algorithm %s", c.AuthJWTAlgorithm)
		}
	case "RS256", "RS384", "RS512", "ES256", "ES384", "ES512":
		if c.AuthJWTPrivateKey == "" || c.AuthJWTPublicKey == "" {
			return fmt.Errorf("config: AUTH_JWT_{PRIVATE,PUBLIC}_KEY are both required for algorithm %s", c.AuthJWTAlgorithm)
		}
	default:
		return fmt.Errorf("config: unsupported AUTH_JWT_ALGORITHM %q", c.AuthJWTAlgorithm)
	}

	if c.AuthAccessTokenTTL <= 0 {
		return fmt.Errorf("config: AUTH_ACCESS_TOKEN_TTL_SECONDS must be positive")
	}
	if c.AuthRefreshTokenTTL <= c.AuthAccessTokenTTL {
		return fmt.Errorf("config: AUTH_REFRESH_TOKEN_TTL_SECONDS must exceed the access token TTL")
	}
	if c.ToolkitBundleMaxFileBytes > c.ToolkitBundleMaxBytes {
		return fmt.Errorf("config: TOOLKIT_BUNDLE_MAX_FILE_BYTES cannot exceed TOOLKIT_BUNDLE_MAX_BYTES")
	}
	if c.AuditLogRetentionDays < 0 {
		return fmt.Errorf("config: AUDIT_LOG_RETENTION_DAYS cannot be negative")
	}

	switch strings.ToLower(c.AuthCookieSameSite) {
	case "strict", "lax", "none":
	default:
		return fmt.Errorf("config: AUTH_COOKIE_SAMESITE must be one of Strict/Lax/None")
	}

	return nil
}

func getenvDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getenvBytes(name string, fallback int64) (int64, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer, got %q", name, v)
	}
	return n, nil
}

func getenvSeconds(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer number of seconds, got %q", name, v)
	}
	return time.Duration(n) * time.Second, nil
}

func getenvIntDefault(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", name, v)
	}
	return n, nil
}

func getenvBoolDefault(name string, fallback bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s must be a boolean, got %q", name, v)
	}
	return b, nil
}
