package auth

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/logger"
	"github.com/sxmxc/opstoolbox/internal/secretref"
)

// ProviderDef is the declarative shape of one entry in AUTH_PROVIDERS_JSON
// / AUTH_PROVIDERS_FILE or a persisted auth_provider_configs row: common
// fields plus a per-type config blob, with secrets either inline or given
// as a secretref.Ref resolved at load time.
type ProviderDef struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"` // "local", "oidc", "ldap", "active_directory"
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

// oidcDef/ldapDef are ProviderDef.Config, decoded per Type.
type oidcDef struct {
	DisplayName      string        `json:"display_name"`
	IssuerURL        string        `json:"issuer_url"`
	AuthURL          string        `json:"auth_url"`
	TokenURL         string        `json:"token_url"`
	JWKSURL          string        `json:"jwks_url"`
	ClientID         string        `json:"client_id"`
	ClientSecret     string        `json:"client_secret"`
	ClientSecretRef  *secretref.Ref `json:"client_secret_ref"`
	RedirectURL      string        `json:"redirect_url"`
	Scopes           []string      `json:"scopes"`
	GroupClaim       string        `json:"group_claim"`
	StateTTLSeconds  int           `json:"state_ttl_seconds"`
}

type ldapDef struct {
	URL             string `json:"url"`
	BindDN          string `json:"bind_dn"`
	BindPassword    string `json:"bind_password"`
	BindPasswordRef *secretref.Ref `json:"bind_password_ref"`
	BaseDN          string `json:"base_dn"`
	UserFilter      string `json:"user_filter"`
	UserDNTemplate  string `json:"user_dn_template"`
	GroupSearchBase string `json:"group_search_base"`
	GroupFilter     string `json:"group_filter"`
	ActiveDirectory bool   `json:"active_directory"`
	DefaultDomain   string `json:"default_domain"`
	BindTimeoutSeconds int `json:"bind_timeout_seconds"`
	InsecureSkipVerify bool `json:"insecure_skip_verify"`
}

// LoadProviderDefs resolves the provider definition list from an inline
// JSON string (takes priority) or a JSON file path, matching
// config.AuthProvidersJSON/AuthProvidersFile. Both empty returns an empty,
// non-nil slice -- a deployment using only the local provider built by the
// caller directly is a valid configuration.
func LoadProviderDefs(inlineJSON, filePath string) ([]ProviderDef, error) {
	var raw []byte
	switch {
	case inlineJSON != "":
		raw = []byte(inlineJSON)
	case filePath != "":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("auth: read provider defs file %s: %w", filePath, err)
		}
		raw = data
	default:
		return []ProviderDef{}, nil
	}

	var defs []ProviderDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("auth: decode provider defs: %w", err)
	}
	return defs, nil
}

// BootstrapDeps carries the already-constructed collaborators provider
// instantiation needs, supplied by the process entrypoint so this package
// never has to import internal/sqlstore directly.
type BootstrapDeps struct {
	KV            kv.Store
	KeyPrefix     string
	Secrets       secretref.Store
	Credentials   CredentialLookup
	Throttle      ThrottleConfig
	Audit         *Service
	OnLocalLogin  func(ctx context.Context, userID string) error
	// StateSecret signs OIDC `state` parameters and is passed to every OIDC
	// provider as is; cmd/server's stateSecret() supplies the JWT signing
	// secret when no state secret is configured.
	StateSecret   []byte
	// JWKS overrides the default discovery-endpoint fetcher, used by tests
	// to avoid live network calls.
	JWKS          JWKSFetcher
	Log           logger.Logger
}

// BuildRegistry instantiates a Provider for every enabled def and installs
// it into a fresh Registry. A def whose secret reference cannot be
// resolved is skipped (logged as a warning) rather than failing the whole
// bootstrap, so one misconfigured provider doesn't take down login
// entirely; the caller can inspect the returned skipped-name list.
func BuildRegistry(ctx context.Context, defs []ProviderDef, deps BootstrapDeps) (*Registry, []string, error) {
	log := deps.Log
	if log == nil {
		log = logger.Discard
	}
	registry := NewRegistry()
	var skipped []string

	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		switch def.Type {
		case "local":
			if deps.Credentials == nil {
				log.Warn("auth: skipping local provider %s, no credential lookup configured", def.Name)
				skipped = append(skipped, def.Name)
				continue
			}
			p := NewLocalProvider(deps.KV, deps.KeyPrefix, deps.Credentials, deps.Throttle, deps.Audit, log)
			if deps.OnLocalLogin != nil {
				p = p.WithOnLogin(deps.OnLocalLogin)
			}
			registry.Register(p)

		case "oidc":
			var spec oidcDef
			if err := json.Unmarshal(def.Config, &spec); err != nil {
				return nil, skipped, fmt.Errorf("auth: decode oidc config for %s: %w", def.Name, err)
			}
			clientSecret, err := resolveSecret(ctx, deps.Secrets, spec.ClientSecret, spec.ClientSecretRef)
			if err != nil {
				log.Warn("auth: skipping oidc provider %s, unresolved client secret: %v", def.Name, err)
				skipped = append(skipped, def.Name)
				continue
			}
			ttl := time.Duration(spec.StateTTLSeconds) * time.Second
			if ttl <= 0 {
				ttl = 10 * time.Minute
			}
			cfg := OIDCConfig{
				Name:         def.Name,
				DisplayName:  spec.DisplayName,
				IssuerURL:    spec.IssuerURL,
				AuthURL:      spec.AuthURL,
				TokenURL:     spec.TokenURL,
				JWKSURL:      spec.JWKSURL,
				ClientID:     spec.ClientID,
				ClientSecret: clientSecret,
				RedirectURL:  spec.RedirectURL,
				Scopes:       spec.Scopes,
				GroupClaim:   spec.GroupClaim,
				StateSecret:  deps.StateSecret,
				StateTTL:     ttl,
			}
			provider := NewOIDCProvider(cfg, log)
			if deps.JWKS != nil {
				provider.fetchJWKS = deps.JWKS
			}
			registry.Register(provider)

		case "ldap", "active_directory":
			var spec ldapDef
			if err := json.Unmarshal(def.Config, &spec); err != nil {
				return nil, skipped, fmt.Errorf("auth: decode ldap config for %s: %w", def.Name, err)
			}
			bindPassword, err := resolveSecret(ctx, deps.Secrets, spec.BindPassword, spec.BindPasswordRef)
			if err != nil {
				log.Warn("auth: skipping ldap provider %s, unresolved bind password: %v", def.Name, err)
				skipped = append(skipped, def.Name)
				continue
			}
			timeout := time.Duration(spec.BindTimeoutSeconds) * time.Second
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			var tlsCfg *tls.Config
			if spec.InsecureSkipVerify {
				tlsCfg = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
			}
			cfg := LDAPConfig{
				Name:            def.Name,
				URL:             spec.URL,
				BindDN:          spec.BindDN,
				BindPassword:    bindPassword,
				BaseDN:          spec.BaseDN,
				UserFilter:      spec.UserFilter,
				UserDNTemplate:  spec.UserDNTemplate,
				GroupSearchBase: spec.GroupSearchBase,
				GroupFilter:     spec.GroupFilter,
				ActiveDirectory: def.Type == "active_directory" || spec.ActiveDirectory,
				DefaultDomain:   spec.DefaultDomain,
				BindTimeout:     timeout,
				TLSConfig:       tlsCfg,
			}
			registry.Register(NewLDAPProvider(cfg, log))

		default:
			log.Warn("auth: skipping provider %s, unknown type %q", def.Name, def.Type)
			skipped = append(skipped, def.Name)
		}
	}

	return registry, skipped, nil
}

// resolveSecret prefers an inline value; otherwise resolves ref through
// store. A nil ref with no inline value is an error -- the provider has no
// secret at all.
func resolveSecret(ctx context.Context, store secretref.Store, inline string, ref *secretref.Ref) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if ref == nil {
		return "", fmt.Errorf("no inline value or secret reference configured")
	}
	if store == nil {
		return "", fmt.Errorf("secret reference %s configured but no secret store is wired", ref)
	}
	return store.Read(ctx, *ref)
}
