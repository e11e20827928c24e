package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"

	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/logger"
	"github.com/sxmxc/opstoolbox/internal/secretref"
)

var errSecretNotFound = errors.New("secret not found")

type memSecrets struct{ values map[string]string }

func (m memSecrets) Read(_ context.Context, ref secretref.Ref) (string, error) {
	v, ok := m.values[ref.String()]
	if !ok {
		return "", errSecretNotFound
	}
	return v, nil
}

func (m memSecrets) Write(context.Context, secretref.Ref, string) error { return nil }

func TestLoadProviderDefsFromInlineJSON(t *testing.T) {
	defs, err := LoadProviderDefs(`[{"name":"local","type":"local","enabled":true,"config":{}}]`, "")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, "local", defs[0].Name)
}

func TestLoadProviderDefsEmptyWhenUnconfigured(t *testing.T) {
	defs, err := LoadProviderDefs("", "")
	require.NoError(t, err)
	require.Empty(t, defs)
}

func TestBuildRegistryRegistersLocalProvider(t *testing.T) {
	defs, err := LoadProviderDefs(`[{"name":"local","type":"local","enabled":true,"config":{}}]`, "")
	require.NoError(t, err)

	registry, skipped, err := BuildRegistry(context.Background(), defs, BootstrapDeps{
		KV:          kv.NewMemoryStore(),
		KeyPrefix:   "opstoolbox",
		Credentials: fakeCredentials{ok: false},
		Log:         logger.Discard,
	})
	require.NoError(t, err)
	require.Empty(t, skipped)

	p, ok := registry.Get("local")
	require.True(t, ok)
	require.Equal(t, "local", p.Type())
}

func TestBuildRegistrySkipsOIDCWithUnresolvedSecret(t *testing.T) {
	defs, err := LoadProviderDefs(`[{
		"name": "okta",
		"type": "oidc",
		"enabled": true,
		"config": {
			"issuer_url": "https://okta.example.com",
			"client_id": "abc",
			"client_secret_ref": {"mount": "secret", "path": "okta", "key": "client_secret"}
		}
	}]`, "")
	require.NoError(t, err)

	registry, skipped, err := BuildRegistry(context.Background(), defs, BootstrapDeps{
		Secrets: memSecrets{values: map[string]string{}},
		Log:     logger.Discard,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"okta"}, skipped)
	_, ok := registry.Get("okta")
	require.False(t, ok)
}

func TestBuildRegistryBuildsOIDCWithResolvedSecretAndStubbedJWKS(t *testing.T) {
	defs, err := LoadProviderDefs(`[{
		"name": "okta",
		"type": "oidc",
		"enabled": true,
		"config": {
			"issuer_url": "https://okta.example.com",
			"auth_url": "https://okta.example.com/authorize",
			"token_url": "https://okta.example.com/token",
			"jwks_url": "https://okta.example.com/jwks",
			"client_id": "abc",
			"client_secret_ref": {"mount": "secret", "path": "okta", "key": "client_secret"}
		}
	}]`, "")
	require.NoError(t, err)

	stubFetch := func(context.Context, string) (jwk.Set, error) { return jwk.NewSet(), nil }

	registry, skipped, err := BuildRegistry(context.Background(), defs, BootstrapDeps{
		Secrets:     memSecrets{values: map[string]string{"secret/okta#client_secret": "shh"}},
		StateSecret: []byte("0123456789abcdef0123456789abcdef"),
		JWKS:        stubFetch,
		Log:         logger.Discard,
	})
	require.NoError(t, err)
	require.Empty(t, skipped)

	p, ok := registry.Get("okta")
	require.True(t, ok)
	require.Equal(t, "oidc", p.Type())
}

func TestBuildRegistrySkipsUnknownType(t *testing.T) {
	defs, err := LoadProviderDefs(`[{"name":"mystery","type":"saml","enabled":true,"config":{}}]`, "")
	require.NoError(t, err)

	registry, skipped, err := BuildRegistry(context.Background(), defs, BootstrapDeps{Log: logger.Discard})
	require.NoError(t, err)
	require.Equal(t, []string{"mystery"}, skipped)
	require.Empty(t, registry.List())
}
