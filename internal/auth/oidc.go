package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

const oidcNetworkTimeout = 10 * time.Second

// OIDCConfig configures one OpenID Connect provider
type OIDCConfig struct {
	Name             string
	DisplayName      string
	IssuerURL        string
	AuthURL          string
	TokenURL         string
	JWKSURL          string
	ClientID         string
	ClientSecret     string
	RedirectURL      string
	Scopes           []string
	GroupClaim       string // configurable group claim for role mapping
	StateSecret      []byte // used as given; cmd/server fills it from the JWT secret when AUTH_STATE_SECRET is unset
	StateTTL         time.Duration
}

// StateClaims is the signed, opaque `state` parameter round-tripped through
// the identity provider
type StateClaims struct {
	Provider     string `json:"provider"`
	Nonce        string `json:"nonce"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	Next         string `json:"next,omitempty"`
	Mode         string `json:"mode,omitempty"`
}

// JWKSFetcher resolves a provider's signing keys from its discovery JWKS
// endpoint, injected so tests can avoid live network calls.
type JWKSFetcher func(ctx context.Context, url string) (jwk.Set, error)

func fetchJWKS(ctx context.Context, url string) (jwk.Set, error) {
	ctx, cancel := context.WithTimeout(ctx, oidcNetworkTimeout)
	defer cancel()
	return jwk.Fetch(ctx, url)
}

// OIDCProvider implements Provider for an OpenID Connect identity source
// with PKCE S256 and signed state+nonce
type OIDCProvider struct {
	cfg        OIDCConfig
	oauth      oauth2.Config
	fetchJWKS  JWKSFetcher
	httpClient *http.Client
	log        logger.Logger
}

func NewOIDCProvider(cfg OIDCConfig, log logger.Logger) *OIDCProvider {
	if log == nil {
		log = logger.Discard
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	return &OIDCProvider{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		fetchJWKS:  fetchJWKS,
		httpClient: &http.Client{Timeout: oidcNetworkTimeout},
		log:        log,
	}
}

func (p *OIDCProvider) Name() string { return p.cfg.Name }
func (p *OIDCProvider) Type() string { return "oidc" }

func (p *OIDCProvider) stateSecret() []byte { return p.cfg.StateSecret }

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (p *OIDCProvider) signState(claims StateClaims) (string, error) {
	now := time.Now().UTC()
	tok, err := jwt.NewBuilder().
		IssuedAt(now).
		Expiration(now.Add(p.cfg.StateTTL)).
		Claim("provider", claims.Provider).
		Claim("nonce", claims.Nonce).
		Claim("code_verifier", claims.CodeVerifier).
		Claim("next", claims.Next).
		Claim("mode", claims.Mode).
		Build()
	if err != nil {
		return "", err
	}
	key, err := jwk.FromRaw(p.stateSecret())
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, key))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func (p *OIDCProvider) verifyState(raw string) (StateClaims, error) {
	key, err := jwk.FromRaw(p.stateSecret())
	if err != nil {
		return StateClaims{}, err
	}
	tok, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.HS256, key))
	if err != nil {
		return StateClaims{}, apperr.New(apperr.KindAuth, "invalid or expired state")
	}
	get := func(name string) string {
		v, _ := tok.Get(name)
		s, _ := v.(string)
		return s
	}
	return StateClaims{
		Provider:     get("provider"),
		Nonce:        get("nonce"),
		CodeVerifier: get("code_verifier"),
		Next:         get("next"),
		Mode:         get("mode"),
	}, nil
}

// Begin builds the authorization redirect with a fresh nonce, PKCE
// verifier/challenge, and signed state.
func (p *OIDCProvider) Begin(_ context.Context, req CompleteRequest) (BeginResult, error) {
	nonce, err := randomURLSafe(16)
	if err != nil {
		return BeginResult{}, fmt.Errorf("auth: generate nonce: %w", err)
	}
	verifier, err := randomURLSafe(32)
	if err != nil {
		return BeginResult{}, fmt.Errorf("auth: generate pkce verifier: %w", err)
	}

	state, err := p.signState(StateClaims{
		Provider:     p.cfg.Name,
		Nonce:        nonce,
		CodeVerifier: verifier,
		Next:         req.Query["next"],
		Mode:         req.Query["mode"],
	})
	if err != nil {
		return BeginResult{}, fmt.Errorf("auth: sign state: %w", err)
	}

	url := p.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("code_challenge", pkceChallengeS256(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return BeginResult{Type: "redirect", URL: url}, nil
}

// Complete verifies the callback's state and exchanges the authorization
// code for tokens, validating the id_token
func (p *OIDCProvider) Complete(ctx context.Context, req CompleteRequest) (Result, error) {
	rawState := req.Query["state"]
	code := req.Query["code"]
	if rawState == "" || code == "" {
		return Result{}, apperr.Validation("missing state or code")
	}

	state, err := p.verifyState(rawState)
	if err != nil {
		return Result{}, err
	}
	if state.Provider != p.cfg.Name {
		return Result{}, apperr.New(apperr.KindAuth, "state provider mismatch")
	}

	ctx, cancel := context.WithTimeout(ctx, oidcNetworkTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauth.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", state.CodeVerifier),
	)
	if err != nil {
		return Result{}, apperr.Upstream("exchange authorization code", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Result{}, apperr.Upstream("id_token missing from token response", nil)
	}

	keySet, err := p.fetchJWKS(ctx, p.cfg.JWKSURL)
	if err != nil {
		return Result{}, apperr.Upstream("fetch jwks", err)
	}

	idTok, err := jwt.Parse([]byte(rawIDToken),
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
		jwt.WithAudience(p.cfg.ClientID),
		jwt.WithIssuer(p.cfg.IssuerURL),
	)
	if err != nil {
		return Result{}, apperr.New(apperr.KindAuth, "id_token validation failed: "+err.Error())
	}

	if nonce, _ := idTok.Get("nonce"); nonce != state.Nonce {
		return Result{}, apperr.New(apperr.KindAuth, "nonce mismatch")
	}

	email, _ := stringClaim(idTok, "email")
	name, _ := stringClaim(idTok, "name")

	result := Result{
		ExternalID:   idTok.Subject(),
		Email:        email,
		DisplayName:  name,
		ProviderName: p.cfg.Name,
		Attributes:   map[string]any{},
		Roles:        groupClaimRoles(idTok, p.cfg.GroupClaim),
	}
	if result.Username == "" {
		result.Username = email
	}
	return result, nil
}

func stringClaim(tok jwt.Token, name string) (string, bool) {
	raw, ok := tok.Get(name)
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

func groupClaimRoles(tok jwt.Token, claim string) []string {
	if claim == "" {
		return nil
	}
	roles, _ := stringSliceClaim(tok, claim)
	return roles
}
