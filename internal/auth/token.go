package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

const (
	claimTyp      = "typ"
	claimTokenUse = "token_use"
	claimRoles    = "roles"
	claimSID      = "sid"
	claimProvider = "provider"

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// TokenConfig is the signing configuration for issued JWTs
// token service.
type TokenConfig struct {
	Issuer     string
	Algorithm  jwa.SignatureAlgorithm
	SignKey    jwk.Key // private/symmetric key used to sign
	VerifyKey  jwk.Key // public/symmetric key used to verify; equals SignKey for HMAC
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Bundle is the access+refresh pair returned by create_token_bundle.
type Bundle struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenService issues, verifies, and rotates JWT access/refresh tokens and
// keeps their backing AuthSession rows in sync
type TokenService struct {
	cfg      TokenConfig
	sessions SessionStore
	audit    *Service
	log      logger.Logger
}

func NewTokenService(cfg TokenConfig, sessions SessionStore, audit *Service, log logger.Logger) *TokenService {
	if log == nil {
		log = logger.Discard
	}
	return &TokenService{cfg: cfg, sessions: sessions, audit: audit, log: log}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (s *TokenService) build(now time.Time, userID string, roles []string, providerName, sessionID, typ string, ttl time.Duration, extra map[string]any) (jwt.Token, error) {
	builder := jwt.NewBuilder().
		Issuer(s.cfg.Issuer).
		Subject(userID).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(ttl)).
		JwtID(uuid.NewString()).
		Claim(claimTyp, typ).
		Claim(claimRoles, roles).
		Claim(claimSID, sessionID).
		Claim(claimProvider, providerName)

	if typ == tokenTypeRefresh {
		builder = builder.Claim(claimTokenUse, tokenTypeRefresh)
	}
	for k, v := range extra {
		builder = builder.Claim(k, v)
	}

	return builder.Build()
}

func (s *TokenService) sign(tok jwt.Token) (string, error) {
	signed, err := jwt.Sign(tok, jwt.WithKey(s.cfg.Algorithm, s.cfg.SignKey))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return string(signed), nil
}

// CreateBundle issues a fresh access+refresh token pair for userID and
// persists the refresh token's hash as an AuthSession row (creating
// sessionID as a new uuid if the caller doesn't already have one -- e.g. a
// brand-new login rather than a refresh).
func (s *TokenService) CreateBundle(ctx context.Context, userID string, roles []string, providerName, sessionID, clientInfo string, extra map[string]any) (Bundle, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := time.Now().UTC()

	accessTok, err := s.build(now, userID, roles, providerName, sessionID, tokenTypeAccess, s.cfg.AccessTTL, extra)
	if err != nil {
		return Bundle{}, fmt.Errorf("auth: build access token: %w", err)
	}
	refreshTok, err := s.build(now, userID, roles, providerName, sessionID, tokenTypeRefresh, s.cfg.RefreshTTL, nil)
	if err != nil {
		return Bundle{}, fmt.Errorf("auth: build refresh token: %w", err)
	}

	accessSigned, err := s.sign(accessTok)
	if err != nil {
		return Bundle{}, err
	}
	refreshSigned, err := s.sign(refreshTok)
	if err != nil {
		return Bundle{}, err
	}

	refreshExpiresAt := now.Add(s.cfg.RefreshTTL)
	if _, err := s.sessions.UpsertByHash(ctx, userID, hashToken(refreshSigned), refreshExpiresAt, clientInfo); err != nil {
		return Bundle{}, fmt.Errorf("auth: persist session: %w", err)
	}

	return Bundle{
		AccessToken:      accessSigned,
		RefreshToken:     refreshSigned,
		AccessExpiresAt:  now.Add(s.cfg.AccessTTL),
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

// RoleLookup re-derives a user's current roles at refresh time, so a role
// change takes effect on the next refresh rather than waiting for the old
// access token to expire.
type RoleLookup interface {
	RolesForUser(ctx context.Context, userID string) ([]string, error)
}

// Refresh validates a refresh token, rotates its backing session, and
// issues a new bundle. The old refresh token is invalidated as a side
// effect of the hash rotation.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string, roleLookup RoleLookup) (Bundle, error) {
	tok, err := jwt.Parse([]byte(refreshToken), jwt.WithKey(s.cfg.Algorithm, s.cfg.VerifyKey))
	if err != nil {
		return Bundle{}, apperr.New(apperr.KindAuth, "invalid refresh token")
	}

	typ, _ := tok.Get(claimTyp)
	use, _ := tok.Get(claimTokenUse)
	if typ != tokenTypeRefresh || use != tokenTypeRefresh {
		return Bundle{}, apperr.New(apperr.KindAuth, "not a refresh token")
	}

	sess, err := s.sessions.GetByHash(ctx, hashToken(refreshToken))
	if err != nil {
		return Bundle{}, fmt.Errorf("auth: look up session: %w", err)
	}
	now := time.Now().UTC()
	if sess == nil {
		return Bundle{}, apperr.New(apperr.KindAuth, "Refresh token not recognized")
	}
	if sess.Revoked() || sess.Expired(now) {
		return Bundle{}, apperr.New(apperr.KindAuth, "session revoked or expired")
	}

	userID := tok.Subject()
	roles, _ := stringSliceClaim(tok, claimRoles)
	if roleLookup != nil {
		if fresh, err := roleLookup.RolesForUser(ctx, userID); err == nil {
			roles = fresh
		} else {
			s.log.Warn("auth: refresh roles for %s: %v", userID, err)
		}
	}
	providerName, _ := tok.Get(claimProvider)
	providerStr, _ := providerName.(string)
	sessionID, _ := tok.Get(claimSID)
	sessionIDStr, _ := sessionID.(string)

	accessTok, err := s.build(now, userID, roles, providerStr, sessionIDStr, tokenTypeAccess, s.cfg.AccessTTL, nil)
	if err != nil {
		return Bundle{}, fmt.Errorf("auth: build access token: %w", err)
	}
	refreshTok, err := s.build(now, userID, roles, providerStr, sessionIDStr, tokenTypeRefresh, s.cfg.RefreshTTL, nil)
	if err != nil {
		return Bundle{}, fmt.Errorf("auth: build refresh token: %w", err)
	}

	accessSigned, err := s.sign(accessTok)
	if err != nil {
		return Bundle{}, err
	}
	refreshSigned, err := s.sign(refreshTok)
	if err != nil {
		return Bundle{}, err
	}

	refreshExpiresAt := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.Rotate(ctx, sess.ID, hashToken(refreshSigned), refreshExpiresAt); err != nil {
		return Bundle{}, fmt.Errorf("auth: rotate session: %w", err)
	}

	if s.audit != nil {
		s.audit.Record(ctx, Event{Name: "auth.token.refresh", UserID: userID, TargetID: sess.ID, TargetType: "auth_session"})
	}

	return Bundle{
		AccessToken:      accessSigned,
		RefreshToken:     refreshSigned,
		AccessExpiresAt:  now.Add(s.cfg.AccessTTL),
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

// Revoke soft-deletes the session backing a refresh token
// logout flow.
func (s *TokenService) Revoke(ctx context.Context, refreshToken string) error {
	sess, err := s.sessions.GetByHash(ctx, hashToken(refreshToken))
	if err != nil {
		return fmt.Errorf("auth: look up session: %w", err)
	}
	if sess == nil {
		return nil
	}
	if err := s.sessions.Revoke(ctx, sess.ID); err != nil {
		return fmt.Errorf("auth: revoke session: %w", err)
	}
	if s.audit != nil {
		s.audit.Record(ctx, Event{Name: "auth.logout", UserID: sess.UserID, TargetID: sess.ID, TargetType: "auth_session"})
	}
	return nil
}

// Claims is the verified identity extracted from an access token, used by
// the HTTP edge's auth middleware.
type Claims struct {
	UserID       string
	Roles        []string
	SessionID    string
	ProviderName string
}

// VerifyAccess validates signature and token type for an access token
// (expiry is enforced by jwt.Parse itself) and returns the embedded
// identity claims.
func (s *TokenService) VerifyAccess(_ context.Context, accessToken string) (Claims, error) {
	tok, err := jwt.Parse([]byte(accessToken), jwt.WithKey(s.cfg.Algorithm, s.cfg.VerifyKey))
	if err != nil {
		return Claims{}, apperr.New(apperr.KindAuth, "invalid access token")
	}
	typ, _ := tok.Get(claimTyp)
	if typ != tokenTypeAccess {
		return Claims{}, apperr.New(apperr.KindAuth, "not an access token")
	}

	roles, _ := stringSliceClaim(tok, claimRoles)
	sessionID, _ := tok.Get(claimSID)
	sessionIDStr, _ := sessionID.(string)
	providerName, _ := tok.Get(claimProvider)
	providerStr, _ := providerName.(string)

	return Claims{
		UserID:       tok.Subject(),
		Roles:        roles,
		SessionID:    sessionIDStr,
		ProviderName: providerStr,
	}, nil
}

func stringSliceClaim(tok jwt.Token, name string) ([]string, bool) {
	raw, ok := tok.Get(name)
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}
