package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

// CredentialLookup resolves a username to its stored bcrypt hash. A
// concrete implementation backs this with the users table.
type CredentialLookup interface {
	LookupPasswordHash(ctx context.Context, username string) (userID, passwordHash string, ok bool, err error)
}

// ThrottleConfig controls the local provider's lockout behavior.
// Throttling is disabled entirely if any field is 0.
type ThrottleConfig struct {
	MaxAttempts     int
	WindowSeconds   int
	LockoutSeconds  int
}

func (c ThrottleConfig) enabled() bool {
	return c.MaxAttempts > 0 && c.WindowSeconds > 0 && c.LockoutSeconds > 0
}

// LocalProvider authenticates against a stored bcrypt hash with Redis-backed
// throttling
type LocalProvider struct {
	kv       kv.Store
	prefix   string
	lookup   CredentialLookup
	throttle ThrottleConfig
	audit    *Service
	onLogin  func(ctx context.Context, userID string) error
	log      logger.Logger
}

func NewLocalProvider(store kv.Store, prefix string, lookup CredentialLookup, throttle ThrottleConfig, audit *Service, log logger.Logger) *LocalProvider {
	if log == nil {
		log = logger.Discard
	}
	return &LocalProvider{kv: store, prefix: prefix, lookup: lookup, throttle: throttle, audit: audit, log: log}
}

// WithOnLogin attaches the mark_login callback invoked on every successful
// authentication.
func (p *LocalProvider) WithOnLogin(fn func(ctx context.Context, userID string) error) *LocalProvider {
	p.onLogin = fn
	return p
}

func (p *LocalProvider) Name() string { return "local" }
func (p *LocalProvider) Type() string { return "local" }

func (p *LocalProvider) Begin(_ context.Context, _ CompleteRequest) (BeginResult, error) {
	return BeginResult{Type: "form"}, nil
}

func (p *LocalProvider) attemptsKey(username string) string { return p.prefix + ":auth:local:attempts:" + username }
func (p *LocalProvider) lockoutKey(username string) string  { return p.prefix + ":auth:local:lockout:" + username }

func (p *LocalProvider) Complete(ctx context.Context, req CompleteRequest) (Result, error) {
	username := req.Username

	if p.throttle.enabled() {
		ttl, err := p.kv.TTL(ctx, p.lockoutKey(username))
		if err != nil {
			return Result{}, fmt.Errorf("auth: check lockout: %w", err)
		}
		if ttl > 0 {
			return Result{}, apperr.Throttled("account locked out", int(ttl.Seconds()))
		}
	}

	userID, hash, ok, err := p.lookup.LookupPasswordHash(ctx, username)
	if err != nil {
		return Result{}, fmt.Errorf("auth: lookup credentials: %w", err)
	}

	if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		return Result{}, p.onFailure(ctx, username)
	}

	if p.throttle.enabled() {
		if err := p.kv.Del(ctx, p.attemptsKey(username)); err != nil {
			p.log.Warn("auth: clear attempts for %s: %v", username, err)
		}
		if err := p.kv.Del(ctx, p.lockoutKey(username)); err != nil {
			p.log.Warn("auth: clear lockout for %s: %v", username, err)
		}
	}

	if p.onLogin != nil {
		if err := p.onLogin(ctx, userID); err != nil {
			p.log.Warn("auth: mark_login for %s failed: %v", userID, err)
		}
	}

	return Result{
		ExternalID:   userID,
		Username:     username,
		ProviderName: p.Name(),
	}, nil
}

func (p *LocalProvider) onFailure(ctx context.Context, username string) error {
	if !p.throttle.enabled() {
		return apperr.New(apperr.KindAuth, "invalid credentials")
	}

	window := secondsToDuration(p.throttle.WindowSeconds)
	count, err := p.kv.Incr(ctx, p.attemptsKey(username), window)
	if err != nil {
		return fmt.Errorf("auth: increment attempts: %w", err)
	}

	if count < int64(p.throttle.MaxAttempts) {
		return apperr.New(apperr.KindAuth, "invalid credentials")
	}

	if err := p.kv.Del(ctx, p.attemptsKey(username)); err != nil {
		p.log.Warn("auth: clear attempts after lockout for %s: %v", username, err)
	}
	lockout := secondsToDuration(p.throttle.LockoutSeconds)
	if err := p.kv.Set(ctx, p.lockoutKey(username), "1", lockout); err != nil {
		return fmt.Errorf("auth: set lockout: %w", err)
	}

	if p.audit != nil {
		p.audit.Record(ctx, Event{
			Name:     "auth.login.lockout",
			Severity: SeverityWarning,
			Payload:  map[string]any{"username": username},
		})
	}

	return apperr.Throttled("account locked out after too many failed attempts", p.throttle.LockoutSeconds)
}
