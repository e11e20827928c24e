package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/auth"
)

func authRecordEvent(name, targetID string) auth.Event {
	return auth.Event{Name: name, TargetType: "toolkit", TargetID: targetID}
}

func (s *Server) sameSite() http.SameSite {
	switch strings.ToLower(s.cfg.AuthCookieSameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func (s *Server) setCookie(w http.ResponseWriter, name, value string, expires time.Time, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   s.cfg.AuthCookieDomain,
		Expires:  expires,
		Secure:   s.cfg.AuthCookieSecure,
		HttpOnly: httpOnly,
		SameSite: s.sameSite(),
	})
}

func (s *Server) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   s.cfg.AuthCookieDomain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		Secure:   s.cfg.AuthCookieSecure,
		HttpOnly: true,
		SameSite: s.sameSite(),
	})
}

func (s *Server) issueBundle(w http.ResponseWriter, bundle auth.Bundle) {
	s.setCookie(w, refreshTokenCookie, bundle.RefreshToken, bundle.RefreshExpiresAt, true)
}

// rolesFor resolves the roles to embed in a fresh token bundle: a
// non-local provider's group-claim roles win when present, otherwise (and
// always for the local provider) the persisted roles table is
// authoritative
func (s *Server) rolesFor(r *http.Request, result auth.Result) ([]string, string, error) {
	ctx := r.Context()
	if result.ProviderName == "local" {
		roles, err := s.users.RolesForUser(ctx, result.ExternalID)
		return roles, result.ExternalID, err
	}

	userID, err := s.users.UpsertFromProvider(ctx, result.ProviderName, result.ExternalID, result.Username, result.Email, result.DisplayName)
	if err != nil {
		return nil, "", err
	}
	if len(result.Roles) > 0 {
		if err := s.users.SetRoles(ctx, userID, result.Roles); err != nil {
			s.log.Warn("httpapi: set roles for %s from %s: %v", userID, result.ProviderName, err)
		}
	}
	roles, err := s.users.RolesForUser(ctx, userID)
	return roles, userID, err
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// login implements POST /auth/login/{provider}: credential
// login for the local and LDAP provider types, which complete in a single
// round trip (no Begin redirect phase).
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	provider, ok := s.registry.Get(name)
	if !ok {
		writeError(w, s.log, apperr.NotFound("no such auth provider"))
		return
	}

	var body loginRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}

	ctx := r.Context()
	result, err := provider.Complete(ctx, auth.CompleteRequest{Username: body.Username, Password: body.Password})
	if err != nil {
		if s.audit != nil {
			s.audit.Record(ctx, auth.Event{Name: "auth.login.failure", Payload: map[string]any{"username": body.Username, "provider": name}, SourceIP: r.RemoteAddr})
		}
		writeError(w, s.log, err)
		return
	}

	roles, userID, err := s.rolesFor(r, result)
	if err != nil {
		writeError(w, s.log, apperr.Internal("resolve roles", err))
		return
	}

	bundle, err := s.tokens.CreateBundle(ctx, userID, roles, name, "", r.UserAgent(), nil)
	if err != nil {
		writeError(w, s.log, apperr.Internal("issue token bundle", err))
		return
	}
	if s.audit != nil {
		s.audit.Record(ctx, auth.Event{Name: "auth.login.success", UserID: userID, Payload: map[string]any{"provider": name}, SourceIP: r.RemoteAddr})
	}

	s.issueBundle(w, bundle)
	writeJSON(w, s.log, http.StatusOK, map[string]any{
		"access_token":      bundle.AccessToken,
		"access_expires_at": bundle.AccessExpiresAt,
	})
}

// listProviders implements GET /auth/providers: the enabled provider
// names and types, for a login page deciding which buttons to render.
func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	type providerInfo struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	providers := s.registry.List()
	out := make([]providerInfo, 0, len(providers))
	for _, p := range providers {
		out = append(out, providerInfo{Name: p.Name(), Type: p.Type()})
	}
	writeJSON(w, s.log, http.StatusOK, map[string]any{"providers": out})
}

// beginLogin implements GET /auth/providers/{name}/begin: starts a login
// with the named provider. Redirect-style providers (OIDC) answer with a
// 302 to the identity provider; form-style providers (local, LDAP) answer
// with the form descriptor so the caller knows to POST credentials.
func (s *Server) beginLogin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	provider, ok := s.registry.Get(name)
	if !ok {
		writeError(w, s.log, apperr.NotFound("no such auth provider"))
		return
	}

	query := map[string]string{}
	for k := range r.URL.Query() {
		query[k] = r.URL.Query().Get(k)
	}

	begin, err := provider.Begin(r.Context(), auth.CompleteRequest{Query: query})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if begin.Type == "redirect" && begin.URL != "" {
		http.Redirect(w, r, begin.URL, http.StatusFound)
		return
	}
	writeJSON(w, s.log, http.StatusOK, begin)
}

// oidcCallback implements GET /auth/providers/{name}/callback:
// the OIDC authorization code redirect target. On success it sets the
// refresh cookie and bounces the browser back to the configured frontend;
// SPA code there reads /auth/me to pick up the session.
func (s *Server) oidcCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	provider, ok := s.registry.Get(name)
	if !ok {
		writeError(w, s.log, apperr.NotFound("no such auth provider"))
		return
	}

	query := map[string]string{}
	for k := range r.URL.Query() {
		query[k] = r.URL.Query().Get(k)
	}

	ctx := r.Context()
	result, err := provider.Complete(ctx, auth.CompleteRequest{Query: query})
	if err != nil {
		if s.audit != nil {
			s.audit.Record(ctx, auth.Event{Name: "auth.login.failure", Payload: map[string]any{"provider": name}, SourceIP: r.RemoteAddr})
		}
		writeError(w, s.log, err)
		return
	}

	roles, userID, err := s.rolesFor(r, result)
	if err != nil {
		writeError(w, s.log, apperr.Internal("resolve roles", err))
		return
	}

	bundle, err := s.tokens.CreateBundle(ctx, userID, roles, name, "", r.UserAgent(), nil)
	if err != nil {
		writeError(w, s.log, apperr.Internal("issue token bundle", err))
		return
	}
	if s.audit != nil {
		s.audit.Record(ctx, auth.Event{Name: "auth.login.success", UserID: userID, Payload: map[string]any{"provider": name}, SourceIP: r.RemoteAddr})
	}

	s.issueBundle(w, bundle)
	s.setCookie(w, accessTokenCookie, bundle.AccessToken, bundle.AccessExpiresAt, true)

	dest := s.cfg.FrontendBaseURL
	if dest == "" {
		dest = "/"
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

// refresh implements POST /auth/refresh: rotates the session
// behind the refresh cookie and issues a fresh bundle.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshTokenCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, s.log, apperr.New(apperr.KindAuth, "missing refresh token"))
		return
	}

	bundle, err := s.tokens.Refresh(r.Context(), cookie.Value, s.users)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	s.issueBundle(w, bundle)
	writeJSON(w, s.log, http.StatusOK, map[string]any{
		"access_token":      bundle.AccessToken,
		"access_expires_at": bundle.AccessExpiresAt,
	})
}

// logout implements POST /auth/logout: revokes the session
// behind the refresh cookie and clears both cookies.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshTokenCookie)
	if err == nil && cookie.Value != "" {
		if err := s.tokens.Revoke(r.Context(), cookie.Value); err != nil {
			writeError(w, s.log, apperr.Internal("revoke session", err))
			return
		}
	}
	s.clearCookie(w, refreshTokenCookie)
	s.clearCookie(w, accessTokenCookie)
	w.WriteHeader(http.StatusNoContent)
}

// me implements GET /auth/me: the bearer-authenticated caller's
// own profile.
func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, s.log, authErrMissingToken)
		return
	}
	user, err := s.users.Get(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, s.log, apperr.Internal("load user", err))
		return
	}
	if user == nil {
		writeError(w, s.log, apperr.NotFound("user not found"))
		return
	}
	writeJSON(w, s.log, http.StatusOK, user)
}
