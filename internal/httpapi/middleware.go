package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sxmxc/opstoolbox/internal/auth"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

// Role names referenced by the route table below.
const (
	roleToolkitUser    = "toolkit.user"
	roleToolkitCurator = "toolkit.curator"
	roleSuperuser      = "superuser"
	roleSystemAdmin    = "system.admin"
)

func loggerMiddleware(l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t := time.Now()
			defer func() {
				l.Info("httpapi: %s\t%s\t%s", r.Method, r.URL.Path, time.Since(t))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// headersMiddleware sets the common response header and reflects an
// allow-listed CORS origin for the browser-facing dashboard this API
// serves.
func (s *Server) headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type ctxKey int

const claimsKey ctxKey = iota

func claimsFromContext(ctx context.Context) (auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(auth.Claims)
	return c, ok
}

// bearerToken extracts the access token from the Authorization header,
// falling back to the access_token cookie for browser navigation requests
// (the OIDC callback redirect and dashboard page loads can't set a custom
// header).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(accessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// requireRole authenticates the access token and, when roles is non-empty,
// requires the caller to hold one of them -- a caller with the superuser
// role always passes "superusers implicitly hold
// system.admin" note generalized to every gated route.
func (s *Server) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, s.log, authErrMissingToken)
				return
			}
			claims, err := s.tokens.VerifyAccess(r.Context(), token)
			if err != nil {
				writeError(w, s.log, err)
				return
			}
			if len(roles) > 0 && !hasAnyRole(claims.Roles, roles...) {
				writeError(w, s.log, authErrForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func hasAnyRole(have []string, want ...string) bool {
	for _, h := range have {
		if h == roleSuperuser {
			return true
		}
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
