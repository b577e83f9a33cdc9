package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/Strob0t/ChatGate/internal/domain/user"
	"github.com/Strob0t/ChatGate/internal/service"
)

type authUserCtxKey struct{}

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health":               true,
	"/health/ready":         true,
	"/api/v1/auth/register": true,
	"/api/v1/auth/login":    true,
	"/api/v1/auth/logout":   true,
	"/api/v1/auth/status":   true,
}

// Auth returns middleware that validates the access token carried either in
// the auth cookie or in an Authorization: Bearer header. The cookie takes
// precedence since browser clients rely on it.
func Auth(authSvc *service.AuthService, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			// WebSocket auth via ?token= query parameter: browsers cannot
			// set headers on WebSocket upgrade requests.
			if r.URL.Path == "/ws" {
				tokenParam := r.URL.Query().Get("token")
				if tokenParam == "" {
					http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
					return
				}
				claims, err := authSvc.ValidateAccessToken(tokenParam)
				if err != nil {
					http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
					return
				}
				ctx := context.WithValue(r.Context(), authUserCtxKey{}, userFromClaims(claims))
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token := TokenFromRequest(r, cookieName)
			if token == "" {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}

			claims, err := authSvc.ValidateAccessToken(token)
			if err != nil {
				http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), authUserCtxKey{}, userFromClaims(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenFromRequest extracts the access token from the auth cookie or, failing
// that, from an Authorization: Bearer header. Returns "" when neither is set.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token := strings.TrimPrefix(h, "Bearer "); token != h {
			return token
		}
	}
	return ""
}

func userFromClaims(claims *user.TokenClaims) *user.User {
	return &user.User{
		ID:    claims.UserID,
		Email: claims.Email,
		Name:  claims.Name,
	}
}

// UserFromContext returns the authenticated user from the request context.
func UserFromContext(ctx context.Context) *user.User {
	u, _ := ctx.Value(authUserCtxKey{}).(*user.User)
	return u
}
