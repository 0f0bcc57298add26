package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type contextKey string

const (
	UserKey  contextKey = "user"
	AdminKey contextKey = "admin"
)

// ViewerAuth resolves the bearer API key to a user id. Requests without an
// Authorization header pass through as anonymous when allowAnonymous is set;
// an unknown key is always rejected.
func ViewerAuth(keys map[string]string, admins []string, allowAnonymous bool) func(http.Handler) http.Handler {
	adminSet := make(map[string]bool, len(admins))
	for _, a := range admins {
		adminSet[a] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isProbe(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				if allowAnonymous {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}

			// "Bearer <key>" atau "<key>"
			apiKey := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			if apiKey == "" {
				http.Error(w, "invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			user := ""
			for u, key := range keys {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
					user = u
					break
				}
			}
			if user == "" {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserKey, user)
			if adminSet[user] {
				ctx = context.WithValue(ctx, AdminKey, true)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the authenticated user id, or "" when anonymous.
func UserFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(UserKey).(string); ok {
		return u
	}
	return ""
}

func IsAdmin(ctx context.Context) bool {
	v, _ := ctx.Value(AdminKey).(bool)
	return v
}

// RequireAdmin guards project administration routes.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			http.Error(w, "admin only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isProbe(path string) bool {
	switch path {
	case "/health", "/healthz", "/readyz":
		return true
	}
	return false
}
