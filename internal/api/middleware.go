package api

import (
	"net/http"
	"strings"

	"scriptserver/internal/core"
)

const anonymousUser = "anonymous"

// AuthMiddleware creates a middleware that checks for a bearer token or query param token.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			// browsers cannot set headers on WebSocket handshakes
			if qToken := r.URL.Query().Get("token"); qToken == token {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				if authHeader[7:] == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		})
	}
}

// UserMiddleware attaches the calling user to the request context. The user
// id comes from header, set by a trusted proxy; requests without it act as
// the anonymous user.
func UserMiddleware(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(core.ContextWithUser(r.Context(), requestUser(r, header))))
		})
	}
}

func requestUser(r *http.Request, header string) core.User {
	user := core.User{ID: anonymousUser, AuditNames: map[string]string{"ip": r.RemoteAddr}}
	if header == "" {
		return user
	}
	if id := strings.TrimSpace(r.Header.Get(header)); id != "" {
		user.ID = id
		user.AuditNames["proxied_username"] = id
	}
	return user
}

func userFrom(r *http.Request) core.User {
	if user, ok := core.UserFromContext(r.Context()); ok {
		return user
	}
	return core.User{ID: anonymousUser}
}
