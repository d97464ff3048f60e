package middleware

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health":                 true,
	"/api/v1/version":         true,
	"/.well-known/agent.json": true,
}

// Auth returns middleware that checks the presented API key against the
// configured bcrypt hash. An empty hash disables authentication entirely,
// which is the development default.
//
// The key is read from the X-API-Key header or an Authorization bearer
// token; the websocket path additionally accepts ?token= because browsers
// cannot set headers on an upgrade request.
func Auth(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := credential(r)
			if key == "" {
				writeAuthError(w, http.StatusUnauthorized, "authorization required")
				return
			}
			if bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)) != nil {
				writeAuthError(w, http.StatusForbidden, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// credential extracts the API key the caller presented, if any.
func credential(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token := strings.TrimPrefix(h, "Bearer "); token != h {
			return token
		}
	}
	if r.URL.Path == "/ws" {
		return r.URL.Query().Get("token")
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
