// ABOUTME: HTTP middlewares for user bearer tokens, local mode and the cron secret
// ABOUTME: Failures answer 401 with a JSON error body

package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// extractBearerToken returns the token from an Authorization header, or an
// error message when the header is unusable.
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", "invalid authorization header format"
	}
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HTTPAuthMiddleware requires a valid bearer token and puts its user id in the context.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				unauthorized(w, errMsg)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}

// AnonymousMiddleware treats every request as userID.
func AnonymousMiddleware(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}

// CronMiddleware requires "Authorization: Bearer <secret>". An empty secret allows everything.
func CronMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" {
				want := []byte("Bearer " + secret)
				got := []byte(r.Header.Get("Authorization"))
				if subtle.ConstantTimeCompare(got, want) != 1 {
					unauthorized(w, "Unauthorized")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
