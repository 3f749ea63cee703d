// ABOUTME: Tests for the HTTP auth middlewares
// ABOUTME: Checks bearer handling, local mode and the cron secret gate

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoUser writes the context user id so tests can see what the middleware attached.
var echoUser = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(UserFromContext(r.Context())))
})

func TestHTTPAuthMiddleware(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	valid, err := v.Generate("user-42", time.Hour)
	require.NoError(t, err)

	handler := HTTPAuthMiddleware(v)(echoUser)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, "user-42"},
		{"missing header", "", http.StatusUnauthorized, `{"error":"missing authorization header"}`},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, `{"error":"invalid authorization header format"}`},
		{"empty bearer", "Bearer ", http.StatusUnauthorized, `{"error":"empty token"}`},
		{"bad token", "Bearer nope", http.StatusUnauthorized, `{"error":"invalid token"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			} else {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestAnonymousMiddleware(t *testing.T) {
	rec := httptest.NewRecorder()
	AnonymousMiddleware("local")(echoUser).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "local", rec.Body.String())
}

func TestCronMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"open when no secret", "", "", http.StatusNoContent},
		{"correct secret", "s3cret", "Bearer s3cret", http.StatusNoContent},
		{"wrong secret", "s3cret", "Bearer guess", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"secret without scheme", "s3cret", "s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/cron/cleanup", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			CronMiddleware(tt.secret)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestUserFromContext_Empty(t *testing.T) {
	assert.Equal(t, "", UserFromContext(context.Background()))
	assert.Equal(t, "u", UserFromContext(WithUser(context.Background(), "u")))
}
