package security

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	secret := []byte("test-secret-key-32bytes-long!!!!!")
	token, err := GenerateToken(42, "alice", secret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ValidateToken(token, secret)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != 42 || claims.Username != "alice" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.IssuedAt == 0 || claims.ExpiresAt == 0 {
		t.Error("IssuedAt and ExpiresAt should be set")
	}
}

func TestGenerateTokenEmptySecret(t *testing.T) {
	if _, err := GenerateToken(1, "alice", nil, time.Hour); err == nil {
		t.Error("expected an error for an empty secret")
	}
}

func TestRejectedTokens(t *testing.T) {
	secret := []byte("secret-1")
	expired, _ := GenerateToken(1, "alice", secret, -time.Hour)
	other, _ := GenerateToken(1, "alice", []byte("secret-2"), time.Hour)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", expired, ErrExpiredToken},
		{"garbage", "not-a-valid-jwt", ErrInvalidToken},
		{"wrong secret", other, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ValidateToken(tt.token, secret); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func claimsEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := ClaimsFrom(r.Context())
		if err != nil {
			t.Errorf("no claims in context: %v", err)
			return
		}
		w.Header().Set("X-User", c.Username)
	})
}

func TestAuthMiddleware(t *testing.T) {
	secret := []byte("mw-secret")
	token, _ := GenerateToken(3, "bob", secret, time.Hour)
	h := AuthMiddleware(secret, 0, nil)(claimsEcho(t))

	tests := []struct {
		name     string
		header   string
		query    string
		wantCode int
		wantUser string
	}{
		{name: "bearer header", header: "Bearer " + token, wantCode: http.StatusOK, wantUser: "bob"},
		{name: "query token", query: "?token=" + token, wantCode: http.StatusOK, wantUser: "bob"},
		{name: "missing", wantCode: http.StatusUnauthorized},
		{name: "bad scheme", header: "Basic abc", wantCode: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", wantCode: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if got := rr.Header().Get("X-User"); got != tt.wantUser {
				t.Errorf("user = %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestAuthMiddlewareDevMode(t *testing.T) {
	var got int64 = -1
	h := AuthMiddleware(nil, 7, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := ClaimsFrom(r.Context())
		got = c.UserID
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
	if got != 7 {
		t.Errorf("dev user = %d, want 7", got)
	}
}
